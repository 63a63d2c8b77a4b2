package cmd

import (
	"fmt"
	"os"

	"agentrelay/internal/config"
	"agentrelay/internal/identity"

	"github.com/spf13/cobra"
)

func NewKeysCmd() *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate and inspect relay identities",
	}
	keysCmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Generate a new identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := identity.Generate()
			return writeJSON(os.Stdout, keyInfo(id, true))
		},
	})
	keysCmd.AddCommand(&cobra.Command{
		Use:   "show [private-key]",
		Short: "Show the public key of the given or configured identity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			} else {
				cfg, err := config.Load(config.LoadOptions{ConfigFile: GetConfigFileFlag()})
				if err != nil {
					return err
				}
				key = cfg.Identity.PrivateKey
			}
			id, err := identity.Parse(key)
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, keyInfo(id, false))
		},
	})
	return keysCmd
}

func keyInfo(id *identity.Identity, secret bool) map[string]string {
	info := map[string]string{
		"public_key": id.PublicKey(),
		"npub":       id.NPub(),
	}
	if secret {
		info["nsec"] = id.NSec()
		fmt.Fprintln(os.Stderr, "keep nsec secret; set it as identity.private_key or NOSTR_PRIVATE_KEY")
	}
	return info
}
