// Package config loads agentrelay settings from a YAML file, a .env file
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentrelay/internal/identity"
	"agentrelay/internal/protocol"
	"agentrelay/internal/relay"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	dirName  = ".agentrelay"
	fileName = "config.yaml"

	// DefaultDiscoveryTag is the tool discovery tag servers announce under
	// and clients search when nothing is configured.
	DefaultDiscoveryTag = protocol.DefaultToolDiscoveryTag
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Version     string            `mapstructure:"version"`
	Identity    IdentityConfig    `mapstructure:"identity"`
	Relays      []string          `mapstructure:"relays"`
	Wallet      WalletConfig      `mapstructure:"wallet"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Client      ClientConfig      `mapstructure:"client"`
	Payment     PaymentConfig     `mapstructure:"payment"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Threads     ThreadsConfig     `mapstructure:"threads"`
	RelayServer RelayServerConfig `mapstructure:"relay_server"`
}

type IdentityConfig struct {
	// PrivateKey is hex or nsec.
	PrivateKey string `mapstructure:"private_key"`
}

type WalletConfig struct {
	URL string `mapstructure:"url"`
}

type DiscoveryConfig struct {
	Tag string `mapstructure:"tag"`
}

type ClientConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	Retries      int           `mapstructure:"retries"`
	MaxPriceSats int64         `mapstructure:"max_price_sats"`
}

type PaymentConfig struct {
	InvoiceExpiry  time.Duration `mapstructure:"invoice_expiry"`
	SettlementWait time.Duration `mapstructure:"settlement_wait"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

type AgentConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	PriceSats   int64  `mapstructure:"price_sats"`
	// URL fronts an agent served over HTTP (/info and /chat) instead of
	// the built-in agents.
	URL string `mapstructure:"url"`
}

type ThreadsConfig struct {
	Store   string `mapstructure:"store"`
	Path    string `mapstructure:"path"`
	History int    `mapstructure:"history"`
}

type RelayServerConfig struct {
	Listen    string `mapstructure:"listen"`
	RedisURL  string `mapstructure:"redis_url"`
	MaxEvents int    `mapstructure:"max_events"`
}

type LoadOptions struct {
	// ConfigFile overrides path resolution. It must exist when set.
	ConfigFile string
	// EnvFile is loaded into the process environment first; missing files
	// are ignored. Defaults to ".env".
	EnvFile string
}

func Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := newViper()
	path := ResolveConfigPath(opts.ConfigFile)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if opts.ConfigFile != "" {
		return nil, fmt.Errorf("config file %s: %w", opts.ConfigFile, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Relays = splitList(cfg.Relays)
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("version", "1")
	v.SetDefault("identity.private_key", "")
	v.SetDefault("relays", []string{})
	v.SetDefault("wallet.url", "")
	v.SetDefault("discovery.tag", DefaultDiscoveryTag)
	v.SetDefault("client.timeout", 30*time.Second)
	v.SetDefault("client.retries", 1)
	v.SetDefault("client.max_price_sats", 0)
	v.SetDefault("payment.invoice_expiry", 10*time.Minute)
	v.SetDefault("payment.settlement_wait", 10*time.Minute)
	v.SetDefault("payment.poll_interval", 2*time.Second)
	v.SetDefault("http.listen", "")
	v.SetDefault("agent.name", "")
	v.SetDefault("agent.description", "")
	v.SetDefault("agent.price_sats", 0)
	v.SetDefault("agent.url", "")
	v.SetDefault("threads.store", "memory")
	v.SetDefault("threads.path", "./data/threads.db")
	v.SetDefault("threads.history", 20)
	v.SetDefault("relay_server.listen", ":7447")
	v.SetDefault("relay_server.redis_url", "")
	v.SetDefault("relay_server.max_events", 10000)

	v.SetEnvPrefix("AGENTRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names used by existing deployments.
	_ = v.BindEnv("relays", "AGENTRELAY_RELAYS", "NOSTR_RELAYS")
	_ = v.BindEnv("identity.private_key", "AGENTRELAY_IDENTITY_PRIVATE_KEY", "NOSTR_PRIVATE_KEY")
	_ = v.BindEnv("wallet.url", "AGENTRELAY_WALLET_URL", "NWC_CONN_STR", "WALLET_URL")
	_ = v.BindEnv("discovery.tag", "AGENTRELAY_DISCOVERY_TAG", "NOSTR_MCP_TOOL_DISCOVERY_TAG")
	_ = v.BindEnv("agent.url", "AGENTRELAY_AGENT_URL", "AGENT_URL")
	return v
}

// splitList flattens comma separated entries, which is how list values
// arrive from the environment.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks what every relay participant needs: a usable identity
// and at least one well formed relay.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Identity.PrivateKey) == "" {
		errs = append(errs, errors.New("identity.private_key is required"))
	} else if _, err := identity.Parse(c.Identity.PrivateKey); err != nil {
		errs = append(errs, fmt.Errorf("identity.private_key: %w", err))
	}
	if err := c.ValidateRelays(); err != nil {
		errs = append(errs, err)
	}
	if c.Client.Timeout <= 0 {
		errs = append(errs, errors.New("client.timeout must be positive"))
	}
	if c.Client.Retries < 0 {
		errs = append(errs, errors.New("client.retries must not be negative"))
	}
	if c.Payment.InvoiceExpiry <= 0 {
		errs = append(errs, errors.New("payment.invoice_expiry must be positive"))
	}
	if c.Agent.PriceSats < 0 {
		errs = append(errs, errors.New("agent.price_sats must not be negative"))
	}
	if c.Agent.URL != "" {
		if u, err := url.Parse(c.Agent.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("agent.url %q: want an http(s) URL", c.Agent.URL))
		}
	}
	switch c.Threads.Store {
	case "", "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("threads.store %q: want memory or sqlite", c.Threads.Store))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ValidateRelays checks only the relay list, for commands that do not need
// an identity of their own.
func (c *Config) ValidateRelays() error {
	if len(c.Relays) == 0 {
		return errors.New("relays: at least one relay url is required")
	}
	for _, r := range c.Relays {
		if _, err := relay.NormalizeURL(r); err != nil {
			return err
		}
	}
	return nil
}

// LoadIdentity parses the configured key.
func (c *Config) LoadIdentity() (*identity.Identity, error) {
	return identity.Parse(c.Identity.PrivateKey)
}

// ResolveConfigPath returns explicit when set. Otherwise it searches upward
// from the working directory for .agentrelay/config.yaml, stopping at the
// project root (a directory holding .git), and falls back to the default
// path in the home directory.
func ResolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if wd, err := os.Getwd(); err == nil {
		dir := wd
		for {
			candidate := filepath.Join(dir, dirName, fileName)
			if fileExists(candidate) {
				return candidate
			}
			if fileExists(filepath.Join(dir, ".git")) {
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return DefaultConfigPath()
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(dirName, fileName)
	}
	return filepath.Join(home, dirName, fileName)
}

// ApplyFile checks that src parses and copies it to dst.
func ApplyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("parse %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
