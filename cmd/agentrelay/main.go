package main

import "agentrelay/cmd/agentrelay/cmd"

func main() {
	cmd.Execute()
}
