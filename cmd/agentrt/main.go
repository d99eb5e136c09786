package main

import "github.com/forgeline/agentrt/internal/cli"

func main() {
	cli.Execute()
}
