package main

import "agentrunner/cmd/cli"

func main() {
	cli.Execute()
}
