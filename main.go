package main

import "github.com/agentic-research/stagetree/cmd"

func main() {
	cmd.Execute()
}
