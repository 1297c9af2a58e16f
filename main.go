// Package main is the entry point for the whisperer capture agent.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/whisperer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
