// Package main is the entry point for the formctl CLI.
package main

import (
	"os"

	"formvault/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
