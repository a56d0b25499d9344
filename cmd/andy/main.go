// Package main is the entry point for the andy CLI.
package main

import (
	"os"

	"github.com/andyhub/andy/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
