// Package main provides the entry point for the tribridrag CLI.
package main

import (
	"os"

	"github.com/tribridrag/tribridrag/cmd/tribridrag/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
