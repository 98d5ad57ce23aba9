// Package main provides the entry point for the yiana CLI.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/lh/yiana/cmd/yiana/cmd"
)

func main() {
	// A missing .env file is the normal case.
	_ = godotenv.Load()

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
