// Package main is the entry point for the runctl CLI.
// runctl is the operator tool for submitting, inspecting and cancelling
// script runs.
package main

import (
	"os"

	"requiem/cmd/runctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
