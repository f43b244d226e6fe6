// Package main is the entry point for the sessionclient demo CLI, a thin
// terminal front end exercising internal/controller end to end (§10).
package main

import (
	"fmt"
	"os"

	"github.com/relaywire/sessioncore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
