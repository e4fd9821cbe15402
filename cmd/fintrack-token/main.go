// Command fintrack-token issues an identity token for local development and
// for scripting against the API.
package main

import (
	"fmt"
	"os"

	"fintrack/internal/cli"
)

func main() {
	cli.LoadEnvFile()

	if err := cli.NewTokenCommand(os.Getenv).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
