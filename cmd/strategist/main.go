// Strategist builds options strategies and streams their live P&L.
package main

import (
	"context"
	"os"

	"github.com/fatih/color"

	"strategy-builder/internal/cli"
	"strategy-builder/internal/logging"
)

func main() {
	// Replaced by the configured logger once config is loaded.
	logger := logging.NewLogger()

	if err := cli.Execute(context.Background(), logger); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
