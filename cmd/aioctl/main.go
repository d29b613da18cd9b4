package main

import (
	"os"

	"github.com/kaspa-aio/aioctl/internal/cli"
	"github.com/kaspa-aio/aioctl/internal/logging"
)

// main is the entry point for the aioctl CLI binary.
func main() {
	logger := logging.NewLogger(os.Stderr, logging.LevelInfo)
	if err := cli.Execute(os.Args[1:], logger); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
