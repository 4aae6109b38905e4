package main

import (
	"log/slog"
	"os"

	"github.com/bigscan/bigscan/cmd/bigscan/commands"
)

func main() {
	// Replaced once flags are parsed; covers config loading errors.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
