package commands

import (
	"os"
	"path/filepath"
	"time"

	"github.com/bigscan/bigscan/internal/config"
	"github.com/bigscan/bigscan/pkg/errors"
)

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, outputDir string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// FSM journal directory (only needed with the fsm engine)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	// Artifact root (only needed for scan)
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create output directory")
		}
	}

	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// orDash renders empty values as "-" in listings.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
