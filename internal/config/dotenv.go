package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

var (
	dotenvOnce sync.Once
	dotenvPath string
	dotenvErr  error
)

// LoadDotEnv loads the first .env found from the working directory up to
// the filesystem root. Variables already set in the environment win.
// Subsequent calls are no-ops.
func LoadDotEnv() error {
	// Test binaries never pick up a developer's .env.
	if runningUnderGoTest() {
		return nil
	}
	dotenvOnce.Do(func() {
		path, err := FindDotEnv("")
		if err != nil {
			dotenvErr = err
			return
		}
		if path == "" {
			return
		}
		if err := godotenv.Load(path); err != nil {
			dotenvErr = err
			slog.Warn("dotenv_load_failed", "path", path, "error", err)
			return
		}
		dotenvPath = path
		slog.Debug("dotenv_loaded", "path", path)
	})
	return dotenvErr
}

// DotEnvPath returns the loaded .env path, or "" when none was loaded.
func DotEnvPath() string {
	return dotenvPath
}

// FindDotEnv returns the nearest .env at or above dir. An empty dir means
// the working directory. It returns "" when there is none.
func FindDotEnv(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}
