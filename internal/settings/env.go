package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sethvargo/go-envconfig"
)

// Env is the process environment configuration.
type Env struct {
	// Port is the control-surface listen port.
	Port string `env:"PORT, default=8080"`
	// DataDir overrides the resolved data directory when set.
	DataDir string `env:"DATA_DIR"`
	// LogLevel is DEBUG, INFO, WARN or ERROR.
	LogLevel string `env:"LOG_LEVEL, default=INFO"`
	// Container forces container data-dir resolution.
	Container bool `env:"CONTAINER"`
}

// LoadEnv reads the environment configuration.
func LoadEnv(ctx context.Context) (Env, error) {
	var e Env
	if err := envconfig.Process(ctx, &e); err != nil {
		return Env{}, fmt.Errorf("processing environment: %w", err)
	}
	return e, nil
}

// containerSentinel marks a containerized runtime.
const containerSentinel = "/.dockerenv"

// ResolveDataDir picks the data directory: an explicit DATA_DIR wins,
// containers use /app/data, everything else uses <cwd>/data. The
// directory and its cache/ and logs/ subdirectories are created.
func (e Env) ResolveDataDir() (string, error) {
	dir := e.DataDir
	if dir == "" {
		if e.Container || fileExists(containerSentinel) {
			dir = "/app/data"
		} else {
			cwd, err := os.Getwd()
			if err != nil {
				return "", fmt.Errorf("resolving working directory: %w", err)
			}
			dir = filepath.Join(cwd, "data")
		}
	}

	for _, sub := range []string{"", "cache", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("creating data directory %s: %w", filepath.Join(dir, sub), err)
		}
	}
	return dir, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
