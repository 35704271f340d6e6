package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	DBPath                string        `env:"TVIZ_DB_PATH"`
	Port                  string        `env:"TVIZ_PORT,default=8787"`
	LogLevel              string        `env:"TVIZ_LOG_LEVEL,default=info"`
	LogFormat             string        `env:"TVIZ_LOG_FORMAT,default=json"`
	DashboardURL          string        `env:"TVIZ_DASHBOARD_URL,default=http://localhost:3003"`
	MaxBodyBytes          int64         `env:"TVIZ_MAX_BODY_BYTES,default=33554432"`
	WALCheckpointInterval time.Duration `env:"TVIZ_WAL_CHECKPOINT_INTERVAL,default=10m"`
	WALRestartThresholdB  int64         `env:"TVIZ_WAL_RESTART_THRESHOLD_BYTES,default=52428800"`
	OTelEndpoint          string        `env:"TVIZ_OTEL_ENDPOINT"`
	OTelInsecure          bool          `env:"TVIZ_OTEL_INSECURE,default=true"`
}

func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration from l. An unset DB path resolves to
// DefaultDBPath.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	if cfg.DBPath == "" {
		path, err := DefaultDBPath()
		if err != nil {
			return nil, err
		}
		cfg.DBPath = path
	}
	if cfg.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("TVIZ_MAX_BODY_BYTES must be positive, got %d", cfg.MaxBodyBytes)
	}
	return &cfg, nil
}

// DefaultDBPath is the store location used when TVIZ_DB_PATH is unset.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".tviz", "tviz.db"), nil
}

func WriteHelp(w io.Writer, version string) {
	fmt.Fprintf(w, "tviz %s\n\n", version)
	fmt.Fprintln(w, "Environment variables:")
	fmt.Fprintln(w, "  TVIZ_DB_PATH=~/.tviz/tviz.db")
	fmt.Fprintln(w, "  TVIZ_PORT=8787")
	fmt.Fprintln(w, "  TVIZ_LOG_LEVEL=info")
	fmt.Fprintln(w, "  TVIZ_LOG_FORMAT=json")
	fmt.Fprintln(w, "  TVIZ_DASHBOARD_URL=http://localhost:3003")
	fmt.Fprintln(w, "  TVIZ_MAX_BODY_BYTES=33554432")
	fmt.Fprintln(w, "  TVIZ_WAL_CHECKPOINT_INTERVAL=10m")
	fmt.Fprintln(w, "  TVIZ_WAL_RESTART_THRESHOLD_BYTES=52428800")
	fmt.Fprintln(w, "  TVIZ_OTEL_ENDPOINT=")
	fmt.Fprintln(w, "  TVIZ_OTEL_INSECURE=true")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "A .env file in the working directory is read first; real environment")
	fmt.Fprintln(w, "variables take precedence.")
}
