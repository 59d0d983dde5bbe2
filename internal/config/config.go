// Package config loads readback settings from defaults, an optional YAML
// file, READBACK_* environment variables and command line flags, in that
// order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is stripped from environment variable names.
const EnvPrefix = "READBACK_"

// Config is the full application configuration.
type Config struct {
	DB     string       `koanf:"db" validate:"required"`
	Listen string       `koanf:"listen" validate:"required,hostname_port"`
	Log    LogConfig    `koanf:"log"`
	Sync   SyncConfig   `koanf:"sync"`
	Import ImportConfig `koanf:"import"`
	Remote RemoteConfig `koanf:"remote"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level      string `koanf:"level" validate:"oneof=debug info warn error"`
	Format     string `koanf:"format" validate:"oneof=text json"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" validate:"min=1"`
	MaxBackups int    `koanf:"max_backups" validate:"min=0"`
	MaxAgeDays int    `koanf:"max_age_days" validate:"min=0"`
}

// SyncConfig controls replay of the offline queue. A send must finish
// within the drain lease, so Timeout is shorter than LeaseTTL.
type SyncConfig struct {
	ServerURL     string        `koanf:"server_url" validate:"omitempty,url"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0,ltfield=LeaseTTL"`
	Rate          float64       `koanf:"rate" validate:"min=0"`
	Burst         int           `koanf:"burst" validate:"min=0"`
	ProbeInterval time.Duration `koanf:"probe_interval" validate:"gt=0"`
	ProbeTimeout  time.Duration `koanf:"probe_timeout" validate:"gt=0,ltefield=ProbeInterval"`
	LeaseTTL      time.Duration `koanf:"lease_ttl" validate:"gt=0"`
}

// ImportConfig controls highlight import.
type ImportConfig struct {
	ReposDir string `koanf:"repos_dir" validate:"required"`
	Watch    bool   `koanf:"watch"`
}

// RemoteConfig configures the bundled mutation server.
type RemoteConfig struct {
	Listen string `koanf:"listen" validate:"required,hostname_port"`
	DSN    string `koanf:"dsn" validate:"required"`
}

// Defaults returns the built-in settings as flat koanf keys.
func Defaults() map[string]any {
	return map[string]any{
		"db":                  "readback.db",
		"listen":              "localhost:8080",
		"log.level":           "info",
		"log.format":          "text",
		"log.file":            "",
		"log.max_size_mb":     10,
		"log.max_backups":     3,
		"log.max_age_days":    28,
		"sync.server_url":     "",
		"sync.timeout":        "30s",
		"sync.rate":           0.0,
		"sync.burst":          1,
		"sync.probe_interval": "15s",
		"sync.probe_timeout":  "3s",
		"sync.lease_ttl":      "2m",
		"import.repos_dir":    "repos",
		"import.watch":        false,
		"remote.listen":       "localhost:8090",
		"remote.dsn":          "readback-server.db",
	}
}

var sections = []string{"log", "sync", "import", "remote"}

// keyFor maps a flat name such as "sync_server_url" or "sync-server-url" to
// its koanf key "sync.server_url".
func keyFor(name string) string {
	name = strings.ToLower(strings.ReplaceAll(name, "-", "_"))
	for _, s := range sections {
		if rest, ok := strings.CutPrefix(name, s+"_"); ok {
			return s + "." + rest
		}
	}
	return name
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to a YAML config file")
	fs.String("db", "readback.db", "path to the local SQLite database")
	fs.String("listen", "localhost:8080", "address of the local API")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.String("log-format", "text", "log format: text or json")
	fs.String("log-file", "", "also write logs to this file, rotated")
	fs.String("sync-server-url", "", "base URL of the mutation server")
	fs.Duration("sync-timeout", 30*time.Second, "per-request timeout when replaying")
	fs.Float64("sync-rate", 0, "maximum sends per second, 0 for unlimited")
	fs.Duration("sync-probe-timeout", 3*time.Second, "timeout of one server health check")
	fs.Duration("sync-lease-ttl", 2*time.Minute, "how long a drain holds the queue without renewing")
	fs.String("import-repos-dir", "repos", "checkout directory for git sources")
	fs.Bool("import-watch", false, "re-import when local sources change")
	fs.String("remote-listen", "localhost:8090", "address of the bundled mutation server")
	fs.String("remote-dsn", "readback-server.db", "SQLite path or postgres:// DSN for the mutation server")
}

// Load builds the configuration. fs may be nil; if it carries a "config"
// flag that file is read, otherwise READBACK_CONFIG names it.
func Load(fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	for key, val := range Defaults() {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}

	path := os.Getenv(EnvPrefix + "CONFIG")
	if fs != nil {
		if p, err := fs.GetString("config"); err == nil && p != "" {
			path = p
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := keyFor(strings.TrimPrefix(s, EnvPrefix))
		if key == "config" {
			return ""
		}
		return key
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if fs != nil {
		err := k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			if f.Name == "config" || f.Name == "help" {
				return "", nil
			}
			return keyFor(f.Name), posflag.FlagVal(fs, f)
		}), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every failing key.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
