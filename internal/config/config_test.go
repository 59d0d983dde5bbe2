package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "readback.db", cfg.DB)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Sync.Timeout)
	assert.Equal(t, 2*time.Minute, cfg.Sync.LeaseTTL)
	assert.Equal(t, 3*time.Second, cfg.Sync.ProbeTimeout)
	assert.Equal(t, "repos", cfg.Import.ReposDir)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readback.yaml")
	yaml := `
db: from-file.db
log:
  level: debug
sync:
  server_url: https://file.example.com
  timeout: 10s
remote:
  dsn: postgres://localhost/readback
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("READBACK_SYNC_SERVER_URL", "https://env.example.com")
	t.Setenv("READBACK_LOG_FORMAT", "json")
	t.Setenv("READBACK_SYNC_BURST", "4")

	cfg, err := Load(newFlags(t, "--config", path, "--sync-timeout", "5s"))
	require.NoError(t, err)

	assert.Equal(t, "from-file.db", cfg.DB, "file overrides default")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format, "env overrides default")
	assert.Equal(t, "https://env.example.com", cfg.Sync.ServerURL, "env overrides file")
	assert.Equal(t, 4, cfg.Sync.Burst)
	assert.Equal(t, 5*time.Second, cfg.Sync.Timeout, "changed flag overrides file")
	assert.Equal(t, "postgres://localhost/readback", cfg.Remote.DSN)
	assert.Equal(t, "localhost:8080", cfg.Listen, "unchanged flag keeps the default")
}

func TestLoadRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{name: "bad log level", args: []string{"--log-level", "loud"}},
		{name: "bad server url", args: []string{"--sync-server-url", "not a url"}},
		{name: "zero timeout", args: []string{"--sync-timeout", "0s"}},
		{name: "bad listen", args: []string{"--listen", "nowhere"}},
		{name: "timeout outlives lease", args: []string{"--sync-timeout", "3m"}},
		{name: "timeout equals lease", args: []string{"--sync-timeout", "1m", "--sync-lease-ttl", "1m"}},
		{name: "probe timeout beyond interval", args: []string{"--sync-probe-timeout", "20s"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(newFlags(t, tc.args...))
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}

func TestValidateTimeoutWithinLease(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	cfg.Sync.LeaseTTL = cfg.Sync.Timeout
	err = Validate(cfg)
	assert.ErrorContains(t, err, "Config.Sync.Timeout")
	assert.ErrorContains(t, err, "ltfield")

	cfg.Sync.LeaseTTL = cfg.Sync.Timeout + time.Second
	assert.NoError(t, Validate(cfg))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(newFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, "sync.server_url", keyFor("SYNC_SERVER_URL"))
	assert.Equal(t, "sync.server_url", keyFor("sync-server-url"))
	assert.Equal(t, "import.repos_dir", keyFor("import-repos-dir"))
	assert.Equal(t, "db", keyFor("DB"))
}
