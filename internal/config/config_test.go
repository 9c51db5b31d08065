package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestSetGetRoundTrip(t *testing.T) {
	cfg := Default()
	cases := map[string]string{
		"learning":             "off",
		"database":             "file",
		"path":                 "/tmp/ep.db",
		"lazy-commit":          "off",
		"page-size":            "4k",
		"balance":              "0.5",
		"graph-match-ordering": "mcv",
		"exclusions":           "epmem,io",
		"merge":                "add",
	}
	for name, v := range cases {
		require.NoError(t, cfg.Set(name, v), name)
		got, err := cfg.Get(name)
		require.NoError(t, err)
		assert.Equal(t, v, got, name)
	}
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Excluded("io"))
	assert.False(t, cfg.Excluded("smem"))
}

func TestSetRejectsUnknownAndBadValues(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Set("no-such-param", "1"))
	assert.Error(t, cfg.Set("learning", "maybe"))
	assert.Error(t, cfg.Set("balance", "heavy"))
	assert.Error(t, cfg.Set("page-size", "big"))
}

func TestSetReplacesLists(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Set("exclusions", "io"))
	assert.Equal(t, []string{"io"}, cfg.Exclusions)
	require.NoError(t, cfg.Set("exclusions", " a , b ,"))
	assert.Equal(t, []string{"a", "b"}, cfg.Exclusions)
}

func TestNames(t *testing.T) {
	names := Names()
	assert.Len(t, names, 19)
	assert.Contains(t, names, "graph-match-ordering")
	assert.IsIncreasing(t, names)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"file without path", func(c *Config) { c.Database = DatabaseFile }},
		{"balance out of range", func(c *Config) { c.Balance = 1.5 }},
		{"page size not power of two", func(c *Config) { c.PageSize = 3 }},
		{"unknown trigger", func(c *Config) { c.Trigger = "sometimes" }},
		{"unknown ordering", func(c *Config) { c.GraphMatchOrdering = "random" }},
		{"unknown driver", func(c *Config) { c.Driver = "postgres" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "epmem.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trigger: dc\ngraph-match: false\nbalance: 0.25\n"), 0644))

	t.Setenv("EPMEM_GRAPH_MATCH", "on")
	t.Setenv("EPMEM_LAZY_COMMIT", "off")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TriggerDC, cfg.Trigger)
	assert.Equal(t, 0.25, cfg.Balance)
	assert.True(t, cfg.GraphMatch, "environment overrides file")
	assert.False(t, cfg.LazyCommit)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("EPMEM_BALANCE", "lots")
	_, err := Load("")
	assert.Error(t, err)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("EPMEM_PATH", "/env.db")
	t.Setenv("EPMEM_DRIVER", "sqlite")

	flags := pflag.NewFlagSet("epmem", pflag.ContinueOnError)
	flags.String("db", "", "")
	flags.String("driver", "", "")
	require.NoError(t, flags.Parse([]string{"--db", "/flag.db"}))

	l := NewLoader()
	require.NoError(t, l.BindFlag("path", flags.Lookup("db")))
	require.NoError(t, l.BindFlag("driver", flags.Lookup("driver")))
	assert.Error(t, l.BindFlag("no-such-param", flags.Lookup("db")))

	cfg, err := l.Load("")
	require.NoError(t, err)
	assert.Equal(t, "/flag.db", cfg.Path, "changed flag wins")
	assert.Equal(t, "sqlite", cfg.Driver, "unchanged flag falls through to the environment")
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSetInFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epmem.yaml")
	t.Setenv("EPMEM_TRIGGER", "dc")

	require.NoError(t, SetInFile(path, "exclusions", "epmem,smem,io"))
	require.NoError(t, SetInFile(path, "exclusions", "io"))
	require.NoError(t, SetInFile(path, "learning", "off"))
	require.NoError(t, SetInFile(path, "page-size", "16k"))
	assert.Error(t, SetInFile(path, "trigger", "sometimes"))
	assert.Error(t, SetInFile(path, "no-such-param", "1"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "trigger", "environment is not written back")

	t.Setenv("EPMEM_TRIGGER", "none")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"io"}, cfg.Exclusions)
	assert.False(t, cfg.Learning)
	assert.Equal(t, 16, cfg.PageSize)
	assert.Equal(t, TriggerNone, cfg.Trigger)
}
