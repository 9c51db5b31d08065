// Package config holds the episodic memory parameter set.
package config

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Database backends.
const (
	DatabaseMemory = "memory"
	DatabaseFile   = "file"
)

// Recording triggers.
const (
	TriggerNone   = "none"
	TriggerOutput = "output"
	TriggerDC     = "dc"
)

// One-shot trigger overrides.
const (
	ForceOff      = "off"
	ForceRemember = "remember"
	ForceIgnore   = "ignore"
)

// Graph-match literal orderings.
const (
	OrderingUndefined = "undefined"
	OrderingDFS       = "dfs"
	OrderingMCV       = "mcv"
)

// Installer merge policies.
const (
	MergeNone = "none"
	MergeAdd  = "add"
)

// Storage optimization profiles.
const (
	OptimizationSafety      = "safety"
	OptimizationPerformance = "performance"
)

// Config is the full parameter set. Field tags carry the parameter names used
// by YAML files, `config get/set`, and (upper-cased, dashes to underscores,
// EPMEM_ prefixed) the environment.
type Config struct {
	Learning           bool     `mapstructure:"learning"`
	Database           string   `mapstructure:"database"`
	Path               string   `mapstructure:"path"`
	Driver             string   `mapstructure:"driver"`
	Append             bool     `mapstructure:"append"`
	LazyCommit         bool     `mapstructure:"lazy-commit"`
	PageSize           int      `mapstructure:"page-size"`
	CacheSize          int      `mapstructure:"cache-size"`
	Optimization       string   `mapstructure:"optimization"`
	Trigger            string   `mapstructure:"trigger"`
	Force              string   `mapstructure:"force"`
	Exclusions         []string `mapstructure:"exclusions"`
	Balance            float64  `mapstructure:"balance"`
	GraphMatch         bool     `mapstructure:"graph-match"`
	GraphMatchOrdering string   `mapstructure:"graph-match-ordering"`
	Merge              string   `mapstructure:"merge"`
	Timers             string   `mapstructure:"timers"`
	TimersLog          string   `mapstructure:"timers-log"`
	LogLevel           string   `mapstructure:"log-level"`
}

// Default returns the stock parameter values.
func Default() *Config {
	return &Config{
		Learning:           true,
		Database:           DatabaseMemory,
		Driver:             "sqlite3",
		Append:             true,
		LazyCommit:         true,
		PageSize:           8,
		CacheSize:          10000,
		Optimization:       OptimizationPerformance,
		Trigger:            TriggerOutput,
		Force:              ForceOff,
		Exclusions:         []string{"epmem", "smem"},
		Balance:            1,
		GraphMatch:         true,
		GraphMatchOrdering: OrderingDFS,
		Merge:              MergeNone,
		Timers:             "off",
		LogLevel:           "info",
	}
}

// Loader resolves parameters from defaults, an optional YAML file, EPMEM_*
// environment variables and bound command-line flags, lowest precedence
// first.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a loader with every default registered.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("EPMEM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for name, value := range Default().values() {
		v.SetDefault(name, value)
	}
	return &Loader{v: v}
}

// BindFlag lets a changed command-line flag override parameter name.
func (l *Loader) BindFlag(name string, flag *pflag.Flag) error {
	if !known(name) {
		return fmt.Errorf("unknown parameter %q", name)
	}
	return l.v.BindPFlag(name, flag)
}

// Load reads path (when non-empty) and returns the validated result.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load builds a config from defaults, an optional YAML file, then EPMEM_*
// environment variables.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// SetInFile changes one parameter in the YAML file at path, creating the
// file if needed. Only the file's own values and the change are written.
func SetInFile(path, name, value string) error {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := decode(v.AllSettings(), cfg); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if err := cfg.Set(name, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	v.Set(name, cfg.values()[name])
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Names lists every parameter name in sorted order.
func Names() []string {
	t := reflect.TypeOf(Config{})
	names := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		names = append(names, t.Field(i).Tag.Get("mapstructure"))
	}
	sort.Strings(names)
	return names
}

func known(name string) bool {
	return slices.Contains(Names(), name)
}

// values maps parameter names to the typed field values.
func (c *Config) values() map[string]any {
	out := make(map[string]any)
	if err := mapstructure.Decode(c, &out); err != nil {
		panic(err)
	}
	return out
}

// decodeHook accepts the parameter string forms: on/off booleans, page
// sizes with a k suffix, and comma-separated lists.
func decodeHook(from, to reflect.Type, data any) (any, error) {
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Bool:
		return parseBool(s)
	case reflect.Int:
		return strconv.Atoi(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "k"))
	case reflect.Slice:
		return splitList(s), nil
	}
	return data, nil
}

// decode writes input onto c. Lists are replaced, not merged element-wise.
func decode(input map[string]any, c *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decodeHook,
		WeaklyTypedInput: true,
		ZeroFields:       true,
		Result:           c,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// Set assigns one parameter from its string form.
func (c *Config) Set(name, value string) error {
	if !known(name) {
		return fmt.Errorf("unknown parameter %q", name)
	}
	if err := decode(map[string]any{name: value}, c); err != nil {
		return fmt.Errorf("invalid value %q for %s: %w", value, name, err)
	}
	return nil
}

// Get renders one parameter as a string.
func (c *Config) Get(name string) (string, error) {
	v, ok := c.values()[name]
	if !ok {
		return "", fmt.Errorf("unknown parameter %q", name)
	}
	switch x := v.(type) {
	case bool:
		return onOff(x), nil
	case int:
		if name == "page-size" {
			return strconv.Itoa(x) + "k", nil
		}
		return strconv.Itoa(x), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case []string:
		return strings.Join(x, ","), nil
	}
	return fmt.Sprint(v), nil
}

// Validate checks enumerated values and ranges.
func (c *Config) Validate() error {
	oneOf := func(name, v string, allowed ...string) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, "|"), v)
	}
	checks := []error{
		oneOf("database", c.Database, DatabaseMemory, DatabaseFile),
		oneOf("driver", c.Driver, "sqlite3", "sqlite"),
		oneOf("optimization", c.Optimization, OptimizationSafety, OptimizationPerformance),
		oneOf("trigger", c.Trigger, TriggerNone, TriggerOutput, TriggerDC),
		oneOf("force", c.Force, ForceOff, ForceRemember, ForceIgnore),
		oneOf("graph-match-ordering", c.GraphMatchOrdering, OrderingUndefined, OrderingDFS, OrderingMCV),
		oneOf("merge", c.Merge, MergeNone, MergeAdd),
		oneOf("timers", c.Timers, "off", "one", "two", "three"),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.Database == DatabaseFile && c.Path == "" {
		return fmt.Errorf("database=file requires a path")
	}
	if c.Balance < 0 || c.Balance > 1 {
		return fmt.Errorf("balance must be within [0,1], got %g", c.Balance)
	}
	if c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0 || c.PageSize > 64 {
		return fmt.Errorf("page-size must be a power of two between 1k and 64k, got %dk", c.PageSize)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache-size must be positive, got %d", c.CacheSize)
	}
	return nil
}

// Excluded reports whether attr is in the exclusions list.
func (c *Config) Excluded(attr string) bool {
	for _, e := range c.Exclusions {
		if e == attr {
			return true
		}
	}
	return false
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean")
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
