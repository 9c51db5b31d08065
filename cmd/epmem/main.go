// epmem records working-memory snapshots as episodes and queries them by cue.
//
// Snapshots and cues are YAML files (see internal/wm). The store is a SQLite
// file; its location comes from --db, the config file, or EPMEM_PATH.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vthunder/epmem/internal/config"
	"github.com/vthunder/epmem/internal/epmem"
	"github.com/vthunder/epmem/internal/logging"
)

const defaultDB = "epmem.db"

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	verbose    bool

	cfg *config.Config
}

func main() {
	loadEnv()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnv loads .env from the repo root (parent of bin/), the executable's
// directory, or the working directory, first match wins.
func loadEnv() {
	envPaths := []string{".env"}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		envPaths = append([]string{
			filepath.Join(filepath.Dir(exeDir), ".env"),
			filepath.Join(exeDir, ".env"),
		}, envPaths...)
	}
	for _, p := range envPaths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			break
		}
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "epmem",
		Short:         "Episodic memory over working-memory snapshots",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd.Root().PersistentFlags())
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("EPMEM_CONFIG"), "YAML config file")
	root.PersistentFlags().String("db", "", "episode store (default: config path, else "+defaultDB+")")
	root.PersistentFlags().String("driver", "", "SQLite driver: sqlite3 (cgo) or sqlite (pure Go)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRecordCmd(opts),
		newQueryCmd(opts),
		newRetrieveCmd(opts),
		newStepCmd(opts, "next"),
		newStepCmd(opts, "previous"),
		newStatsCmd(opts),
		newBackupCmd(opts),
		newRestoreCmd(opts),
		newReinitCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func (o *options) setup(flags *pflag.FlagSet) error {
	path := o.configPath
	if _, err := os.Stat(path); path != "" && os.IsNotExist(err) {
		// config set creates it
		path = ""
	}
	loader := config.NewLoader()
	for param, flag := range map[string]string{"path": "db", "driver": "driver"} {
		if err := loader.BindFlag(param, flags.Lookup(flag)); err != nil {
			return err
		}
	}
	cfg, err := loader.Load(path)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if o.verbose {
		level = "debug"
	}
	logging.Configure(os.Stderr, os.Getenv("EPMEM_LOG_FORMAT") == "json", level)

	// the CLI always works on a file so episodes survive between runs
	cfg.Database = config.DatabaseFile
	if cfg.Path == "" {
		cfg.Path = defaultDB
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

// withEngine opens an engine for one command and closes it afterwards,
// committing any lazy-commit work.
func (o *options) withEngine(fn func(e *epmem.Engine) error) (err error) {
	e, err := epmem.New(o.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close store: %w", cerr)
		}
	}()
	if err := e.Connect(); err != nil {
		return err
	}
	return fn(e)
}
