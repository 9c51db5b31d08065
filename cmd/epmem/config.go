package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vthunder/epmem/internal/config"
)

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or change parameters",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print every parameter",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, name := range config.Names() {
					v, err := opts.cfg.Get(name)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-22s %s\n", name, v)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <name>",
			Short: "Print one parameter",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := opts.cfg.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <name> <value>",
			Short: "Change one parameter in the --config file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if opts.configPath == "" {
					return errors.New("config set needs --config (or EPMEM_CONFIG)")
				}
				return config.SetInFile(opts.configPath, args[0], args[1])
			},
		},
	)
	return cmd
}
