package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vthunder/epmem/internal/epmem"
	"github.com/vthunder/epmem/internal/epmem/store"
	"github.com/vthunder/epmem/internal/wm"
)

func newRecordCmd(opts *options) *cobra.Command {
	var force string
	cmd := &cobra.Command{
		Use:   "record <snapshot.yaml>...",
		Short: "Record one episode per snapshot file, in order",
		Long: `Record one episode per snapshot file, in order.

With --force each snapshot is offered as a decision cycle instead:
remember records it whatever the trigger says, ignore skips it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(e *epmem.Engine) error {
				m := wm.NewMemory()
				out := cmd.OutOrStdout()
				for i, path := range args {
					if err := loadSnapshot(m, path); err != nil {
						return err
					}
					if force == "" {
						episode, err := e.RecordEpisode(cmd.Context(), m)
						if err != nil {
							return err
						}
						fmt.Fprintf(out, "%s: episode %d\n", path, episode)
						continue
					}
					if err := e.Force(force); err != nil {
						return err
					}
					next := e.Time()
					recorded, err := e.ConsiderNewEpisode(cmd.Context(), m, epmem.Cycle{Decision: int64(i + 1)})
					if err != nil {
						return err
					}
					if !recorded {
						fmt.Fprintf(out, "%s: skipped\n", path)
						continue
					}
					fmt.Fprintf(out, "%s: episode %d\n", path, next)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&force, "force", "", "override the trigger for every snapshot: remember or ignore")
	return cmd
}

func newQueryCmd(opts *options) *cobra.Command {
	var before, after int64
	var prohibit []int64
	cmd := &cobra.Command{
		Use:   "query <cue.yaml>",
		Short: "Find the episode that best matches a cue and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(e *epmem.Engine) error {
				m := wm.NewMemory()
				pos, neg, err := loadCue(m, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				match, err := e.Query(cmd.Context(), m, epmem.Query{
					Cue: pos, NegCue: neg, Before: before, After: after, Prohibit: prohibit,
				})
				if errors.Is(err, epmem.ErrNoMatch) {
					fmt.Fprintln(out, "no matching episode")
					return nil
				}
				if err != nil {
					return err
				}
				printMatch(out, match)
				return printEpisode(cmd.Context(), out, e, m, match.Episode)
			})
		},
	}
	cmd.Flags().Int64Var(&before, "before", 0, "only episodes strictly before this id")
	cmd.Flags().Int64Var(&after, "after", 0, "only episodes strictly after this id")
	cmd.Flags().Int64SliceVar(&prohibit, "prohibit", nil, "episode ids that may not be returned")
	return cmd
}

func newRetrieveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retrieve <episode>",
		Short: "Print a recorded episode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			episode, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid episode %q: %w", args[0], err)
			}
			return opts.withEngine(func(e *epmem.Engine) error {
				return printEpisode(cmd.Context(), cmd.OutOrStdout(), e, wm.NewMemory(), episode)
			})
		},
	}
}

// newStepCmd builds next and previous, which print the recorded neighbour of
// an episode.
func newStepCmd(opts *options, direction string) *cobra.Command {
	return &cobra.Command{
		Use:   direction + " <episode>",
		Short: fmt.Sprintf("Print the %s recorded episode", direction),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid episode %q: %w", args[0], err)
			}
			return opts.withEngine(func(e *epmem.Engine) error {
				st, err := e.Store()
				if err != nil {
					return err
				}
				step := st.NextEpisode
				if direction == "previous" {
					step = st.PrevEpisode
				}
				episode, ok, err := step(base)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "no %s episode\n", direction)
					return nil
				}
				return printEpisode(cmd.Context(), cmd.OutOrStdout(), e, wm.NewMemory(), episode)
			})
		},
	}
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(e *epmem.Engine) error {
				s, err := e.Stats()
				if err != nil {
					return err
				}
				named := s.Map()
				names := make([]string, 0, len(named))
				for k := range named {
					names = append(names, k)
				}
				slices.Sort(names)
				out := cmd.OutOrStdout()
				for _, k := range names {
					fmt.Fprintf(out, "%-20s %d\n", k, named[k])
				}
				for _, stage := range e.Profiler().Stages() {
					fmt.Fprintf(out, "%-20s %s\n", "timer-"+stage, e.Profiler().Total(stage))
				}
				if s.Fallback {
					fmt.Fprintln(out, "warning: schema mismatch, using an in-memory store")
				}
				return nil
			})
		},
	}
}

func newBackupCmd(opts *options) *cobra.Command {
	var compress bool
	cmd := &cobra.Command{
		Use:   "backup <path>",
		Short: "Write a consistent copy of the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(e *epmem.Engine) error {
				if err := e.Backup(args[0], compress); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backed up %s to %s\n", opts.cfg.Path, args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&compress, "compress", false, "zstd-compress the copy")
	return cmd
}

func newRestoreCmd(opts *options) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "restore <backup.zst>",
		Short: "Replace the store with a compressed backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.cfg.Path); err == nil && !overwrite {
				return fmt.Errorf("%s exists, pass --overwrite to replace it", opts.cfg.Path)
			}
			if err := store.Decompress(args[0], opts.cfg.Path); err != nil {
				return err
			}
			return opts.withEngine(func(e *epmem.Engine) error {
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s from %s, next episode %d\n", opts.cfg.Path, args[0], e.Time())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing store")
	return cmd
}

func newReinitCmd(opts *options) *cobra.Command {
	var wipe bool
	cmd := &cobra.Command{
		Use:   "reinit",
		Short: "Reopen the store, discarding it first with --clear",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if wipe {
				opts.cfg.Append = false
			}
			return opts.withEngine(func(e *epmem.Engine) error {
				if err := e.Reset(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "next episode %d\n", e.Time())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&wipe, "clear", false, "delete every recorded episode")
	return cmd
}

func loadSnapshot(m *wm.Memory, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	snap, err := wm.ParseSnapshot(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	m.Clear(m.Top(), "epmem")
	if _, err := m.Build(snap.WMEs, snap.LTI, map[string]*wm.Identifier{"S1": m.Top()}); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func loadCue(m *wm.Memory, path string) (pos, neg *wm.Identifier, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	c, err := wm.ParseCue(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	scope := make(map[string]*wm.Identifier)
	if pos, err = m.Build(c.Query, c.LTI, scope); err != nil {
		return nil, nil, fmt.Errorf("%s: query: %w", path, err)
	}
	if len(c.NegQuery) > 0 {
		if neg, err = m.Build(c.NegQuery, c.LTI, scope); err != nil {
			return nil, nil, fmt.Errorf("%s: neg-query: %w", path, err)
		}
	}
	return pos, neg, nil
}

func printMatch(w io.Writer, m *epmem.Match) {
	fmt.Fprintf(w, "episode              %d\n", m.Episode)
	fmt.Fprintf(w, "match-score          %g\n", m.Score)
	fmt.Fprintf(w, "normalized-score     %g\n", m.Normalized)
	fmt.Fprintf(w, "match-cardinality    %d/%d\n", m.Cardinality, m.Perfect)
	fmt.Fprintf(w, "cue-size             %d\n", m.CueSize)
	fmt.Fprintf(w, "graph-match          %t\n", m.GraphMatch)
}

func printEpisode(ctx context.Context, w io.Writer, e *epmem.Engine, m *wm.Memory, episode int64) error {
	header := m.NewIdentifier('R')
	inst, err := e.Install(ctx, m, episode, header)
	if errors.Is(err, epmem.ErrNoMatch) {
		fmt.Fprintf(w, "episode %d not recorded\n", episode)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "episode %d (%d wmes) under %s\n", episode, len(inst.Triples), header)
	for _, t := range inst.Triples {
		fmt.Fprintf(w, "  %s\n", t)
	}
	return nil
}
