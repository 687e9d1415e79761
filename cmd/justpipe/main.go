// Command justpipe inspects persisted pipeline run history.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/plar/justpipe"
	"github.com/plar/justpipe/internal/config"
	"github.com/plar/justpipe/store/memory"
	"github.com/plar/justpipe/store/postgres"
	"github.com/plar/justpipe/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "justpipe",
		Short:         "Inspect justpipe run history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to justpipe.toml")

	openStore := func(ctx context.Context) (justpipe.Storage, func(), error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, nil, err
		}
		switch cfg.Storage.Backend {
		case "memory":
			st := memory.New()
			return st, func() { st.Close() }, nil
		case "postgres":
			pool, err := pgxpool.New(ctx, cfg.Storage.DSN)
			if err != nil {
				return nil, nil, fmt.Errorf("connect postgres: %w", err)
			}
			st := postgres.New(pool)
			if err := st.Init(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
			return st, func() { pool.Close() }, nil
		default:
			path := cfg.DatabasePath()
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, nil, err
			}
			st := sqlite.New(path)
			if err := st.Init(ctx); err != nil {
				st.Close()
				return nil, nil, err
			}
			return st, func() { st.Close() }, nil
		}
	}

	root.AddCommand(newRunsCmd(openStore))
	return root
}

type storeOpener func(ctx context.Context) (justpipe.Storage, func(), error)

func newRunsCmd(open storeOpener) *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Manage persisted runs",
	}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeStore, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			records, err := st.ListRuns(cmd.Context(), justpipe.ListOptions{
				Status: justpipe.TerminalStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s  %-20s  %d events\n",
					r.RunID, r.Status, r.Pipeline, r.EventCount)
			}
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (success|failed)")
	list.Flags().IntVar(&limit, "limit", 50, "maximum runs to list")

	var eventType string
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Replay one run's events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			runID, err := resolveRunID(cmd.Context(), st, args[0])
			if err != nil {
				return err
			}
			var types []justpipe.EventType
			if eventType != "" {
				types = append(types, justpipe.EventType(eventType))
			}
			events, err := st.GetEvents(cmd.Context(), runID, types...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, ev := range events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	show.Flags().StringVar(&eventType, "type", "", "filter by event type")

	del := &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			runID, err := resolveRunID(cmd.Context(), st, args[0])
			if err != nil {
				return err
			}
			ok, err := st.DeleteRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("run %s not found", runID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", runID)
			return nil
		},
	}

	find := &cobra.Command{
		Use:   "find <prefix>",
		Short: "Find runs by id prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeStore, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			matches, err := st.FindRunsByPrefix(cmd.Context(), args[0], 50)
			if err != nil {
				return err
			}
			for _, r := range matches {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s  %s\n", r.RunID, r.Status, r.Pipeline)
			}
			return nil
		},
	}

	runs.AddCommand(list, show, del, find)
	return runs
}

// resolveRunID accepts a full run id or a unique prefix.
func resolveRunID(ctx context.Context, st justpipe.Storage, idOrPrefix string) (string, error) {
	if _, ok, err := st.GetRun(ctx, idOrPrefix); err != nil {
		return "", err
	} else if ok {
		return idOrPrefix, nil
	}
	matches, err := st.FindRunsByPrefix(ctx, idOrPrefix, 2)
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 1:
		return matches[0].RunID, nil
	case 0:
		return "", fmt.Errorf("no run matches %q", idOrPrefix)
	default:
		return "", fmt.Errorf("prefix %q is ambiguous", idOrPrefix)
	}
}
