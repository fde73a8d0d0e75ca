package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grovetools/agentmon/internal/daemon/logstore"
	"github.com/grovetools/agentmon/logging"
	"github.com/grovetools/agentmon/pkg/models"
	"github.com/grovetools/agentmon/pkg/paths"
	"github.com/spf13/cobra"
)

// newReadOnlyStore opens the event log tree directly. Reads are safe to run
// against a live daemon's tree: the store only appends, never rewrites.
func newReadOnlyStore(dataDir string) *logstore.Store {
	if dataDir == "" {
		dataDir = paths.DataDir()
	}
	return logstore.New(dataDir, logging.NewLogger("cli"))
}

// NewSessionsCmd creates the `sessions` command group for querying the
// durable session records and their event logs.
func NewSessionsCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Query and manage recorded sessions",
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Event log base directory (defaults to the agentmon data dir)")

	cmd.AddCommand(newSessionsListCmd(&dataDir))
	cmd.AddCommand(newSessionsEventsCmd(&dataDir))
	cmd.AddCommand(newSessionsFollowCmd(&dataDir))
	cmd.AddCommand(newSessionsDeleteCmd(&dataDir))
	cmd.AddCommand(newSessionsPruneCmd(&dataDir))
	return cmd
}

func newSessionsListCmd(dataDir *string) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newReadOnlyStore(*dataDir)
			sessions, err := store.GetSessions(logstore.Filter{Status: status, Limit: limit})
			if err != nil {
				return err
			}
			return printJSON(sessions)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by session status (active, ended)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum sessions to list (0 = all)")
	return cmd
}

func newSessionsEventsCmd(dataDir *string) *cobra.Command {
	var limit int
	var before, after int64
	var all bool

	cmd := &cobra.Command{
		Use:   "events [session-id]",
		Short: "Print a session's event log",
		Long: `Print a session's events as JSON Lines, oldest first. With --all, merge
the most recent events across every session instead, newest first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newReadOnlyStore(*dataDir)

			if all {
				events, err := store.GetAllRecentEvents(limit)
				if err != nil {
					return err
				}
				return printEvents(events)
			}

			if len(args) != 1 {
				return fmt.Errorf("exactly one session id required (or use --all)")
			}
			events, err := store.GetEvents(args[0], logstore.Query{Limit: limit, Before: before, After: after})
			if err != nil {
				return err
			}
			return printEvents(events)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum events to print (0 = default cap)")
	cmd.Flags().Int64Var(&before, "before", 0, "Only events before this unix-millisecond timestamp")
	cmd.Flags().Int64Var(&after, "after", 0, "Only events after this unix-millisecond timestamp")
	cmd.Flags().BoolVar(&all, "all", false, "Merge recent events across all sessions")
	return cmd
}

func newSessionsFollowCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "follow <session-id>",
		Short: "Stream a session's events as they are appended",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newReadOnlyStore(*dataDir)
			follower, err := store.Follow(args[0])
			if err != nil {
				return err
			}
			defer follower.Stop()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			for {
				select {
				case event, ok := <-follower.Events:
					if !ok {
						return nil
					}
					if err := printJSONLine(event); err != nil {
						return err
					}
				case <-stop:
					return nil
				}
			}
		},
	}
}

func newSessionsDeleteCmd(dataDir *string) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "delete [session-id]",
		Short: "Delete a session's record and event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newReadOnlyStore(*dataDir)

			if all {
				deleted, err := store.DeleteAllSessions()
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %d sessions\n", deleted)
				return nil
			}

			if len(args) != 1 {
				return fmt.Errorf("exactly one session id required (or use --all)")
			}
			if err := store.DeleteSession(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted session %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Delete every recorded session")
	return cmd
}

func newSessionsPruneCmd(dataDir *string) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete sessions that ended before a retention cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newReadOnlyStore(*dataDir)
			cutoff := time.Now().Add(-olderThan).UnixMilli()
			pruned, err := store.PruneOldSessions(cutoff)
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d sessions\n", pruned)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Retention window (e.g. 720h)")
	return cmd
}

func printEvents(events []models.MonitorEvent) error {
	for _, e := range events {
		if err := printJSONLine(e); err != nil {
			return err
		}
	}
	return nil
}

func printJSONLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
