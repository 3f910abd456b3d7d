package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/callisto/pkg/index"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and prune recorded sessions",
}

var sessionsListFlags struct {
	limit    int
	traceDir string
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := openCatalog(sessionsListFlags.traceDir)
		if err != nil {
			return err
		}
		defer catalog.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		records, err := catalog.List(ctx, sessionsListFlags.limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("no sessions recorded")
			return nil
		}

		fmt.Printf("%-26s %-11s %8s %6s  %s\n", "SESSION", "STATUS", "EVENTS", "DUPS", "STARTED")
		for _, rec := range records {
			started := time.UnixMilli(rec.StartedAt).Format(time.RFC3339)
			fmt.Printf("%-26s %-11s %8d %6d  %s\n",
				rec.SessionID, rec.Status, rec.Events, rec.DuplicatesFiltered, started)
		}
		return nil
	},
}

var sessionsPruneFlags struct {
	days     int
	traceDir string
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete sessions older than the retention horizon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionsPruneFlags.days <= 0 {
			return fmt.Errorf("--days must be positive")
		}
		catalog, err := openCatalog(sessionsPruneFlags.traceDir)
		if err != nil {
			return err
		}
		defer catalog.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		pruner := index.NewPruner(catalog, traceRoot(sessionsPruneFlags.traceDir), sessionsPruneFlags.days)
		deleted, err := pruner.Prune(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d sessions pruned\n", deleted)
		return nil
	},
}

func traceRoot(flag string) string {
	if flag != "" {
		return flag
	}
	return ".opencode-trace"
}

func openCatalog(traceDir string) (*index.Store, error) {
	return index.Open(filepath.Join(traceRoot(traceDir), "index.db"))
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsListCmd.Flags().IntVar(&sessionsListFlags.limit, "limit", 20, "maximum rows (0 for all)")
	sessionsListCmd.Flags().StringVar(&sessionsListFlags.traceDir, "trace-dir", "", "trace root directory")
	sessionsCmd.AddCommand(sessionsListCmd)

	sessionsPruneCmd.Flags().IntVar(&sessionsPruneFlags.days, "days", 30, "retention horizon in days")
	sessionsPruneCmd.Flags().StringVar(&sessionsPruneFlags.traceDir, "trace-dir", "", "trace root directory")
	sessionsCmd.AddCommand(sessionsPruneCmd)
}
