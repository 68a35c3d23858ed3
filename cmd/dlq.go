package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/brandpulse/internal/deadletter"
	"github.com/sells-group/brandpulse/internal/model"
)

var (
	dlqListExecution string
	dlqListStatus    string
	dlqListKind      string
	dlqListLimit     int
	dlqHandledBy     string
	dlqNotes         string
	dlqCleanupHours  int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage dead-lettered tasks",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		entries, err := e.Letters.List(ctx, deadletter.Filter{
			ExecutionID: dlqListExecution,
			Status:      model.DeadLetterStatus(dlqListStatus),
			ErrorKind:   dlqListKind,
			Limit:       dlqListLimit,
		})
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("no dead letters")
			return nil
		}
		for _, entry := range entries {
			fmt.Printf("%s  %-18s %-14s %-9s attempts=%d  %s\n",
				entry.FailedAt.Format(time.RFC3339),
				entry.ID,
				entry.ErrorKind,
				entry.Status,
				entry.RetryCount,
				entry.ErrorMessage,
			)
		}
		return nil
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead letter statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		stats, err := e.Letters.Statistics(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

var dlqResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark a dead letter as resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Letters.Resolve(ctx, args[0], dlqHandledBy, dlqNotes); err != nil {
			return err
		}
		fmt.Printf("resolved %s\n", args[0])
		return nil
	},
}

var dlqIgnoreCmd = &cobra.Command{
	Use:   "ignore <id>",
	Short: "Mark a dead letter as ignored",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Letters.Ignore(ctx, args[0], dlqHandledBy, dlqNotes); err != nil {
			return err
		}
		fmt.Printf("ignored %s\n", args[0])
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-run a dead-lettered task and fold the result back in",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Engine.RetryDeadLetter(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("retry succeeded for %s\n", args[0])
		return nil
	},
	Args: cobra.ExactArgs(1),
}

var dlqCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete handled dead letters past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		hours := dlqCleanupHours
		if hours == 0 {
			hours = cfg.DLQ.CleanupHours
		}

		deleted, err := e.Letters.Cleanup(ctx, time.Duration(hours)*time.Hour)
		if err != nil {
			return err
		}
		zap.L().Info("dead letter cleanup", zap.Int("deleted", deleted), zap.Int("older_than_hours", hours))
		fmt.Printf("deleted %d entries\n", deleted)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqListExecution, "execution", "", "filter by execution id")
	dlqListCmd.Flags().StringVar(&dlqListStatus, "status", "", "filter by status (pending, resolved, ignored, retry_requested)")
	dlqListCmd.Flags().StringVar(&dlqListKind, "kind", "", "filter by error kind")
	dlqListCmd.Flags().IntVar(&dlqListLimit, "limit", 50, "max entries to list")

	dlqResolveCmd.Flags().StringVar(&dlqHandledBy, "by", "cli", "operator handle")
	dlqResolveCmd.Flags().StringVar(&dlqNotes, "notes", "", "resolution notes")
	dlqIgnoreCmd.Flags().StringVar(&dlqHandledBy, "by", "cli", "operator handle")
	dlqIgnoreCmd.Flags().StringVar(&dlqNotes, "notes", "", "resolution notes")

	dlqCleanupCmd.Flags().IntVar(&dlqCleanupHours, "older-than-hours", 0, "age threshold (default from config)")

	dlqCmd.AddCommand(dlqListCmd, dlqStatsCmd, dlqResolveCmd, dlqIgnoreCmd, dlqRetryCmd, dlqCleanupCmd)
	rootCmd.AddCommand(dlqCmd)
}
