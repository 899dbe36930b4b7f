package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/store"
)

type statusOutput struct {
	TotalCount int                          `json:"totalCount"`
	LastUpdate time.Time                    `json:"lastUpdate"`
	Progress   map[int]crawler.YearProgress `json:"progress"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints per-year progress from the stored snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := appInstance.Snapshot(cmd.Context())
			if err != nil {
				return fmt.Errorf("load snapshot: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), statusOutput{
				TotalCount: snap.TotalCount,
				LastUpdate: snap.LastUpdate,
				Progress:   store.Progress(snap),
			})
		},
	}
}

func newLogsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Prints recent crawl log entries, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logs, err := appInstance.Logs(cmd.Context())
			if err != nil {
				return fmt.Errorf("load crawl logs: %w", err)
			}
			if limit > 0 && len(logs) > limit {
				logs = logs[:limit]
			}
			return writeJSON(cmd.OutOrStdout(), logs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum entries to print (0 = all)")
	return cmd
}
