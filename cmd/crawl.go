package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/worker"
)

const sourceCLI = "cli"

type crawlOptions struct {
	year       int
	start      int
	end        int
	noAutoStop bool
}

// newCrawlCmd creates the 'crawl' subcommand. Without --year the target year
// and start sequence come from stored progress.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl to completion and prints its log entry",
		Long: `Runs a single crawl in the foreground. With --year the given range is
crawled; otherwise the newest incomplete year resumes after its highest stored
sequence. The final batch and the crawl log are written even on interrupt.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := opts.request()
			if err != nil {
				return err
			}
			return runCrawl(cmd, req)
		},
	}
	cmd.Flags().IntVar(&opts.year, "year", 0, "three-digit permit year; omit for a planned run")
	cmd.Flags().IntVar(&opts.start, "start", 1, "first sequence number (with --year)")
	cmd.Flags().IntVar(&opts.end, "end", 0, "last sequence number, inclusive (0 = open ended)")
	cmd.Flags().BoolVar(&opts.noAutoStop, "no-auto-stop", false, "ignore the consecutive failure and no-data limits")
	return cmd
}

func (o *crawlOptions) request() (crawler.RunRequest, error) {
	req := crawler.RunRequest{Source: sourceCLI, NoAutoStop: o.noAutoStop}
	if o.year == 0 {
		if o.end != 0 {
			return req, errors.New("--end requires --year")
		}
		req.Planned = true
		return req, nil
	}
	if o.year < 100 || o.year > 999 {
		return req, fmt.Errorf("--year must have three digits, got %d", o.year)
	}
	if o.start < 1 {
		return req, fmt.Errorf("--start must be >= 1, got %d", o.start)
	}
	req.Year = o.year
	req.StartSequence = o.start
	if o.end != 0 {
		if o.end < o.start {
			return req, fmt.Errorf("--end %d is before --start %d", o.end, o.start)
		}
		end := o.end
		req.EndSequence = &end
	}
	return req, nil
}

func runCrawl(cmd *cobra.Command, req crawler.RunRequest) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	entry, err := appInstance.Execute(ctx, req)
	if errors.Is(err, worker.ErrAllYearsComplete) {
		_, werr := fmt.Fprintln(cmd.OutOrStdout(), "all tracked years are complete")
		return werr
	}
	if entry.Status != "" {
		if werr := writeJSON(cmd.OutOrStdout(), entry); werr != nil {
			return werr
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}
	return nil
}
