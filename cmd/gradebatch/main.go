package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/app"
	"github.com/joseph-ayodele/homework-grader/internal/common"
	"github.com/joseph-ayodele/homework-grader/internal/ingest"
	"github.com/joseph-ayodele/homework-grader/internal/jobs"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		inmem   = flag.Bool("inmem", false, "keep jobs in memory instead of DB_URL")
		dir     = flag.String("dir", "", "directory of page images, graded in name order (required)")
		out     = flag.String("out", "", "output XLSX file path (optional, defaults to parent directory)")
		timeout = flag.Duration("timeout", 15*time.Minute, "give up waiting after this long (0 = no limit)")
		costs   = flag.Int64("cost-units", 0, "cost ceiling for the job (0 = configured default)")
	)
	flag.Parse()

	if *dir == "" {
		printError("Error: --dir is required\n")
		os.Exit(1)
	}
	if *out == "" {
		*out = filepath.Join(filepath.Dir(*dir), "grading.xlsx")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := common.LoadConfig()
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	if *inmem || cfg.Database.DSN == "" {
		cfg.Database.Driver = "memory"
		cfg.Workers.QueueBackend = "memory"
	}

	pages, stats, err := ingest.ScanPages(*dir, true)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	if len(pages) == 0 {
		printError("Error: no supported images in %s\n", *dir)
		os.Exit(1)
	}
	if len(pages) > constants.MaxPagesPerJob {
		printError("Error: %d pages found, at most %d per job\n", len(pages), constants.MaxPagesPerJob)
		os.Exit(1)
	}
	logger.Info("scan complete", "dir", *dir, "scanned", stats.Scanned, "matched", stats.Matched, "skipped", stats.Skipped, "failed", stats.Failed)

	ctx, cancel := common.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to wire grader", "error", err)
		os.Exit(1)
	}
	a.Start(ctx)
	defer a.Shutdown(context.Background())

	id, err := a.Jobs.Submit(ctx, jobs.SubmitRequest{PageRefs: pages, CostUnits: *costs})
	if err != nil {
		logger.Error("failed to submit job", "error", err)
		os.Exit(1)
	}
	logger.Info("job submitted", "job_id", id.String(), "pages", len(pages))

	snap, err := waitForJob(ctx, func() (jobs.Snapshot, error) { return a.Jobs.Status(ctx, id) })
	if err != nil {
		logger.Error("job did not finish", "job_id", id.String(), "error", err)
		os.Exit(1)
	}

	xlsx, err := a.Export.JobXLSX(ctx, id)
	if err != nil {
		logger.Error("failed to export job", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, xlsx, 0644); err != nil {
		logger.Error("failed to write output file", "error", err)
		os.Exit(1)
	}

	review := 0
	for _, c := range snap.Cards {
		if c.NeedReview {
			review++
		}
	}
	logger.Info("batch grading complete",
		"job_id", id.String(),
		"status", string(snap.Job.Status),
		"pages", snap.Job.TotalPages,
		"failed_pages", snap.Job.FailedPages,
		"cards", len(snap.Cards),
		"need_review", review,
		"cost_used", snap.Budget.CostUsed,
		"output_file", *out)

	fmt.Printf("Batch grading complete!\n")
	fmt.Printf("- Pages: %d (%d failed)\n", snap.Job.TotalPages, snap.Job.FailedPages)
	fmt.Printf("- Questions: %d (%d need review)\n", len(snap.Cards), review)
	fmt.Printf("- Output: %s\n", *out)
}

// waitForJob polls until the job is terminal and no card is still waiting on a review.
func waitForJob(ctx context.Context, load func() (jobs.Snapshot, error)) (jobs.Snapshot, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap, err := load()
		if err != nil {
			return snap, err
		}
		if settled(snap) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

func settled(s jobs.Snapshot) bool {
	if !s.Job.Status.Terminal() {
		return false
	}
	for _, c := range s.Cards {
		if c.State == constants.CardStateReviewPending {
			return false
		}
	}
	return true
}
