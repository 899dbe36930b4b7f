// Package worker executes crawl run requests: it plans the target range,
// drives the engine, records the crawl log entry and announces the result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/engine"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
)

// ErrAllYearsComplete is returned for planned runs when every configured
// year has reached its completion sequence.
var ErrAllYearsComplete = errors.New("all configured years are complete")

const logWriteTimeout = 30 * time.Second

// YearPlan marks the sequence at which a year is considered fully crawled.
// CompleteAt zero means the year is never complete.
type YearPlan struct {
	Year       int
	CompleteAt int
}

// Config controls Worker behavior.
type Config struct {
	Years     []YearPlan
	StartYear int
	AutoStop  bool
	Topic     string
}

// Runner executes one crawl range.
type Runner interface {
	Run(ctx context.Context, r engine.Range) (engine.Result, error)
}

// Worker consumes run requests and executes them one at a time.
type Worker struct {
	queue     crawler.Queue
	runner    Runner
	logs      crawler.LogStore
	progress  crawler.ProgressReader
	publisher crawler.Publisher
	ids       crawler.IDGenerator
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher may be nil.
func New(
	queue crawler.Queue,
	runner Runner,
	logs crawler.LogStore,
	progress crawler.ProgressReader,
	publisher crawler.Publisher,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		runner:    runner,
		logs:      logs,
		progress:  progress,
		publisher: publisher,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", req.RunID), zap.String("source", req.Source))
		if _, err := w.Execute(ctx, req); err != nil && !errors.Is(err, ErrAllYearsComplete) {
			w.logger.Error("run failed", zap.String("run_id", req.RunID), zap.Error(err))
		}
	}
}

// Execute runs req to completion and returns the crawl log entry it wrote.
// The entry is persisted even when the run context was canceled.
func (w *Worker) Execute(ctx context.Context, req crawler.RunRequest) (crawler.CrawlLogEntry, error) {
	if req.RunID == "" && w.ids != nil {
		id, err := w.ids.NewID()
		if err != nil {
			return crawler.CrawlLogEntry{}, err
		}
		req.RunID = id
	}
	log := w.logger.With(zap.String("run_id", req.RunID))

	rng, err := w.plan(ctx, req)
	if errors.Is(err, ErrAllYearsComplete) {
		log.Info("nothing to crawl", zap.Error(err))
		return crawler.CrawlLogEntry{}, err
	}

	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()

	started := w.clock.Now().UTC()
	entry := crawler.CrawlLogEntry{
		RunID:         req.RunID,
		Date:          started.Format("2006-01-02"),
		StartTime:     started,
		TargetYear:    rng.Year,
		StartSequence: rng.Start,
	}

	var runErr error
	if err != nil {
		runErr = err
	} else {
		log.Info("run starting", zap.Int("year", rng.Year), zap.Int("start", rng.Start), zap.String("source", req.Source))
		var res engine.Result
		res, runErr = w.runner.Run(ctx, rng)
		if runErr == nil {
			entry.Stats = res.Stats
			entry.StopReason = res.StopReason
			entry.EndSequence = res.LastSequence
			if mergeErr := res.MergeError(); mergeErr != nil {
				entry.Error = mergeErr.Error()
			}
			runErr = runOutcome(res)
		}
	}

	ended := w.clock.Now().UTC()
	entry.EndTime = ended
	entry.Duration = int64(math.Round(ended.Sub(started).Seconds()))
	switch {
	case runErr != nil:
		entry.Status = crawler.RunStatusFailed
		entry.Error = runErr.Error()
	case entry.StopReason == crawler.StopCanceled:
		entry.Status = crawler.RunStatusFailed
		entry.Error = "run canceled"
	default:
		entry.Status = crawler.RunStatusCompleted
	}
	metrics.ObserveRun(string(entry.Status), string(entry.StopReason))

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
	defer cancel()
	if err := w.logs.AppendLog(logCtx, entry); err != nil {
		log.Error("append crawl log failed", zap.Error(err))
		return entry, fmt.Errorf("append crawl log: %w", err)
	}
	w.publish(logCtx, entry)

	log.Info("run recorded",
		zap.String("status", string(entry.Status)),
		zap.String("stop_reason", string(entry.StopReason)),
		zap.Int64("duration_seconds", entry.Duration),
	)
	return entry, runErr
}

// runOutcome turns unrecovered merge failures into a run error. Merge errors
// that a later flush recovered from are reported but do not fail the run.
func runOutcome(res engine.Result) error {
	err := res.MergeError()
	if err == nil {
		return nil
	}
	if res.Unflushed > 0 {
		return fmt.Errorf("%d records not persisted: %w", res.Unflushed, err)
	}
	return nil
}

func (w *Worker) plan(ctx context.Context, req crawler.RunRequest) (engine.Range, error) {
	if !req.Planned {
		rng := engine.Range{
			Year:     req.Year,
			Start:    req.StartSequence,
			End:      req.EndSequence,
			AutoStop: !req.NoAutoStop,
		}
		if rng.Year == 0 {
			rng.Year = w.cfg.StartYear
		}
		if rng.Start == 0 {
			rng.Start = 1
		}
		return rng, nil
	}

	progress, err := w.progress.Status(ctx)
	if err != nil {
		return engine.Range{}, fmt.Errorf("read progress: %w", err)
	}
	year, start, err := Plan(progress, w.cfg.Years)
	if err != nil {
		return engine.Range{}, err
	}
	return engine.Range{Year: year, Start: start, AutoStop: w.cfg.AutoStop}, nil
}

// Plan picks the newest configured year whose stored maximum sequence is below
// its completion mark and resumes it after that maximum.
func Plan(progress map[int]crawler.YearProgress, years []YearPlan) (year, start int, err error) {
	plans := append([]YearPlan(nil), years...)
	sort.SliceStable(plans, func(i, j int) bool { return plans[i].Year > plans[j].Year })
	for _, p := range plans {
		maxSeq := progress[p.Year].Max
		if p.CompleteAt > 0 && maxSeq >= p.CompleteAt {
			continue
		}
		return p.Year, maxSeq + 1, nil
	}
	return 0, 0, ErrAllYearsComplete
}

func (w *Worker) publish(ctx context.Context, entry crawler.CrawlLogEntry) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, entry)
	if err != nil {
		w.logger.Warn("publish run result failed", zap.String("run_id", entry.RunID), zap.Error(err))
		return
	}
	w.logger.Debug("published run result", zap.String("run_id", entry.RunID), zap.String("message_id", id))
}
