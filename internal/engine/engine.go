// Package engine walks a permit key range one sequence number at a time,
// fetching, parsing and batching records into the store until the range
// ends, the per-run limit is hit or a streak threshold trips.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/clock/system"
	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
	"github.com/JakeFAU/permit-crawler/internal/telemetry"
)

// Defaults applied to zero Config fields.
const (
	DefaultRecordType             = 1
	DefaultMaxConsecutiveFailures = 5
	DefaultMaxConsecutiveNoData   = 20
	DefaultBatchSize              = 30
	DefaultRequestDelay           = 800 * time.Millisecond
	DefaultMaxCrawlPerRun         = 50
)

const finalFlushTimeout = 30 * time.Second

// Config tunes the run loop.
type Config struct {
	RecordType             int
	MaxConsecutiveFailures int
	MaxConsecutiveNoData   int
	BatchSize              int
	RequestDelay           time.Duration
	MaxCrawlPerRun         int
}

func (c Config) withDefaults() Config {
	if c.RecordType <= 0 {
		c.RecordType = DefaultRecordType
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.MaxConsecutiveNoData <= 0 {
		c.MaxConsecutiveNoData = DefaultMaxConsecutiveNoData
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.RequestDelay < 0 {
		c.RequestDelay = 0
	} else if c.RequestDelay == 0 {
		c.RequestDelay = DefaultRequestDelay
	}
	if c.MaxCrawlPerRun <= 0 {
		c.MaxCrawlPerRun = DefaultMaxCrawlPerRun
	}
	return c
}

// Range selects the keys for one run. End is inclusive; nil means open ended.
// RecordType zero uses the engine default.
type Range struct {
	Year       int
	RecordType int
	Start      int
	End        *int
	AutoStop   bool
}

// Result summarizes a finished run. LastSequence is the last sequence number
// attempted, or Start-1 when nothing was attempted. Unflushed counts records
// lost because the final merge failed.
type Result struct {
	Stats        crawler.CrawlStats
	StopReason   crawler.StopReason
	LastSequence int
	Merged       int
	Unflushed    int
	MergeErrors  []error
}

// MergeError joins the merge errors seen during the run, or returns nil.
func (r Result) MergeError() error {
	return errors.Join(r.MergeErrors...)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSleeper replaces the inter-request sleeper.
func WithSleeper(s crawler.Sleeper) Option {
	return func(e *Engine) {
		if s != nil {
			e.sleeper = s
		}
	}
}

// WithArchiver keeps the raw content of pages that fail to parse.
func WithArchiver(a crawler.Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// Engine runs crawl ranges. An Engine holds no per-run state and may serve
// concurrent runs.
type Engine struct {
	fetcher  crawler.PageFetcher
	parser   crawler.RecordParser
	store    crawler.RecordStore
	archiver crawler.Archiver
	sleeper  crawler.Sleeper
	cfg      Config
	logger   *zap.Logger
}

// New builds an Engine.
func New(fetcher crawler.PageFetcher, parser crawler.RecordParser, store crawler.RecordStore, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		fetcher: fetcher,
		parser:  parser,
		store:   store,
		sleeper: system.New(),
		cfg:     cfg.withDefaults(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("engine")
	return e
}

// outcome classifies one processed key.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeNoData
	outcomeFetchFailed
	outcomeParseFailed
)

func (o outcome) label() string {
	switch o {
	case outcomeSuccess:
		return metrics.OutcomeSuccess
	case outcomeNoData:
		return metrics.OutcomeNoData
	case outcomeParseFailed:
		return metrics.OutcomeParseFailed
	default:
		return metrics.OutcomeFailed
	}
}

// streaks holds the two consecutive-outcome counters.
type streaks struct {
	failures int
	noData   int
}

// tally folds one outcome into the run counters.
func tally(stats crawler.CrawlStats, s streaks, o outcome) (crawler.CrawlStats, streaks) {
	switch o {
	case outcomeSuccess:
		stats.Successful++
		s = streaks{}
	case outcomeNoData:
		stats.NoData++
		s.noData++
		s.failures = 0
	case outcomeParseFailed:
		stats.ParseFailed++
		fallthrough
	case outcomeFetchFailed:
		stats.Failed++
		s.failures++
		s.noData = 0
	}
	return stats, s
}

// Run crawls r. The returned error is reserved for an invalid range; fetch,
// parse and merge problems are reported through Result.
func (e *Engine) Run(ctx context.Context, r Range) (Result, error) {
	if r.Year <= 0 || r.Start <= 0 {
		return Result{}, fmt.Errorf("invalid range: year %d start %d", r.Year, r.Start)
	}
	if r.End != nil && *r.End < r.Start {
		return Result{}, fmt.Errorf("invalid range: end %d before start %d", *r.End, r.Start)
	}
	recordType := r.RecordType
	if recordType <= 0 {
		recordType = e.cfg.RecordType
	}

	ctx, span := telemetry.Tracer().Start(ctx, "crawl.run")
	defer span.End()
	span.SetAttributes(attribute.Int("permit.year", r.Year), attribute.Int("permit.start", r.Start))

	log := e.logger.With(zap.Int("year", r.Year), zap.Int("start", r.Start))
	log.Info("run starting", zap.Bool("auto_stop", r.AutoStop), zap.Int("max_per_run", e.cfg.MaxCrawlPerRun))

	var (
		stats crawler.CrawlStats
		run   streaks
		batch []crawler.PermitRecord
		res   = Result{LastSequence: r.Start - 1}
	)

	for seq := r.Start; ; seq++ {
		if ctx.Err() != nil {
			res.StopReason = crawler.StopCanceled
			break
		}
		if r.End != nil && seq > *r.End {
			res.StopReason = crawler.StopRangeEnd
			break
		}
		if stats.TotalAttempted >= e.cfg.MaxCrawlPerRun {
			res.StopReason = crawler.StopRunLimit
			break
		}

		key := crawler.GenerateKey(r.Year, recordType, seq, 0)
		stats.TotalAttempted++
		res.LastSequence = seq

		rec, o := e.process(ctx, key)
		if o != outcomeSuccess && ctx.Err() != nil {
			// Interrupted mid-fetch. The key stays unattempted so the next
			// run picks it up again.
			stats.TotalAttempted--
			res.LastSequence = seq - 1
			res.StopReason = crawler.StopCanceled
			break
		}
		stats, run = tally(stats, run, o)
		metrics.ObserveRecord(r.Year, o.label())
		if o == outcomeSuccess {
			batch = append(batch, rec)
		}

		if r.AutoStop {
			if run.noData >= e.cfg.MaxConsecutiveNoData {
				res.StopReason = crawler.StopConsecutiveNoData
				break
			}
			if run.failures >= e.cfg.MaxConsecutiveFailures {
				res.StopReason = crawler.StopConsecutiveFailures
				break
			}
		}

		if len(batch) >= e.cfg.BatchSize {
			if err := e.flush(ctx, batch); err != nil {
				res.MergeErrors = append(res.MergeErrors, err)
				log.Warn("batch merge failed, keeping batch", zap.Int("pending", len(batch)), zap.Error(err))
			} else {
				res.Merged += len(batch)
				batch = nil
			}
		}

		if err := e.sleeper.Sleep(ctx, e.cfg.RequestDelay); err != nil {
			res.StopReason = crawler.StopCanceled
			break
		}
	}

	if len(batch) > 0 {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
		if err := e.flush(flushCtx, batch); err != nil {
			res.MergeErrors = append(res.MergeErrors, err)
			res.Unflushed = len(batch)
			log.Error("final merge failed", zap.Int("pending", len(batch)), zap.Error(err))
		} else {
			res.Merged += len(batch)
		}
		cancel()
	}

	res.Stats = stats
	span.SetAttributes(
		attribute.String("crawl.stop_reason", string(res.StopReason)),
		attribute.Int("crawl.attempted", stats.TotalAttempted),
		attribute.Int("crawl.successful", stats.Successful),
	)
	if err := res.MergeError(); err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	log.Info("run finished",
		zap.String("stop_reason", string(res.StopReason)),
		zap.Int("attempted", stats.TotalAttempted),
		zap.Int("successful", stats.Successful),
		zap.Int("failed", stats.Failed),
		zap.Int("no_data", stats.NoData),
		zap.Int("parse_failed", stats.ParseFailed),
		zap.Int("last_sequence", res.LastSequence),
	)
	return res, nil
}

// process fetches and parses one key.
func (e *Engine) process(ctx context.Context, key string) (crawler.PermitRecord, outcome) {
	content, err := e.fetcher.FetchPage(ctx, key)
	if err != nil {
		e.logger.Debug("fetch failed", zap.String("index_key", key), zap.Error(err))
		return crawler.PermitRecord{}, outcomeFetchFailed
	}

	rec, err := e.parser.Parse(content, key)
	switch {
	case err == nil:
		e.logger.Debug("record parsed", zap.String("index_key", key), zap.String("permit_number", rec.PermitNumber))
		return rec, outcomeSuccess
	case errors.Is(err, crawler.ErrNoData):
		return crawler.PermitRecord{}, outcomeNoData
	default:
		e.logger.Warn("page did not parse", zap.String("index_key", key), zap.Error(err))
		e.archive(ctx, key, content)
		return crawler.PermitRecord{}, outcomeParseFailed
	}
}

func (e *Engine) archive(ctx context.Context, key, content string) {
	if e.archiver == nil {
		return
	}
	uri, err := e.archiver.Archive(ctx, key, []byte(content))
	if err != nil {
		e.logger.Warn("archive raw page failed", zap.String("index_key", key), zap.Error(err))
		return
	}
	e.logger.Info("archived raw page", zap.String("index_key", key), zap.String("uri", uri))
}

func (e *Engine) flush(ctx context.Context, batch []crawler.PermitRecord) error {
	res, err := e.store.Merge(ctx, batch)
	if err != nil {
		return fmt.Errorf("merge %d records: %w", len(batch), err)
	}
	e.logger.Info("batch merged",
		zap.Int("records", len(batch)),
		zap.Int("added", res.Added),
		zap.Int("updated", res.Updated),
		zap.Int("total", res.Total),
	)
	return nil
}
