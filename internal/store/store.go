package store

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
)

const contentTypeJSON = "application/json; charset=utf-8"

// Default object paths and log retention.
var (
	DefaultSnapshotPaths = []string{"permits.json", "data/permits.json", "all_permits.json"}
	DefaultLogPaths      = []string{"crawl-logs.json", "data/crawl-logs.json"}
)

// DefaultLogRetention bounds how long crawl log entries are kept.
const DefaultLogRetention = 30 * 24 * time.Hour

// Config lists where the snapshot and log live. The first path of each list
// is the one read back.
type Config struct {
	SnapshotPaths []string
	LogPaths      []string
	LogRetention  time.Duration
}

// Option customizes a Store.
type Option func(*Store)

// WithIndex mirrors merges and log appends into idx.
func WithIndex(idx crawler.RecordIndex) Option {
	return func(s *Store) { s.index = idx }
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store implements crawler.RecordStore, crawler.LogStore and
// crawler.ProgressReader.
type Store struct {
	objects crawler.ObjectStore
	index   crawler.RecordIndex
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger

	snapMu sync.Mutex
	logMu  sync.Mutex
}

// New builds a Store over objects. Empty path lists fall back to the defaults.
func New(objects crawler.ObjectStore, clock crawler.Clock, cfg Config, opts ...Option) *Store {
	if len(cfg.SnapshotPaths) == 0 {
		cfg.SnapshotPaths = DefaultSnapshotPaths
	}
	if len(cfg.LogPaths) == 0 {
		cfg.LogPaths = DefaultLogPaths
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = DefaultLogRetention
	}
	s := &Store{
		objects: objects,
		clock:   clock,
		cfg:     cfg,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Merge folds records into the snapshot. A key absent from the snapshot is
// added; an existing key is replaced only by a strictly newer crawledAt. The
// rebuilt snapshot is written to every snapshot path in order, stopping at the
// first failure. Earlier writes are not rolled back, so retrying the same
// batch is the recovery path.
func (s *Store) Merge(ctx context.Context, records []crawler.PermitRecord) (result crawler.MergeResult, err error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	defer func() { metrics.ObserveMerge(result.Added, result.Updated, err) }()

	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return crawler.MergeResult{}, err
	}
	if len(records) == 0 {
		return crawler.MergeResult{Total: len(snap.Permits)}, nil
	}

	byKey := make(map[string]crawler.PermitRecord, len(snap.Permits)+len(records))
	for _, p := range snap.Permits {
		byKey[p.IndexKey] = p
	}
	var added, updated int
	for _, rec := range records {
		existing, ok := byKey[rec.IndexKey]
		switch {
		case !ok:
			added++
		case rec.CrawledAt.After(existing.CrawledAt):
			updated++
		default:
			continue
		}
		byKey[rec.IndexKey] = rec
	}

	next := buildSnapshot(byKey, s.clock.Now().UTC())
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return crawler.MergeResult{}, fmt.Errorf("encode snapshot: %w", err)
	}
	for _, path := range s.cfg.SnapshotPaths {
		if _, err := s.objects.PutObject(ctx, path, contentTypeJSON, bytes.NewReader(data)); err != nil {
			return crawler.MergeResult{}, fmt.Errorf("write snapshot %s: %w", path, err)
		}
	}
	if s.index != nil {
		if _, err := s.index.UpsertPermits(ctx, records); err != nil {
			return crawler.MergeResult{}, fmt.Errorf("index permits: %w", err)
		}
	}

	publishProgress(Progress(next))

	s.logger.Info("merged permits",
		zap.Int("incoming", len(records)),
		zap.Int("added", added),
		zap.Int("updated", updated),
		zap.Int("total", next.TotalCount),
	)
	return crawler.MergeResult{Added: added, Updated: updated, Total: next.TotalCount}, nil
}

// Snapshot returns the stored snapshot, empty when none has been written.
func (s *Store) Snapshot(ctx context.Context) (crawler.Snapshot, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.loadSnapshot(ctx)
}

// Status reports, per year, how many permits are stored and the highest
// sequence number seen.
func (s *Store) Status(ctx context.Context) (map[int]crawler.YearProgress, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	progress := Progress(snap)
	publishProgress(progress)
	return progress, nil
}

// Progress derives per-year progress from a snapshot.
func Progress(snap crawler.Snapshot) map[int]crawler.YearProgress {
	out := make(map[int]crawler.YearProgress)
	for _, p := range snap.Permits {
		yp := out[p.PermitYear]
		yp.Count++
		yp.Max = max(yp.Max, p.SequenceNumber)
		out[p.PermitYear] = yp
	}
	return out
}

func publishProgress(progress map[int]crawler.YearProgress) {
	for year, yp := range progress {
		metrics.SetYearMax(year, yp.Max)
	}
}

func (s *Store) loadSnapshot(ctx context.Context) (crawler.Snapshot, error) {
	path := s.cfg.SnapshotPaths[0]
	data, err := s.objects.GetObject(ctx, path)
	if errors.Is(err, crawler.ErrObjectNotFound) {
		return emptySnapshot(), nil
	}
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var snap crawler.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if snap.YearCounts == nil {
		snap.YearCounts = map[string]int{}
	}
	if snap.Permits == nil {
		snap.Permits = []crawler.PermitRecord{}
	}
	return snap, nil
}

func emptySnapshot() crawler.Snapshot {
	return crawler.Snapshot{YearCounts: map[string]int{}, Permits: []crawler.PermitRecord{}}
}

func buildSnapshot(byKey map[string]crawler.PermitRecord, now time.Time) crawler.Snapshot {
	permits := make([]crawler.PermitRecord, 0, len(byKey))
	counts := make(map[string]int)
	for _, p := range byKey {
		permits = append(permits, p)
		counts[strconv.Itoa(p.PermitYear)]++
	}
	SortPermits(permits)
	return crawler.Snapshot{
		LastUpdate: now,
		TotalCount: len(permits),
		YearCounts: counts,
		Permits:    permits,
	}
}

// SortPermits orders by year descending, then sequence descending. Ties fall
// back to version descending and index key for a stable file layout.
func SortPermits(permits []crawler.PermitRecord) {
	slices.SortFunc(permits, func(a, b crawler.PermitRecord) int {
		return cmp.Or(
			cmp.Compare(b.PermitYear, a.PermitYear),
			cmp.Compare(b.SequenceNumber, a.SequenceNumber),
			cmp.Compare(b.VersionNumber, a.VersionNumber),
			cmp.Compare(a.IndexKey, b.IndexKey),
		)
	})
}
