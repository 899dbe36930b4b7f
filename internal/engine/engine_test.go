package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

const (
	pageRecord = "record"
	pageNoData = "no-data"
	pageJunk   = "junk"
)

var errFetch = errors.New("fetch failed")

// scriptedFetcher serves pages in call order; past the end of the script it
// repeats the fallback.
type scriptedFetcher struct {
	mu       sync.Mutex
	script   []string
	fallback string
	keys     []string
}

func (f *scriptedFetcher) FetchPage(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := f.fallback
	if i := len(f.keys); i < len(f.script) {
		page = f.script[i]
	}
	f.keys = append(f.keys, key)
	if page == "" {
		return "", errFetch
	}
	return page, nil
}

type stubParser struct{}

func (stubParser) Parse(content, key string) (crawler.PermitRecord, error) {
	switch content {
	case pageRecord:
		k, err := crawler.ParseKey(key)
		if err != nil {
			return crawler.PermitRecord{}, err
		}
		return crawler.PermitRecord{IndexKey: key, PermitNumber: "P-" + key, PermitYear: k.Year, SequenceNumber: k.Sequence}, nil
	case pageNoData:
		return crawler.PermitRecord{}, crawler.ErrNoData
	default:
		return crawler.PermitRecord{}, crawler.ErrUnparseable
	}
}

type recordingStore struct {
	mu      sync.Mutex
	calls   [][]crawler.PermitRecord
	failFor int
	err     error
}

func (s *recordingStore) Merge(ctx context.Context, records []crawler.PermitRecord) (crawler.MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return crawler.MergeResult{}, err
	}
	s.calls = append(s.calls, append([]crawler.PermitRecord(nil), records...))
	if s.failFor > 0 {
		s.failFor--
		return crawler.MergeResult{}, s.err
	}
	return crawler.MergeResult{Added: len(records), Total: len(records)}, nil
}

type countingSleeper struct {
	calls  int
	delays []time.Duration
	cancel context.CancelFunc
	after  int
}

func (s *countingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.calls++
	s.delays = append(s.delays, d)
	if s.cancel != nil && s.calls == s.after {
		s.cancel()
	}
	return ctx.Err()
}

type recordingArchiver struct{ keys []string }

func (a *recordingArchiver) Archive(_ context.Context, key string, _ []byte) (string, error) {
	a.keys = append(a.keys, key)
	return "mem://" + key, nil
}

func newEngine(f crawler.PageFetcher, s crawler.RecordStore, sl crawler.Sleeper, cfg Config, opts ...Option) *Engine {
	return New(f, stubParser{}, s, cfg, append([]Option{WithSleeper(sl)}, opts...)...)
}

func intPtr(v int) *int { return &v }

func repeat(page string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = page
	}
	return out
}

func TestRunMixedOutcomesStopsOnFailures(t *testing.T) {
	t.Parallel()

	script := append([]string{pageRecord, pageRecord, pageNoData}, repeat("", 5)...)
	fetcher := &scriptedFetcher{script: script, fallback: pageRecord}
	store := &recordingStore{}
	sleeper := &countingSleeper{}

	res, err := newEngine(fetcher, store, sleeper, Config{BatchSize: 2}).
		Run(context.Background(), Range{Year: 114, Start: 1, AutoStop: true})
	require.NoError(t, err)

	assert.Equal(t, crawler.CrawlStats{TotalAttempted: 8, Successful: 2, Failed: 5, NoData: 1}, res.Stats)
	assert.Equal(t, crawler.StopConsecutiveFailures, res.StopReason)
	assert.Equal(t, 8, res.LastSequence)
	assert.Equal(t, 2, res.Merged)
	assert.Empty(t, res.MergeErrors)

	require.Len(t, store.calls, 1)
	require.Len(t, store.calls[0], 2)
	assert.Equal(t, "11410000100", store.calls[0][0].IndexKey)
	assert.Equal(t, "11410000200", store.calls[0][1].IndexKey)
	assert.Equal(t, "11410000800", fetcher.keys[7])
	assert.Equal(t, 7, sleeper.calls)
}

func TestRunAlwaysFailingStopsAfterThreshold(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{}
	res, err := newEngine(fetcher, &recordingStore{}, &countingSleeper{}, Config{}).
		Run(context.Background(), Range{Year: 114, Start: 100, AutoStop: true})
	require.NoError(t, err)

	assert.Equal(t, crawler.StopConsecutiveFailures, res.StopReason)
	assert.Equal(t, 5, res.Stats.TotalAttempted)
	assert.Equal(t, 5, res.Stats.Failed)
	assert.Len(t, fetcher.keys, 5)
	assert.Equal(t, 104, res.LastSequence)
}

func TestRunAlwaysNoDataStopsAtNoDataThreshold(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fallback: pageNoData}
	res, err := newEngine(fetcher, &recordingStore{}, &countingSleeper{}, Config{}).
		Run(context.Background(), Range{Year: 113, Start: 1, AutoStop: true})
	require.NoError(t, err)

	assert.Equal(t, crawler.StopConsecutiveNoData, res.StopReason)
	assert.Equal(t, 20, res.Stats.NoData)
	assert.Equal(t, 0, res.Stats.Failed)
	assert.Equal(t, 20, res.Stats.TotalAttempted)
}

func TestRunParseFailuresCountAsFailures(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fallback: pageJunk}
	archiver := &recordingArchiver{}
	res, err := newEngine(fetcher, &recordingStore{}, &countingSleeper{}, Config{MaxConsecutiveFailures: 3}, WithArchiver(archiver)).
		Run(context.Background(), Range{Year: 114, Start: 1, AutoStop: true})
	require.NoError(t, err)

	assert.Equal(t, crawler.StopConsecutiveFailures, res.StopReason)
	assert.Equal(t, 3, res.Stats.Failed)
	assert.Equal(t, 3, res.Stats.ParseFailed)
	assert.Equal(t, []string{"11410000100", "11410000200", "11410000300"}, archiver.keys)
}

func TestRunNoDataResetsFailureStreak(t *testing.T) {
	t.Parallel()

	// Alternating failure and no-data never builds a streak of either kind.
	script := make([]string, 0, 40)
	for range 20 {
		script = append(script, "", pageNoData)
	}
	fetcher := &scriptedFetcher{script: script}
	res, err := newEngine(fetcher, &recordingStore{}, &countingSleeper{}, Config{MaxCrawlPerRun: 40}).
		Run(context.Background(), Range{Year: 114, Start: 1, AutoStop: true})
	require.NoError(t, err)

	assert.Equal(t, crawler.StopRunLimit, res.StopReason)
	assert.Equal(t, 40, res.Stats.TotalAttempted)
}

func TestRunRangeEndFlushesRemainder(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fallback: pageRecord}
	store := &recordingStore{}
	sleeper := &countingSleeper{}
	res, err := newEngine(fetcher, store, sleeper, Config{BatchSize: 2}).
		Run(context.Background(), Range{Year: 112, Start: 10, End: intPtr(14), AutoStop: true})
	require.NoError(t, err)

	assert.Equal(t, crawler.StopRangeEnd, res.StopReason)
	assert.Equal(t, 5, res.Stats.Successful)
	assert.Equal(t, 14, res.LastSequence)
	require.Len(t, store.calls, 3)
	assert.Len(t, store.calls[2], 1)
	assert.Equal(t, 5, res.Merged)
	assert.Equal(t, []time.Duration{DefaultRequestDelay, DefaultRequestDelay, DefaultRequestDelay, DefaultRequestDelay, DefaultRequestDelay}, sleeper.delays)
}

func TestRunLimitWithoutAutoStop(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{}
	res, err := newEngine(fetcher, &recordingStore{}, &countingSleeper{}, Config{MaxCrawlPerRun: 12}).
		Run(context.Background(), Range{Year: 114, Start: 1})
	require.NoError(t, err)

	assert.Equal(t, crawler.StopRunLimit, res.StopReason)
	assert.Equal(t, 12, res.Stats.Failed)
}

func TestRunFailedMergeKeepsBatch(t *testing.T) {
	t.Parallel()

	boom := errors.New("bucket unavailable")
	fetcher := &scriptedFetcher{fallback: pageRecord}
	store := &recordingStore{failFor: 1, err: boom}
	res, err := newEngine(fetcher, store, &countingSleeper{}, Config{BatchSize: 2}).
		Run(context.Background(), Range{Year: 114, Start: 1, End: intPtr(4)})
	require.NoError(t, err)

	require.Len(t, store.calls, 3)
	assert.Len(t, store.calls[0], 2)
	assert.Len(t, store.calls[1], 3, "retained batch retried with the next record")
	assert.Len(t, store.calls[2], 1)
	require.Len(t, res.MergeErrors, 1)
	assert.ErrorIs(t, res.MergeError(), boom)
	assert.Equal(t, 4, res.Merged)
	assert.Zero(t, res.Unflushed)
}

func TestRunFinalMergeFailureReported(t *testing.T) {
	t.Parallel()

	boom := errors.New("write denied")
	store := &recordingStore{failFor: 1, err: boom}
	res, err := newEngine(&scriptedFetcher{fallback: pageRecord}, store, &countingSleeper{}, Config{}).
		Run(context.Background(), Range{Year: 114, Start: 1, End: intPtr(3)})
	require.NoError(t, err)

	assert.Equal(t, crawler.StopRangeEnd, res.StopReason)
	assert.ErrorIs(t, res.MergeError(), boom)
	assert.Equal(t, 0, res.Merged)
	assert.Equal(t, 3, res.Unflushed)
}

func TestRunCanceledStillFlushes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &recordingStore{}
	sleeper := &countingSleeper{cancel: cancel, after: 3}
	res, err := newEngine(&scriptedFetcher{fallback: pageRecord}, store, sleeper, Config{}).
		Run(ctx, Range{Year: 114, Start: 1, AutoStop: true})
	require.NoError(t, err)

	assert.Equal(t, crawler.StopCanceled, res.StopReason)
	assert.Equal(t, 3, res.Stats.TotalAttempted)
	require.Len(t, store.calls, 1)
	assert.Len(t, store.calls[0], 3)
}

// cancelingFetcher serves records, then cancels the run while fetching the
// key at position cancelAt and fails that fetch.
type cancelingFetcher struct {
	cancel   context.CancelFunc
	cancelAt int
	calls    int
}

func (f *cancelingFetcher) FetchPage(ctx context.Context, _ string) (string, error) {
	f.calls++
	if f.calls == f.cancelAt {
		f.cancel()
		return "", ctx.Err()
	}
	return pageRecord, nil
}

func TestRunCanceledMidFetchIsNotAFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &recordingStore{}
	fetcher := &cancelingFetcher{cancel: cancel, cancelAt: 3}
	res, err := newEngine(fetcher, store, &countingSleeper{}, Config{MaxConsecutiveFailures: 1}).
		Run(ctx, Range{Year: 114, Start: 1, AutoStop: true})
	require.NoError(t, err)

	assert.Equal(t, crawler.StopCanceled, res.StopReason)
	assert.Equal(t, 0, res.Stats.Failed)
	assert.Equal(t, 2, res.Stats.Successful)
	assert.Equal(t, 2, res.Stats.TotalAttempted)
	assert.Equal(t, 2, res.LastSequence)
	require.Len(t, store.calls, 1)
	assert.Len(t, store.calls[0], 2)
}

func TestRunRejectsInvalidRange(t *testing.T) {
	t.Parallel()

	e := newEngine(&scriptedFetcher{}, &recordingStore{}, &countingSleeper{}, Config{})
	_, err := e.Run(context.Background(), Range{Year: 0, Start: 1})
	require.Error(t, err)
	_, err = e.Run(context.Background(), Range{Year: 114, Start: 0})
	require.Error(t, err)
	_, err = e.Run(context.Background(), Range{Year: 114, Start: 5, End: intPtr(4)})
	require.Error(t, err)
}

func TestTally(t *testing.T) {
	t.Parallel()

	stats, s := tally(crawler.CrawlStats{}, streaks{failures: 2, noData: 0}, outcomeNoData)
	assert.Equal(t, streaks{noData: 1}, s)
	stats, s = tally(stats, s, outcomeParseFailed)
	assert.Equal(t, streaks{failures: 1}, s)
	stats, s = tally(stats, s, outcomeSuccess)
	assert.Equal(t, streaks{}, s)
	assert.Equal(t, crawler.CrawlStats{Successful: 1, Failed: 1, NoData: 1, ParseFailed: 1}, stats)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{RequestDelay: -1}.withDefaults()
	assert.Equal(t, time.Duration(0), cfg.RequestDelay)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultMaxCrawlPerRun, cfg.MaxCrawlPerRun)
	assert.Equal(t, DefaultRecordType, cfg.RecordType)
}
