package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var baseTime = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) (*Store, *memory.BlobStore, *fakeClock) {
	t.Helper()
	blobs := memory.NewBlobStore()
	clock := &fakeClock{now: baseTime}
	return New(blobs, clock, Config{}, opts...), blobs, clock
}

func permit(year, seq int, crawledAt time.Time) crawler.PermitRecord {
	key := crawler.GenerateKey(year, 1, seq, 0)
	return crawler.PermitRecord{
		IndexKey:       key,
		PermitNumber:   strconv.Itoa(year) + "中都建字第" + strconv.Itoa(seq) + "號",
		PermitYear:     year,
		PermitType:     1,
		SequenceNumber: seq,
		CrawledAt:      crawledAt,
	}
}

func assertSnapshotInvariants(t *testing.T, snap crawler.Snapshot) {
	t.Helper()
	require.Equal(t, len(snap.Permits), snap.TotalCount)

	seen := map[string]bool{}
	counts := map[string]int{}
	for i, p := range snap.Permits {
		require.False(t, seen[p.IndexKey], "duplicate key %s", p.IndexKey)
		seen[p.IndexKey] = true
		counts[strconv.Itoa(p.PermitYear)]++
		if i > 0 {
			prev := snap.Permits[i-1]
			ordered := prev.PermitYear > p.PermitYear ||
				(prev.PermitYear == p.PermitYear && prev.SequenceNumber >= p.SequenceNumber)
			require.True(t, ordered, "permits out of order at %d", i)
		}
	}
	require.Equal(t, counts, snap.YearCounts)
}

func TestMergeIntoEmptyStoreWritesEverySnapshotPath(t *testing.T) {
	t.Parallel()

	s, blobs, _ := newTestStore(t)
	ctx := context.Background()

	res, err := s.Merge(ctx, []crawler.PermitRecord{
		permit(113, 5, baseTime),
		permit(114, 1, baseTime),
		permit(114, 2, baseTime),
	})
	require.NoError(t, err)
	require.Equal(t, crawler.MergeResult{Added: 3, Updated: 0, Total: 3}, res)
	require.Equal(t, []string{"all_permits.json", "data/permits.json", "permits.json"}, blobs.Paths())

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assertSnapshotInvariants(t, snap)
	require.Equal(t, map[string]int{"113": 1, "114": 2}, snap.YearCounts)
	require.Equal(t, "11410000200", snap.Permits[0].IndexKey)
	require.Equal(t, "11310000500", snap.Permits[2].IndexKey)
	require.True(t, snap.LastUpdate.Equal(baseTime))

	primary, err := blobs.GetObject(ctx, "permits.json")
	require.NoError(t, err)
	mirror, err := blobs.GetObject(ctx, "all_permits.json")
	require.NoError(t, err)
	require.JSONEq(t, string(primary), string(mirror))
}

func TestMergeIsIdempotent(t *testing.T) {
	t.Parallel()

	s, _, clock := newTestStore(t)
	ctx := context.Background()
	batch := []crawler.PermitRecord{permit(114, 1, baseTime), permit(114, 2, baseTime)}

	_, err := s.Merge(ctx, batch)
	require.NoError(t, err)
	first, err := s.Snapshot(ctx)
	require.NoError(t, err)

	clock.Set(baseTime.Add(time.Hour))
	res, err := s.Merge(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, crawler.MergeResult{Added: 0, Updated: 0, Total: 2}, res)

	second, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, first.Permits, second.Permits)
	require.Equal(t, first.YearCounts, second.YearCounts)
	require.Equal(t, first.TotalCount, second.TotalCount)
}

func TestMergeOlderRecordIsNoOp(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	ctx := context.Background()
	current := permit(114, 1, baseTime)
	_, err := s.Merge(ctx, []crawler.PermitRecord{current})
	require.NoError(t, err)

	older := permit(114, 1, baseTime.Add(-time.Hour))
	older.PermitNumber = "stale"
	res, err := s.Merge(ctx, []crawler.PermitRecord{older})
	require.NoError(t, err)
	require.Equal(t, 0, res.Updated)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Permits, 1)
	require.Equal(t, current.PermitNumber, snap.Permits[0].PermitNumber)
}

func TestMergeNewerRecordReplaces(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Merge(ctx, []crawler.PermitRecord{permit(114, 1, baseTime), permit(113, 9, baseTime)})
	require.NoError(t, err)

	newer := permit(114, 1, baseTime.Add(time.Minute))
	newer.PermitNumber = "fresh"
	res, err := s.Merge(ctx, []crawler.PermitRecord{newer, permit(112, 3, baseTime)})
	require.NoError(t, err)
	require.Equal(t, crawler.MergeResult{Added: 1, Updated: 1, Total: 3}, res)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assertSnapshotInvariants(t, snap)
	require.Equal(t, "fresh", snap.Permits[0].PermitNumber)
	require.True(t, snap.Permits[0].CrawledAt.Equal(newer.CrawledAt))
}

func TestMergeStopsAtFirstFailedWrite(t *testing.T) {
	t.Parallel()

	s, blobs, _ := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("disk full")
	blobs.FailWrites("data/permits.json", boom)

	_, err := s.Merge(ctx, []crawler.PermitRecord{permit(114, 1, baseTime)})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"permits.json"}, blobs.Paths())

	blobs.FailWrites("data/permits.json", nil)
	res, err := s.Merge(ctx, []crawler.PermitRecord{permit(114, 1, baseTime)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Len(t, blobs.Paths(), 3)
}

func TestMergeMirrorsIntoIndex(t *testing.T) {
	t.Parallel()

	idx := memory.NewRecordIndex()
	s, _, _ := newTestStore(t, WithIndex(idx))
	_, err := s.Merge(context.Background(), []crawler.PermitRecord{permit(114, 1, baseTime)})
	require.NoError(t, err)
	require.Len(t, idx.Permits(), 1)
}

func TestMergeEmptyBatchDoesNotWrite(t *testing.T) {
	t.Parallel()

	s, blobs, _ := newTestStore(t)
	res, err := s.Merge(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, res.Total)
	require.Empty(t, blobs.Paths())
}

func TestMergeRejectsCorruptSnapshot(t *testing.T) {
	t.Parallel()

	s, blobs, _ := newTestStore(t)
	_, err := blobs.PutObject(context.Background(), "permits.json", "", stringsReader("{not json"))
	require.NoError(t, err)
	_, err = s.Merge(context.Background(), []crawler.PermitRecord{permit(114, 1, baseTime)})
	require.ErrorContains(t, err, "decode snapshot")
}

func TestStatusReportsCountAndMax(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Merge(ctx, []crawler.PermitRecord{
		permit(114, 3, baseTime), permit(114, 10, baseTime), permit(113, 7, baseTime),
	})
	require.NoError(t, err)

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]crawler.YearProgress{
		114: {Count: 2, Max: 10},
		113: {Count: 1, Max: 7},
	}, status)
}

func TestSnapshotJSONShape(t *testing.T) {
	t.Parallel()

	s, blobs, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Merge(ctx, []crawler.PermitRecord{permit(114, 1, baseTime)})
	require.NoError(t, err)

	data, err := blobs.GetObject(ctx, "permits.json")
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "lastUpdate")
	require.Contains(t, raw, "totalCount")
	require.Contains(t, raw, "yearCounts")
	require.Contains(t, raw, "permits")
}
