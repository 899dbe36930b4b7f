package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
)

// Snapshot as written by the Python crawlers: zone-less isoformat stamps and
// an extra crawlStats block.
const pythonSnapshot = `{
  "lastUpdate": "2025-07-25T10:05:00.654321",
  "totalCount": 2,
  "yearCounts": {"114": 2},
  "permits": [
    {"indexKey": "11410000200", "permitNumber": "114中都建字第2號", "permitYear": 114, "permitType": 1,
     "sequenceNumber": 2, "versionNumber": 0, "crawledAt": "2025-07-25T10:00:00.123456"},
    {"indexKey": "11410000100", "permitNumber": "114中都建字第1號", "permitYear": 114, "permitType": 1,
     "sequenceNumber": 1, "versionNumber": 0, "crawledAt": "2025-07-25T09:59:00"}
  ],
  "crawlStats": {"totalCrawled": 2}
}`

const pythonLog = `{
  "logs": [
    {"date": "2025-03-09", "startTime": "2025-03-09T08:00:00.000001", "endTime": "2025-03-09T08:10:00.5",
     "totalCrawled": 0, "status": "data_cleaned", "message": "cleaned"}
  ],
  "lastUpdate": "2025-03-09T08:10:00.5"
}`

func TestMergeOverPythonSnapshot(t *testing.T) {
	t.Parallel()

	s, blobs, _ := newTestStore(t)
	ctx := context.Background()
	for _, path := range DefaultSnapshotPaths {
		_, err := blobs.PutObject(ctx, path, "", stringsReader(pythonSnapshot))
		require.NoError(t, err)
	}

	progress, err := s.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.YearProgress{Count: 2, Max: 2}, progress[114])

	// The stored stamp is read as UTC, so a newer UTC crawl replaces it and an
	// older one does not.
	newer := permit(114, 2, time.Date(2025, 7, 25, 10, 0, 1, 0, time.UTC))
	older := permit(114, 1, time.Date(2025, 7, 25, 9, 58, 0, 0, time.UTC))
	res, err := s.Merge(ctx, []crawler.PermitRecord{newer, older, permit(114, 3, baseTime)})
	require.NoError(t, err)
	require.Equal(t, crawler.MergeResult{Added: 1, Updated: 1, Total: 3}, res)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assertSnapshotInvariants(t, snap)
	require.Equal(t, time.Date(2025, 7, 25, 9, 59, 0, 0, time.UTC), snap.Permits[2].CrawledAt)

	// Rewritten stamps are RFC 3339.
	data, err := blobs.GetObject(ctx, "permits.json")
	require.NoError(t, err)
	var raw struct {
		Permits []struct {
			CrawledAt string `json:"crawledAt"`
		} `json:"permits"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "2025-07-25T09:59:00Z", raw.Permits[2].CrawledAt)
}

func TestAppendLogOverPythonLog(t *testing.T) {
	t.Parallel()

	s, blobs, _ := newTestStore(t)
	ctx := context.Background()
	_, err := blobs.PutObject(ctx, "crawl-logs.json", "", stringsReader(pythonLog))
	require.NoError(t, err)

	require.NoError(t, s.AppendLog(ctx, logEntry("today", baseTime)))

	logs, err := s.Logs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "today", logs[0].RunID)
	require.Equal(t, crawler.RunStatus("data_cleaned"), logs[1].Status)
	require.Equal(t, time.Date(2025, 3, 9, 8, 0, 0, 1000, time.UTC), logs[1].StartTime)
	require.Equal(t, time.Date(2025, 3, 9, 8, 10, 0, 500_000_000, time.UTC), logs[1].EndTime)
}

func yearMaxSeries(t *testing.T) int {
	t.Helper()
	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "permit_year_max_sequence")
	require.NoError(t, err)
	return n
}

// Not parallel: counts series on the shared default registry.
func TestProgressLeavesYearGaugeAlone(t *testing.T) {
	metrics.Init()
	before := yearMaxSeries(t)

	snap := crawler.Snapshot{Permits: []crawler.PermitRecord{permit(981, 7, baseTime)}}
	require.Equal(t, crawler.YearProgress{Count: 1, Max: 7}, Progress(snap)[981])
	require.Equal(t, before, yearMaxSeries(t))

	s, _, _ := newTestStore(t)
	_, err := s.Merge(context.Background(), []crawler.PermitRecord{permit(982, 4, baseTime)})
	require.NoError(t, err)
	require.Equal(t, before+1, yearMaxSeries(t))
}

func TestStatusPublishesYearGauge(t *testing.T) {
	metrics.Init()
	before := yearMaxSeries(t)

	s, blobs, _ := newTestStore(t)
	ctx := context.Background()
	doc := `{"lastUpdate":"2025-01-01T00:00:00Z","totalCount":1,"yearCounts":{"983":1},` +
		`"permits":[{"indexKey":"98310000900","permitYear":983,"sequenceNumber":9,"crawledAt":"2025-01-01T00:00:00"}]}`
	_, err := blobs.PutObject(ctx, "permits.json", "", stringsReader(doc))
	require.NoError(t, err)

	_, err = s.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, before+1, yearMaxSeries(t))
}
