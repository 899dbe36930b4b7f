package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/storage/memory"
)

func stringsReader(s string) *strings.Reader { return strings.NewReader(s) }

func logEntry(runID string, day time.Time) crawler.CrawlLogEntry {
	return crawler.CrawlLogEntry{
		RunID:     runID,
		Date:      day.Format("2006-01-02"),
		StartTime: day,
		EndTime:   day.Add(time.Minute),
		Duration:  60,
		Status:    crawler.RunStatusCompleted,
	}
}

func TestAppendLogPrependsAndWritesEveryPath(t *testing.T) {
	t.Parallel()

	s, blobs, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendLog(ctx, logEntry("a", baseTime.Add(-time.Hour))))
	require.NoError(t, s.AppendLog(ctx, logEntry("b", baseTime)))

	logs, err := s.Logs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "b", logs[0].RunID)
	require.Equal(t, "a", logs[1].RunID)
	require.Equal(t, []string{"crawl-logs.json", "data/crawl-logs.json"}, blobs.Paths())
}

func TestAppendLogPrunesEntriesOlderThanRetention(t *testing.T) {
	t.Parallel()

	s, blobs, _ := newTestStore(t)
	ctx := context.Background()
	legacy := `[` +
		`{"date":"` + baseTime.AddDate(0, 0, -31).Format("2006-01-02") + `","runId":"old","stats":{},"status":"completed"},` +
		`{"date":"` + baseTime.AddDate(0, 0, -30).Format("2006-01-02") + `","runId":"edge","stats":{},"status":"completed"}` +
		`]`
	_, err := blobs.PutObject(ctx, "crawl-logs.json", "", stringsReader(legacy))
	require.NoError(t, err)

	require.NoError(t, s.AppendLog(ctx, logEntry("today", baseTime)))

	logs, err := s.Logs(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(logs))
	for _, l := range logs {
		ids = append(ids, l.RunID)
	}
	require.Equal(t, []string{"today", "edge"}, ids)
}

func TestAppendLogFillsDateFromStartTime(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	entry := logEntry("x", baseTime)
	entry.Date = ""
	require.NoError(t, s.AppendLog(context.Background(), entry))

	logs, err := s.Logs(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2025-03-10", logs[0].Date)
}

func TestAppendLogMirrorsIntoIndex(t *testing.T) {
	t.Parallel()

	idx := memory.NewRecordIndex()
	s, _, _ := newTestStore(t, WithIndex(idx))
	require.NoError(t, s.AppendLog(context.Background(), logEntry("run-1", baseTime)))
	require.Len(t, idx.Logs(), 1)
	require.Equal(t, "run-1", idx.Logs()[0].RunID)
}

func TestLogsEmptyStore(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestStore(t)
	logs, err := s.Logs(context.Background())
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestDecodeLogsShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		want  int
		err   bool
	}{
		{name: "object", input: `{"logs":[{"runId":"a"}],"lastUpdate":"2025-03-10T00:00:00Z"}`, want: 1},
		{name: "legacy array", input: ` [{"runId":"a"},{"runId":"b"}]`, want: 2},
		{name: "empty", input: "  ", want: 0},
		{name: "object without logs", input: `{}`, want: 0},
		{name: "garbage", input: `{"logs":`, err: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			logs, err := decodeLogs([]byte(tc.input))
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, logs, tc.want)
		})
	}
}
