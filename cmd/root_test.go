package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/config"
	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/worker"
)

type fakeApp struct {
	requests []crawler.RunRequest
	entry    crawler.CrawlLogEntry
	execErr  error
	snap     crawler.Snapshot
	logs     []crawler.CrawlLogEntry
	ran      bool
	closed   bool
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return nil
}

func (f *fakeApp) Execute(_ context.Context, req crawler.RunRequest) (crawler.CrawlLogEntry, error) {
	f.requests = append(f.requests, req)
	return f.entry, f.execErr
}

func (f *fakeApp) Snapshot(context.Context) (crawler.Snapshot, error) {
	return f.snap, nil
}

func (f *fakeApp) Logs(context.Context) ([]crawler.CrawlLogEntry, error) {
	return f.logs, nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func useFakeApp(t *testing.T, app *fakeApp) *int {
	t.Helper()
	builds := 0
	orig := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		builds++
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })
	return &builds
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlPlannedByDefault(t *testing.T) {
	app := &fakeApp{entry: crawler.CrawlLogEntry{Status: crawler.RunStatusCompleted, TargetYear: 114}}
	useFakeApp(t, app)

	out, err := run(t, "crawl")
	require.NoError(t, err)
	require.Len(t, app.requests, 1)
	require.True(t, app.requests[0].Planned)
	require.Equal(t, sourceCLI, app.requests[0].Source)
	require.True(t, app.closed)

	var entry crawler.CrawlLogEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entry))
	require.Equal(t, 114, entry.TargetYear)
}

func TestCrawlExplicitRange(t *testing.T) {
	app := &fakeApp{entry: crawler.CrawlLogEntry{Status: crawler.RunStatusCompleted}}
	useFakeApp(t, app)

	_, err := run(t, "crawl", "--year", "113", "--start", "50", "--end", "60", "--no-auto-stop")
	require.NoError(t, err)
	req := app.requests[0]
	require.False(t, req.Planned)
	require.Equal(t, 113, req.Year)
	require.Equal(t, 50, req.StartSequence)
	require.NotNil(t, req.EndSequence)
	require.Equal(t, 60, *req.EndSequence)
	require.True(t, req.NoAutoStop)
}

func TestCrawlRejectsBadFlags(t *testing.T) {
	useFakeApp(t, &fakeApp{})

	cases := [][]string{
		{"crawl", "--year", "14"},
		{"crawl", "--year", "114", "--start", "0"},
		{"crawl", "--year", "114", "--start", "10", "--end", "5"},
		{"crawl", "--end", "5"},
	}
	for _, args := range cases {
		_, err := run(t, args...)
		require.Error(t, err, "args %v", args)
	}
}

func TestCrawlAllYearsComplete(t *testing.T) {
	useFakeApp(t, &fakeApp{execErr: worker.ErrAllYearsComplete})

	out, err := run(t, "crawl")
	require.NoError(t, err)
	require.Contains(t, out, "all tracked years are complete")
}

func TestCrawlFailurePrintsEntryAndErrors(t *testing.T) {
	app := &fakeApp{
		entry:   crawler.CrawlLogEntry{Status: crawler.RunStatusFailed, Error: "merge failed"},
		execErr: errors.New("merge failed"),
	}
	useFakeApp(t, app)

	out, err := run(t, "crawl", "--year", "114")
	require.ErrorContains(t, err, "merge failed")
	require.Contains(t, out, `"status": "failed"`)
}

func TestStatusPrintsProgress(t *testing.T) {
	updated := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	useFakeApp(t, &fakeApp{snap: crawler.Snapshot{
		LastUpdate: updated,
		TotalCount: 2,
		Permits: []crawler.PermitRecord{
			{IndexKey: "11410000500", PermitYear: 114, SequenceNumber: 5},
			{IndexKey: "11310000900", PermitYear: 113, SequenceNumber: 9},
		},
	}})

	out, err := run(t, "status")
	require.NoError(t, err)
	var got statusOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, 2, got.TotalCount)
	require.Equal(t, crawler.YearProgress{Count: 1, Max: 5}, got.Progress[114])
	require.Equal(t, crawler.YearProgress{Count: 1, Max: 9}, got.Progress[113])
}

func TestLogsLimit(t *testing.T) {
	useFakeApp(t, &fakeApp{logs: []crawler.CrawlLogEntry{
		{RunID: "c"}, {RunID: "b"}, {RunID: "a"},
	}})

	out, err := run(t, "logs", "--limit", "2")
	require.NoError(t, err)
	var got []crawler.CrawlLogEntry
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 2)
	require.Equal(t, "c", got[0].RunID)
}

func TestServeRunsApp(t *testing.T) {
	app := &fakeApp{}
	useFakeApp(t, app)

	_, err := run(t, "serve")
	require.NoError(t, err)
	require.True(t, app.ran)
}

func TestKeyCommandsSkipAppBuild(t *testing.T) {
	builds := useFakeApp(t, &fakeApp{})

	out, err := run(t, "key", "generate", "--year", "113", "--seq", "12345", "--rev", "3")
	require.NoError(t, err)
	require.Equal(t, "11311234503\n", out)

	out, err = run(t, "key", "parse", "11420113812")
	require.NoError(t, err)
	var key crawler.RecordKey
	require.NoError(t, json.Unmarshal([]byte(out), &key))
	require.Equal(t, crawler.RecordKey{Year: 114, RecordType: 2, Sequence: 1138, Revision: 12}, key)

	_, err = run(t, "key", "parse", "1141")
	require.ErrorIs(t, err, crawler.ErrMalformedKey)

	_, err = run(t, "key", "generate", "--year", "14")
	require.Error(t, err)
	require.Zero(t, *builds)
}
