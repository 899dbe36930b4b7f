package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

const dateLayout = "2006-01-02"

// AppendLog prepends entry to the crawl log, drops entries dated before the
// retention window and writes the result to every log path.
func (s *Store) AppendLog(ctx context.Context, entry crawler.CrawlLogEntry) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	now := s.clock.Now().UTC()
	if entry.Date == "" {
		ref := entry.StartTime
		if ref.IsZero() {
			ref = now
		}
		entry.Date = ref.UTC().Format(dateLayout)
	}

	logs, err := s.loadLogs(ctx)
	if err != nil {
		return err
	}
	logs = append([]crawler.CrawlLogEntry{entry}, logs...)
	kept := pruneLogs(logs, now, s.cfg.LogRetention)
	if dropped := len(logs) - len(kept); dropped > 0 {
		s.logger.Debug("pruned crawl logs", zap.Int("dropped", dropped))
	}

	data, err := json.MarshalIndent(crawler.LogFile{Logs: kept, LastUpdate: now}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode crawl log: %w", err)
	}
	for _, path := range s.cfg.LogPaths {
		if _, err := s.objects.PutObject(ctx, path, contentTypeJSON, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("write crawl log %s: %w", path, err)
		}
	}
	if s.index != nil {
		if err := s.index.InsertLog(ctx, entry); err != nil {
			return fmt.Errorf("index crawl log: %w", err)
		}
	}
	return nil
}

// Logs returns the stored crawl log, newest first.
func (s *Store) Logs(ctx context.Context) ([]crawler.CrawlLogEntry, error) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return s.loadLogs(ctx)
}

func (s *Store) loadLogs(ctx context.Context) ([]crawler.CrawlLogEntry, error) {
	path := s.cfg.LogPaths[0]
	data, err := s.objects.GetObject(ctx, path)
	if errors.Is(err, crawler.ErrObjectNotFound) {
		return []crawler.CrawlLogEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read crawl log %s: %w", path, err)
	}
	logs, err := decodeLogs(data)
	if err != nil {
		return nil, fmt.Errorf("decode crawl log %s: %w", path, err)
	}
	return logs, nil
}

// decodeLogs accepts both {"logs": [...]} and the older bare array form.
func decodeLogs(data []byte) ([]crawler.CrawlLogEntry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []crawler.CrawlLogEntry{}, nil
	}
	if trimmed[0] == '[' {
		var logs []crawler.CrawlLogEntry
		if err := json.Unmarshal(trimmed, &logs); err != nil {
			return nil, err
		}
		return logs, nil
	}
	var file crawler.LogFile
	if err := json.Unmarshal(trimmed, &file); err != nil {
		return nil, err
	}
	if file.Logs == nil {
		return []crawler.CrawlLogEntry{}, nil
	}
	return file.Logs, nil
}

func pruneLogs(logs []crawler.CrawlLogEntry, now time.Time, retention time.Duration) []crawler.CrawlLogEntry {
	y, m, d := now.Add(-retention).Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	kept := make([]crawler.CrawlLogEntry, 0, len(logs))
	for _, entry := range logs {
		if entryDay(entry).Before(cutoff) {
			continue
		}
		kept = append(kept, entry)
	}
	return kept
}

func entryDay(entry crawler.CrawlLogEntry) time.Time {
	if day, err := time.Parse(dateLayout, entry.Date); err == nil {
		return day
	}
	y, m, d := entry.StartTime.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
