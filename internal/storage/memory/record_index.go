package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// RecordIndex implements crawler.RecordIndex with last-write-wins upserts.
type RecordIndex struct {
	mu      sync.RWMutex
	permits map[string]crawler.PermitRecord
	logs    []crawler.CrawlLogEntry
	closed  bool
}

// NewRecordIndex constructs an empty RecordIndex.
func NewRecordIndex() *RecordIndex {
	return &RecordIndex{permits: make(map[string]crawler.PermitRecord)}
}

// UpsertPermits stores records whose crawledAt is newer than the stored row
// and reports how many rows changed.
func (s *RecordIndex) UpsertPermits(_ context.Context, records []crawler.PermitRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed int64
	for _, rec := range records {
		if existing, ok := s.permits[rec.IndexKey]; ok && !existing.CrawledAt.Before(rec.CrawledAt) {
			continue
		}
		s.permits[rec.IndexKey] = rec
		changed++
	}
	return changed, nil
}

// InsertLog appends a crawl log row.
func (s *RecordIndex) InsertLog(_ context.Context, entry crawler.CrawlLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

// Close marks the index closed.
func (s *RecordIndex) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Permits returns the stored rows ordered by index key.
func (s *RecordIndex) Permits() []crawler.PermitRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.PermitRecord, 0, len(s.permits))
	for _, rec := range s.permits {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IndexKey < out[j].IndexKey })
	return out
}

// Logs returns a copy of the inserted log rows in insertion order.
func (s *RecordIndex) Logs() []crawler.CrawlLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.CrawlLogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

// Closed reports whether Close was called.
func (s *RecordIndex) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
