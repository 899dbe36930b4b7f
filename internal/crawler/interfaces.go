package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher performs a single HTTP exchange without following redirects or
// keeping cookies; session handling belongs to the caller.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// PageFetcher returns the raw detail page for one index key. Any error means
// no usable content was obtained.
type PageFetcher interface {
	FetchPage(ctx context.Context, indexKey string) (string, error)
}

// RecordParser maps page content to a record. It returns ErrNoData for
// redacted pages and ErrUnparseable when no permit number can be located.
type RecordParser interface {
	Parse(content string, indexKey string) (PermitRecord, error)
}

// RecordStore merges records into the durable collection.
type RecordStore interface {
	Merge(ctx context.Context, records []PermitRecord) (MergeResult, error)
}

// LogStore appends and lists crawl log entries.
type LogStore interface {
	AppendLog(ctx context.Context, entry CrawlLogEntry) error
	Logs(ctx context.Context) ([]CrawlLogEntry, error)
}

// ProgressReader reports per-year progress derived from the snapshot.
type ProgressReader interface {
	Status(ctx context.Context) (map[int]YearProgress, error)
}

// ObjectStore reads and writes whole objects. GetObject returns
// ErrObjectNotFound when the path does not exist.
type ObjectStore interface {
	GetObject(ctx context.Context, path string) ([]byte, error)
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// RecordIndex mirrors merged records and log entries into a queryable database.
type RecordIndex interface {
	UpsertPermits(ctx context.Context, records []PermitRecord) (int64, error)
	InsertLog(ctx context.Context, entry CrawlLogEntry) error
	Close()
}

// Archiver keeps raw page content for later diagnosis.
type Archiver interface {
	Archive(ctx context.Context, indexKey string, content []byte) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for run requests.
type Queue interface {
	Enqueue(ctx context.Context, req RunRequest) error
	TryEnqueue(req RunRequest) error
	Dequeue(ctx context.Context) (RunRequest, error)
}

// Hasher computes digests for archive naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper waits cooperatively, returning early when ctx ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
