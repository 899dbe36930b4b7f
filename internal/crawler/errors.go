package crawler

import "errors"

var (
	// ErrNoContent means the fetch ladder ran out of attempts without a usable page.
	ErrNoContent = errors.New("no usable content")
	// ErrNoData marks a page whose personal data was redacted by the registry.
	// It is a valid absence, not a failure.
	ErrNoData = errors.New("no data")
	// ErrUnparseable means content was fetched but the permit number was missing.
	ErrUnparseable = errors.New("permit number not found")
	// ErrMalformedKey is returned for index keys that are not 11 ASCII digits.
	ErrMalformedKey = errors.New("malformed index key")
	// ErrObjectNotFound is returned by object stores for missing paths.
	ErrObjectNotFound = errors.New("object not found")
	// ErrQueueClosed is returned by queues that will deliver no more requests.
	ErrQueueClosed = errors.New("queue closed")
	// ErrQueueFull is returned by non-blocking enqueues when no capacity is left.
	ErrQueueFull = errors.New("queue full")
)
