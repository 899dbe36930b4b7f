// Package store keeps the deduplicated permit snapshot and the crawl log on
// top of an object backend (memory, local disk or GCS), optionally mirroring
// both into a relational record index. Every read-modify-write is serialized
// in process; there is no cross-process lock, so concurrent writers rely on
// merges being idempotent.
package store
