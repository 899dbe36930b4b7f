// Package main hosts the permit-crawler binary.
//
// Architecture overview:
//   - Keys: every registry entry is addressed by an 11-digit index key built from a three-digit year, a record type
//     digit, a five-digit sequence and a two-digit revision. The engine walks sequences upward for one year.
//   - Fetch pipeline: the session fetcher loads the registry's entry page to obtain a cookie, follows redirects by
//     hand, and retries the detail page until its content markers appear. A chromedp fetcher can stand behind it as a
//     fallback when headless.enabled is set.
//   - Engine: the loop parses each page, counts outcomes, stops on the run limit, the range end, or (with auto stop)
//     on consecutive failures or consecutive empty pages, and merges records into the store in batches.
//   - Persistence: the snapshot and crawl log are JSON documents written to every configured path on the local disk,
//     in GCS, or in memory. Merged permits and log entries are mirrored to Postgres or SQLite when db.driver is set.
//   - Service: `serve` exposes /api/status, /api/trigger, /api/logs and /api/test behind optional API key auth, runs
//     queued crawls on a small worker pool and fires a planned crawl on a schedule. Completed runs are announced on
//     Pub/Sub when a topic is configured.
//
// Quick checklist:
//   - Configure with a file (--config) or PERMIT_* environment variables; START_YEAR, BATCH_SIZE and the other
//     legacy names are still honored.
//   - One-off crawl: go run ./cmd/permit-crawler crawl --year 114 --start 1 --end 200
//   - Service: go run ./cmd/permit-crawler serve
package main
