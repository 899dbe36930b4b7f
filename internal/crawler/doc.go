// Package crawler holds the permit crawler's domain model: index keys, permit
// records, run statistics, the persisted snapshot and log shapes, sentinel
// errors, and the interfaces the engine, fetchers, parser and stores implement.
package crawler
