package store

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// RawArchiver implements crawler.Archiver by writing page content to
// raw/<year>/<key>-<digest>.html.
type RawArchiver struct {
	objects crawler.ObjectStore
	hasher  crawler.Hasher
	prefix  string
}

// NewRawArchiver archives into objects. An empty prefix defaults to "raw".
func NewRawArchiver(objects crawler.ObjectStore, hasher crawler.Hasher, prefix string) *RawArchiver {
	if prefix == "" {
		prefix = "raw"
	}
	return &RawArchiver{objects: objects, hasher: hasher, prefix: prefix}
}

// Archive stores content and returns the backend URI.
func (a *RawArchiver) Archive(ctx context.Context, indexKey string, content []byte) (string, error) {
	digest, err := a.hasher.Hash(content)
	if err != nil {
		return "", fmt.Errorf("hash page %s: %w", indexKey, err)
	}
	year := "unknown"
	if key, err := crawler.ParseKey(indexKey); err == nil {
		year = strconv.Itoa(key.Year)
	}
	objectPath := path.Join(a.prefix, year, indexKey+"-"+digest+".html")
	uri, err := a.objects.PutObject(ctx, objectPath, "text/html; charset=utf-8", bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("archive page %s: %w", indexKey, err)
	}
	return uri, nil
}
