package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/crawler"
)

// Fallback tries Primary and, when it yields nothing, Secondary.
type Fallback struct {
	Primary   crawler.PageFetcher
	Secondary crawler.PageFetcher
	Logger    *zap.Logger
}

// FetchPage implements crawler.PageFetcher.
func (f *Fallback) FetchPage(ctx context.Context, indexKey string) (string, error) {
	content, err := f.Primary.FetchPage(ctx, indexKey)
	if err == nil || f.Secondary == nil || ctx.Err() != nil {
		return content, err
	}
	if f.Logger != nil {
		f.Logger.Info("primary fetcher failed; trying fallback",
			zap.String("index_key", indexKey), zap.Error(err))
	}
	content, fallbackErr := f.Secondary.FetchPage(ctx, indexKey)
	if fallbackErr != nil {
		return "", fmt.Errorf("%w; fallback: %w", err, fallbackErr)
	}
	return content, nil
}
