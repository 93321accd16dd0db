package fetch

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/selftune/internal/cache"
	"github.com/kalambet/selftune/internal/metrics"
)

// CachedFetcher serves repeated topics from a cache. Cache failures fall
// through to the wrapped fetcher.
type CachedFetcher struct {
	next   Fetcher
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedFetcher(next Fetcher, c cache.Cache, ttl time.Duration) *CachedFetcher {
	return &CachedFetcher{next: next, cache: c, ttl: ttl, logger: slog.Default()}
}

func (f *CachedFetcher) Fetch(ctx context.Context, topic string) ([]string, error) {
	key := "topic:" + strings.ToLower(strings.TrimSpace(topic))

	raw, ok, err := f.cache.Get(ctx, key)
	if err != nil {
		f.logger.Warn("fetch cache read failed", "topic", topic, "error", err)
	}
	if ok {
		var chunks []string
		if err := json.Unmarshal(raw, &chunks); err == nil {
			metrics.CacheHits.WithLabelValues("fetch").Inc()
			return chunks, nil
		}
		f.logger.Warn("discarding undecodable cache entry", "topic", topic)
	}
	metrics.CacheMisses.WithLabelValues("fetch").Inc()

	chunks, err := f.next.Fetch(ctx, topic)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return chunks, nil
	}
	if raw, err := json.Marshal(chunks); err == nil {
		if err := f.cache.Set(ctx, key, raw, f.ttl); err != nil {
			f.logger.Warn("fetch cache write failed", "topic", topic, "error", err)
		}
	}
	return chunks, nil
}
