package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/papertrade/ledger-engine/internal/metrics"
	"github.com/papertrade/ledger-engine/internal/model"
)

// CachedGateway wraps a primary Gateway with a read-through cache.
// Every successful fetch is written twice: a fresh copy that expires after
// ttl and a stale copy kept for staleTTL. When the primary is unavailable
// (rate limit, outage) the stale copy is served instead.
//
// Cache errors are never fatal; the gateway then behaves as if uncached.
type CachedGateway struct {
	primary  Gateway
	cache    cacheBackend
	ttl      time.Duration
	staleTTL time.Duration
}

// cacheBackend stores encoded entries. load returns one slot per key, nil
// for a miss.
type cacheBackend interface {
	load(ctx context.Context, keys []string) [][]byte
	store(ctx context.Context, entries []cacheEntry)
}

type cacheEntry struct {
	key  string
	data []byte
	ttl  time.Duration
}

// NewCachedGateway creates a cached wrapper backed by Redis, shared by
// every replica.
func NewCachedGateway(primary Gateway, rdb *redis.Client, ttl, staleTTL time.Duration) *CachedGateway {
	return newCachedGateway(primary, redisBackend{rdb: rdb}, ttl, staleTTL)
}

// NewMemoryCachedGateway creates a cached wrapper that keeps entries in
// process memory. Used when no Redis is configured.
func NewMemoryCachedGateway(primary Gateway, ttl, staleTTL time.Duration) *CachedGateway {
	return newCachedGateway(primary, memoryBackend{c: gocache.New(gocache.NoExpiration, time.Minute)}, ttl, staleTTL)
}

func newCachedGateway(primary Gateway, backend cacheBackend, ttl, staleTTL time.Duration) *CachedGateway {
	if staleTTL < ttl {
		staleTTL = ttl
	}
	return &CachedGateway{
		primary:  primary,
		cache:    backend,
		ttl:      ttl,
		staleTTL: staleTTL,
	}
}

func (g *CachedGateway) GetQuote(ctx context.Context, assetID string) (*model.Quote, error) {
	q, err := cached(ctx, g, quoteKey(assetID), func() (model.Quote, error) {
		q, err := g.primary.GetQuote(ctx, assetID)
		if err != nil {
			return model.Quote{}, err
		}
		return *q, nil
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// GetQuotes resolves fresh cache hits first and asks the primary only for
// the rest. If the primary is unavailable, whatever the cache (fresh or
// stale) knows is returned; the error surfaces only when nothing is known.
func (g *CachedGateway) GetQuotes(ctx context.Context, assetIDs []string) (map[string]model.Quote, error) {
	out := make(map[string]model.Quote, len(assetIDs))
	if len(assetIDs) == 0 {
		return out, nil
	}

	missing := g.fill(ctx, out, assetIDs, freshKey, "fresh")
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := g.primary.GetQuotes(ctx, missing)
	if err == nil {
		for id, q := range fetched {
			out[id] = q
			g.put(ctx, quoteKey(id), q)
		}
		return out, nil
	}
	if !errors.Is(err, ErrUnavailable) {
		return nil, err
	}

	g.fill(ctx, out, missing, staleKey, "stale")
	if len(out) == 0 {
		return nil, err
	}
	slog.Warn("serving cached quotes, feed unavailable", "requested", len(assetIDs), "served", len(out), "err", err)
	return out, nil
}

func (g *CachedGateway) ListMarkets(ctx context.Context, limit int) ([]model.Quote, error) {
	return cached(ctx, g, fmt.Sprintf("markets:%d", limit), func() ([]model.Quote, error) {
		return g.primary.ListMarkets(ctx, limit)
	})
}

func (g *CachedGateway) GetHistory(ctx context.Context, assetID, days string) ([]model.PricePoint, error) {
	days, err := ParseDays(days)
	if err != nil {
		return nil, err
	}
	return cached(ctx, g, fmt.Sprintf("history:%s:%s", assetID, days), func() ([]model.PricePoint, error) {
		return g.primary.GetHistory(ctx, assetID, days)
	})
}

// cached implements the fresh → primary → stale lookup for one key.
func cached[T any](ctx context.Context, g *CachedGateway, key string, load func() (T, error)) (T, error) {
	var v T
	if g.get(ctx, freshKey(key), &v) {
		metrics.QuoteCacheHits.WithLabelValues("fresh").Inc()
		return v, nil
	}

	v, err := load()
	if err == nil {
		g.put(ctx, key, v)
		return v, nil
	}

	if errors.Is(err, ErrUnavailable) {
		var stale T
		if g.get(ctx, staleKey(key), &stale) {
			metrics.QuoteCacheHits.WithLabelValues("stale").Inc()
			slog.Warn("serving stale cache entry, feed unavailable", "key", key, "err", err)
			return stale, nil
		}
	}

	var zero T
	return zero, err
}

// --- Cache helpers ---

// fill adds the cached quotes of ids to out and returns the ids not found.
func (g *CachedGateway) fill(ctx context.Context, out map[string]model.Quote, ids []string, keyFn func(string) string, kind string) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyFn(quoteKey(id))
	}

	vals := g.cache.load(ctx, keys)
	var missing []string
	for i, id := range ids {
		var q model.Quote
		if vals[i] == nil || json.Unmarshal(vals[i], &q) != nil {
			missing = append(missing, id)
			continue
		}
		metrics.QuoteCacheHits.WithLabelValues(kind).Inc()
		out[id] = q
	}
	return missing
}

func (g *CachedGateway) get(ctx context.Context, key string, out any) bool {
	data := g.cache.load(ctx, []string{key})[0]
	return data != nil && json.Unmarshal(data, out) == nil
}

func (g *CachedGateway) put(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	g.cache.store(ctx, []cacheEntry{
		{key: freshKey(key), data: data, ttl: g.ttl},
		{key: staleKey(key), data: data, ttl: g.staleTTL},
	})
}

func quoteKey(id string) string  { return fmt.Sprintf("quote:%s", id) }
func freshKey(key string) string { return "oracle:" + key }
func staleKey(key string) string { return "oracle:stale:" + key }

// --- Backends ---

type redisBackend struct {
	rdb *redis.Client
}

func (b redisBackend) load(ctx context.Context, keys []string) [][]byte {
	out := make([][]byte, len(keys))
	vals, err := b.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		slog.Debug("cache read failed", "keys", len(keys), "err", err)
		return out
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out
}

func (b redisBackend) store(ctx context.Context, entries []cacheEntry) {
	pipe := b.rdb.Pipeline()
	for _, e := range entries {
		pipe.Set(ctx, e.key, e.data, e.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Debug("cache write failed", "entries", len(entries), "err", err)
	}
}

type memoryBackend struct {
	c *gocache.Cache
}

func (b memoryBackend) load(_ context.Context, keys []string) [][]byte {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := b.c.Get(k); ok {
			out[i] = v.([]byte)
		}
	}
	return out
}

func (b memoryBackend) store(_ context.Context, entries []cacheEntry) {
	for _, e := range entries {
		b.c.Set(e.key, e.data, e.ttl)
	}
}
