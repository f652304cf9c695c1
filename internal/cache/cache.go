// Package cache provides the content-addressed stage cache: a ristretto
// hot layer in front of the durable SQLite store, keyed by stage name
// and input hash.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/kalambet/tempo/internal/storage"
)

// Options configures the stage cache.
type Options struct {
	// HotMaxBytes bounds the in-memory layer. Zero disables it.
	HotMaxBytes int64
	ImportTTL   time.Duration
	EnrichTTL   time.Duration
	AnalyzeTTL  time.Duration
}

// StageCache is the two-tier cache shared by the pipeline stages.
// Writes go to the durable store first and are only then published to
// the hot layer, so a crash between the two never leaves the hot layer
// ahead of the store.
type StageCache struct {
	hot   *ristretto.Cache[string, []byte]
	store *storage.Store
	opts  Options
	log   *slog.Logger
}

// New builds a stage cache over the given store.
func New(store *storage.Store, opts Options, log *slog.Logger) (*StageCache, error) {
	c := &StageCache{store: store, opts: opts, log: log}
	if opts.HotMaxBytes > 0 {
		hot, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
			NumCounters: opts.HotMaxBytes / 64,
			MaxCost:     opts.HotMaxBytes,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("creating hot cache: %w", err)
		}
		c.hot = hot
	}
	return c, nil
}

// Close releases the hot layer.
func (c *StageCache) Close() {
	if c.hot != nil {
		c.hot.Close()
	}
}

func hotKey(stage, hash string) string {
	return stage + ":" + hash
}

func (c *StageCache) ttlFor(stage string) time.Duration {
	switch stage {
	case "import":
		return c.opts.ImportTTL
	case "enrich":
		return c.opts.EnrichTTL
	case "analyze":
		return c.opts.AnalyzeTTL
	}
	return 0
}

// Get returns the cached result for (stage, hash), or ok=false on a
// miss. Expired durable entries read as misses.
func (c *StageCache) Get(stage, hash string) ([]byte, bool, error) {
	if c.hot != nil {
		if v, ok := c.hot.Get(hotKey(stage, hash)); ok {
			return v, true, nil
		}
	}

	e, err := c.store.GetCacheEntry(stage, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	result := []byte(e.ResultData)
	if c.hot != nil {
		ttl := c.ttlFor(stage)
		if e.ExpiresAt != nil {
			ttl = time.Until(*e.ExpiresAt)
		}
		if ttl > 0 {
			c.hot.SetWithTTL(hotKey(stage, hash), result, int64(len(result)), ttl)
		}
	}
	return result, true, nil
}

// Put stores a stage result under its content hash. The entry expires
// after the stage's TTL; a zero TTL means the entry never expires.
func (c *StageCache) Put(stage, hash string, input, result []byte) error {
	entry := storage.CacheEntry{
		Stage:      stage,
		InputHash:  hash,
		InputData:  string(input),
		ResultData: string(result),
		CreatedAt:  time.Now(),
	}
	if ttl := c.ttlFor(stage); ttl != 0 {
		exp := entry.CreatedAt.Add(ttl)
		entry.ExpiresAt = &exp
	}
	if err := c.store.SaveCacheEntry(entry); err != nil {
		return fmt.Errorf("saving %s cache entry: %w", stage, err)
	}

	if c.hot != nil {
		if ttl := c.ttlFor(stage); ttl > 0 {
			c.hot.SetWithTTL(hotKey(stage, hash), result, int64(len(result)), ttl)
		} else {
			c.hot.Set(hotKey(stage, hash), result, int64(len(result)))
		}
	}
	return nil
}

// Stats reports durable entry counts.
func (c *StageCache) Stats() (storage.CacheStats, error) {
	return c.store.GetCacheStats()
}

// CleanupExpired drops expired durable entries and returns how many
// were removed. The hot layer evicts on its own timers.
func (c *StageCache) CleanupExpired() (int64, error) {
	return c.store.DeleteExpiredCacheEntries()
}

// Sweep runs CleanupExpired every interval until ctx is done. Used as
// the background sweeper goroutine.
func (c *StageCache) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.CleanupExpired()
			if err != nil {
				c.log.Error("cache sweep failed", "error", err)
				continue
			}
			if n > 0 {
				c.log.Info("cache sweep removed expired entries", "count", n)
			}
		}
	}
}
