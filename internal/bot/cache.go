package bot

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	skillCacheKey = "taxonomy"
	skillCacheTTL = 60 * time.Minute
)

// SkillCache keeps the Expert API's taxonomy warm for the parser. The
// entry expires after an hour; the suppressed loader makes sure only one
// refresh is in flight no matter how many events miss at once.
type SkillCache struct {
	cache  *ttlcache.Cache[string, []SkillInfo]
	logger *slog.Logger

	mu          sync.Mutex
	lastRefresh time.Time
	lastCount   int
	lastErr     error
}

// CacheStats is a snapshot for the debug endpoint.
type CacheStats struct {
	CachedSkills int       `json:"cached_skills"`
	Hits         uint64    `json:"hits"`
	Misses       uint64    `json:"misses"`
	LastRefresh  time.Time `json:"last_refresh"`
	LastError    string    `json:"last_error,omitempty"`
}

// NewSkillCache creates a cache that refreshes from client on demand.
func NewSkillCache(client *Client, logger *slog.Logger) *SkillCache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sc := &SkillCache{logger: logger}

	loader := ttlcache.LoaderFunc[string, []SkillInfo](
		func(c *ttlcache.Cache[string, []SkillInfo], key string) *ttlcache.Item[string, []SkillInfo] {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			resp, err := client.ListSkills(ctx)

			sc.mu.Lock()
			sc.lastErr = err
			if err == nil {
				sc.lastRefresh = time.Now()
				sc.lastCount = len(resp.Skills)
			}
			sc.mu.Unlock()

			if err != nil {
				logger.Warn("skill cache refresh failed", "error", err)
				return nil
			}
			logger.Debug("skill cache refreshed", "skills", len(resp.Skills))
			return c.Set(key, resp.Skills, ttlcache.DefaultTTL)
		})

	sc.cache = ttlcache.New(
		ttlcache.WithTTL[string, []SkillInfo](skillCacheTTL),
		ttlcache.WithLoader[string, []SkillInfo](ttlcache.NewSuppressedLoader(loader, nil)),
		ttlcache.WithDisableTouchOnHit[string, []SkillInfo](),
	)
	return sc
}

// Skills returns the cached taxonomy, refreshing it when stale. A failed
// refresh returns whatever is still cached, or nil.
func (sc *SkillCache) Skills() []SkillInfo {
	item := sc.cache.Get(skillCacheKey)
	if item == nil {
		return nil
	}
	return item.Value()
}

// Terms returns the taxonomy flattened to lowercase lookup terms: skill
// keys, display names, and aliases.
func (sc *SkillCache) Terms() map[string]struct{} {
	skills := sc.Skills()
	terms := make(map[string]struct{}, len(skills)*3)
	for _, skill := range skills {
		terms[strings.ToLower(skill.Key)] = struct{}{}
		terms[strings.ToLower(skill.Name)] = struct{}{}
		for _, alias := range skill.Aliases {
			terms[strings.ToLower(alias)] = struct{}{}
		}
	}
	return terms
}

// Stats reports cache state for /debug/stats.
func (sc *SkillCache) Stats() CacheStats {
	metrics := sc.cache.Metrics()

	sc.mu.Lock()
	defer sc.mu.Unlock()

	stats := CacheStats{
		CachedSkills: sc.lastCount,
		Hits:         metrics.Hits,
		Misses:       metrics.Misses,
		LastRefresh:  sc.lastRefresh,
	}
	if sc.lastErr != nil {
		stats.LastError = sc.lastErr.Error()
	}
	return stats
}
