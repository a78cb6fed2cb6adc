package webhook

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
)

// DedupeConfig controls update de-duplication. An empty RedisAddr keeps the record
// in process memory.
type DedupeConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// DefaultDedupeConfig remembers updates for a day, longer than Telegram keeps
// redelivering them.
func DefaultDedupeConfig() DedupeConfig {
	return DedupeConfig{KeyPrefix: "sahayak:update:", TTL: 24 * time.Hour}
}

// Deduper remembers which update ids have been accepted.
type Deduper interface {
	// FirstSeen records id and reports whether it was new.
	FirstSeen(ctx context.Context, id int64) (bool, error)
}

// =============================================================================
// MEMORY
// =============================================================================

// MemoryDeduper keeps update ids in process memory until they expire.
type MemoryDeduper struct {
	ttl  time.Duration
	seen map[int64]time.Time
	now  func() time.Time
	mu   sync.Mutex
}

// NewMemoryDeduper creates an in-memory deduper.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeConfig().TTL
	}
	return &MemoryDeduper{ttl: ttl, seen: make(map[int64]time.Time), now: time.Now}
}

// FirstSeen records id and reports whether it was new.
func (m *MemoryDeduper) FirstSeen(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[id] = now.Add(m.ttl)
	return true, nil
}

// CleanupExpired drops expired ids. Called from the cleanup loop.
func (m *MemoryDeduper) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, id)
			removed++
		}
	}
	return removed
}

// =============================================================================
// REDIS
// =============================================================================

// RedisDeduper records update ids with SETNX so that replicas share one record.
// When Redis is unreachable it falls back to the in-memory record.
type RedisDeduper struct {
	rdb      *goredis.Client
	prefix   string
	ttl      time.Duration
	fallback *MemoryDeduper
	logger   observability.Logger
}

// NewRedisDeduper connects to Redis. The connection is checked with PING.
func NewRedisDeduper(ctx context.Context, cfg DedupeConfig, logger observability.Logger) (*RedisDeduper, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	def := DefaultDedupeConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisDeduper(rdb, cfg, logger), nil
}

func newRedisDeduper(rdb *goredis.Client, cfg DedupeConfig, logger observability.Logger) *RedisDeduper {
	return &RedisDeduper{
		rdb:      rdb,
		prefix:   cfg.KeyPrefix,
		ttl:      cfg.TTL,
		fallback: NewMemoryDeduper(cfg.TTL),
		logger:   logger.Bind("component", "dedupe"),
	}
}

// FirstSeen records id and reports whether it was new.
func (r *RedisDeduper) FirstSeen(ctx context.Context, id int64) (bool, error) {
	key := r.prefix + strconv.FormatInt(id, 10)
	fresh, err := r.rdb.SetNX(ctx, key, 1, r.ttl).Result()
	if err != nil {
		r.logger.Warn("dedupe_redis_unavailable", "update_id", id, "error", err.Error())
		return r.fallback.FirstSeen(ctx, id)
	}
	if fresh {
		// Keep the local record in step so an outage does not reprocess this id.
		_, _ = r.fallback.FirstSeen(ctx, id)
	}
	return fresh, nil
}

// CleanupExpired sweeps the in-memory fallback record.
func (r *RedisDeduper) CleanupExpired() int {
	return r.fallback.CleanupExpired()
}

// Close releases the Redis connection pool.
func (r *RedisDeduper) Close() error {
	return r.rdb.Close()
}

// NewDeduper returns a Redis deduper when an address is configured and reachable,
// otherwise the in-memory one.
func NewDeduper(ctx context.Context, cfg DedupeConfig, logger observability.Logger) Deduper {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	if cfg.RedisAddr != "" {
		d, err := NewRedisDeduper(ctx, cfg, logger)
		if err == nil {
			return d
		}
		logger.Warn("dedupe_memory_fallback", "redis_addr", cfg.RedisAddr, "error", err.Error())
	}
	return NewMemoryDeduper(cfg.TTL)
}
