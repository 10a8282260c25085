package royalty

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"kinvault/offchain/internal/config"
)

const (
	snapshotKeyPrefix = "kinvault:royalty:"
	snapshotTTL       = 24 * time.Hour
)

// Cache persists last-known-good royalty snapshots in Redis so restarts
// and source outages serve stale-but-real numbers instead of zeros
type Cache struct {
	pool *redis.Pool
}

// NewCache connects a snapshot cache, or returns nil when no Redis host
// is configured
func NewCache(cfg *config.RedisConfig) *Cache {
	if cfg.Host == "" {
		return nil
	}
	pool := &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	return &Cache{pool: pool}
}

func (c *Cache) Close() error {
	return c.pool.Close()
}

// Get returns the cached snapshot for a chain, or nil on a miss
func (c *Cache) Get(chain string) ([]Accrual, error) {
	conn := c.pool.Get()
	defer conn.Close()

	raw, err := redis.Bytes(conn.Do("GET", snapshotKeyPrefix+chain))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var accruals []Accrual
	if err := json.Unmarshal(raw, &accruals); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return accruals, nil
}

// Set stores a snapshot for a chain
func (c *Cache) Set(chain string, accruals []Accrual) error {
	raw, err := json.Marshal(accruals)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	conn := c.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("SET", snapshotKeyPrefix+chain, raw, "EX", int(snapshotTTL.Seconds())); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
