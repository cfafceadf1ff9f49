package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

// ErrNotFound is returned when a key has no value in the backing store.
var ErrNotFound = errors.New("cache: key not found")

// RedisConfig configures a RedisPersister's connection.
type RedisConfig struct {
	Address      string
	Username     string
	Password     string
	Database     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	UseIAMAuth   bool
}

// snapshotKey is the single Redis key the whole cache snapshot is stored
// under: C6 persists periodically, not per-entry, so one JSON blob keeps
// the write path simple and atomic.
const snapshotKey = "orchestrator:cache:snapshot"

// RedisPersister implements Persister on top of a Redis client, grounded
// on the same client/option wiring as the teacher's generic Redis cache
// wrapper but narrowed to the single responsibility C6 needs: save/load
// the full entry snapshot.
type RedisPersister struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPersister creates a RedisPersister and verifies connectivity.
// ttl bounds how long a persisted snapshot survives an extended outage
// before Redis itself expires it.
func NewRedisPersister(cfg RedisConfig, ttl time.Duration) (*RedisPersister, error) {
	options := &redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.UseIAMAuth {
		options.TLSConfig = &tls.Config{}
	}

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisPersister{client: client, ttl: ttl}, nil
}

// Save serializes entries as one JSON blob under snapshotKey.
func (p *RedisPersister) Save(entries []*types.CacheEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal cache snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Set(ctx, snapshotKey, data, p.ttl).Err(); err != nil {
		return fmt.Errorf("failed to persist cache snapshot: %w", err)
	}
	return nil
}

// Load restores the last-saved snapshot. A missing key is not an error:
// it returns an empty, nil-error result so a fresh cache starts clean.
func (p *RedisPersister) Load() ([]*types.CacheEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := p.client.Get(ctx, snapshotKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load cache snapshot: %w", err)
	}

	var entries []*types.CacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache snapshot: %w", err)
	}
	return entries, nil
}

// Close releases the underlying Redis client.
func (p *RedisPersister) Close() error {
	return p.client.Close()
}
