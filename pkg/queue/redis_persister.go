package queue

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

// RedisConfig configures a RedisPersister's connection, mirroring
// pkg/cache's RedisConfig shape.
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

// snapshotKey is the single Redis key the whole queue snapshot is stored
// under, matching pkg/cache's persist-on-timer (not per-write) model.
const snapshotKey = "orchestrator:queue:snapshot"

// RedisPersister implements Persister on top of a Redis client.
type RedisPersister struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPersister creates a RedisPersister and verifies connectivity.
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

// Save serializes pending+deadLetter as one JSON blob under snapshotKey.
func (p *RedisPersister) Save(pending []*types.QueueItem, deadLetter []*types.QueueItem) error {
	data, err := json.Marshal(snapshot{Pending: pending, DeadLetter: deadLetter})
	if err != nil {
		return fmt.Errorf("failed to marshal queue snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Set(ctx, snapshotKey, data, p.ttl).Err(); err != nil {
		return fmt.Errorf("failed to persist queue snapshot: %w", err)
	}
	return nil
}

// Load restores the last-saved snapshot. A missing key is not an error.
func (p *RedisPersister) Load() ([]*types.QueueItem, []*types.QueueItem, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := p.client.Get(ctx, snapshotKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to load queue snapshot: %w", err)
	}

	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal queue snapshot: %w", err)
	}
	return s.Pending, s.DeadLetter, nil
}

// Close releases the underlying Redis client.
func (p *RedisPersister) Close() error {
	return p.client.Close()
}
