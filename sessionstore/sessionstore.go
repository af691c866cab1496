// Package sessionstore persists gateway resume state in Redis so a restarted
// process resumes its sessions instead of burning identify slots, and offers
// a best-effort cross-process lock per identify concurrency bucket.
package sessionstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	// Prefix namespaces keys; multiple bots can share one Redis.
	Prefix string `json:"prefix" yaml:"prefix"`
}

type Store struct {
	client *redis.Client
	prefix string
}

var ctx = context.Background()

func New(cfg Config) (*Store, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "kiera"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		// Session state is tiny and latency-sensitive.
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Store{client: rdb, prefix: cfg.Prefix}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(shardID int) string {
	return s.prefix + ":session:" + strconv.Itoa(shardID)
}

// Save records the resume state for one shard. Entries carry no expiry; an
// entry stays until Clear removes it or a later Save overwrites it.
func (s *Store) Save(shardID int, sessionID string, seq int64) error {
	return s.client.HSet(ctx, s.key(shardID),
		"session_id", sessionID,
		"seq", seq,
	).Err()
}

func (s *Store) Load(shardID int) (string, int64, error) {
	vals, err := s.client.HGetAll(ctx, s.key(shardID)).Result()
	if err != nil {
		return "", 0, err
	}
	seq, _ := strconv.ParseInt(vals["seq"], 10, 64)
	return vals["session_id"], seq, nil
}

func (s *Store) Clear(shardID int) error {
	return s.client.Del(ctx, s.key(shardID)).Err()
}

// AcquireIdentifyLock claims the identify slot for a concurrency bucket
// across processes. Returns false when another process holds it; the caller
// should delay its identify by roughly ttl.
func (s *Store) AcquireIdentifyLock(bucket int, ttl time.Duration) (bool, error) {
	key := s.prefix + ":identify:" + strconv.Itoa(bucket)
	return s.client.SetNX(ctx, key, 1, ttl).Result()
}

func (s *Store) ReleaseIdentifyLock(bucket int) error {
	return s.client.Del(ctx, s.prefix+":identify:"+strconv.Itoa(bucket)).Err()
}
