// Package redisstore implements the replay store on Redis so that several
// relay instances share one view of consumed nonces.
package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ea:nonce:"

type setNXer interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// NonceStore records consumed nonces with SET NX and a TTL; Redis expiry
// forgets them once the freshness window has passed.
type NonceStore struct {
	rdb setNXer
}

// NewNonceStore wraps a Redis client.
func NewNonceStore(rdb *redis.Client) *NonceStore { return &NonceStore{rdb: rdb} }

// Consume reports false when the pair is still present.
func (s *NonceStore) Consume(ctx context.Context, deviceID, nonce string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, Key(deviceID, nonce), 1, ttl).Result()
}

// Key is the Redis key of a (device, nonce) pair.
func Key(deviceID, nonce string) string {
	return keyPrefix + deviceID + ":" + nonce
}

// Open parses a redis:// URL and verifies the server is reachable.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
