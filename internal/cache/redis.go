package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisPrefix namespaces response entries in Redis.
	DefaultRedisPrefix = "cco:resp:"

	// DefaultRedisTTL is used when the caller does not pass a TTL.
	DefaultRedisTTL = time.Hour
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "redis://:password@host:6379/0")
	URL string

	// Prefix is prepended to every key (defaults to "cco:resp:")
	Prefix string

	// TTL is the time-to-live for cached responses (defaults to 1 hour)
	TTL time.Duration
}

// RedisTier stores brotli-compressed JSON responses in Redis so several gateway
// instances share hits.
type RedisTier struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTier connects to Redis and verifies the connection.
func NewRedisTier(cfg RedisConfig) (*RedisTier, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	tier := newRedisTier(client, cfg)
	slog.Info("redis response cache connected", "prefix", tier.prefix, "ttl", tier.ttl)
	return tier, nil
}

func newRedisTier(client *redis.Client, cfg RedisConfig) *RedisTier {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisTier{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisTier) key(k Key) string {
	return r.prefix + k.String()
}

// Get returns nil, nil when the key is absent.
func (r *RedisTier) Get(ctx context.Context, key Key) (*CachedResponse, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get response from redis: %w", err)
	}
	return decodeResponse(data)
}

// Set stores resp with the tier TTL.
func (r *RedisTier) Set(ctx context.Context, key Key, resp *CachedResponse) error {
	data, err := encodeResponse(resp)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set response in redis: %w", err)
	}
	return nil
}

// Delete removes key.
func (r *RedisTier) Delete(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete response from redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisTier) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func encodeResponse(resp *CachedResponse) ([]byte, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cached response: %w", err)
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress cached response: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress cached response: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeResponse(data []byte) (*CachedResponse, error) {
	raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress cached response: %w", err)
	}
	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse cached response: %w", err)
	}
	return &resp, nil
}
