// Package redisindex provides a Redis-backed watchindex.Index for
// deployments where the mempool engine runs out of process and interest
// queries must be answerable without a hop through the session registry.
package redisindex

import (
	"context"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/chainview/chainview-go/watchindex"
)

// Config for the Redis-backed index. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: WATCHINDEX_KEY_PREFIX
	KeyPrefix string `env:"WATCHINDEX_KEY_PREFIX,default=chainview:watch:"`
}

type Index struct {
	client    *redis.Client
	keyPrefix string
}

var _ watchindex.Index = (*Index)(nil)

func New(cfg Config) (*Index, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "chainview:watch:"
	}
	return &Index{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds an Index using envdecode to populate Config.
func NewFromEnv() (*Index, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (i *Index) Close() error { return i.client.Close() }

func (i *Index) addrKey(scriptAddr string) string { return i.keyPrefix + "addr:" + scriptAddr }
func (i *Index) sessKey(sessionID string) string  { return i.keyPrefix + "sess:" + sessionID }

func (i *Index) Add(ctx context.Context, scriptAddr, sessionID string) error {
	pipe := i.client.TxPipeline()
	pipe.SAdd(ctx, i.addrKey(scriptAddr), sessionID)
	pipe.SAdd(ctx, i.sessKey(sessionID), scriptAddr)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index add: %w", err)
	}
	return nil
}

func (i *Index) RemoveSession(ctx context.Context, sessionID string) error {
	// Teardown path: proceed even if the caller's context is already done.
	c := context.WithoutCancel(ctx)

	addrs, err := i.client.SMembers(c, i.sessKey(sessionID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("index members: %w", err)
	}

	pipe := i.client.TxPipeline()
	for _, addr := range addrs {
		pipe.SRem(c, i.addrKey(addr), sessionID)
	}
	pipe.Del(c, i.sessKey(sessionID))
	if _, err := pipe.Exec(c); err != nil {
		return fmt.Errorf("index remove: %w", err)
	}
	return nil
}

func (i *Index) Sessions(ctx context.Context, scriptAddr string) (map[string]struct{}, error) {
	ids, err := i.client.SMembers(ctx, i.addrKey(scriptAddr)).Result()
	if err != nil {
		if err == redis.Nil {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("index lookup: %w", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}
