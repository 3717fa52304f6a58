package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Token is a cached access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// FreshAt reports whether the token is still usable at now with the given
// refresh skew. Tokens without an expiry never go stale.
func (t *Token) FreshAt(now time.Time, skew time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(skew).Before(t.ExpiresAt)
}

// TokenCache stores tokens keyed by partner and scope.
type TokenCache interface {
	Get(ctx context.Context, key string) (*Token, bool, error)
	Set(ctx context.Context, key string, tok *Token) error
	Delete(ctx context.Context, key string) error
}

// ---------------------------------------------------------------------------
// In-memory cache
// ---------------------------------------------------------------------------

type MemoryTokenCache struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{tokens: make(map[string]Token)}
}

func (c *MemoryTokenCache) Get(_ context.Context, key string) (*Token, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.tokens[key]
	if !ok {
		return nil, false, nil
	}
	return &tok, true, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, key string, tok *Token) error {
	c.mu.Lock()
	c.tokens[key] = *tok
	c.mu.Unlock()
	return nil
}

func (c *MemoryTokenCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.tokens, key)
	c.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Redis cache
// ---------------------------------------------------------------------------

const redisKeyPrefix = "interop:token:"

// RedisTokenCache shares tokens across gateway replicas.
type RedisTokenCache struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewRedisTokenCache(client redis.Cmdable) *RedisTokenCache {
	return &RedisTokenCache{client: client, now: time.Now}
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (*Token, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get token: %w", err)
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, false, fmt.Errorf("decode cached token: %w", err)
	}
	return &tok, true, nil
}

// Set stores the token until it expires; tokens without an expiry are kept
// until deleted.
func (c *RedisTokenCache) Set(ctx context.Context, key string, tok *Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	var ttl time.Duration
	if !tok.ExpiresAt.IsZero() {
		ttl = tok.ExpiresAt.Sub(c.now())
		if ttl <= 0 {
			return nil
		}
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set token: %w", err)
	}
	return nil
}

func (c *RedisTokenCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete token: %w", err)
	}
	return nil
}

// Ping reports redis reachability for the health endpoint.
func (c *RedisTokenCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
