package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevoker blocks individual token ids and whole users.
type TokenRevoker interface {
	// Revoke blocks jti until ttl elapses.
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	// RevokeUser invalidates every token of userID issued at or before since.
	// The stored cutoff only moves forward.
	RevokeUser(ctx context.Context, userID string, since time.Time) error
	// RevokedAfter returns the cutoff for userID, or the zero time.
	RevokedAfter(ctx context.Context, userID string) (time.Time, error)
}

// MemoryTokenRevoker is a single-instance revoker.
type MemoryTokenRevoker struct {
	mu      sync.Mutex
	tokens  map[string]time.Time
	cutoffs map[string]time.Time
}

func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[string]time.Time),
	}
}

func (r *MemoryTokenRevoker) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	r.tokens[jti] = time.Now().Add(ttl)
	r.mu.Unlock()
	return nil
}

func (r *MemoryTokenRevoker) IsRevoked(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.tokens[jti]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(r.tokens, jti)
		return false, nil
	}
	return true, nil
}

func (r *MemoryTokenRevoker) RevokeUser(_ context.Context, userID string, since time.Time) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	since = since.UTC()
	r.mu.Lock()
	if prev, ok := r.cutoffs[userID]; !ok || since.After(prev) {
		r.cutoffs[userID] = since
	}
	r.mu.Unlock()
	return nil
}

func (r *MemoryTokenRevoker) RevokedAfter(_ context.Context, userID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cutoffs[userID], nil
}

// keep the larger of the stored and proposed cutoff, in unix nanos.
var userCutoffScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local proposed = tonumber(ARGV[1])
if proposed > current then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
end
return 1
`)

// RedisTokenRevoker shares revocations across service replicas.
type RedisTokenRevoker struct {
	client    redis.UniversalClient
	prefix    string
	cutoffTTL time.Duration
}

// NewRedisTokenRevoker keeps user cutoffs for cutoffTTL, which should be at
// least the access token lifetime.
func NewRedisTokenRevoker(client redis.UniversalClient, cutoffTTL time.Duration) *RedisTokenRevoker {
	if cutoffTTL <= 0 {
		cutoffTTL = 24 * time.Hour
	}
	return &RedisTokenRevoker{client: client, prefix: "streamchat:revoked", cutoffTTL: cutoffTTL}
}

func (r *RedisTokenRevoker) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.prefix+":jti:"+jti, "1", ttl).Err()
}

func (r *RedisTokenRevoker) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+":jti:"+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisTokenRevoker) RevokeUser(ctx context.Context, userID string, since time.Time) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	nanos := strconv.FormatInt(since.UTC().UnixNano(), 10)
	return userCutoffScript.Run(ctx, r.client, []string{r.prefix + ":user:" + userID}, nanos, r.cutoffTTL.Milliseconds()).Err()
}

func (r *RedisTokenRevoker) RevokedAfter(ctx context.Context, userID string) (time.Time, error) {
	raw, err := r.client.Get(ctx, r.prefix+":user:"+userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos).UTC(), nil
}
