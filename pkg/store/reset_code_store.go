package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// ResetCodeStore issues and checks one-time password reset codes.
type ResetCodeStore interface {
	// Issue returns a fresh code for email, replacing any earlier one.
	Issue(ctx context.Context, email string) (code string, err error)
	// Consume checks code and deletes it on success. Wrong codes count
	// toward an attempt cap after which the code is discarded.
	Consume(ctx context.Context, email, code string) error
}

type resetChallenge struct {
	CodeHash  string    `json:"codeHash"`
	ExpiresAt time.Time `json:"expiresAt"`
	Attempts  int       `json:"attempts"`
}

// RedisResetCodeStore keeps bcrypt-hashed codes in Redis.
type RedisResetCodeStore struct {
	client      redis.UniversalClient
	prefix      string
	ttl         time.Duration
	resendAfter time.Duration
	maxAttempts int
	now         func() time.Time
}

type ResetCodeOptions struct {
	TTL         time.Duration
	ResendAfter time.Duration
	MaxAttempts int
}

func NewRedisResetCodeStore(client redis.UniversalClient, opts ResetCodeOptions) *RedisResetCodeStore {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.ResendAfter <= 0 {
		opts.ResendAfter = time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &RedisResetCodeStore{
		client:      client,
		prefix:      "streamchat:auth:reset",
		ttl:         opts.TTL,
		resendAfter: opts.ResendAfter,
		maxAttempts: opts.MaxAttempts,
		now:         time.Now,
	}
}

func (s *RedisResetCodeStore) challengeKey(email string) string { return s.prefix + ":code:" + email }
func (s *RedisResetCodeStore) resendKey(email string) string    { return s.prefix + ":resend:" + email }

func (s *RedisResetCodeStore) Issue(ctx context.Context, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	allowed, err := s.client.SetNX(ctx, s.resendKey(email), "1", s.resendAfter).Result()
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", ErrResetCodeRateLimited
	}
	code, err := generateNumericCode(6)
	if err != nil {
		_ = s.client.Del(ctx, s.resendKey(email)).Err()
		return "", fmt.Errorf("generate reset code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		_ = s.client.Del(ctx, s.resendKey(email)).Err()
		return "", fmt.Errorf("hash reset code: %w", err)
	}
	raw, err := json.Marshal(resetChallenge{CodeHash: string(hash), ExpiresAt: s.now().UTC().Add(s.ttl)})
	if err != nil {
		return "", err
	}
	// keep the record slightly past expiry so a late attempt reports expired rather than invalid
	if err := s.client.Set(ctx, s.challengeKey(email), raw, s.ttl+time.Minute).Err(); err != nil {
		_ = s.client.Del(ctx, s.resendKey(email)).Err()
		return "", err
	}
	return code, nil
}

func (s *RedisResetCodeStore) Consume(ctx context.Context, email, code string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrResetCodeInvalid
	}
	key := s.challengeKey(email)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrResetCodeInvalid
	}
	if err != nil {
		return err
	}
	var ch resetChallenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return fmt.Errorf("decode reset challenge: %w", err)
	}
	if s.now().UTC().After(ch.ExpiresAt) {
		_ = s.client.Del(ctx, key).Err()
		return ErrResetCodeExpired
	}
	if bcrypt.CompareHashAndPassword([]byte(ch.CodeHash), []byte(code)) != nil {
		ch.Attempts++
		if ch.Attempts >= s.maxAttempts {
			_ = s.client.Del(ctx, key).Err()
			return ErrResetCodeInvalid
		}
		if updated, err := json.Marshal(ch); err == nil {
			if ttl, err := s.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
				_ = s.client.Set(ctx, key, updated, ttl).Err()
			}
		}
		return ErrResetCodeInvalid
	}
	return s.client.Del(ctx, key).Err()
}

func generateNumericCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
