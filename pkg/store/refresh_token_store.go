package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RefreshTokenStore rotates refresh tokens within families. Presenting a token
// that was already rotated away revokes its whole family.
type RefreshTokenStore interface {
	NewToken(ctx context.Context, userID string, ttl time.Duration) (string, error)
	RotateToken(ctx context.Context, token string, ttl time.Duration) (userID, newToken string, err error)
	DeleteToken(ctx context.Context, token string) error
	RevokeUserTokens(ctx context.Context, userID string) error
}

type refreshFamily struct {
	userID      string
	currentHash string
	expiry      time.Time
	hashes      map[string]struct{}
}

// MemoryRefreshTokenStore keeps refresh families in-process.
type MemoryRefreshTokenStore struct {
	mu       sync.Mutex
	families map[string]*refreshFamily      // familyID -> family
	byHash   map[string]string              // tokenHash -> familyID
	byUser   map[string]map[string]struct{} // userID -> family IDs
	now      func() time.Time
}

func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		families: make(map[string]*refreshFamily),
		byHash:   make(map[string]string),
		byUser:   make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

func (s *MemoryRefreshTokenStore) NewToken(_ context.Context, userID string, ttl time.Duration) (string, error) {
	token, err := generateRefreshToken()
	if err != nil {
		return "", err
	}
	familyID := uuid.NewString()
	hash := refreshTokenHash(token)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.families[familyID] = &refreshFamily{
		userID:      userID,
		currentHash: hash,
		expiry:      s.now().Add(ttl),
		hashes:      map[string]struct{}{hash: {}},
	}
	s.byHash[hash] = familyID
	if s.byUser[userID] == nil {
		s.byUser[userID] = make(map[string]struct{})
	}
	s.byUser[userID][familyID] = struct{}{}
	return token, nil
}

func (s *MemoryRefreshTokenStore) RotateToken(_ context.Context, token string, ttl time.Duration) (string, string, error) {
	hash := refreshTokenHash(token)
	s.mu.Lock()
	defer s.mu.Unlock()

	familyID, ok := s.byHash[hash]
	if !ok {
		return "", "", ErrInvalidRefreshToken
	}
	family := s.families[familyID]
	if family == nil || s.now().After(family.expiry) {
		s.revokeFamilyLocked(familyID)
		return "", "", ErrInvalidRefreshToken
	}
	if family.currentHash != hash {
		s.revokeFamilyLocked(familyID)
		return "", "", ErrRefreshTokenReplay
	}

	next, err := generateRefreshToken()
	if err != nil {
		return "", "", err
	}
	nextHash := refreshTokenHash(next)
	family.currentHash = nextHash
	family.expiry = s.now().Add(ttl)
	family.hashes[nextHash] = struct{}{}
	s.byHash[nextHash] = familyID
	return family.userID, next, nil
}

func (s *MemoryRefreshTokenStore) DeleteToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if familyID, ok := s.byHash[refreshTokenHash(token)]; ok {
		s.revokeFamilyLocked(familyID)
	}
	return nil
}

func (s *MemoryRefreshTokenStore) RevokeUserTokens(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for familyID := range s.byUser[userID] {
		s.revokeFamilyLocked(familyID)
	}
	return nil
}

func (s *MemoryRefreshTokenStore) revokeFamilyLocked(familyID string) {
	family := s.families[familyID]
	if family == nil {
		return
	}
	for h := range family.hashes {
		delete(s.byHash, h)
	}
	delete(s.families, familyID)
	if fams := s.byUser[family.userID]; fams != nil {
		delete(fams, familyID)
		if len(fams) == 0 {
			delete(s.byUser, family.userID)
		}
	}
}

// RedisRefreshTokenStore shares refresh families across replicas. Rotation
// uses WATCH on the family hash so concurrent rotations of one token cannot
// both succeed.
type RedisRefreshTokenStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRefreshTokenStore(client redis.UniversalClient) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{client: client, prefix: "streamchat:refresh"}
}

func (s *RedisRefreshTokenStore) tokenKey(hash string) string { return s.prefix + ":token:" + hash }
func (s *RedisRefreshTokenStore) familyKey(id string) string  { return s.prefix + ":family:" + id }
func (s *RedisRefreshTokenStore) familyTokensKey(id string) string {
	return s.prefix + ":family_tokens:" + id
}
func (s *RedisRefreshTokenStore) userKey(userID string) string { return s.prefix + ":user:" + userID }

func (s *RedisRefreshTokenStore) NewToken(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	token, err := generateRefreshToken()
	if err != nil {
		return "", err
	}
	familyID := uuid.NewString()
	hash := refreshTokenHash(token)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.writeFamily(ctx, pipe, familyID, userID, hash, ttl)
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *RedisRefreshTokenStore) writeFamily(ctx context.Context, pipe redis.Pipeliner, familyID, userID, hash string, ttl time.Duration) {
	pipe.Set(ctx, s.tokenKey(hash), familyID, ttl)
	pipe.HSet(ctx, s.familyKey(familyID), "userId", userID, "currentHash", hash)
	pipe.Expire(ctx, s.familyKey(familyID), ttl)
	pipe.SAdd(ctx, s.familyTokensKey(familyID), hash)
	pipe.Expire(ctx, s.familyTokensKey(familyID), ttl)
	pipe.SAdd(ctx, s.userKey(userID), familyID)
	pipe.Expire(ctx, s.userKey(userID), ttl)
}

func (s *RedisRefreshTokenStore) RotateToken(ctx context.Context, token string, ttl time.Duration) (string, string, error) {
	hash := refreshTokenHash(token)
	for {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		familyID, err := s.client.Get(ctx, s.tokenKey(hash)).Result()
		if errors.Is(err, redis.Nil) {
			return "", "", ErrInvalidRefreshToken
		}
		if err != nil {
			return "", "", err
		}

		var userID, next string
		var revoke bool
		familyKey := s.familyKey(familyID)
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.HGetAll(ctx, familyKey).Result()
			if err != nil {
				return err
			}
			userID = data["userId"]
			if userID == "" || data["currentHash"] == "" {
				revoke = true
				return ErrInvalidRefreshToken
			}
			if data["currentHash"] != hash {
				revoke = true
				return ErrRefreshTokenReplay
			}
			next, err = generateRefreshToken()
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.writeFamily(ctx, pipe, familyID, userID, refreshTokenHash(next), ttl)
				return nil
			})
			return err
		}, familyKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if revoke {
				_ = s.revokeFamily(ctx, familyID, userID)
			}
			return "", "", err
		}
		return userID, next, nil
	}
}

func (s *RedisRefreshTokenStore) DeleteToken(ctx context.Context, token string) error {
	familyID, err := s.client.Get(ctx, s.tokenKey(refreshTokenHash(token))).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.revokeFamily(ctx, familyID, "")
}

func (s *RedisRefreshTokenStore) RevokeUserTokens(ctx context.Context, userID string) error {
	familyIDs, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, familyID := range familyIDs {
		if err := s.revokeFamily(ctx, familyID, userID); err != nil {
			return err
		}
	}
	return s.client.Del(ctx, s.userKey(userID)).Err()
}

func (s *RedisRefreshTokenStore) revokeFamily(ctx context.Context, familyID, userID string) error {
	if userID == "" {
		var err error
		userID, err = s.client.HGet(ctx, s.familyKey(familyID), "userId").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
	}
	hashes, err := s.client.SMembers(ctx, s.familyTokensKey(familyID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, h := range hashes {
			pipe.Del(ctx, s.tokenKey(h))
		}
		pipe.Del(ctx, s.familyTokensKey(familyID), s.familyKey(familyID))
		if userID != "" {
			pipe.SRem(ctx, s.userKey(userID), familyID)
		}
		return nil
	})
	return err
}

func generateRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func refreshTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
