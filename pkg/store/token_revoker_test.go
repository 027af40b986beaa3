package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func revokers(t *testing.T) map[string]TokenRevoker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]TokenRevoker{
		"memory": NewMemoryTokenRevoker(),
		"redis":  NewRedisTokenRevoker(client, time.Hour),
	}
}

func TestTokenRevokerUserCutoffMonotonic(t *testing.T) {
	for name, r := range revokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := time.Now().UTC().Add(-time.Minute)
			second := time.Now().UTC()

			if err := r.RevokeUser(ctx, "user-1", first); err != nil {
				t.Fatalf("revoke user first: %v", err)
			}
			if err := r.RevokeUser(ctx, "user-1", first.Add(-time.Minute)); err != nil {
				t.Fatalf("revoke user older cutoff: %v", err)
			}
			got, err := r.RevokedAfter(ctx, "user-1")
			if err != nil {
				t.Fatalf("revoked after first: %v", err)
			}
			if !got.Equal(first) {
				t.Fatalf("expected first cutoff to be kept, got %v", got)
			}

			if err := r.RevokeUser(ctx, "user-1", second); err != nil {
				t.Fatalf("revoke user second: %v", err)
			}
			got, err = r.RevokedAfter(ctx, "user-1")
			if err != nil {
				t.Fatalf("revoked after second: %v", err)
			}
			if !got.Equal(second) {
				t.Fatalf("expected newest cutoff, got %v", got)
			}

			none, err := r.RevokedAfter(ctx, "user-2")
			if err != nil || !none.IsZero() {
				t.Fatalf("unknown user cutoff = %v, %v", none, err)
			}
		})
	}
}

func TestTokenRevokerByJTI(t *testing.T) {
	for name, r := range revokers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := r.Revoke(ctx, "jti-1", time.Minute); err != nil {
				t.Fatalf("revoke: %v", err)
			}
			if ok, err := r.IsRevoked(ctx, "jti-1"); err != nil || !ok {
				t.Fatalf("expected revoked, ok=%v err=%v", ok, err)
			}
			if ok, _ := r.IsRevoked(ctx, "jti-2"); ok {
				t.Fatalf("unrelated jti reported revoked")
			}
			if err := r.Revoke(ctx, "jti-3", 0); err != nil {
				t.Fatalf("zero ttl revoke: %v", err)
			}
			if ok, _ := r.IsRevoked(ctx, "jti-3"); ok {
				t.Fatalf("expired token should not be tracked")
			}
		})
	}
}
