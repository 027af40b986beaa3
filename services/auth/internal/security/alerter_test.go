package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestAlerter(t *testing.T) (*AuditAlerter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewAuditAlerter(client, "test:alerts"), mr
}

func TestAuditAlerterTriggersOncePerWindow(t *testing.T) {
	alerter, _ := newTestAlerter(t)
	ctx := context.Background()
	triggers := 0
	for i := 1; i <= 12; i++ {
		result, err := alerter.Observe(ctx, "auth.login", "fail", "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if result.Triggered {
			triggers++
			if i != 10 {
				t.Fatalf("triggered at %d, want 10", i)
			}
		}
	}
	if triggers != 1 {
		t.Fatalf("expected one alert, got %d", triggers)
	}
}

func TestAuditAlerterCountsPerIP(t *testing.T) {
	alerter, _ := newTestAlerter(t)
	for i := 0; i < 3; i++ {
		if _, err := alerter.Observe(context.Background(), "auth.refresh", "replay", "10.0.0.1"); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	result, err := alerter.Observe(context.Background(), "auth.refresh", "replay", "10.0.0.2")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Triggered || result.Count != 1 {
		t.Fatalf("expected separate counter per ip, got %+v", result)
	}
}

func TestAuditAlerterWindowRollsOver(t *testing.T) {
	alerter, _ := newTestAlerter(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	alerter.now = func() time.Time { return base }
	for i := 0; i < 5; i++ {
		_, _ = alerter.Observe(context.Background(), "auth.signup", "fail", "10.0.0.1")
	}
	alerter.now = func() time.Time { return base.Add(5 * time.Minute) }
	result, err := alerter.Observe(context.Background(), "auth.signup", "fail", "10.0.0.1")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Count != 1 {
		t.Fatalf("expected a fresh window, got count %d", result.Count)
	}
}

func TestAuditAlerterRuleMatching(t *testing.T) {
	alerter, _ := newTestAlerter(t)
	tests := []struct {
		event, outcome string
		want           int64
		matched        bool
	}{
		{"auth.login", "fail", 10, true},
		{"auth.password.reset.confirm", "fail", 8, true},
		{"auth.signup", "rate_limited", 20, true},
		{"auth.refresh", "replay", 3, true},
		{"auth.login", "success", 0, false},
		{"auth.custom", "fail", 0, false},
	}
	for _, tc := range tests {
		result, err := alerter.Observe(context.Background(), tc.event, tc.outcome, "127.0.0.1")
		if err != nil {
			t.Fatalf("observe %s/%s: %v", tc.event, tc.outcome, err)
		}
		if (result.Count > 0) != tc.matched || result.Threshold != tc.want {
			t.Fatalf("%s/%s: got %+v, want threshold %d", tc.event, tc.outcome, result, tc.want)
		}
	}
}

func TestNilAlerterIsNoop(t *testing.T) {
	var alerter *AuditAlerter
	if NewAuditAlerter(nil, "") != nil {
		t.Fatalf("expected nil alerter without client")
	}
	if _, err := alerter.Observe(context.Background(), "auth.login", "fail", ""); err != nil {
		t.Fatalf("observe on nil: %v", err)
	}
}
