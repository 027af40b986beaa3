package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindow increments KEYS[1] and starts its expiry on first use.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Rule is an alert threshold for one event/outcome pair. An empty Event
// matches every event with that outcome.
type Rule struct {
	Event     string
	Outcome   string
	Threshold int64
	Window    time.Duration
}

// DefaultRules cover the auth service endpoints.
var DefaultRules = []Rule{
	{Outcome: "rate_limited", Threshold: 20, Window: time.Minute},
	{Outcome: "replay", Threshold: 3, Window: 10 * time.Minute},
	{Event: "auth.login", Outcome: "fail", Threshold: 10, Window: 5 * time.Minute},
	{Event: "auth.signup", Outcome: "fail", Threshold: 10, Window: 5 * time.Minute},
	{Event: "auth.password.reset", Outcome: "fail", Threshold: 8, Window: 10 * time.Minute},
	{Event: "auth.password.reset.confirm", Outcome: "fail", Threshold: 8, Window: 10 * time.Minute},
	{Event: "auth.password.change", Outcome: "fail", Threshold: 15, Window: 5 * time.Minute},
	{Event: "auth.refresh", Outcome: "fail", Threshold: 15, Window: 5 * time.Minute},
	{Event: "auth.logout", Outcome: "fail", Threshold: 15, Window: 5 * time.Minute},
	{Event: "auth.authorize", Outcome: "fail", Threshold: 25, Window: 5 * time.Minute},
}

// AlertResult is the outcome of one observation. Triggered is set only on the
// observation that reaches the threshold, so a burst raises one alert per window.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// AuditAlerter counts security events per client IP in fixed windows.
type AuditAlerter struct {
	client redis.UniversalClient
	prefix string
	rules  []Rule
	now    func() time.Time
}

// NewAuditAlerter returns nil when client is nil; a nil alerter observes nothing.
func NewAuditAlerter(client redis.UniversalClient, prefix string) *AuditAlerter {
	if client == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "streamchat:auth:alerts"
	}
	return &AuditAlerter{client: client, prefix: prefix, rules: DefaultRules, now: time.Now}
}

func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	if a == nil {
		return AlertResult{}, nil
	}
	rule, ok := a.match(strings.TrimSpace(event), strings.TrimSpace(outcome))
	if !ok {
		return AlertResult{}, nil
	}
	windowMs := rule.Window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, keySegment(event), keySegment(outcome), keySegment(ip), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := incrWindow.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return AlertResult{}, fmt.Errorf("count %s/%s: %w", event, outcome, err)
	}
	return AlertResult{
		Triggered: count == rule.Threshold,
		Count:     count,
		Threshold: rule.Threshold,
		Window:    rule.Window,
	}, nil
}

// match prefers an exact event rule over an outcome-wide one.
func (a *AuditAlerter) match(event, outcome string) (Rule, bool) {
	var wildcard *Rule
	for i := range a.rules {
		r := &a.rules[i]
		if r.Outcome != outcome {
			continue
		}
		if r.Event == event {
			return *r, true
		}
		if r.Event == "" && wildcard == nil {
			wildcard = r
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return Rule{}, false
}

func keySegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(in)
}
