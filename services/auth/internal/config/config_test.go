package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
port: "8081"
databaseURL: postgres://localhost/streamchat
redisAddr: localhost:6379
jwtPrivateKeyPath: keys/active.pem
sessionTTL: 15m
loginRateLimitPerMinute: 10
`

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, validConfig)
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("AUTH_LOGIN_RATE_LIMIT_PER_MINUTE", "3")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisAddr != "redis:6380" || cfg.LoginRateLimitPerMinute != 3 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing port", "databaseURL: x\nredisAddr: y\njwtPrivateKeyPath: z\n"},
		{"missing redis", "port: \"1\"\ndatabaseURL: x\njwtPrivateKeyPath: z\n"},
		{"bad duration", validConfig + "refreshTTL: soon\n"},
		{"bad verify keys", validConfig + "jwtVerifyPublicKeys: old\n"},
		{"negative limit", validConfig + "signupRateLimitPerMinute: -1\n"},
	}
	for _, tt := range tests {
		if _, err := Load(writeConfig(t, tt.body)); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func TestParseVerifyPublicKeys(t *testing.T) {
	got, err := ParseVerifyPublicKeys("old=keys/old.pem, older = keys/older.pem")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got["old"] != "keys/old.pem" || got["older"] != "keys/older.pem" {
		t.Fatalf("unexpected map: %v", got)
	}
	if got, err := ParseVerifyPublicKeys(" "); err != nil || got != nil {
		t.Fatalf("expected empty result, got %v %v", got, err)
	}
}
