package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
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
port: "8082"
authServiceURL: http://localhost:8081
aiProvider: ollama
aiModel: llama3.1
sessionIdleTTL: 20m
`

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, validConfig)
	t.Setenv("AI_MODEL", "qwen2.5")
	t.Setenv("CHAT_MESSAGE_RATE_LIMIT_PER_MINUTE", "12")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AIModel != "qwen2.5" || cfg.MessageRateLimitPerMinute != 12 || !cfg.MinioUseSSL {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[1] != "127.0.0.1" {
		t.Fatalf("unexpected proxies: %v", cfg.TrustedProxies)
	}
	if MustDuration(cfg.SessionIdleTTL) != 20*time.Minute {
		t.Fatalf("unexpected idle ttl %q", cfg.SessionIdleTTL)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing port", "authServiceURL: x\naiProvider: ollama\naiModel: m\n", "port"},
		{"missing auth url", "port: \"1\"\naiProvider: ollama\naiModel: m\n", "authServiceURL"},
		{"unknown provider", "port: \"1\"\nauthServiceURL: x\naiProvider: bard\naiModel: m\n", "unknown aiProvider"},
		{"hosted without key", "port: \"1\"\nauthServiceURL: x\naiProvider: openai\naiModel: m\n", "aiAPIKey"},
		{"missing model", "port: \"1\"\nauthServiceURL: x\naiProvider: ollama\n", "aiModel"},
		{"bucket missing", validConfig + "minioEndpoint: localhost:9000\n", "minioBucket"},
		{"bad duration", validConfig + "aiTimeout: soon\n", "aiTimeout"},
		{"negative limit", validConfig + "maxMessageRunes: -1\n", "limits"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}
