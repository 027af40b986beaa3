package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read when Load gets an empty path.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                       string   `yaml:"port"`
	DatabaseURL                string   `yaml:"databaseURL"`
	RedisAddr                  string   `yaml:"redisAddr"`
	RedisPassword              string   `yaml:"redisPassword"`
	SessionTTL                 string   `yaml:"sessionTTL"`
	RefreshTTL                 string   `yaml:"refreshTTL"`
	ResetCodeTTL               string   `yaml:"resetCodeTTL"`
	LogLevel                   string   `yaml:"logLevel"`
	JWTPrivateKeyPath          string   `yaml:"jwtPrivateKeyPath"`
	JWTKeyID                   string   `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys        string   `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer                  string   `yaml:"jwtIssuer"`
	JWTAudience                string   `yaml:"jwtAudience"`
	JWTLeeway                  string   `yaml:"jwtLeeway"`
	TrustedProxies             []string `yaml:"trustedProxies"`
	CORSOrigins                []string `yaml:"corsOrigins"`
	SignupRateLimitPerMinute   int      `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute    int      `yaml:"loginRateLimitPerMinute"`
	RefreshRateLimitPerMinute  int      `yaml:"refreshRateLimitPerMinute"`
	PasswordRateLimitPerMinute int      `yaml:"passwordRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := []struct {
		env string
		dst *string
	}{
		{"AUTH_PORT", &cfg.Port},
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"REDIS_ADDR", &cfg.RedisAddr},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"LOG_LEVEL", &cfg.LogLevel},
		{"JWT_PRIVATE_KEY_PATH", &cfg.JWTPrivateKeyPath},
		{"JWT_KEY_ID", &cfg.JWTKeyID},
		{"JWT_VERIFY_PUBLIC_KEYS", &cfg.JWTVerifyPublicKeys},
		{"JWT_ISSUER", &cfg.JWTIssuer},
		{"JWT_AUDIENCE", &cfg.JWTAudience},
		{"JWT_LEEWAY", &cfg.JWTLeeway},
		{"AUTH_SESSION_TTL", &cfg.SessionTTL},
		{"AUTH_REFRESH_TTL", &cfg.RefreshTTL},
		{"AUTH_RESET_CODE_TTL", &cfg.ResetCodeTTL},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}
	limits := []struct {
		env string
		dst *int
	}{
		{"AUTH_SIGNUP_RATE_LIMIT_PER_MINUTE", &cfg.SignupRateLimitPerMinute},
		{"AUTH_LOGIN_RATE_LIMIT_PER_MINUTE", &cfg.LoginRateLimitPerMinute},
		{"AUTH_REFRESH_RATE_LIMIT_PER_MINUTE", &cfg.RefreshRateLimitPerMinute},
		{"AUTH_PASSWORD_RATE_LIMIT_PER_MINUTE", &cfg.PasswordRateLimitPerMinute},
	}
	for _, l := range limits {
		if v := os.Getenv(l.env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*l.dst = n
			}
		}
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
}

func validateConfig(cfg FileConfig) error {
	required := []struct{ name, value string }{
		{"port", cfg.Port},
		{"databaseURL", cfg.DatabaseURL},
		// refresh tokens, revocation and reset codes all live in redis
		{"redisAddr", cfg.RedisAddr},
		{"jwtPrivateKeyPath", cfg.JWTPrivateKeyPath},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("config: %s is required", r.name)
		}
	}
	for name, raw := range map[string]string{
		"sessionTTL":   cfg.SessionTTL,
		"refreshTTL":   cfg.RefreshTTL,
		"resetCodeTTL": cfg.ResetCodeTTL,
		"jwtLeeway":    cfg.JWTLeeway,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if _, err := ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, n := range []int{cfg.SignupRateLimitPerMinute, cfg.LoginRateLimitPerMinute, cfg.RefreshRateLimitPerMinute, cfg.PasswordRateLimitPerMinute} {
		if n < 0 {
			return errors.New("config: rate limits must be >= 0")
		}
	}
	return nil
}

// ParseDuration parses an optional duration setting; empty means zero.
func ParseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must not be negative", name)
	}
	return dur, nil
}

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	pairs := strings.Split(raw, ",")
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, path, ok := strings.Cut(pair, "=")
		kid = strings.TrimSpace(kid)
		path = strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("invalid jwtVerifyPublicKeys entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
