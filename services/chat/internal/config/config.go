package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"streamchat/pkg/ai"
)

// ConfigPath is read when Load gets an empty path.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string `yaml:"port"`
	DatabaseURL    string `yaml:"databaseURL"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`
	LogLevel       string `yaml:"logLevel"`
	AuthServiceURL string `yaml:"authServiceURL"`
	AuthJWKSURL    string `yaml:"authJWKSURL"`
	JWTIssuer      string `yaml:"jwtIssuer"`
	JWTAudience    string `yaml:"jwtAudience"`
	JWTLeeway      string `yaml:"jwtLeeway"`

	AIProvider     string `yaml:"aiProvider"`
	AIModel        string `yaml:"aiModel"`
	AIBaseURL      string `yaml:"aiBaseURL"`
	AIAPIKey       string `yaml:"aiAPIKey"`
	AISystemPrompt string `yaml:"aiSystemPrompt"`
	AITimeout      string `yaml:"aiTimeout"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	ExportURLTTL   string `yaml:"exportURLTTL"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`
	EventStream  string `yaml:"eventStream"`

	SessionIdleTTL            string   `yaml:"sessionIdleTTL"`
	MaxSessionsPerUser        int      `yaml:"maxSessionsPerUser"`
	MaxMessageRunes           int      `yaml:"maxMessageRunes"`
	AuthRateLimitPerMinute    int      `yaml:"authRateLimitPerMinute"`
	MessageRateLimitPerMinute int      `yaml:"messageRateLimitPerMinute"`
	TrustedProxies            []string `yaml:"trustedProxies"`
	CORSOrigins               []string `yaml:"corsOrigins"`
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
	// Override with environment variables
	strs := []struct {
		env string
		dst *string
	}{
		{"CHAT_PORT", &cfg.Port},
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"REDIS_ADDR", &cfg.RedisAddr},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"LOG_LEVEL", &cfg.LogLevel},
		{"AUTH_SERVICE_URL", &cfg.AuthServiceURL},
		{"AUTH_JWKS_URL", &cfg.AuthJWKSURL},
		{"JWT_ISSUER", &cfg.JWTIssuer},
		{"JWT_AUDIENCE", &cfg.JWTAudience},
		{"JWT_LEEWAY", &cfg.JWTLeeway},
		{"AI_PROVIDER", &cfg.AIProvider},
		{"AI_MODEL", &cfg.AIModel},
		{"AI_BASE_URL", &cfg.AIBaseURL},
		{"AI_API_KEY", &cfg.AIAPIKey},
		{"AI_SYSTEM_PROMPT", &cfg.AISystemPrompt},
		{"AI_TIMEOUT", &cfg.AITimeout},
		{"MINIO_ENDPOINT", &cfg.MinioEndpoint},
		{"MINIO_ACCESS_KEY", &cfg.MinioAccessKey},
		{"MINIO_SECRET_KEY", &cfg.MinioSecretKey},
		{"MINIO_BUCKET", &cfg.MinioBucket},
		{"EXPORT_URL_TTL", &cfg.ExportURLTTL},
		{"AMQP_URL", &cfg.AMQPURL},
		{"AMQP_EXCHANGE", &cfg.AMQPExchange},
		{"CHAT_EVENT_STREAM", &cfg.EventStream},
		{"CHAT_SESSION_IDLE_TTL", &cfg.SessionIdleTTL},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}
	ints := []struct {
		env string
		dst *int
	}{
		{"CHAT_MAX_SESSIONS_PER_USER", &cfg.MaxSessionsPerUser},
		{"CHAT_MAX_MESSAGE_RUNES", &cfg.MaxMessageRunes},
		{"CHAT_AUTH_RATE_LIMIT_PER_MINUTE", &cfg.AuthRateLimitPerMinute},
		{"CHAT_MESSAGE_RATE_LIMIT_PER_MINUTE", &cfg.MessageRateLimitPerMinute},
	}
	for _, s := range ints {
		if v := os.Getenv(s.env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*s.dst = n
			}
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
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
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.AuthServiceURL) == "" {
		return errors.New("config: authServiceURL is required (set in config.yaml or AUTH_SERVICE_URL)")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.AIProvider)) {
	case ai.ProviderOpenAI, "openai-compat", ai.ProviderGemini:
		if cfg.AIAPIKey == "" && cfg.AIBaseURL == "" {
			return errors.New("config: aiAPIKey is required for hosted providers (set AI_API_KEY)")
		}
	case ai.ProviderOllama:
	case "":
		return errors.New("config: aiProvider is required (openai, ollama or gemini)")
	default:
		return fmt.Errorf("config: unknown aiProvider %q", cfg.AIProvider)
	}
	if cfg.AIModel == "" {
		return errors.New("config: aiModel is required (set in config.yaml or AI_MODEL)")
	}
	if cfg.MinioEndpoint != "" && cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	for name, raw := range map[string]string{
		"jwtLeeway":      cfg.JWTLeeway,
		"aiTimeout":      cfg.AITimeout,
		"exportURLTTL":   cfg.ExportURLTTL,
		"sessionIdleTTL": cfg.SessionIdleTTL,
	} {
		if _, err := ParseDuration(name, raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if cfg.MaxSessionsPerUser < 0 || cfg.MaxMessageRunes < 0 || cfg.AuthRateLimitPerMinute < 0 || cfg.MessageRateLimitPerMinute < 0 {
		return errors.New("config: limits must be >= 0")
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

// MustDuration is ParseDuration for values validateConfig already accepted.
func MustDuration(raw string) time.Duration {
	d, _ := ParseDuration("", raw)
	return d
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
