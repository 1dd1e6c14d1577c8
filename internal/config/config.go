// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, database path, WeChat and model credentials, the reply-wait bound,
// rate limiting, and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Relay modes. ModeSync answers inline within the reply-wait bound; ModePush
// acknowledges immediately and delivers through the customer-service API.
const (
	ModeSync = "sync"
	ModePush = "push"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the read API.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// WeChatConfig holds callback-verification and API credentials.
type WeChatConfig struct {
	Token     string // WECHAT_TOKEN: shared secret for callback signatures
	AppID     string // WECHAT_APP_ID
	AppSecret string // WECHAT_APP_SECRET
	APIBase   string // WECHAT_API_BASE: override for tests/sandboxes
}

// ArkConfig holds completion-backend credentials (Ark chat models).
type ArkConfig struct {
	APIKey       string // ARK_API_KEY
	Model        string // ARK_MODEL
	BaseURL      string // ARK_BASE_URL (optional)
	SystemPrompt string // ARK_SYSTEM_PROMPT (optional)
}

// Enabled reports whether the completion backend is configured.
func (c ArkConfig) Enabled() bool {
	return c.APIKey != "" && c.Model != ""
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for the read API

	// App
	DBPath string // SQLite path

	// Relay behavior
	Mode              string        // sync|push
	ReplyWait         time.Duration // bounded wait before the timeout fallback
	ModerationEnabled bool          // gate generated replies through msg_sec_check
	Workers           int           // background pipeline workers
	QueueDepth        int           // pipeline queue depth

	// Collaborators
	WeChat WeChatConfig
	Ark    ArkConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath: getenv("DB_PATH", "relay.db"),

		// Relay behavior
		Mode:              strings.ToLower(getenv("RELAY_MODE", ModeSync)),
		ReplyWait:         getdur("REPLY_WAIT", 4800*time.Millisecond),
		ModerationEnabled: getbool("MODERATION_ENABLED", true),
		Workers:           getint("PIPELINE_WORKERS", 8),
		QueueDepth:        getint("PIPELINE_QUEUE_DEPTH", 64),

		// Collaborators
		WeChat: WeChatConfig{
			Token:     getenv("WECHAT_TOKEN", ""),
			AppID:     getenv("WECHAT_APP_ID", ""),
			AppSecret: getenv("WECHAT_APP_SECRET", ""),
			APIBase:   getenv("WECHAT_API_BASE", ""),
		},
		Ark: ArkConfig{
			APIKey:       getenv("ARK_API_KEY", ""),
			Model:        getenv("ARK_MODEL", ""),
			BaseURL:      getenv("ARK_BASE_URL", ""),
			SystemPrompt: getenv("ARK_SYSTEM_PROMPT", ""),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "wechat-relay"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	switch cfg.Mode {
	case ModeSync, ModePush:
	default:
		return cfg, errors.New("RELAY_MODE must be sync or push")
	}
	if cfg.ReplyWait <= 0 {
		return cfg, errors.New("REPLY_WAIT must be > 0")
	}
	if cfg.Workers < 1 {
		return cfg, errors.New("PIPELINE_WORKERS must be >= 1")
	}
	if cfg.QueueDepth < 1 {
		return cfg, errors.New("PIPELINE_QUEUE_DEPTH must be >= 1")
	}
	if strings.TrimSpace(cfg.WeChat.Token) == "" {
		return cfg, errors.New("WECHAT_TOKEN must not be empty")
	}
	if cfg.Mode == ModePush && (cfg.WeChat.AppID == "" || cfg.WeChat.AppSecret == "") {
		return cfg, errors.New("push mode requires WECHAT_APP_ID and WECHAT_APP_SECRET")
	}
	if cfg.ModerationEnabled && (cfg.WeChat.AppID == "" || cfg.WeChat.AppSecret == "") {
		return cfg, errors.New("moderation requires WECHAT_APP_ID and WECHAT_APP_SECRET")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
