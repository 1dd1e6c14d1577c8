package config

import (
	"strings"
	"testing"
	"time"
)

// clearRelayEnv blanks every variable Load reads so ambient environment
// never bleeds into a test, then applies overrides.
func setEnv(t *testing.T, overrides map[string]string) {
	t.Helper()
	keys := []string{
		"PORT", "READ_TIMEOUT", "READ_HEADER_TIMEOUT", "WRITE_TIMEOUT",
		"IDLE_TIMEOUT", "MAX_HEADER_BYTES", "GIN_MODE",
		"LOG_LEVEL", "LOG_PRETTY", "API_BASE_PATH", "DB_PATH",
		"RELAY_MODE", "REPLY_WAIT", "MODERATION_ENABLED",
		"PIPELINE_WORKERS", "PIPELINE_QUEUE_DEPTH",
		"WECHAT_TOKEN", "WECHAT_APP_ID", "WECHAT_APP_SECRET", "WECHAT_API_BASE",
		"ARK_API_KEY", "ARK_MODEL", "ARK_BASE_URL", "ARK_SYSTEM_PROMPT",
		"RATE_RPS", "RATE_BURST", "CORS_ALLOWED_ORIGINS",
		"ENABLE_HSTS", "HSTS_MAX_AGE",
		"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
		"OTEL_SERVICE_NAME", "OTEL_TRACES_SAMPLER_ARG",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
	for k, v := range overrides {
		t.Setenv(k, v)
	}
}

func TestLoad_DefaultsWithMinimalEnv(t *testing.T) {
	setEnv(t, map[string]string{
		"WECHAT_TOKEN":       "tok",
		"MODERATION_ENABLED": "false",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.GinMode != "release" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Mode != ModeSync {
		t.Fatalf("default mode should be sync: %q", cfg.Mode)
	}
	if cfg.ReplyWait != 4800*time.Millisecond {
		t.Fatalf("default reply wait: %v", cfg.ReplyWait)
	}
	if cfg.APIBasePath != "/api/v1" {
		t.Fatalf("default base path: %q", cfg.APIBasePath)
	}
	if cfg.Workers != 8 || cfg.QueueDepth != 64 {
		t.Fatalf("default pool sizing: %d/%d", cfg.Workers, cfg.QueueDepth)
	}
}

func TestLoad_RequiresWeChatToken(t *testing.T) {
	setEnv(t, map[string]string{"MODERATION_ENABLED": "false"})

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "WECHAT_TOKEN") {
		t.Fatalf("expected WECHAT_TOKEN error, got %v", err)
	}
}

func TestLoad_PushModeRequiresAppCredentials(t *testing.T) {
	setEnv(t, map[string]string{
		"WECHAT_TOKEN":       "tok",
		"MODERATION_ENABLED": "false",
		"RELAY_MODE":         "push",
	})
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "push mode") {
		t.Fatalf("expected push-mode credential error, got %v", err)
	}

	setEnv(t, map[string]string{
		"WECHAT_TOKEN":       "tok",
		"MODERATION_ENABLED": "false",
		"RELAY_MODE":         "push",
		"WECHAT_APP_ID":      "app",
		"WECHAT_APP_SECRET":  "sec",
	})
	if _, err := Load(); err != nil {
		t.Fatalf("push mode with credentials should load: %v", err)
	}
}

func TestLoad_ModerationRequiresAppCredentials(t *testing.T) {
	setEnv(t, map[string]string{"WECHAT_TOKEN": "tok"}) // moderation defaults on

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "moderation") {
		t.Fatalf("expected moderation credential error, got %v", err)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad mode", map[string]string{"RELAY_MODE": "pull"}, "RELAY_MODE"},
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"zero reply wait", map[string]string{"REPLY_WAIT": "-1s"}, "REPLY_WAIT"},
		{"zero workers", map[string]string{"PIPELINE_WORKERS": "0"}, "PIPELINE_WORKERS"},
		{"sampler range", map[string]string{"OTEL_TRACES_SAMPLER_ARG": "1.5"}, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := map[string]string{
				"WECHAT_TOKEN":       "tok",
				"MODERATION_ENABLED": "false",
			}
			for k, v := range tc.env {
				env[k] = v
			}
			setEnv(t, env)
			if _, err := Load(); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %s error, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_NormalizesWarningAndBasePath(t *testing.T) {
	setEnv(t, map[string]string{
		"WECHAT_TOKEN":       "tok",
		"MODERATION_ENABLED": "false",
		"LOG_LEVEL":          "warning",
		"API_BASE_PATH":      "api/v2/",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("warning should normalize to warn: %q", cfg.LogLevel)
	}
	if cfg.APIBasePath != "/api/v2" {
		t.Fatalf("base path not normalized: %q", cfg.APIBasePath)
	}
}

func TestLoad_ParsesCORSList(t *testing.T) {
	setEnv(t, map[string]string{
		"WECHAT_TOKEN":         "tok",
		"MODERATION_ENABLED":   "false",
		"CORS_ALLOWED_ORIGINS": "https://a.example.com, https://b.example.com ,",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("CSV not parsed: %v", cfg.CORS.AllowedOrigins)
	}
}
