package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadAgentConfigDefaults(t *testing.T) {
	t.Setenv("FORGEKIT_CONFIG_DIR", "/tmp/forge-test")
	t.Setenv("FORGEKIT_API_URL", "https://api.forgekit.ai")

	cfg := LoadAgentConfig()
	if cfg.ConfigDir != "/tmp/forge-test" {
		t.Fatalf("unexpected config dir %s", cfg.ConfigDir)
	}
	if cfg.CallbackPort != 3456 {
		t.Fatalf("expected default callback port 3456, got %d", cfg.CallbackPort)
	}
	if cfg.LoginTimeout != 180*time.Second {
		t.Fatalf("expected default login timeout, got %s", cfg.LoginTimeout)
	}
	if len(cfg.AllowedDomains) != 1 || cfg.AllowedDomains[0] != "forgekit.ai" {
		t.Fatalf("unexpected allowed domains %v", cfg.AllowedDomains)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Fatalf("expected warn level, got %s", cfg.LogLevel)
	}
}

func TestLoadAgentConfigOverrides(t *testing.T) {
	t.Setenv("FORGEKIT_LOGIN_TIMEOUT", "5")
	t.Setenv("FORGEKIT_CALLBACK_PORT", "4000")
	t.Setenv("FORGEKIT_ALLOWED_DOMAINS", "forgekit.ai, example.dev ,")
	t.Setenv("FORGEKIT_LOG_LEVEL", "debug")
	t.Setenv("FORGEKIT_UPLOAD_BACKOFF_MS", "250")
	t.Setenv("FORGEKIT_TOKEN", "  a.b.c  ")

	cfg := LoadAgentConfig()
	if cfg.LoginTimeout != 5*time.Second {
		t.Fatalf("expected 5s login timeout, got %s", cfg.LoginTimeout)
	}
	if cfg.CallbackPort != 4000 {
		t.Fatalf("expected callback port override, got %d", cfg.CallbackPort)
	}
	if len(cfg.AllowedDomains) != 2 || cfg.AllowedDomains[1] != "example.dev" {
		t.Fatalf("unexpected allowed domains %v", cfg.AllowedDomains)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("expected debug level, got %s", cfg.LogLevel)
	}
	if cfg.UploadBackoff != 250*time.Millisecond {
		t.Fatalf("unexpected upload backoff %s", cfg.UploadBackoff)
	}
	if cfg.Token != "a.b.c" {
		t.Fatalf("expected trimmed token, got %q", cfg.Token)
	}
}

func TestGetDurationRejectsNonPositive(t *testing.T) {
	t.Setenv("FORGEKIT_TEST_DURATION", "0")
	if got := GetDuration("FORGEKIT_TEST_DURATION", time.Second, time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestLoadAgentConfigBundleAndBrowser(t *testing.T) {
	t.Setenv("FORGEKIT_NO_BROWSER", "true")
	t.Setenv("FORGEKIT_BUNDLE_EXCLUDE", "fixtures, *.psd")

	cfg := LoadAgentConfig()
	if !cfg.NoBrowser {
		t.Fatalf("expected browser launch disabled")
	}
	if len(cfg.BundleExclude) != 2 || cfg.BundleExclude[1] != "*.psd" {
		t.Fatalf("unexpected bundle exclusions %v", cfg.BundleExclude)
	}

	t.Setenv("FORGEKIT_NO_BROWSER", "maybe")
	if LoadAgentConfig().NoBrowser {
		t.Fatalf("expected invalid bool to fall back to false")
	}
}
