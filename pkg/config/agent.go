package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AgentConfig holds runtime configuration for the forge CLI deploy agent.
// It is built once in main and passed down; nothing below main reads the
// environment directly.
type AgentConfig struct {
	ConfigDir       string
	LogLevel        slog.Level
	Token           string
	APIBaseURL      string
	AuthBaseURL     string
	CallbackHost    string
	CallbackPort    int
	CallbackPortTry int
	LoginTimeout    time.Duration
	AllowedDomains  []string
	RequestTimeout  time.Duration
	UploadTimeout   time.Duration
	BuildAttempts   int
	BuildBackoff    time.Duration
	UploadAttempts  int
	UploadBackoff   time.Duration
	MetricsPushURL  string
	// NoBrowser makes login print the URL instead of launching a browser.
	NoBrowser bool
	// BundleExclude adds .dockerignore-style patterns to every bundle.
	BundleExclude []string
}

// LoadAgentConfig constructs an AgentConfig from environment variables.
func LoadAgentConfig() AgentConfig {
	return AgentConfig{
		ConfigDir:       GetString("FORGEKIT_CONFIG_DIR", defaultConfigDir()),
		LogLevel:        parseLevel(GetString("FORGEKIT_LOG_LEVEL", "warn")),
		Token:           strings.TrimSpace(GetString("FORGEKIT_TOKEN", "")),
		APIBaseURL:      GetString("FORGEKIT_API_URL", "https://api.forgekit.ai"),
		AuthBaseURL:     GetString("FORGEKIT_AUTH_URL", "https://forgekit.ai"),
		CallbackHost:    GetString("FORGEKIT_CALLBACK_HOST", "localhost"),
		CallbackPort:    GetInt("FORGEKIT_CALLBACK_PORT", 3456),
		CallbackPortTry: GetInt("FORGEKIT_CALLBACK_PORT_ATTEMPTS", 10),
		LoginTimeout:    GetDuration("FORGEKIT_LOGIN_TIMEOUT", time.Second, 180*time.Second),
		AllowedDomains:  GetList("FORGEKIT_ALLOWED_DOMAINS", []string{"forgekit.ai"}),
		RequestTimeout:  GetDuration("FORGEKIT_REQUEST_TIMEOUT_SECONDS", time.Second, 30*time.Second),
		UploadTimeout:   GetDuration("FORGEKIT_UPLOAD_TIMEOUT_SECONDS", time.Second, 5*time.Minute),
		BuildAttempts:   GetInt("FORGEKIT_BUILD_ATTEMPTS", 3),
		BuildBackoff:    GetDuration("FORGEKIT_BUILD_BACKOFF_MS", time.Millisecond, 2*time.Second),
		UploadAttempts:  GetInt("FORGEKIT_UPLOAD_ATTEMPTS", 3),
		UploadBackoff:   GetDuration("FORGEKIT_UPLOAD_BACKOFF_MS", time.Millisecond, 5*time.Second),
		MetricsPushURL:  GetString("FORGEKIT_METRICS_PUSHGATEWAY", ""),
		NoBrowser:       GetBool("FORGEKIT_NO_BROWSER", false),
		BundleExclude:   GetList("FORGEKIT_BUNDLE_EXCLUDE", nil),
	}
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".forgekit"
	}
	return filepath.Join(home, ".forgekit")
}

func parseLevel(value string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return slog.LevelWarn
	}
	return level
}
