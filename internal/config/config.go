// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing or malformed, Load returns
// an error and the process exits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the tracker.
type Config struct {
	Env      string
	Port     string
	LogLevel string

	DatabaseURL string
	// RedisURL enables status-transition notifications when set.
	RedisURL string
	// GeminiAPIKey enables the analyst pass when set.
	GeminiAPIKey string

	GmailCredentialsFile string
	GmailTokenFile       string
	Mailbox              string

	CredentialName string
	DetailQueryID  string
	FetchAttempts  int
	FetchTimeout   time.Duration
	FetchBackoff   time.Duration
	FetchJitterMax time.Duration
	PageDelayMin   time.Duration
	PageDelayMax   time.Duration
	MaxPages       int
	EnrichInterval time.Duration

	MailSchedule   string
	EnrichSchedule string
}

// Load reads a .env file when present, then the environment, and returns a
// validated Config.
func Load() (*Config, error) {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		Env:                  getenv("APP_ENV", "dev"),
		Port:                 getenv("PORT", "8080"),
		LogLevel:             getenv("LOG_LEVEL", "info"),
		DatabaseURL:          dbURL,
		RedisURL:             os.Getenv("REDIS_URL"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		GmailCredentialsFile: getenv("GMAIL_CREDENTIALS_FILE", "credential.json"),
		GmailTokenFile:       getenv("GMAIL_TOKEN_FILE", "token.json"),
		Mailbox:              getenv("GMAIL_MAILBOX", "me"),
		CredentialName:       getenv("CREDENTIAL_NAME", "linkedin"),
		DetailQueryID:        os.Getenv("DETAIL_QUERY_ID"),
		MailSchedule:         getenv("MAIL_SCHEDULE", "@every 15m"),
		EnrichSchedule:       os.Getenv("ENRICH_SCHEDULE"),
	}

	var err error
	if cfg.FetchAttempts, err = intVar("FETCH_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.MaxPages, err = intVar("MAX_PAGES", 100); err != nil {
		return nil, err
	}
	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"FETCH_TIMEOUT", 15 * time.Second, &cfg.FetchTimeout},
		{"FETCH_BACKOFF", time.Second, &cfg.FetchBackoff},
		{"FETCH_JITTER_MAX", 500 * time.Millisecond, &cfg.FetchJitterMax},
		{"PAGE_DELAY_MIN", 500 * time.Millisecond, &cfg.PageDelayMin},
		{"PAGE_DELAY_MAX", 2500 * time.Millisecond, &cfg.PageDelayMax},
		{"ENRICH_INTERVAL", 1500 * time.Millisecond, &cfg.EnrichInterval},
	}
	for _, d := range durations {
		if *d.dest, err = durationVar(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if cfg.FetchAttempts < 1 {
		return nil, fmt.Errorf("FETCH_ATTEMPTS must be at least 1, got %d", cfg.FetchAttempts)
	}
	if cfg.FetchJitterMax <= 0 {
		return nil, fmt.Errorf("FETCH_JITTER_MAX must be positive, got %s", cfg.FetchJitterMax)
	}
	if cfg.PageDelayMax < cfg.PageDelayMin {
		return nil, fmt.Errorf("PAGE_DELAY_MAX (%s) is below PAGE_DELAY_MIN (%s)", cfg.PageDelayMax, cfg.PageDelayMin)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intVar(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, raw)
	}
	return n, nil
}

func durationVar(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}
