package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port          string
	Debug         bool
	PublicBaseURL string // used to build share links and report download URLs

	// Schedule configuration
	RollupSchedule    string // cron expression, seconds field included
	LifecycleSchedule string
	ReportSchedule    string // "daily", "weekly" or "" to disable
	TimeZone          string

	// Azure Storage configuration
	StorageAccount   string
	StorageContainer string
	LocalStorageDir  string // used instead of Azure when StorageAccount is empty

	// Content registry
	ContentAPIURL   string
	ContentAPIToken string
	ContentCacheTTL time.Duration

	// Distribution configuration
	DistributionWebhookURL string
	DistributionRetries    int
	NotificationEmail      string
	SMTPHost               string
	SMTPPort               int
	SMTPUsername           string
	SMTPPassword           string

	// Analytics
	ReadCompletionThreshold float64
	DedupBucket             time.Duration
	RollupCacheTTL          time.Duration
	EventLogShards          int
	DeadLetterBuffer        int
	DeadLetterRetries       int
	// Stored reports and dead letters older than this are purged
	ArtifactRetention time.Duration

	// Promotion ledger
	PromoCodeLength      int
	PromoCodeMaxAttempts int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		Debug:         getBoolEnv("DEBUG", false),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),

		RollupSchedule:    getEnv("ROLLUP_SCHEDULE", "*/30 * * * * *"),
		LifecycleSchedule: getEnv("LIFECYCLE_SCHEDULE", "0 * * * * *"),
		ReportSchedule:    getEnv("REPORT_SCHEDULE", "daily"),
		TimeZone:          getEnv("TIMEZONE", "UTC"),

		StorageAccount:   getEnv("AZURE_STORAGE_ACCOUNT", ""),
		StorageContainer: getEnv("AZURE_STORAGE_CONTAINER", "pubengine"),
		LocalStorageDir:  getEnv("LOCAL_STORAGE_DIR", "data"),

		ContentAPIURL:   getEnv("CONTENT_API_URL", ""),
		ContentAPIToken: getEnv("CONTENT_API_TOKEN", ""),
		ContentCacheTTL: getDurationEnv("CONTENT_CACHE_TTL", time.Minute),

		DistributionWebhookURL: getEnv("DISTRIBUTION_WEBHOOK_URL", ""),
		DistributionRetries:    getIntEnv("DISTRIBUTION_RETRIES", 3),
		NotificationEmail:      getEnv("NOTIFICATION_EMAIL", ""),
		SMTPHost:               getEnv("SMTP_HOST", ""),
		SMTPPort:               getIntEnv("SMTP_PORT", 587),
		SMTPUsername:           getEnv("SMTP_USERNAME", ""),
		SMTPPassword:           getEnv("SMTP_PASSWORD", ""),

		ReadCompletionThreshold: getFloatEnv("READ_COMPLETION_THRESHOLD", 0.8),
		DedupBucket:             getDurationEnv("DEDUP_BUCKET", 30*time.Minute),
		RollupCacheTTL:          getDurationEnv("ROLLUP_CACHE_TTL", 15*time.Second),
		EventLogShards:          getIntEnv("EVENT_LOG_SHARDS", 32),
		DeadLetterBuffer:        getIntEnv("DEAD_LETTER_BUFFER", 1024),
		DeadLetterRetries:       getIntEnv("DEAD_LETTER_RETRIES", 3),
		ArtifactRetention:       getDurationEnv("ARTIFACT_RETENTION", 30*24*time.Hour),

		PromoCodeLength:      getIntEnv("PROMO_CODE_LENGTH", 8),
		PromoCodeMaxAttempts: getIntEnv("PROMO_CODE_MAX_ATTEMPTS", 5),
	}

	// Validate required configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration suitable for tests and local tooling.
func Default() *Config {
	return &Config{
		Port:                    "8080",
		PublicBaseURL:           "http://localhost:8080",
		TimeZone:                "UTC",
		LocalStorageDir:         "data",
		ContentCacheTTL:         time.Minute,
		DistributionRetries:     3,
		ReadCompletionThreshold: 0.8,
		DedupBucket:             30 * time.Minute,
		RollupCacheTTL:          15 * time.Second,
		EventLogShards:          32,
		DeadLetterBuffer:        1024,
		DeadLetterRetries:       3,
		ArtifactRetention:       30 * 24 * time.Hour,
		PromoCodeLength:         8,
		PromoCodeMaxAttempts:    5,
	}
}

// Location returns the configured time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) validate() error {
	if c.ReportSchedule != "" && c.ReportSchedule != "daily" && c.ReportSchedule != "weekly" {
		return fmt.Errorf("REPORT_SCHEDULE must be 'daily', 'weekly' or empty")
	}

	if c.ReadCompletionThreshold <= 0 || c.ReadCompletionThreshold > 1 {
		return fmt.Errorf("READ_COMPLETION_THRESHOLD must be in (0, 1]")
	}

	if c.DedupBucket <= 0 {
		return fmt.Errorf("DEDUP_BUCKET must be positive")
	}

	if c.ArtifactRetention <= 0 {
		return fmt.Errorf("ARTIFACT_RETENTION must be positive")
	}

	if c.EventLogShards < 1 {
		return fmt.Errorf("EVENT_LOG_SHARDS must be at least 1")
	}

	if c.PromoCodeLength < 4 {
		return fmt.Errorf("PROMO_CODE_LENGTH must be at least 4")
	}

	if c.PromoCodeMaxAttempts < 1 {
		return fmt.Errorf("PROMO_CODE_MAX_ATTEMPTS must be at least 1")
	}

	if c.NotificationEmail != "" {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("SMTP configuration is required when NOTIFICATION_EMAIL is set")
		}
	}

	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("TIMEZONE %q is invalid: %w", c.TimeZone, err)
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
