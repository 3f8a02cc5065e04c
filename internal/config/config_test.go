package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 0.8, cfg.ReadCompletionThreshold)
	assert.Equal(t, 30*time.Minute, cfg.DedupBucket)
	assert.Equal(t, 5, cfg.PromoCodeMaxAttempts)
	assert.Equal(t, "daily", cfg.ReportSchedule)
	assert.Equal(t, 30*24*time.Hour, cfg.ArtifactRetention)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("READ_COMPLETION_THRESHOLD", "0.6")
	t.Setenv("DEDUP_BUCKET", "5m")
	t.Setenv("PUBLIC_BASE_URL", "https://news.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 0.6, cfg.ReadCompletionThreshold)
	assert.Equal(t, 5*time.Minute, cfg.DedupBucket)
	assert.Equal(t, "https://news.example.com", cfg.PublicBaseURL)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "Bad report schedule", key: "REPORT_SCHEDULE", value: "hourly"},
		{name: "Threshold above one", key: "READ_COMPLETION_THRESHOLD", value: "1.5"},
		{name: "Zero shards", key: "EVENT_LOG_SHARDS", value: "0"},
		{name: "Zero retention", key: "ARTIFACT_RETENTION", value: "0s"},
		{name: "Email without SMTP", key: "NOTIFICATION_EMAIL", value: "desk@example.com"},
		{name: "Unknown time zone", key: "TIMEZONE", value: "Mars/Olympus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
