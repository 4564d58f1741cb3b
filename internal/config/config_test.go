package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"API_ADDR", "COHORT_BATCH_SIZE", "COHORT_USE_PRECALCULATED", "COHORT_PRECALC_CUTOVER", "MINIO_ENDPOINT", "REDIS_URL"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 10000, cfg.BatchSize)
	assert.False(t, cfg.UsePrecalculated)
	assert.True(t, cfg.PrecalcCutover.IsZero())
	assert.Empty(t, cfg.MinioEndpoint)
	assert.Empty(t, cfg.RedisURL, "leasing is opt-in")
	assert.Equal(t, 30*time.Minute, cfg.LeaseTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COHORT_BATCH_SIZE", "250")
	t.Setenv("COHORT_USE_PRECALCULATED", "true")
	t.Setenv("COHORT_PRECALC_CUTOVER", "2026-03-01T12:00:00Z")
	t.Setenv("COHORT_STALE_AFTER_SECONDS", "60")
	t.Setenv("MINIO_USE_SSL", "1")

	cfg := Load()
	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, time.Minute, cfg.StaleAfter)
	assert.True(t, cfg.MinioUseSSL)

	gate := cfg.Precalc()
	assert.True(t, gate.UsePrecalculatedMembership)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), gate.Cutover)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("COHORT_BATCH_SIZE", "lots")
	t.Setenv("COHORT_USE_PRECALCULATED", "maybe")
	t.Setenv("COHORT_PRECALC_CUTOVER", "yesterday")

	cfg := Load()
	assert.Equal(t, 10000, cfg.BatchSize)
	assert.False(t, cfg.UsePrecalculated)
	assert.True(t, cfg.PrecalcCutover.IsZero())
}

func TestCutoverAcceptsDate(t *testing.T) {
	t.Setenv("COHORT_PRECALC_CUTOVER", "2026-03-01")
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Load().PrecalcCutover)
}
