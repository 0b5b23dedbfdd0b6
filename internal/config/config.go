package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string

	// TickInterval is the timer engine cadence. One second of wall clock
	// per elapsed second; shorter values are only for tests.
	TickInterval time.Duration

	// FallbackExpectedSeconds applies to practitioners with no configured
	// expected consultation length.
	FallbackExpectedSeconds int

	// ExpectedDurations is parsed from EXPECTED_DURATIONS, e.g.
	// "Dr. Chen=900,Dr. Patel=1200". Store-provided values override these.
	ExpectedDurations map[string]int

	MirrorTimeout time.Duration

	RateLimitPerMinute int
	RateLimitBurst     int

	AuditListLimit int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                    port,
		DatabaseURL:             os.Getenv("DB_DSN"),
		TickInterval:            readDurationSeconds("TICK_INTERVAL_SECONDS", 1),
		FallbackExpectedSeconds: readInt("FALLBACK_EXPECTED_SECONDS", 900),
		ExpectedDurations:       parseDurations(os.Getenv("EXPECTED_DURATIONS")),
		MirrorTimeout:           readDurationSeconds("MIRROR_TIMEOUT_SECONDS", 5),
		RateLimitPerMinute:      readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:          readInt("RATE_LIMIT_BURST", 30),
		AuditListLimit:          readInt("AUDIT_LIST_LIMIT", 200),
	}
}

// parseDurations reads "name=seconds" pairs separated by commas. Malformed
// pairs are skipped.
func parseDurations(raw string) map[string]int {
	durations := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.LastIndex(pair, "=")
		if idx <= 0 {
			continue
		}
		name := strings.TrimSpace(pair[:idx])
		seconds, err := strconv.Atoi(strings.TrimSpace(pair[idx+1:]))
		if err != nil || name == "" || seconds <= 0 {
			continue
		}
		durations[name] = seconds
	}
	return durations
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
