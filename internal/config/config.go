package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/driplab/drip/internal/pacing"
	"github.com/driplab/drip/internal/splitter"
)

// Config contains all runtime settings for the response delivery service.
type Config struct {
	BindAddr         string
	MetricsNamespace string
	ShutdownTimeout  time.Duration

	AllowAnyOrigin bool

	SplitMode        string
	SplitMaxChunkLen int
	SplitMinChunkLen int

	DelayStrategy    string
	DelayMin         time.Duration
	DelayMax         time.Duration
	DelayCharsPerSec float64

	TypingIdle        time.Duration
	FirstMessageDelay time.Duration

	RetryCount       int
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
	DispatchTimeout  time.Duration

	SessionMaxAge time.Duration

	ConvertMarkdown bool
	ProfilesPath    string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "drip"),
		ShutdownTimeout:  15 * time.Second,
		AllowAnyOrigin:   false,
		SplitMode:        envOrDefault("SPLIT_MODE", "simple_improved"),
		// Chat platforms cap a single message around 4096 characters.
		SplitMaxChunkLen: 4096,
		// Fragments shorter than this merge into the previous chunk.
		SplitMinChunkLen:  200,
		DelayStrategy:     envOrDefault("DELAY_STRATEGY", "random"),
		DelayMin:          time.Second,
		DelayMax:          3 * time.Second,
		DelayCharsPerSec:  0,
		TypingIdle:        500 * time.Millisecond,
		FirstMessageDelay: 2 * time.Second,
		RetryCount:        3,
		RetryBackoffBase:  200 * time.Millisecond,
		RetryBackoffCap:   5 * time.Second,
		DispatchTimeout:   10 * time.Second,
		SessionMaxAge:     5 * time.Minute,
		ConvertMarkdown:   true,
		ProfilesPath:      stringsTrimSpace("PROFILES_PATH"),
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SplitMaxChunkLen, err = intFromEnv("SPLIT_MAX_CHUNK_LEN", cfg.SplitMaxChunkLen)
	if err != nil {
		return Config{}, err
	}
	cfg.SplitMinChunkLen, err = intFromEnv("SPLIT_MIN_CHUNK_LEN", cfg.SplitMinChunkLen)
	if err != nil {
		return Config{}, err
	}
	cfg.DelayMin, err = durationFromEnv("DELAY_MIN", cfg.DelayMin)
	if err != nil {
		return Config{}, err
	}
	cfg.DelayMax, err = durationFromEnv("DELAY_MAX", cfg.DelayMax)
	if err != nil {
		return Config{}, err
	}
	cfg.DelayCharsPerSec, err = floatFromEnv("DELAY_CHARS_PER_SEC", cfg.DelayCharsPerSec)
	if err != nil {
		return Config{}, err
	}
	cfg.TypingIdle, err = durationFromEnv("TYPING_IDLE", cfg.TypingIdle)
	if err != nil {
		return Config{}, err
	}
	cfg.FirstMessageDelay, err = durationFromEnv("FIRST_MESSAGE_DELAY", cfg.FirstMessageDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryCount, err = intFromEnv("RETRY_COUNT", cfg.RetryCount)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBackoffBase, err = durationFromEnv("RETRY_BACKOFF_BASE", cfg.RetryBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBackoffCap, err = durationFromEnv("RETRY_BACKOFF_CAP", cfg.RetryBackoffCap)
	if err != nil {
		return Config{}, err
	}
	cfg.DispatchTimeout, err = durationFromEnv("DISPATCH_TIMEOUT", cfg.DispatchTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxAge, err = durationFromEnv("SESSION_MAX_AGE", cfg.SessionMaxAge)
	if err != nil {
		return Config{}, err
	}
	cfg.ConvertMarkdown, err = boolFromEnv("CONVERT_MARKDOWN", cfg.ConvertMarkdown)
	if err != nil {
		return Config{}, err
	}

	if _, ok := splitter.ParseMode(cfg.SplitMode); !ok {
		return Config{}, fmt.Errorf("SPLIT_MODE %q is not a known split mode", cfg.SplitMode)
	}
	if _, ok := pacing.ParseStrategy(cfg.DelayStrategy); !ok {
		return Config{}, fmt.Errorf("DELAY_STRATEGY %q is not a known delay strategy", cfg.DelayStrategy)
	}
	if cfg.SplitMaxChunkLen <= 0 {
		return Config{}, fmt.Errorf("SPLIT_MAX_CHUNK_LEN must be positive")
	}
	if cfg.SplitMinChunkLen < 0 || cfg.SplitMinChunkLen > cfg.SplitMaxChunkLen {
		return Config{}, fmt.Errorf("SPLIT_MIN_CHUNK_LEN must be within [0, SPLIT_MAX_CHUNK_LEN]")
	}
	if cfg.DelayMin < 0 || cfg.DelayMax < cfg.DelayMin {
		return Config{}, fmt.Errorf("DELAY_MIN/DELAY_MAX must satisfy 0 <= min <= max")
	}
	if cfg.RetryCount < 0 {
		return Config{}, fmt.Errorf("RETRY_COUNT must be >= 0")
	}
	if cfg.DispatchTimeout <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_TIMEOUT must be positive")
	}
	if cfg.SessionMaxAge < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_MAX_AGE must be at least 5s")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
