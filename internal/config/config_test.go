package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.SplitMode != "simple_improved" {
		t.Fatalf("SplitMode = %q, want %q", cfg.SplitMode, "simple_improved")
	}
	if cfg.SplitMaxChunkLen != 4096 || cfg.SplitMinChunkLen != 200 {
		t.Fatalf("split lengths = %d/%d, want 4096/200", cfg.SplitMaxChunkLen, cfg.SplitMinChunkLen)
	}
	if cfg.DelayStrategy != "random" {
		t.Fatalf("DelayStrategy = %q, want %q", cfg.DelayStrategy, "random")
	}
	if !cfg.ConvertMarkdown {
		t.Fatalf("ConvertMarkdown = false, want true by default")
	}
	if cfg.RetryCount != 3 {
		t.Fatalf("RetryCount = %d, want 3", cfg.RetryCount)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("SPLIT_MODE", "simple")
	t.Setenv("SPLIT_MAX_CHUNK_LEN", "300")
	t.Setenv("SPLIT_MIN_CHUNK_LEN", "50")
	t.Setenv("DELAY_STRATEGY", "proportional")
	t.Setenv("DELAY_CHARS_PER_SEC", "40")
	t.Setenv("FIRST_MESSAGE_DELAY", "750ms")
	t.Setenv("CONVERT_MARKDOWN", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" || cfg.SplitMode != "simple" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.SplitMaxChunkLen != 300 || cfg.SplitMinChunkLen != 50 {
		t.Fatalf("split lengths = %d/%d, want 300/50", cfg.SplitMaxChunkLen, cfg.SplitMinChunkLen)
	}
	if cfg.DelayCharsPerSec != 40 {
		t.Fatalf("DelayCharsPerSec = %v, want 40", cfg.DelayCharsPerSec)
	}
	if cfg.FirstMessageDelay != 750*time.Millisecond {
		t.Fatalf("FirstMessageDelay = %s, want 750ms", cfg.FirstMessageDelay)
	}
	if cfg.ConvertMarkdown {
		t.Fatalf("ConvertMarkdown = true, want false")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"SPLIT_MODE":          "clever",
		"DELAY_STRATEGY":      "warp",
		"SPLIT_MAX_CHUNK_LEN": "0",
		"RETRY_COUNT":         "-1",
		"DELAY_MIN":           "soon",
		"SESSION_MAX_AGE":     "1s",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() accepted %s=%q", key, value)
			}
		})
	}
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	data := []byte(`profiles:
  terse:
    split_mode: none
    max_chunk_len: 4096
    delay:
      strategy: constant
      min: 500ms
      max: 500ms
  chatty:
    split_mode: simple_improved
    max_chunk_len: 280
    min_chunk_len: 40
    delay:
      strategy: proportional
      min: 1s
      max: 4s
      chars_per_sec: 30
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write profiles: %v", err)
	}

	profiles, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles() error = %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("len(profiles) = %d, want 2", len(profiles))
	}
	chatty := profiles["chatty"]
	if chatty.MaxChunkLen != 280 || chatty.Delay.CharsPerSec != 30 {
		t.Fatalf("unexpected chatty profile: %+v", chatty)
	}
	if time.Duration(chatty.Delay.Max) != 4*time.Second {
		t.Fatalf("chatty delay max = %s, want 4s", time.Duration(chatty.Delay.Max))
	}
}

func TestLoadProfilesEmptyPathIsOptional(t *testing.T) {
	profiles, err := LoadProfiles("")
	if err != nil {
		t.Fatalf("LoadProfiles(\"\") error = %v", err)
	}
	if len(profiles) != 0 {
		t.Fatalf("len(profiles) = %d, want 0", len(profiles))
	}
}

func TestLoadProfilesRejectsBadSpecs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	data := []byte(`profiles:
  broken:
    split_mode: clever
    max_chunk_len: 100
    delay:
      strategy: constant
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write profiles: %v", err)
	}
	if _, err := LoadProfiles(path); err == nil {
		t.Fatalf("LoadProfiles() accepted unknown split_mode")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_METRICS_NAMESPACE",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_ALLOW_ANY_ORIGIN",
		"SPLIT_MODE",
		"SPLIT_MAX_CHUNK_LEN",
		"SPLIT_MIN_CHUNK_LEN",
		"DELAY_STRATEGY",
		"DELAY_MIN",
		"DELAY_MAX",
		"DELAY_CHARS_PER_SEC",
		"TYPING_IDLE",
		"FIRST_MESSAGE_DELAY",
		"RETRY_COUNT",
		"RETRY_BACKOFF_BASE",
		"RETRY_BACKOFF_CAP",
		"DISPATCH_TIMEOUT",
		"SESSION_MAX_AGE",
		"CONVERT_MARKDOWN",
		"PROFILES_PATH",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
