package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AMBIENT_HOME", "AMBIENT_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY",
		"AMBIENT_BASE_URL", "AMBIENT_MODEL", "AMBIENT_FALLBACK_MODELS",
		"AMBIENT_GATEWAY_URL", "AMBIENT_GATEWAY_TOKEN", "AMBIENT_HOOKS_TOKEN",
		"AMBIENT_ESCALATION_MODE", "AMBIENT_CONTROL_PORT", "AMBIENT_TELEGRAM_TOKEN",
		"AMBIENT_TELEGRAM_CHAT_ID", "AMBIENT_REDIS_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Analysis.Primary != DefaultPrimaryModel {
		t.Errorf("primary = %q, want %q", cfg.Analysis.Primary, DefaultPrimaryModel)
	}
	if cfg.Scheduler.DebounceMs != DefaultDebounceMs {
		t.Errorf("debounceMs = %d, want %d", cfg.Scheduler.DebounceMs, DefaultDebounceMs)
	}
	if cfg.Buffers.MaxImagesKept != DefaultMaxImagesKept {
		t.Errorf("maxImagesKept = %d, want %d", cfg.Buffers.MaxImagesKept, DefaultMaxImagesKept)
	}
	if cfg.Escalation.Mode != DefaultEscalationMode {
		t.Errorf("mode = %q, want %q", cfg.Escalation.Mode, DefaultEscalationMode)
	}
	if cfg.Gateway.MinProtocol != DefaultProtocolVersion || cfg.Gateway.MaxProtocol != DefaultProtocolVersion {
		t.Errorf("protocol = %d..%d", cfg.Gateway.MinProtocol, cfg.Gateway.MaxProtocol)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Analysis.Primary != DefaultPrimaryModel {
		t.Errorf("expected default primary %q, got %q", DefaultPrimaryModel, cfg.Analysis.Primary)
	}
}

func TestLoadConfig_FromJSONFile(t *testing.T) {
	clearEnv(t)
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cfgDir := filepath.Join(tmpDir, ".ambient")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatal(err)
	}
	testCfg := map[string]any{
		"analysis": map[string]any{
			"primary":   "claude-sonnet-4-5",
			"fallbacks": []string{"openai/gpt-4o-mini"},
		},
		"escalation": map[string]any{"mode": "focus"},
	}
	data, _ := json.Marshal(testCfg)
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Analysis.Primary != "claude-sonnet-4-5" {
		t.Errorf("primary = %q", cfg.Analysis.Primary)
	}
	if len(cfg.Analysis.Fallbacks) != 1 || cfg.Analysis.Fallbacks[0] != "openai/gpt-4o-mini" {
		t.Errorf("fallbacks = %v", cfg.Analysis.Fallbacks)
	}
	if cfg.Escalation.Mode != "focus" {
		t.Errorf("mode = %q, want focus", cfg.Escalation.Mode)
	}
	// Untouched sections keep defaults.
	if cfg.Scheduler.MaxIntervalMs != DefaultMaxIntervalMs {
		t.Errorf("maxIntervalMs = %d", cfg.Scheduler.MaxIntervalMs)
	}
}

func TestLoadConfig_FromYAMLFile(t *testing.T) {
	clearEnv(t)
	tmpDir := t.TempDir()
	t.Setenv("AMBIENT_HOME", tmpDir)

	yamlCfg := "scheduler:\n  debounceMs: 500\n  maxIntervalMs: 10000\n  cooldownMs: 1000\n"
	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte(yamlCfg), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Scheduler.DebounceMs != 500 || cfg.Scheduler.MaxIntervalMs != 10000 {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	clearEnv(t)
	tmpDir := t.TempDir()
	t.Setenv("AMBIENT_HOME", tmpDir)
	os.WriteFile(filepath.Join(tmpDir, "config.json"), []byte("{bad"), 0644)

	if _, err := LoadConfig(); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AMBIENT_HOME", t.TempDir())
	t.Setenv("AMBIENT_API_KEY", "env-key")
	t.Setenv("AMBIENT_MODEL", "claude-opus-4-1")
	t.Setenv("AMBIENT_FALLBACK_MODELS", "a, b ,,c")
	t.Setenv("AMBIENT_GATEWAY_URL", "ws://gw:1234")
	t.Setenv("AMBIENT_GATEWAY_TOKEN", "gw-token")
	t.Setenv("AMBIENT_ESCALATION_MODE", " RICH ")
	t.Setenv("AMBIENT_CONTROL_PORT", "9999")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.APIKey != "env-key" {
		t.Errorf("apiKey = %q", cfg.Provider.APIKey)
	}
	if cfg.Analysis.Primary != "claude-opus-4-1" {
		t.Errorf("primary = %q", cfg.Analysis.Primary)
	}
	if len(cfg.Analysis.Fallbacks) != 3 || cfg.Analysis.Fallbacks[1] != "b" {
		t.Errorf("fallbacks = %v", cfg.Analysis.Fallbacks)
	}
	if !cfg.Gateway.Enabled || cfg.Gateway.URL != "ws://gw:1234" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Hooks.Token != "gw-token" {
		t.Errorf("hooks token should inherit gateway token, got %q", cfg.Hooks.Token)
	}
	if cfg.Escalation.Mode != "rich" {
		t.Errorf("mode = %q", cfg.Escalation.Mode)
	}
	if cfg.Control.Port != 9999 {
		t.Errorf("port = %d", cfg.Control.Port)
	}
}

func TestLoadConfig_RejectsInvalidMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("AMBIENT_HOME", t.TempDir())
	t.Setenv("AMBIENT_ESCALATION_MODE", "loud")

	if _, err := LoadConfig(); err == nil {
		t.Error("expected validation error for unknown escalation mode")
	}
}

func TestSaveConfig(t *testing.T) {
	clearEnv(t)
	tmpDir := t.TempDir()
	t.Setenv("AMBIENT_HOME", tmpDir)

	cfg := DefaultConfig()
	cfg.Provider.APIKey = "saved-key"
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, "config.json"))
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if loaded.Provider.APIKey != "saved-key" {
		t.Errorf("apiKey = %q", loaded.Provider.APIKey)
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider.APIKey = "sk-secret"
	cfg.Gateway.Token = "gw"
	red := cfg.Redacted()
	if red.Provider.APIKey != "***" || red.Gateway.Token != "***" {
		t.Errorf("not redacted: %+v %+v", red.Provider, red.Gateway)
	}
	if red.Hooks.Token != "" {
		t.Errorf("empty token should stay empty, got %q", red.Hooks.Token)
	}
	if cfg.Provider.APIKey != "sk-secret" {
		t.Error("Redacted must not mutate the receiver")
	}
}
