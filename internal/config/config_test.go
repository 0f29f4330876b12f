package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadDefaults проверяет конфигурацию без флагов и файла
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %q, expected 8080", cfg.Port)
	}
	if cfg.ModelID != "" {
		t.Errorf("model id = %q, expected empty", cfg.ModelID)
	}
}

// TestLoadFlags проверяет что флаги применяются
func TestLoadFlags(t *testing.T) {
	cfg, err := Load([]string{"-model", "qwen3-asr-1.7b", "-port", "9000", "-max-tokens", "128"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ModelID != "qwen3-asr-1.7b" || cfg.Port != "9000" || cfg.MaxTokens != 128 {
		t.Errorf("flags not applied: %+v", cfg)
	}
}

// TestLoadSettingsFile проверяет YAML-файл и приоритет флагов над ним
func TestLoadSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	settings := "modelId: qwen3-asr-0.6b\nport: \"7000\"\nlanguage: ru\n"
	if err := os.WriteFile(path, []byte(settings), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load([]string{"-settings", path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ModelID != "qwen3-asr-0.6b" || cfg.Port != "7000" || cfg.Language != "ru" {
		t.Errorf("settings file not applied: %+v", cfg)
	}

	// Явный флаг перекрывает файл
	cfg, err = Load([]string{"-settings", path, "-port", "9999"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("flag did not override settings file: port = %q", cfg.Port)
	}
	if cfg.ModelID != "qwen3-asr-0.6b" {
		t.Errorf("unset flag overwrote settings file: model = %q", cfg.ModelID)
	}
}

// TestLoadMissingSettingsFile проверяет ошибку на отсутствующем файле
func TestLoadMissingSettingsFile(t *testing.T) {
	if _, err := Load([]string{"-settings", "/nonexistent/settings.yaml"}); err == nil {
		t.Error("expected error for missing settings file")
	}
}
