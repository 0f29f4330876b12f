// Package config собирает конфигурацию демона из YAML-файла настроек
// и флагов командной строки. Флаги имеют приоритет над файлом.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config настройки демона транскрипции
type Config struct {
	ModelsDir string `yaml:"modelsDir"` // Директория с моделями
	ModelID   string `yaml:"modelId"`   // Модель, загружаемая при старте ("" = не грузить)
	Port      string `yaml:"port"`      // Порт WebSocket сервера
	Language  string `yaml:"language"`  // Язык вывода ("" = автоопределение)
	MaxTokens int    `yaml:"maxTokens"` // Потолок длины транскрипции в токенах

	// Диагностика
	DisableKVCache bool `yaml:"disableKvCache"`
	LogSteps       bool `yaml:"logSteps"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		ModelsDir: filepath.Join("data", "models"),
		Port:      "8080",
	}
}

// Load читает настройки: сначала YAML-файл (если задан и существует),
// затем явно переданные флаги поверх него
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("aivoice", flag.ExitOnError)
	settingsPath := fs.String("settings", "", "Path to YAML settings file")
	modelsDir := fs.String("models", cfg.ModelsDir, "Directory with downloaded models")
	modelID := fs.String("model", cfg.ModelID, "Model ID to load on startup")
	port := fs.String("port", cfg.Port, "Server port")
	language := fs.String("language", cfg.Language, "Transcription language (empty = auto)")
	maxTokens := fs.Int("max-tokens", cfg.MaxTokens, "Token budget per transcription (0 = default)")
	disableCache := fs.Bool("disable-kv-cache", cfg.DisableKVCache, "Recompute full sequence on every decode step")
	logSteps := fs.Bool("log-steps", cfg.LogSteps, "Log every decode step")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *settingsPath != "" {
		if err := cfg.loadFile(*settingsPath); err != nil {
			return nil, err
		}
	}

	// Явно переданные флаги перекрывают файл
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "models":
			cfg.ModelsDir = *modelsDir
		case "model":
			cfg.ModelID = *modelID
		case "port":
			cfg.Port = *port
		case "language":
			cfg.Language = *language
		case "max-tokens":
			cfg.MaxTokens = *maxTokens
		case "disable-kv-cache":
			cfg.DisableKVCache = *disableCache
		case "log-steps":
			cfg.LogSteps = *logSteps
		}
	})

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse settings file: %w", err)
	}
	return nil
}
