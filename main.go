package main

import (
	"log"
	"os"

	"aivoice/ai"
	"aivoice/audio"
	"aivoice/internal/api"
	"aivoice/internal/config"
	"aivoice/models"
)

func main() {
	log.Println("AIVoice backend starting...")

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Ошибка конфигурации: %v", err)
	}
	log.Printf("Models directory: %s", cfg.ModelsDir)

	modelMgr, err := models.NewManager(cfg.ModelsDir)
	if err != nil {
		log.Fatalf("Ошибка менеджера моделей: %v", err)
	}

	engineMgr := ai.NewEngineManager(modelMgr, ai.EngineOptions{
		MaxTokens: cfg.MaxTokens,
		Language:  cfg.Language,
		Debug: ai.DebugOptions{
			DisableKVCache: cfg.DisableKVCache,
			LogSteps:       cfg.LogSteps,
		},
	})

	// Загрузка стартовой модели не критична: демон работает и без неё,
	// клиент может выбрать модель позже через set_active_model
	if cfg.ModelID != "" {
		log.Printf("Загрузка модели %s...", cfg.ModelID)
		if err := engineMgr.SetActiveModel(cfg.ModelID); err != nil {
			log.Printf("Предупреждение: модель не загружена: %v", err)
		}
	}

	// Микрофон опционален: на серверах без аудиоустройств демон
	// продолжает обслуживать транскрипцию файлов и PCM
	capture, err := audio.NewCapture()
	if err != nil {
		log.Printf("Предупреждение: аудиозахват недоступен: %v", err)
		capture = nil
	} else {
		defer capture.Close()
	}

	server := api.NewServer(cfg, engineMgr, modelMgr, capture)
	if err := server.Start(); err != nil {
		log.Fatalf("Ошибка сервера: %v", err)
	}
}
