// Тест полного конвейера транскрипции: WAV файл -> текст
//
// Запуск: go run ./cmd/testfull -models data/models -model qwen3-asr-1.7b file.wav

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aivoice/ai"
	"aivoice/audio"
	"aivoice/models"
)

func main() {
	modelsDir := flag.String("models", "data/models", "Directory with downloaded models")
	modelID := flag.String("model", models.DefaultModelID(), "Model ID")
	language := flag.String("language", "", "Transcription language (empty = auto)")
	noCache := flag.Bool("disable-kv-cache", false, "Recompute full sequence on every decode step")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatal("usage: testfull [flags] file.wav")
	}
	wavPath := flag.Arg(0)

	samples, sampleRate, err := audio.LoadWAV(wavPath)
	if err != nil {
		log.Fatalf("Ошибка чтения WAV: %v", err)
	}
	log.Printf("Аудио: %s, %.1f сек, %d Hz", wavPath, float64(len(samples))/float64(sampleRate), sampleRate)

	modelMgr, err := models.NewManager(*modelsDir)
	if err != nil {
		log.Fatalf("Ошибка менеджера моделей: %v", err)
	}
	if !modelMgr.IsModelDownloaded(*modelID) {
		log.Fatalf("Модель %s не найдена в %s", *modelID, *modelsDir)
	}

	engine, err := ai.NewQwen3ASREngine(ai.QwenEngineConfig{
		ModelID:  *modelID,
		ModelDir: modelMgr.GetModelDir(*modelID),
		Language: *language,
		Debug:    ai.DebugOptions{DisableKVCache: *noCache},
		OnLoadProgress: func(stage ai.LoadStage) {
			log.Printf("Загрузка: %s", stage)
		},
	})
	if err != nil {
		log.Fatalf("Ошибка загрузки движка: %v", err)
	}
	defer engine.Close()

	// Ctrl+C отменяет декодирование, частичный результат выводится
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	text, err := engine.TranscribeContext(ctx, samples, sampleRate)
	if err != nil {
		log.Fatalf("Ошибка транскрипции: %v", err)
	}

	log.Printf("Готово за %s", time.Since(start).Round(time.Millisecond))
	log.Println("=== Результат ===")
	os.Stdout.WriteString(text + "\n")
}
