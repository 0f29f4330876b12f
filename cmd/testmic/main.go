// Тест захвата микрофона: запись до Ctrl+C, затем транскрипция
//
// Запуск: go run ./cmd/testmic -models data/models -model qwen3-asr-1.7b

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
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
	device := flag.String("device", "", "Capture device name (empty = default)")
	wavOut := flag.String("wav", "", "Save recording to WAV file")
	listDevices := flag.Bool("list", false, "List capture devices and exit")
	flag.Parse()

	capture, err := audio.NewCapture()
	if err != nil {
		log.Fatalf("Ошибка инициализации аудио: %v", err)
	}
	defer capture.Close()

	if *listDevices {
		devices, err := capture.ListDevices()
		if err != nil {
			log.Fatalf("Ошибка перечисления устройств: %v", err)
		}
		for _, d := range devices {
			log.Printf("  %s", d.Name)
		}
		return
	}

	if *device != "" {
		if err := selectDeviceByName(capture, *device); err != nil {
			log.Fatalf("Ошибка выбора устройства: %v", err)
		}
	}

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
		OnLoadProgress: func(stage ai.LoadStage) {
			log.Printf("Загрузка: %s", stage)
		},
	})
	if err != nil {
		log.Fatalf("Ошибка загрузки движка: %v", err)
	}
	defer engine.Close()

	if err := capture.Start(); err != nil {
		log.Fatalf("Ошибка старта записи: %v", err)
	}
	log.Println("Запись... Нажмите Ctrl+C для остановки")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var recorded []float32
	levelTick := time.NewTicker(time.Second)
	defer levelTick.Stop()

loop:
	for {
		select {
		case chunk := <-capture.Samples():
			recorded = append(recorded, chunk...)
		case <-levelTick.C:
			tail := recorded
			if len(tail) > audio.CaptureSampleRate {
				tail = tail[len(tail)-audio.CaptureSampleRate:]
			}
			log.Printf("  %.1f сек, уровень %.3f",
				float64(len(recorded))/float64(audio.CaptureSampleRate), audio.Level(tail))
		case <-sigCh:
			break loop
		}
	}

	capture.Stop()
	// Добираем то, что драйвер успел положить в канал до остановки
drain:
	for {
		select {
		case chunk := <-capture.Samples():
			recorded = append(recorded, chunk...)
		default:
			break drain
		}
	}

	log.Printf("Записано %.1f сек", float64(len(recorded))/float64(audio.CaptureSampleRate))
	if len(recorded) == 0 {
		log.Fatal("Пустая запись")
	}

	if *wavOut != "" {
		if err := audio.SaveWAV(*wavOut, recorded, audio.CaptureSampleRate); err != nil {
			log.Printf("Предупреждение: сохранение WAV: %v", err)
		} else {
			log.Printf("Запись сохранена: %s", *wavOut)
		}
	}

	start := time.Now()
	text, err := engine.TranscribeContext(context.Background(), recorded, audio.CaptureSampleRate)
	if err != nil {
		log.Fatalf("Ошибка транскрипции: %v", err)
	}
	log.Printf("Готово за %s", time.Since(start).Round(time.Millisecond))
	log.Println("=== Результат ===")
	os.Stdout.WriteString(text + "\n")
}

// selectDeviceByName выбирает устройство захвата по частичному совпадению имени
func selectDeviceByName(capture *audio.Capture, name string) error {
	devices, err := capture.ListDevices()
	if err != nil {
		return err
	}
	nameLower := strings.ToLower(name)
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), nameLower) {
			return capture.SetDevice(d.ID)
		}
	}
	return fmt.Errorf("device not found: %s", name)
}
