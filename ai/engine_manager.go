// Package ai предоставляет EngineManager для управления движками транскрипции
package ai

import (
	"context"
	"fmt"
	"log"
	"sync"

	"aivoice/models"
)

// EngineOptions опции, передаваемые каждому создаваемому движку
type EngineOptions struct {
	MaxTokens int
	Language  string
	Debug     DebugOptions
}

// EngineManager управляет движками транскрипции.
// Позволяет переключаться между моделями реестра; в каждый момент
// времени активен не более чем один движок.
type EngineManager struct {
	modelsManager *models.Manager
	opts          EngineOptions
	onProgress    LoadProgressFunc

	activeEngine  TranscriptionEngine
	activeModelID string
	mu            sync.RWMutex
}

// NewEngineManager создаёт новый менеджер движков
func NewEngineManager(modelsManager *models.Manager, opts EngineOptions) *EngineManager {
	return &EngineManager{
		modelsManager: modelsManager,
		opts:          opts,
	}
}

// SetLoadProgressCallback устанавливает callback этапов загрузки модели
func (em *EngineManager) SetLoadProgressCallback(cb LoadProgressFunc) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.onProgress = cb
}

// GetActiveEngine возвращает активный движок
func (em *EngineManager) GetActiveEngine() TranscriptionEngine {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.activeEngine
}

// GetActiveModelID возвращает ID активной модели
func (em *EngineManager) GetActiveModelID() string {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.activeModelID
}

// SetActiveModel устанавливает активную модель и создаёт соответствующий
// движок. Новый движок строится до того, как трогается старый: при
// ошибке загрузки предыдущая модель остаётся активной и рабочей.
func (em *EngineManager) SetActiveModel(modelID string) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	// Если уже активна эта модель - ничего не делаем
	if em.activeModelID == modelID && em.activeEngine != nil {
		return nil
	}

	modelInfo := models.GetModelByID(modelID)
	if modelInfo == nil {
		return fmt.Errorf("unknown model: %s", modelID)
	}

	if !em.modelsManager.IsModelDownloaded(modelID) {
		return fmt.Errorf("model %s is not downloaded", modelID)
	}

	newEngine, err := em.createEngine(modelID, modelInfo)
	if err != nil {
		return err
	}

	// Закрываем старый движок только после успешной загрузки нового
	if em.activeEngine != nil {
		em.activeEngine.Close()
	}

	em.activeEngine = newEngine
	em.activeModelID = modelID

	if err := em.modelsManager.SetActiveModel(modelID); err != nil {
		log.Printf("Warning: failed to set active model in models manager: %v", err)
	}

	log.Printf("EngineManager: switched to model %s (engine: %s)", modelID, modelInfo.Engine)
	return nil
}

func (em *EngineManager) createEngine(modelID string, modelInfo *models.ModelInfo) (TranscriptionEngine, error) {
	switch modelInfo.Engine {
	case models.EngineTypeQwen3ASR:
		engine, err := NewQwen3ASREngine(QwenEngineConfig{
			ModelID:        modelID,
			ModelDir:       em.modelsManager.GetModelDir(modelID),
			MaxTokens:      em.opts.MaxTokens,
			Language:       em.opts.Language,
			Debug:          em.opts.Debug,
			OnLoadProgress: em.onProgress,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Qwen3-ASR engine: %w", err)
		}
		return engine, nil

	default:
		return nil, fmt.Errorf("unsupported engine type: %s", modelInfo.Engine)
	}
}

// SetLanguage устанавливает язык вывода. Запоминается в опциях,
// чтобы пережить переключение модели
func (em *EngineManager) SetLanguage(lang string) {
	em.mu.Lock()
	em.opts.Language = lang
	engine := em.activeEngine
	em.mu.Unlock()

	if engine != nil {
		engine.SetLanguage(lang)
	}
}

// Language возвращает текущий язык вывода ("" = автоопределение)
func (em *EngineManager) Language() string {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.opts.Language
}

// Transcribe транскрибирует аудио через активный движок
func (em *EngineManager) Transcribe(samples []float32, sampleRate int) (string, error) {
	return em.TranscribeContext(context.Background(), samples, sampleRate)
}

// TranscribeContext транскрибирует аудио через активный движок с отменой
func (em *EngineManager) TranscribeContext(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	em.mu.RLock()
	engine := em.activeEngine
	em.mu.RUnlock()

	if engine == nil {
		return "", ErrNotReady
	}

	return engine.TranscribeContext(ctx, samples, sampleRate)
}

// EngineInfo возвращает информацию об активном движке
func (em *EngineManager) EngineInfo() map[string]interface{} {
	em.mu.RLock()
	defer em.mu.RUnlock()

	info := map[string]interface{}{
		"activeModelID": em.activeModelID,
		"hasEngine":     em.activeEngine != nil,
	}

	if em.activeEngine != nil {
		info["engineName"] = em.activeEngine.Name()
		info["supportedLanguages"] = em.activeEngine.SupportedLanguages()
		info["status"] = em.activeEngine.Status()
	}

	return info
}

// Close закрывает активный движок
func (em *EngineManager) Close() {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.activeEngine != nil {
		em.activeEngine.Close()
		em.activeEngine = nil
	}
	em.activeModelID = ""
}
