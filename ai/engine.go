// Package ai предоставляет конвейер транскрипции Qwen3-ASR:
// извлечение признаков, аудио-энкодер, языковую модель и движок,
// связывающий их в операцию transcribe
package ai

import "context"

// TranscriptionEngine интерфейс движка транскрипции
type TranscriptionEngine interface {
	// Transcribe транскрибирует записанный клип и возвращает текст.
	// samples - mono float32, sampleRate - фактическая частота записи
	// (при отличии от целевой выполняется ресемплинг)
	Transcribe(samples []float32, sampleRate int) (string, error)

	// TranscribeContext то же с кооперативной отменой между шагами
	// декодирования
	TranscribeContext(ctx context.Context, samples []float32, sampleRate int) (string, error)

	// SetLanguage устанавливает язык вывода ("" = автоопределение)
	SetLanguage(lang string)

	// Status возвращает текущее состояние движка без блокировки
	// на идущем инференсе
	Status() EngineStatus

	// Close освобождает ресурсы движка
	Close()

	// Name возвращает имя движка (для логирования)
	Name() string

	// SupportedLanguages возвращает список поддерживаемых языков
	SupportedLanguages() []string
}

// LoadStage этап загрузки модели (для отображения прогресса)
type LoadStage string

const (
	LoadStageConfig    LoadStage = "loading_config"
	LoadStageWeights   LoadStage = "loading_weights"
	LoadStageTokenizer LoadStage = "loading_tokenizer"
	LoadStageBuilding  LoadStage = "building_architecture"
	LoadStageApplying  LoadStage = "applying_weights"
	LoadStageReady     LoadStage = "ready"
)

// EngineState состояние движка
type EngineState string

const (
	EngineStateLoading      EngineState = "loading"
	EngineStateReady        EngineState = "ready"
	EngineStateTranscribing EngineState = "transcribing"
	EngineStateError        EngineState = "error"
	EngineStateClosed       EngineState = "closed"
)

// EngineStatus снимок состояния движка
type EngineStatus struct {
	State     EngineState `json:"state"`
	LoadStage LoadStage   `json:"loadStage,omitempty"`
	ModelID   string      `json:"modelId,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// LoadProgressFunc уведомление о прохождении этапа загрузки
type LoadProgressFunc func(stage LoadStage)
