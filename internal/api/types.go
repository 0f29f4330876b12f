package api

import (
	"aivoice/ai"
	"aivoice/audio"
	"aivoice/models"
)

// Message структура WebSocket сообщения (запросы и ответы в одном типе)
type Message struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`

	// Запросы транскрипции
	RequestID  string `json:"requestId,omitempty"`
	Path       string `json:"path,omitempty"`       // WAV файл на диске
	PCMBase64  string `json:"pcmBase64,omitempty"`  // PCM16 LE, альтернатива файлу
	SampleRate int    `json:"sampleRate,omitempty"` // Частота PCM данных
	Language   string `json:"language,omitempty"`

	// Результат транскрипции
	Text     string  `json:"text,omitempty"`
	Duration float64 `json:"duration,omitempty"` // Секунды аудио

	// Устройства
	Devices []audio.AudioDevice `json:"devices,omitempty"`

	// Модели
	Models   []models.ModelState `json:"models,omitempty"`
	ModelID  string              `json:"modelId,omitempty"`
	Progress float64             `json:"progress,omitempty"`
	Error    string              `json:"error,omitempty"`

	// Статус движка
	Status *StatusInfo `json:"status,omitempty"`
}

// StatusInfo снимок состояния демона для фронтенда
type StatusInfo struct {
	ActiveModelID string         `json:"activeModelId"`
	EngineState   ai.EngineState `json:"engineState"`
	LoadStage     ai.LoadStage   `json:"loadStage,omitempty"`
	EngineError   string         `json:"engineError,omitempty"`
	Language      string         `json:"language,omitempty"`
}
