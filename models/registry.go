// Package models предоставляет загрузку конфигурации, весов и
// реестр вариантов модели Qwen3-ASR
package models

// EngineType тип движка транскрипции
type EngineType string

const (
	// EngineTypeQwen3ASR - нативный движок Qwen3-ASR
	EngineTypeQwen3ASR EngineType = "qwen3-asr"
)

// ModelInfo информация о варианте модели
type ModelInfo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Engine      EngineType `json:"engine"`
	Size        string     `json:"size"`
	SizeBytes   int64      `json:"sizeBytes"`
	Description string     `json:"description"`
	Languages   []string   `json:"languages"`
	Recommended bool       `json:"recommended,omitempty"`
	RepoID      string     `json:"repoId,omitempty"` // HuggingFace repo (скачивает внешний слой)
}

// ModelStatus статус модели на устройстве
type ModelStatus string

const (
	ModelStatusNotDownloaded ModelStatus = "not_downloaded"
	ModelStatusDownloaded    ModelStatus = "downloaded"
	ModelStatusLoading       ModelStatus = "loading"
	ModelStatusActive        ModelStatus = "active"
	ModelStatusError         ModelStatus = "error"
)

// ModelState состояние модели с информацией
type ModelState struct {
	ModelInfo
	Status   ModelStatus `json:"status"`
	Progress float64     `json:"progress,omitempty"` // 0-100
	Error    string      `json:"error,omitempty"`
	Path     string      `json:"path,omitempty"` // Директория модели на диске
}

// Registry реестр доступных вариантов модели
var Registry = []ModelInfo{
	{
		ID:          "qwen3-asr-0.6b",
		Name:        "Qwen3-ASR 0.6B",
		Engine:      EngineTypeQwen3ASR,
		Size:        "1.2 GB",
		SizeBytes:   1_271_398_400,
		Description: "Компактная модель, быстрая загрузка",
		Languages:   []string{"multi"},
		RepoID:      "Qwen/Qwen3-ASR-0.6B",
	},
	{
		ID:          "qwen3-asr-1.7b",
		Name:        "Qwen3-ASR 1.7B",
		Engine:      EngineTypeQwen3ASR,
		Size:        "3.4 GB",
		SizeBytes:   3_650_722_304,
		Description: "Лучшее качество распознавания, рекомендуется",
		Languages:   []string{"multi"},
		Recommended: true,
		RepoID:      "Qwen/Qwen3-ASR-1.7B",
	},
}

// GetModelByID возвращает информацию о модели по ID
func GetModelByID(id string) *ModelInfo {
	for i := range Registry {
		if Registry[i].ID == id {
			return &Registry[i]
		}
	}
	return nil
}

// DefaultModelID возвращает ID рекомендуемой модели
func DefaultModelID() string {
	for _, info := range Registry {
		if info.Recommended {
			return info.ID
		}
	}
	return Registry[0].ID
}
