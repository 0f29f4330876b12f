package models

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ProgressCallback функция обратного вызова для статуса модели
type ProgressCallback func(modelID string, progress float64, status ModelStatus, err error)

// Имена файлов внутри директории модели. Скачивание и кэширование
// выполняет внешний слой; менеджер только проверяет наличие на диске.
const (
	ConfigFileName    = "config.json"
	TokenizerFileName = "tokenizer.json"
	weightsGlob       = "*.safetensors"
)

// Manager менеджер локальных моделей: раскладка на диске, активная
// модель, уведомления о статусе
type Manager struct {
	modelsDir   string
	activeModel string
	mu          sync.RWMutex
	onProgress  ProgressCallback
}

// NewManager создаёт новый менеджер моделей
func NewManager(modelsDir string) (*Manager, error) {
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}
	return &Manager{modelsDir: modelsDir}, nil
}

// SetProgressCallback устанавливает callback для статуса
func (m *Manager) SetProgressCallback(cb ProgressCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onProgress = cb
}

// NotifyProgress рассылает статус модели подписчику
func (m *Manager) NotifyProgress(modelID string, progress float64, status ModelStatus, err error) {
	m.mu.RLock()
	cb := m.onProgress
	m.mu.RUnlock()
	if cb != nil {
		cb(modelID, progress, status, err)
	}
}

// GetModelsDir возвращает путь к директории моделей
func (m *Manager) GetModelsDir() string {
	return m.modelsDir
}

// GetModelDir возвращает директорию модели
func (m *Manager) GetModelDir(modelID string) string {
	return filepath.Join(m.modelsDir, modelID)
}

// ConfigPath возвращает путь к config.json модели
func (m *Manager) ConfigPath(modelID string) string {
	return filepath.Join(m.GetModelDir(modelID), ConfigFileName)
}

// TokenizerPath возвращает путь к tokenizer.json модели
func (m *Manager) TokenizerPath(modelID string) string {
	return filepath.Join(m.GetModelDir(modelID), TokenizerFileName)
}

// WeightFiles возвращает отсортированный список файлов весов модели
func (m *Manager) WeightFiles(modelID string) ([]string, error) {
	return GlobWeightFiles(m.GetModelDir(modelID))
}

// GlobWeightFiles возвращает отсортированный список *.safetensors в директории
func GlobWeightFiles(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, weightsGlob))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// IsModelDownloaded проверяет, что все файлы модели есть на диске
func (m *Manager) IsModelDownloaded(modelID string) bool {
	if GetModelByID(modelID) == nil {
		return false
	}

	for _, path := range []string{m.ConfigPath(modelID), m.TokenizerPath(modelID)} {
		if stat, err := os.Stat(path); err != nil || stat.Size() == 0 {
			return false
		}
	}

	weights, err := m.WeightFiles(modelID)
	if err != nil || len(weights) == 0 {
		return false
	}
	for _, path := range weights {
		stat, err := os.Stat(path)
		if err != nil || stat.Size() == 0 {
			return false
		}
	}
	return true
}

// GetActiveModel возвращает ID активной модели
func (m *Manager) GetActiveModel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeModel
}

// SetActiveModel устанавливает активную модель
func (m *Manager) SetActiveModel(modelID string) error {
	if !m.IsModelDownloaded(modelID) {
		return fmt.Errorf("model %s is not downloaded", modelID)
	}

	m.mu.Lock()
	m.activeModel = modelID
	m.mu.Unlock()

	log.Printf("Active model set to: %s", modelID)
	return nil
}

// GetAllModelsState возвращает состояние всех моделей
func (m *Manager) GetAllModelsState() []ModelState {
	m.mu.RLock()
	activeModel := m.activeModel
	m.mu.RUnlock()

	states := make([]ModelState, len(Registry))
	for i, info := range Registry {
		state := ModelState{
			ModelInfo: info,
			Path:      m.GetModelDir(info.ID),
		}

		if m.IsModelDownloaded(info.ID) {
			if info.ID == activeModel {
				state.Status = ModelStatusActive
			} else {
				state.Status = ModelStatusDownloaded
			}
		} else {
			state.Status = ModelStatusNotDownloaded
		}

		states[i] = state
	}

	return states
}
