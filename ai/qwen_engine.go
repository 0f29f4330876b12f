package ai

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"aivoice/models"
)

// QwenEngineConfig конфигурация движка Qwen3-ASR
type QwenEngineConfig struct {
	ModelID   string
	ModelDir  string // Директория с config.json, tokenizer.json, *.safetensors
	MaxTokens int
	Language  string
	Debug     DebugOptions

	// OnLoadProgress вызывается на каждом этапе загрузки (может быть nil).
	// Загрузка весов занимает секунды, вызывающий показывает прогресс.
	OnLoadProgress LoadProgressFunc
}

// Qwen3ASREngine нативный движок Qwen3-ASR: полный конвейер от PCM до
// текста. Конфигурация и веса после загрузки неизменяемы и безопасно
// разделяются между вызовами; KV-кэш создаётся на каждый вызов заново.
// Транскрипции сериализованы мьютексом: не более одного активного
// инференса на загруженную модель.
type Qwen3ASREngine struct {
	cfg      QwenEngineConfig
	modelCfg *models.ModelConfiguration

	mel     *MelProcessor
	encoder *AudioEncoder
	lm      *LanguageModel
	tok     *Tokenizer
	gen     *Generator

	language string

	mu      sync.Mutex // Сериализует транскрипции
	stateMu sync.RWMutex
	status  EngineStatus
}

// Проверяем что Qwen3ASREngine реализует TranscriptionEngine
var _ TranscriptionEngine = (*Qwen3ASREngine)(nil)

// NewQwen3ASREngine загружает модель из директории и строит конвейер.
// Загрузка длинная (мультигигабайтные веса) — вызывать вне UI-потока.
// При любой ошибке движок остаётся непригодным, загрузку можно
// повторить новым вызовом конструктора.
func NewQwen3ASREngine(cfg QwenEngineConfig) (*Qwen3ASREngine, error) {
	e := &Qwen3ASREngine{
		cfg:      cfg,
		language: cfg.Language,
		status:   EngineStatus{State: EngineStateLoading, ModelID: cfg.ModelID},
	}

	stage := func(s LoadStage) {
		e.setLoadStage(s)
		if cfg.OnLoadProgress != nil {
			cfg.OnLoadProgress(s)
		}
	}

	start := time.Now()

	stage(LoadStageConfig)
	modelCfg, err := models.LoadModelConfiguration(filepath.Join(cfg.ModelDir, models.ConfigFileName))
	if err != nil {
		return nil, e.failLoad("config", err)
	}
	e.modelCfg = modelCfg

	stage(LoadStageWeights)
	weightFiles, err := weightFilesIn(cfg.ModelDir)
	if err != nil {
		return nil, e.failLoad("weights", err)
	}
	raw, err := models.LoadSafetensorsFiles(weightFiles)
	if err != nil {
		return nil, e.failLoad("weights", err)
	}
	weights := models.NewWeightSet(raw)

	stage(LoadStageTokenizer)
	tok, err := LoadTokenizer(filepath.Join(cfg.ModelDir, models.TokenizerFileName))
	if err != nil {
		return nil, e.failLoad("tokenizer", err)
	}
	e.tok = tok

	// Структурная проверка до построения графа: множество ключей весов
	// должно точно совпадать с множеством слотов архитектуры
	stage(LoadStageBuilding)
	expected := append(audioEncoderSlots(modelCfg.AudioConfig), languageModelSlots(modelCfg.TextConfig)...)
	if err := weights.Validate(expected); err != nil {
		return nil, e.failLoad("architecture", err)
	}

	stage(LoadStageApplying)
	encoder, err := NewAudioEncoder(modelCfg.AudioConfig, weights)
	if err != nil {
		return nil, e.failLoad("audio tower", err)
	}
	lm, err := NewLanguageModel(modelCfg.TextConfig, weights)
	if err != nil {
		return nil, e.failLoad("text tower", err)
	}

	e.encoder = encoder
	e.lm = lm
	e.gen = NewGenerator(lm, tok)
	e.mel = NewMelProcessor(MelConfig{
		SampleRate: 16000,
		NMels:      modelCfg.AudioConfig.NumMelBins,
		HopLength:  160,
		NFFT:       400,
	})

	stage(LoadStageReady)
	e.setState(EngineStateReady, "")

	log.Printf("Qwen3-ASR engine loaded: model=%s, weights=%d tensors, took=%s",
		cfg.ModelID, weights.Len(), time.Since(start).Round(time.Millisecond))
	return e, nil
}

func weightFilesIn(dir string) ([]string, error) {
	paths, err := models.GlobWeightFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no weight files found in %s", dir)
	}
	return paths, nil
}

func (e *Qwen3ASREngine) failLoad(stageName string, err error) error {
	loadErr := &LoadError{Stage: stageName, Err: err}
	e.setState(EngineStateError, loadErr.Error())
	return loadErr
}

// Name возвращает имя движка
func (e *Qwen3ASREngine) Name() string {
	return "qwen3-asr"
}

// SupportedLanguages возвращает список поддерживаемых языков
func (e *Qwen3ASREngine) SupportedLanguages() []string {
	return []string{"multi"}
}

// SetLanguage устанавливает язык вывода ("" или "auto" = автоопределение)
func (e *Qwen3ASREngine) SetLanguage(lang string) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if lang == "auto" {
		lang = ""
	}
	e.language = lang
}

// Status возвращает снимок состояния; не блокируется на идущем инференсе
func (e *Qwen3ASREngine) Status() EngineStatus {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.status
}

// Transcribe транскрибирует записанный клип
func (e *Qwen3ASREngine) Transcribe(samples []float32, sampleRate int) (string, error) {
	return e.TranscribeContext(context.Background(), samples, sampleRate)
}

// TranscribeContext транскрибирует клип с кооперативной отменой.
// Записи длиннее одного чанка режутся по минимумам энергии и
// транскрибируются последовательно.
func (e *Qwen3ASREngine) TranscribeContext(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gen == nil {
		return "", ErrNotReady
	}
	if len(samples) == 0 {
		// Пустая запись — не ошибка: речи нет
		return "", nil
	}
	if sampleRate <= 0 {
		return "", &AudioError{Reason: fmt.Sprintf("invalid sample rate %d", sampleRate)}
	}

	e.setState(EngineStateTranscribing, "")
	defer e.setState(EngineStateReady, "")

	// Нарезка выполняется на целевой частоте, чтобы границы чанков
	// совпадали с тем, что увидит feature extractor
	if sampleRate != e.mel.config.SampleRate {
		samples = ResampleLinear(samples, sampleRate, e.mel.config.SampleRate)
		sampleRate = e.mel.config.SampleRate
	}

	chunks := SplitAudio(samples, DefaultChunkerConfig(e.mel.config.SampleRate))

	var parts []string
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			break
		}
		text, err := e.transcribeChunk(ctx, chunk.Samples)
		if err != nil {
			return "", err
		}
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

// transcribeChunk прогоняет один чанк через весь конвейер. Паники
// численного слоя (неожиданные формы) ловятся на границе вызова и
// превращаются в типизированную ошибку: загруженное состояние модели
// не затронуто, движок пригоден для следующего вызова.
func (e *Qwen3ASREngine) transcribeChunk(ctx context.Context, samples []float32) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &InferenceError{Err: fmt.Errorf("numeric backend panic: %v", r)}
		}
	}()

	mel, numFrames := e.mel.Compute(samples)
	if numFrames == 0 {
		return "", nil
	}

	audioEmb, err := e.encoder.Encode(mel)
	if err != nil {
		return "", &InferenceError{Err: err}
	}

	e.stateMu.RLock()
	lang := e.language
	e.stateMu.RUnlock()

	return e.gen.Generate(ctx, audioEmb, GenerateOptions{
		Language:  lang,
		MaxTokens: e.cfg.MaxTokens,
		Debug:     e.cfg.Debug,
	})
}

// Close освобождает ресурсы движка
func (e *Qwen3ASREngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.encoder = nil
	e.lm = nil
	e.gen = nil
	e.tok = nil
	e.setState(EngineStateClosed, "")
}

func (e *Qwen3ASREngine) setState(state EngineState, errMsg string) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.status.State = state
	e.status.Error = errMsg
	if state == EngineStateReady {
		e.status.LoadStage = LoadStageReady
	}
}

func (e *Qwen3ASREngine) setLoadStage(stage LoadStage) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.status.State = EngineStateLoading
	e.status.LoadStage = stage
}
