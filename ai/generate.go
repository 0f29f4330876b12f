package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"aivoice/tensor"
)

// Дефолты декодирования
const (
	DefaultMaxTokens = 448
	// Минимум токенов до того, как стоп-токен разрешён: защита от
	// вырожденной пустой транскрипции первым же шагом
	DefaultMinTokens = 4
	// Предохранитель от зацикливания: столько одинаковых токенов подряд
	// обрывают генерацию
	DefaultRepeatThreshold = 32
)

// DebugOptions явные диагностические переключатели. Передаются в
// конструкторы — численные пути никогда не читают окружение процесса,
// иначе воспроизводимость зависит от env.
type DebugOptions struct {
	DisableKVCache bool // Пересчитывать всю последовательность на каждом шаге
	LogSteps       bool // Логировать каждый шаг декодирования
}

// GenerateOptions параметры одного вызова generate
type GenerateOptions struct {
	Language        string // Тег языка вывода ("" = автоопределение моделью)
	Context         string // Системный контекст (подсказка для модели)
	MaxTokens       int
	MinTokens       int
	RepeatThreshold int
	CacheStep       int
	Debug           DebugOptions
}

func (o *GenerateOptions) fillDefaults() {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.MinTokens <= 0 {
		o.MinTokens = DefaultMinTokens
	}
	if o.RepeatThreshold <= 0 {
		o.RepeatThreshold = DefaultRepeatThreshold
	}
	if o.CacheStep <= 0 {
		o.CacheStep = DefaultCacheStep
	}
}

// decoderModel минимальный интерфейс декодера для цикла генерации.
// Выделен, чтобы стоп-логика тестировалась на мок-моделях.
type decoderModel interface {
	EmbedTokens(ids []int) (*tensor.Tensor, error)
	ForwardEmbeddings(x *tensor.Tensor, cache *KVCache) ([]float32, error)
	NewCache(step int) *KVCache
	HiddenSize() int
}

var _ decoderModel = (*LanguageModel)(nil)

// promptTokenizer минимальный интерфейс токенизатора для цикла
// генерации, по той же причине
type promptTokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) string
	AudioTokenID() int
	IsStopToken(id int) bool
	ASRTextID() int
}

var _ promptTokenizer = (*Tokenizer)(nil)

// Generator контроллер слияния и декодирования: строит мультимодальный
// промпт, сливает аудио-эмбеддинги в текстовые, ведёт жадное
// авторегрессивное декодирование со стоп-условиями
type Generator struct {
	lm  decoderModel
	tok promptTokenizer
}

// NewGenerator создаёт контроллер декодирования
func NewGenerator(lm decoderModel, tok promptTokenizer) *Generator {
	return &Generator{lm: lm, tok: tok}
}

// buildPrompt собирает chat-шаблон: системная реплика с контекстом,
// реплика пользователя с L аудио-плейсхолдерами, начало реплики
// ассистента. Заданный язык вывода фиксируется тегом до маркера
// начала транскрипции.
func buildPrompt(audioLen int, language, systemContext string) string {
	// Вырожденное слияние без единого плейсхолдера недопустимо
	if audioLen < 1 {
		audioLen = 1
	}

	var b strings.Builder
	b.WriteString(tokenIMStart)
	b.WriteString("system\n")
	b.WriteString(systemContext)
	b.WriteString(tokenIMEnd)
	b.WriteString("\n")

	b.WriteString(tokenIMStart)
	b.WriteString("user\n")
	b.WriteString(tokenAudioBOS)
	for i := 0; i < audioLen; i++ {
		b.WriteString(tokenAudio)
	}
	b.WriteString(tokenAudioEOS)
	b.WriteString(tokenIMEnd)
	b.WriteString("\n")

	b.WriteString(tokenIMStart)
	b.WriteString("assistant\n")
	if language != "" {
		b.WriteString("language: ")
		b.WriteString(language)
		b.WriteString(tokenASRText)
	}
	return b.String()
}

// mergeAudioEmbeddings подставляет аудио-эмбеддинги на позиции
// плейсхолдеров слева направо, один к одному, останавливаясь на
// min(количество плейсхолдеров, длина аудио). Несовпадение длин —
// защитный кламп, а не ошибка. Длина последовательности и ширина
// эмбеддингов сохраняются точно; остальные позиции не меняются.
func mergeAudioEmbeddings(base *tensor.Tensor, ids []int, audio *tensor.Tensor, audioTokenID int) int {
	merged := 0
	for i, id := range ids {
		if id != audioTokenID {
			continue
		}
		if merged >= audio.Rows() {
			break
		}
		copy(base.Row(i), audio.Row(merged))
		merged++
	}
	return merged
}

// Generate выполняет полный цикл: промпт -> слияние -> prefill ->
// инкрементальное жадное декодирование -> текст.
// Возвращает пустую строку при нуле сгенерированных токенов
// ("речь не обнаружена" — не ошибка).
func (g *Generator) Generate(ctx context.Context, audioEmb *tensor.Tensor, opts GenerateOptions) (string, error) {
	opts.fillDefaults()

	prompt := buildPrompt(audioEmb.Rows(), opts.Language, opts.Context)
	ids, err := g.tok.Encode(prompt)
	if err != nil {
		return "", &InferenceError{Err: err}
	}
	if len(ids) == 0 {
		return "", &InferenceError{Err: fmt.Errorf("empty prompt token sequence")}
	}

	embeddings, err := g.lm.EmbedTokens(ids)
	if err != nil {
		return "", &InferenceError{Err: err}
	}
	if audioEmb.Rows() > 0 && audioEmb.Cols() != embeddings.Cols() {
		return "", &InferenceError{Err: fmt.Errorf(
			"audio embedding width %d does not match text embedding width %d",
			audioEmb.Cols(), embeddings.Cols())}
	}
	mergeAudioEmbeddings(embeddings, ids, audioEmb, g.tok.AudioTokenID())

	generated, err := g.decodeLoop(ctx, embeddings, opts)
	if err != nil {
		return "", err
	}
	return g.decodeText(generated), nil
}

// decodeLoop жадный цикл: prefill всей слитой последовательности, затем
// по одному токену через растущий KV-кэш (или полный пересчёт в
// режиме без кэша). Между шагами проверяется отмена.
func (g *Generator) decodeLoop(ctx context.Context, embeddings *tensor.Tensor, opts GenerateOptions) ([]int, error) {
	var cache *KVCache
	if !opts.Debug.DisableKVCache {
		cache = g.lm.NewCache(opts.CacheStep)
	}

	// Режим без кэша пересчитывает растущую последовательность целиком
	fullSeq := embeddings

	logits, err := g.forward(embeddings, cache)
	if err != nil {
		return nil, err
	}

	var generated []int
	repeatRun := 0
	lastToken := -1

	for len(generated) < opts.MaxTokens {
		if err := ctx.Err(); err != nil {
			// Кооперативная отмена: возвращаем накопленное без ошибки
			return generated, nil
		}

		next := g.pickToken(logits, len(generated) < opts.MinTokens)
		if opts.Debug.LogSteps {
			log.Printf("decode step %d: token %d (stop=%v)", len(generated), next, g.tok.IsStopToken(next))
		}

		if g.tok.IsStopToken(next) {
			break
		}

		if next == lastToken {
			repeatRun++
			if repeatRun >= opts.RepeatThreshold {
				// Предохранитель от зацикленной генерации
				generated = append(generated, next)
				break
			}
		} else {
			repeatRun = 1
			lastToken = next
		}

		generated = append(generated, next)

		stepEmb, err := g.lm.EmbedTokens([]int{next})
		if err != nil {
			return nil, &InferenceError{Err: err}
		}

		if cache != nil {
			logits, err = g.forward(stepEmb, cache)
		} else {
			fullSeq = appendRows(fullSeq, stepEmb)
			logits, err = g.forward(fullSeq, nil)
		}
		if err != nil {
			return nil, err
		}
	}

	return generated, nil
}

// forward оборачивает прямой проход декодера, переводя ошибки численного
// слоя в типизированные ошибки инференса
func (g *Generator) forward(x *tensor.Tensor, cache *KVCache) ([]float32, error) {
	logits, err := g.lm.ForwardEmbeddings(x, cache)
	if err != nil {
		var resErr *ResourceError
		if errors.As(err, &resErr) {
			return nil, err
		}
		return nil, &InferenceError{Err: err}
	}
	return logits, nil
}

// pickToken выбирает argmax; пока минимум токенов не набран, стоп-токены
// подавляются выбором лучшего кандидата среди не-стопов
func (g *Generator) pickToken(logits []float32, suppressStop bool) int {
	if !suppressStop {
		return tensor.Argmax(logits)
	}

	best := -1
	var bestVal float32
	for id, v := range logits {
		if g.tok.IsStopToken(id) {
			continue
		}
		if best == -1 || v > bestVal {
			best = id
			bestVal = v
		}
	}
	if best == -1 {
		// Словарь целиком из стоп-токенов не встречается; подстраховка
		return tensor.Argmax(logits)
	}
	return best
}

// decodeText превращает сгенерированные токены в текст. Если модель
// сама выдала тег языка до маркера начала транскрипции, текст берётся
// после маркера.
func (g *Generator) decodeText(generated []int) string {
	if len(generated) == 0 {
		return ""
	}
	start := 0
	if asrText := g.tok.ASRTextID(); asrText >= 0 {
		for i, id := range generated {
			if id == asrText {
				start = i + 1
				break
			}
		}
	}
	return g.tok.Decode(generated[start:])
}

// appendRows конкатенирует строки двух 2D тензоров
func appendRows(a, b *tensor.Tensor) *tensor.Tensor {
	cols := a.Cols()
	out := tensor.New(a.Rows()+b.Rows(), cols)
	copy(out.Data, a.Data)
	copy(out.Data[a.Rows()*cols:], b.Data)
	return out
}
