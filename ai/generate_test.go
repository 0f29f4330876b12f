package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"testing"

	"aivoice/tensor"
)

const (
	mockAudioID   = 1
	mockStopID    = 2
	mockASRTextID = 3
)

// mockTokenizer детерминированный токенизатор для тестов цикла
// генерации: плейсхолдеры считаются по подстрокам, декодирование
// печатает ID
type mockTokenizer struct{}

func (mockTokenizer) Encode(text string) ([]int, error) {
	ids := []int{10}
	for i := 0; i < strings.Count(text, tokenAudio); i++ {
		ids = append(ids, mockAudioID)
	}
	ids = append(ids, 11)
	return ids, nil
}

func (mockTokenizer) Decode(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("t%d", id)
	}
	return strings.Join(parts, " ")
}

func (mockTokenizer) AudioTokenID() int      { return mockAudioID }
func (mockTokenizer) IsStopToken(id int) bool { return id == mockStopID }
func (mockTokenizer) ASRTextID() int          { return mockASRTextID }

// scriptedModel декодер, возвращающий заранее заданные логиты по
// одному набору на каждый прямой проход; последний набор повторяется
type scriptedModel struct {
	hidden   int
	logits   [][]float32
	calls    int
	rowsSeen []int
}

func (m *scriptedModel) EmbedTokens(ids []int) (*tensor.Tensor, error) {
	out := tensor.New(len(ids), m.hidden)
	for i, id := range ids {
		out.Row(i)[0] = float32(id)
	}
	return out, nil
}

func (m *scriptedModel) ForwardEmbeddings(x *tensor.Tensor, cache *KVCache) ([]float32, error) {
	m.rowsSeen = append(m.rowsSeen, x.Rows())
	idx := m.calls
	if idx >= len(m.logits) {
		idx = len(m.logits) - 1
	}
	m.calls++
	return append([]float32(nil), m.logits[idx]...), nil
}

func (m *scriptedModel) NewCache(step int) *KVCache {
	return NewKVCache(1, 1, 1, step)
}

func (m *scriptedModel) HiddenSize() int { return m.hidden }

// logitsFor возвращает вектор логитов с argmax на заданном токене
func logitsFor(vocab, best int) []float32 {
	v := make([]float32, vocab)
	for i := range v {
		v[i] = -1
	}
	v[best] = 5
	return v
}

func newScriptedGenerator(script ...[]float32) (*Generator, *scriptedModel) {
	m := &scriptedModel{hidden: 4, logits: script}
	return NewGenerator(m, mockTokenizer{}), m
}

// TestBuildPrompt проверяет сборку chat-шаблона
func TestBuildPrompt(t *testing.T) {
	p := buildPrompt(3, "", "context here")

	if n := strings.Count(p, tokenAudio); n != 3 {
		t.Errorf("audio placeholders = %d, expected 3", n)
	}
	for _, part := range []string{"system\n", "user\n", "assistant\n", "context here", tokenAudioBOS, tokenAudioEOS} {
		if !strings.Contains(p, part) {
			t.Errorf("prompt is missing %q", part)
		}
	}
	if strings.Contains(p, "language:") {
		t.Error("language tag present without language")
	}

	// Язык фиксируется тегом в реплике ассистента
	p = buildPrompt(1, "ru", "")
	if !strings.Contains(p, "language: ru"+tokenASRText) {
		t.Error("language tag missing")
	}

	// Вырожденная длина аудио клампится до одного плейсхолдера
	p = buildPrompt(0, "", "")
	if n := strings.Count(p, tokenAudio); n != 1 {
		t.Errorf("audio placeholders for empty audio = %d, expected 1", n)
	}
}

// TestMergeAudioEmbeddings проверяет слияние один-к-одному слева направо
// с клампом min(плейсхолдеры, длина аудио) в обе стороны
func TestMergeAudioEmbeddings(t *testing.T) {
	makeBase := func(ids []int) *tensor.Tensor {
		base := tensor.New(len(ids), 4)
		for i := range ids {
			for j := 0; j < 4; j++ {
				base.Row(i)[j] = float32(i)
			}
		}
		return base
	}
	makeAudio := func(rows int) *tensor.Tensor {
		audio := tensor.New(rows, 4)
		for i := 0; i < rows; i++ {
			for j := 0; j < 4; j++ {
				audio.Row(i)[j] = float32(100 + i)
			}
		}
		return audio
	}

	t.Run("audio shorter than placeholders", func(t *testing.T) {
		ids := []int{9, mockAudioID, mockAudioID, 9, mockAudioID}
		base := makeBase(ids)
		merged := mergeAudioEmbeddings(base, ids, makeAudio(2), mockAudioID)

		if merged != 2 {
			t.Fatalf("merged = %d, expected 2", merged)
		}
		if base.Row(1)[0] != 100 || base.Row(2)[0] != 101 {
			t.Error("first placeholders did not receive audio rows in order")
		}
		if base.Row(4)[0] != 4 {
			t.Error("placeholder past audio length was overwritten")
		}
		if base.Row(0)[0] != 0 || base.Row(3)[0] != 3 {
			t.Error("non-placeholder rows were touched")
		}
	})

	t.Run("placeholders shorter than audio", func(t *testing.T) {
		ids := []int{mockAudioID, 9, mockAudioID}
		base := makeBase(ids)
		merged := mergeAudioEmbeddings(base, ids, makeAudio(5), mockAudioID)

		if merged != 2 {
			t.Fatalf("merged = %d, expected 2", merged)
		}
		if base.Row(0)[0] != 100 || base.Row(2)[0] != 101 {
			t.Error("placeholders did not receive leading audio rows")
		}
	})

	t.Run("exact match", func(t *testing.T) {
		ids := []int{mockAudioID, mockAudioID}
		base := makeBase(ids)
		if merged := mergeAudioEmbeddings(base, ids, makeAudio(2), mockAudioID); merged != 2 {
			t.Fatalf("merged = %d, expected 2", merged)
		}
	})
}

func audioRows(rows int) *tensor.Tensor {
	return tensor.New(rows, 4)
}

// TestGenerateStopsAtStopToken проверяет остановку по стоп-токену
func TestGenerateStopsAtStopToken(t *testing.T) {
	const vocab = 12
	g, _ := newScriptedGenerator(
		logitsFor(vocab, 4),
		logitsFor(vocab, 5),
		logitsFor(vocab, mockStopID),
	)

	text, err := g.Generate(context.Background(), audioRows(2), GenerateOptions{MinTokens: 1})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "t4 t5" {
		t.Errorf("text = %q, expected \"t4 t5\"", text)
	}
}

// TestGenerateMinTokensGuard проверяет подавление преждевременного
// стопа: пока минимум не набран, берётся лучший не-стоп кандидат
func TestGenerateMinTokensGuard(t *testing.T) {
	// Стоп всегда argmax, токен 7 — лучший среди не-стопов
	script := make([]float32, 12)
	script[mockStopID] = 9
	script[7] = 5

	g, _ := newScriptedGenerator(script)

	text, err := g.Generate(context.Background(), audioRows(1), GenerateOptions{MinTokens: 3, RepeatThreshold: 100})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// Три подавленных шага, затем стоп разрешён
	if text != "t7 t7 t7" {
		t.Errorf("text = %q, expected \"t7 t7 t7\"", text)
	}
}

// TestGenerateRepeatCircuitBreaker проверяет предохранитель от
// зацикливания: ровно threshold одинаковых токенов подряд
func TestGenerateRepeatCircuitBreaker(t *testing.T) {
	g, _ := newScriptedGenerator(logitsFor(12, 5))

	text, err := g.Generate(context.Background(), audioRows(1), GenerateOptions{
		MinTokens:       1,
		RepeatThreshold: 4,
		MaxTokens:       100,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "t5 t5 t5 t5" {
		t.Errorf("text = %q, expected 4 repeated tokens", text)
	}
}

// TestGenerateMaxTokensBudget проверяет жёсткий потолок длины
func TestGenerateMaxTokensBudget(t *testing.T) {
	// Чередование токенов, чтобы не сработал предохранитель повторов
	var script [][]float32
	for i := 0; i < 20; i++ {
		script = append(script, logitsFor(12, 4+i%2))
	}
	g, _ := newScriptedGenerator(script...)

	text, err := g.Generate(context.Background(), audioRows(1), GenerateOptions{
		MinTokens: 1,
		MaxTokens: 6,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := len(strings.Fields(text)); got != 6 {
		t.Errorf("generated %d tokens, expected 6", got)
	}
}

// TestGenerateCancellation проверяет кооперативную отмену: отменённый
// контекст возвращает накопленный частичный результат без ошибки
func TestGenerateCancellation(t *testing.T) {
	g, _ := newScriptedGenerator(logitsFor(12, 4))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	text, err := g.Generate(ctx, audioRows(1), GenerateOptions{MinTokens: 1})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "" {
		t.Errorf("text = %q, expected empty partial result", text)
	}
}

// TestGenerateLanguageTagSkipped проверяет что самостоятельно выданный
// моделью тег языка отрезается по маркеру начала транскрипции
func TestGenerateLanguageTagSkipped(t *testing.T) {
	const vocab = 12
	g, _ := newScriptedGenerator(
		logitsFor(vocab, 7),
		logitsFor(vocab, mockASRTextID),
		logitsFor(vocab, 5),
		logitsFor(vocab, mockStopID),
	)

	text, err := g.Generate(context.Background(), audioRows(1), GenerateOptions{MinTokens: 1})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "t5" {
		t.Errorf("text = %q, expected \"t5\"", text)
	}
}

// TestGenerateWidthMismatch проверяет что несовпадение ширины аудио-
// эмбеддингов с текстовыми — типизированная ошибка
func TestGenerateWidthMismatch(t *testing.T) {
	g, _ := newScriptedGenerator(logitsFor(12, mockStopID))

	wide := tensor.New(2, 8) // hidden у мока = 4
	_, err := g.Generate(context.Background(), wide, GenerateOptions{})
	if err == nil {
		t.Fatal("expected width mismatch error")
	}
	var infErr *InferenceError
	if !errors.As(err, &infErr) {
		t.Errorf("error type = %T, expected *InferenceError", err)
	}
}

// TestGenerateNoKVCache проверяет режим полного пересчёта: модель
// видит растущую последовательность целиком на каждом шаге
func TestGenerateNoKVCache(t *testing.T) {
	const vocab = 12
	script := [][]float32{
		logitsFor(vocab, 4),
		logitsFor(vocab, 5),
		logitsFor(vocab, mockStopID),
	}

	cached, mCached := newScriptedGenerator(script...)
	textCached, err := cached.Generate(context.Background(), audioRows(2), GenerateOptions{MinTokens: 1})
	if err != nil {
		t.Fatal(err)
	}

	full, mFull := newScriptedGenerator(script...)
	textFull, err := full.Generate(context.Background(), audioRows(2), GenerateOptions{
		MinTokens: 1,
		Debug:     DebugOptions{DisableKVCache: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	if textCached != textFull {
		t.Errorf("cached %q != full recompute %q", textCached, textFull)
	}

	// Промпт мока: 2 служебных токена + 2 плейсхолдера = 4 позиции
	wantCached := []int{4, 1, 1}
	wantFull := []int{4, 5, 6}
	for i := range wantCached {
		if mCached.rowsSeen[i] != wantCached[i] {
			t.Errorf("cached step %d saw %d rows, expected %d", i, mCached.rowsSeen[i], wantCached[i])
		}
		if mFull.rowsSeen[i] != wantFull[i] {
			t.Errorf("full step %d saw %d rows, expected %d", i, mFull.rowsSeen[i], wantFull[i])
		}
	}
}

// TestGenerateNoKVCacheRealModel проверяет эквивалентность режимов на
// настоящем декодере: полный пересчёт растущей последовательности
// обязан давать ту же транскрипцию, что и декодирование с кэшем.
// Мок здесь не годится — расхождение возникает, только если прямой
// проход портит последовательность эмбеддингов вызывающего.
func TestGenerateNoKVCacheRealModel(t *testing.T) {
	cfg := tinyTextConfig()

	run := func(disableCache bool) string {
		lm := newTinyLM(t, cfg, 13)
		g := NewGenerator(lm, mockTokenizer{})

		audio := tensor.New(3, cfg.HiddenSize)
		for i := range audio.Data {
			audio.Data[i] = float32(math.Sin(float64(i)))
		}

		text, err := g.Generate(context.Background(), audio, GenerateOptions{
			MinTokens: 1,
			MaxTokens: 8,
			Debug:     DebugOptions{DisableKVCache: disableCache},
		})
		if err != nil {
			t.Fatalf("Generate(disableCache=%v): %v", disableCache, err)
		}
		return text
	}

	cached := run(false)
	full := run(true)
	if cached != full {
		t.Errorf("cached decode %q != full recompute %q", cached, full)
	}
}

// TestGenerateLogSteps проверяет что диагностический режим пишет
// каждый шаг декодирования в лог
func TestGenerateLogSteps(t *testing.T) {
	g, _ := newScriptedGenerator(
		logitsFor(12, 4),
		logitsFor(12, mockStopID),
	)

	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	if _, err := g.Generate(context.Background(), audioRows(1), GenerateOptions{
		MinTokens: 1,
		Debug:     DebugOptions{LogSteps: true},
	}); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	if !strings.Contains(out, "decode step 0: token 4") {
		t.Errorf("log output missing decode step line:\n%s", out)
	}
}
