package ai

import (
	"fmt"
	"strings"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Специальные токены шаблона Qwen3-ASR
const (
	tokenIMStart  = "<|im_start|>"
	tokenIMEnd    = "<|im_end|>"
	tokenAudio    = "<|AUDIO|>"
	tokenAudioBOS = "<|audio_bos|>"
	tokenAudioEOS = "<|audio_eos|>"
	tokenEOT      = "<|endoftext|>"
	tokenASRText  = "<asr_text>"
)

// Tokenizer обёртка над HF tokenizer.json: кодирование без автоматических
// служебных токенов (шаблон подставляет свои), декодирование с пропуском
// служебных, разрешение ID специальных токенов модели.
type Tokenizer struct {
	tk *tokenizer.Tokenizer

	audioTokenID int
	imStartID    int
	imEndID      int
	stopIDs      map[int]bool

	// Опциональные токены: -1 если отсутствуют в словаре
	audioBOSID int
	audioEOSID int
	asrTextID  int
}

// LoadTokenizer загружает tokenizer.json и разрешает специальные токены.
// Отсутствие аудио-плейсхолдера или границ диалога — ошибка загрузки:
// без них мультимодальный шаблон построить нельзя.
func LoadTokenizer(path string) (*Tokenizer, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	t := &Tokenizer{
		tk:      tk,
		stopIDs: make(map[int]bool),
	}

	required := map[string]*int{
		tokenAudio:   &t.audioTokenID,
		tokenIMStart: &t.imStartID,
		tokenIMEnd:   &t.imEndID,
	}
	for token, dst := range required {
		id, ok := tk.TokenToId(token)
		if !ok {
			return nil, fmt.Errorf("tokenizer is missing required special token %q", token)
		}
		*dst = id
	}

	optional := map[string]*int{
		tokenAudioBOS: &t.audioBOSID,
		tokenAudioEOS: &t.audioEOSID,
		tokenASRText:  &t.asrTextID,
	}
	for token, dst := range optional {
		if id, ok := tk.TokenToId(token); ok {
			*dst = id
		} else {
			*dst = -1
		}
	}

	// Стоп-токены: конец реплики ассистента и конец текста
	t.stopIDs[t.imEndID] = true
	if id, ok := tk.TokenToId(tokenEOT); ok {
		t.stopIDs[id] = true
	}

	return t, nil
}

// Encode кодирует текст в ID токенов без добавления BOS/EOS:
// шаблон промпта несёт собственные управляющие токены
func (t *Tokenizer) Encode(text string) ([]int, error) {
	encoding, err := t.tk.EncodeSingle(text, false)
	if err != nil {
		return nil, fmt.Errorf("tokenizer encode failed: %w", err)
	}
	return encoding.Ids, nil
}

// Decode декодирует ID токенов обратно в текст, пропуская служебные
// токены, и обрезает окружающие пробелы
func (t *Tokenizer) Decode(ids []int) string {
	return strings.TrimSpace(t.tk.Decode(ids, true))
}

// AudioTokenID возвращает ID аудио-плейсхолдера
func (t *Tokenizer) AudioTokenID() int {
	return t.audioTokenID
}

// ASRTextID возвращает ID маркера начала транскрипции (-1 если
// отсутствует в словаре)
func (t *Tokenizer) ASRTextID() int {
	return t.asrTextID
}

// IsStopToken проверяет, завершает ли токен генерацию
func (t *Tokenizer) IsStopToken(id int) bool {
	return t.stopIDs[id]
}

// StopTokenIDs возвращает множество стоп-токенов
func (t *Tokenizer) StopTokenIDs() map[int]bool {
	return t.stopIDs
}
