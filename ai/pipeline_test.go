package ai

import (
	"context"
	"strings"
	"testing"
)

// TestSinePipelineEndToEnd прогоняет секунду синуса 440 Гц через весь
// конвейер на крошечной случайной модели: mel -> энкодер -> слияние ->
// жадное декодирование. Осмысленного текста от случайных весов нет,
// но конвейер обязан сойтись по размерностям, завершиться в пределах
// бюджета токенов и вернуть строку без ошибки.
func TestSinePipelineEndToEnd(t *testing.T) {
	audioCfg := tinyAudioConfig()
	textCfg := tinyTextConfig()
	// Ширина выхода энкодера обязана совпасть с hidden декодера,
	// иначе слияние эмбеддингов невозможно
	audioCfg.OutputDim = textCfg.HiddenSize

	mel := NewMelProcessor(MelConfig{
		SampleRate: 16000,
		NMels:      audioCfg.NumMelBins,
		HopLength:  160,
		NFFT:       400,
	})
	enc, err := NewAudioEncoder(audioCfg, randomWeights(audioEncoderSlots(audioCfg), 21))
	if err != nil {
		t.Fatalf("NewAudioEncoder: %v", err)
	}
	lm := newTinyLM(t, textCfg, 22)
	g := NewGenerator(lm, mockTokenizer{})

	samples := sineWave(440, 16000, 16000)
	features, frames := mel.Compute(samples)
	if frames != 100 {
		t.Fatalf("frames = %d, expected 100 for 1 second at hop 160", frames)
	}

	emb, err := enc.Encode(features)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if emb.Rows() == 0 {
		t.Fatal("encoder produced no embeddings")
	}
	if emb.Cols() != textCfg.HiddenSize {
		t.Fatalf("embedding width = %d, expected %d", emb.Cols(), textCfg.HiddenSize)
	}

	const maxTokens = 16
	text, err := g.Generate(context.Background(), emb, GenerateOptions{
		MinTokens: 1,
		MaxTokens: maxTokens,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if n := len(strings.Fields(text)); n > maxTokens {
		t.Errorf("generated %d tokens, budget is %d", n, maxTokens)
	}
}
