package models

import (
	"encoding/json"
	"fmt"
	"os"
)

// AudioConfig гиперпараметры аудио-энкодера (из config.json модели)
type AudioConfig struct {
	DModel             int `json:"d_model"`              // Ширина скрытого слоя
	EncoderLayers      int `json:"encoder_layers"`       // Количество слоёв
	EncoderHeads       int `json:"encoder_attention_heads"`
	EncoderFFNDim      int `json:"encoder_ffn_dim"`      // Ширина MLP
	NumMelBins         int `json:"num_mel_bins"`         // Mel-фильтры (128)
	DownsampleHidden   int `json:"downsample_hidden_size"` // Каналы conv фронтенда
	MaxSourcePositions int `json:"max_source_positions"` // Предел синусоидальных позиций
	NWindow            int `json:"n_window"`             // Базовое окно: conv-чанк = 2*NWindow фреймов
	NWindowInfer       int `json:"n_window_infer"`       // Окно attention-блоков (в фреймах)
	OutputDim          int `json:"output_dim"`           // Ширина эмбеддингов для LLM
	ConvChunkSize      int `json:"conv_chunksize"`       // Размер чанка для conv фронтенда
}

// TextConfig гиперпараметры декодера (из config.json модели)
type TextConfig struct {
	HiddenSize       int     `json:"hidden_size"`
	NumLayers        int     `json:"num_hidden_layers"`
	NumHeads         int     `json:"num_attention_heads"`
	NumKVHeads       int     `json:"num_key_value_heads"`
	HeadDim          int     `json:"head_dim"` // 0 = HiddenSize/NumHeads
	IntermediateSize int     `json:"intermediate_size"`
	RMSNormEps       float64 `json:"rms_norm_eps"`
	VocabSize        int     `json:"vocab_size"`
	RopeTheta        float64 `json:"rope_theta"`
	RopeScaling      *struct {
		Factor float64 `json:"factor"`
	} `json:"rope_scaling"`
	TieWordEmbeddings bool `json:"tie_word_embeddings"`
	MaxPositions      int  `json:"max_position_embeddings"`
}

// ModelConfiguration полный JSON-дескриптор модели: две вложенные секции
// для аудио-башни и текстовой башни. Загружается один раз при загрузке
// модели и далее неизменяем.
type ModelConfiguration struct {
	ModelType   string      `json:"model_type"`
	AudioConfig AudioConfig `json:"audio_config"`
	TextConfig  TextConfig  `json:"text_config"`
}

// LoadModelConfiguration читает и проверяет config.json модели
func LoadModelConfiguration(path string) (*ModelConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}

	var cfg ModelConfiguration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет что обязательные гиперпараметры заданы и согласованы
func (c *ModelConfiguration) Validate() error {
	a := &c.AudioConfig
	t := &c.TextConfig

	if a.DModel <= 0 || a.EncoderLayers <= 0 || a.EncoderHeads <= 0 {
		return fmt.Errorf("invalid audio config: d_model=%d, layers=%d, heads=%d",
			a.DModel, a.EncoderLayers, a.EncoderHeads)
	}
	if a.DModel%a.EncoderHeads != 0 {
		return fmt.Errorf("audio d_model %d not divisible by heads %d", a.DModel, a.EncoderHeads)
	}
	if a.NumMelBins <= 0 {
		return fmt.Errorf("invalid num_mel_bins: %d", a.NumMelBins)
	}

	if t.HiddenSize <= 0 || t.NumLayers <= 0 || t.NumHeads <= 0 || t.VocabSize <= 0 {
		return fmt.Errorf("invalid text config: hidden=%d, layers=%d, heads=%d, vocab=%d",
			t.HiddenSize, t.NumLayers, t.NumHeads, t.VocabSize)
	}
	if t.NumKVHeads <= 0 {
		t.NumKVHeads = t.NumHeads
	}
	if t.NumHeads%t.NumKVHeads != 0 {
		return fmt.Errorf("attention heads %d not divisible by kv heads %d", t.NumHeads, t.NumKVHeads)
	}
	if t.HeadDim == 0 {
		t.HeadDim = t.HiddenSize / t.NumHeads
	}
	if t.RMSNormEps == 0 {
		t.RMSNormEps = 1e-6
	}
	if t.RopeTheta == 0 {
		t.RopeTheta = 1000000
	}

	// Дефолты окон энкодера
	if a.NWindow <= 0 {
		a.NWindow = 50
	}
	if a.ConvChunkSize <= 0 {
		a.ConvChunkSize = 2 * a.NWindow
	}
	if a.NWindowInfer <= 0 {
		a.NWindowInfer = 8 * a.NWindow
	}
	if a.OutputDim <= 0 {
		a.OutputDim = t.HiddenSize
	}
	if a.DownsampleHidden <= 0 {
		a.DownsampleHidden = a.DModel
	}
	if a.EncoderFFNDim <= 0 {
		a.EncoderFFNDim = 4 * a.DModel
	}
	if a.MaxSourcePositions <= 0 {
		a.MaxSourcePositions = 1500
	}

	return nil
}
