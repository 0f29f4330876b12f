package models

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigJSON(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadModelConfiguration(t *testing.T) {
	path := writeConfigJSON(t, `{
		"model_type": "qwen3_asr",
		"audio_config": {
			"d_model": 1024, "encoder_layers": 24, "encoder_attention_heads": 16,
			"num_mel_bins": 128, "output_dim": 2048
		},
		"text_config": {
			"hidden_size": 2048, "num_hidden_layers": 28, "num_attention_heads": 16,
			"num_key_value_heads": 8, "head_dim": 128, "intermediate_size": 6144,
			"vocab_size": 151936, "rope_theta": 1000000,
			"rope_scaling": {"factor": 2.0}
		}
	}`)

	cfg, err := LoadModelConfiguration(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ModelType != "qwen3_asr" {
		t.Errorf("model_type = %q", cfg.ModelType)
	}
	if cfg.TextConfig.HeadDim != 128 {
		t.Errorf("head_dim = %d", cfg.TextConfig.HeadDim)
	}
	if cfg.TextConfig.RopeScaling == nil || cfg.TextConfig.RopeScaling.Factor != 2.0 {
		t.Errorf("rope_scaling not parsed: %+v", cfg.TextConfig.RopeScaling)
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := &ModelConfiguration{
		AudioConfig: AudioConfig{DModel: 1024, EncoderLayers: 24, EncoderHeads: 16, NumMelBins: 128},
		TextConfig:  TextConfig{HiddenSize: 2048, NumLayers: 28, NumHeads: 16, VocabSize: 151936},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	a, tc := cfg.AudioConfig, cfg.TextConfig
	if tc.NumKVHeads != 16 {
		t.Errorf("NumKVHeads default = %d, want NumHeads", tc.NumKVHeads)
	}
	if tc.HeadDim != 2048/16 {
		t.Errorf("HeadDim default = %d", tc.HeadDim)
	}
	if tc.RMSNormEps != 1e-6 || tc.RopeTheta != 1000000 {
		t.Errorf("eps/theta defaults: %v, %v", tc.RMSNormEps, tc.RopeTheta)
	}
	if a.NWindow != 50 || a.ConvChunkSize != 100 || a.NWindowInfer != 400 {
		t.Errorf("window defaults: n=%d, chunk=%d, infer=%d", a.NWindow, a.ConvChunkSize, a.NWindowInfer)
	}
	if a.OutputDim != 2048 {
		t.Errorf("OutputDim default = %d, want text hidden size", a.OutputDim)
	}
	if a.EncoderFFNDim != 4096 || a.MaxSourcePositions != 1500 {
		t.Errorf("ffn/positions defaults: %d, %d", a.EncoderFFNDim, a.MaxSourcePositions)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		cfg  ModelConfiguration
		want string
	}{
		{
			name: "zero audio dims",
			cfg: ModelConfiguration{
				TextConfig: TextConfig{HiddenSize: 64, NumLayers: 1, NumHeads: 2, VocabSize: 10},
			},
			want: "invalid audio config",
		},
		{
			name: "d_model not divisible by heads",
			cfg: ModelConfiguration{
				AudioConfig: AudioConfig{DModel: 100, EncoderLayers: 2, EncoderHeads: 16, NumMelBins: 128},
				TextConfig:  TextConfig{HiddenSize: 64, NumLayers: 1, NumHeads: 2, VocabSize: 10},
			},
			want: "not divisible",
		},
		{
			name: "heads not divisible by kv heads",
			cfg: ModelConfiguration{
				AudioConfig: AudioConfig{DModel: 64, EncoderLayers: 2, EncoderHeads: 4, NumMelBins: 128},
				TextConfig:  TextConfig{HiddenSize: 64, NumLayers: 1, NumHeads: 4, NumKVHeads: 3, VocabSize: 10},
			},
			want: "kv heads",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestRegistryLookup(t *testing.T) {
	def := DefaultModelID()
	info := GetModelByID(def)
	if info == nil {
		t.Fatalf("default model %q not in registry", def)
	}
	if !info.Recommended {
		t.Errorf("default model %q is not the recommended one", def)
	}
	if info.Engine != EngineTypeQwen3ASR {
		t.Errorf("engine = %q", info.Engine)
	}
	if GetModelByID("no-such-model") != nil {
		t.Error("lookup of unknown ID should return nil")
	}
}
