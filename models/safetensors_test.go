package models

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// writeSafetensors собирает safetensors-файл вручную из готовых
// байтовых блобов
func writeSafetensors(t *testing.T, path string, header map[string]any, payload []byte) {
	t.Helper()

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 8, 8+len(headerJSON)+len(payload))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)
	buf = append(buf, payload...)

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
}

func f32Bytes(values ...float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// TestLoadSafetensorsF32 проверяет чтение F32-тензоров с заголовком
func TestLoadSafetensorsF32(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")

	payload := append(f32Bytes(1, 2, 3, 4, 5, 6), f32Bytes(-1.5)...)
	writeSafetensors(t, path, map[string]any{
		"a.weight": map[string]any{
			"dtype": "F32", "shape": []int{2, 3}, "data_offsets": []int{0, 24},
		},
		"b.bias": map[string]any{
			"dtype": "F32", "shape": []int{1}, "data_offsets": []int{24, 28},
		},
		"__metadata__": map[string]any{"format": "pt"},
	}, payload)

	tensors, err := LoadSafetensors(path)
	if err != nil {
		t.Fatalf("LoadSafetensors: %v", err)
	}

	if len(tensors) != 2 {
		t.Fatalf("loaded %d tensors, expected 2 (__metadata__ must be skipped)", len(tensors))
	}

	a := tensors["a.weight"]
	if a == nil || a.Dim(0) != 2 || a.Dim(1) != 3 {
		t.Fatalf("a.weight shape wrong: %+v", a)
	}
	for i, expected := range []float32{1, 2, 3, 4, 5, 6} {
		if a.Data[i] != expected {
			t.Errorf("a.weight[%d] = %f, expected %f", i, a.Data[i], expected)
		}
	}
	if b := tensors["b.bias"]; b.Data[0] != -1.5 {
		t.Errorf("b.bias = %f, expected -1.5", b.Data[0])
	}
}

// TestLoadSafetensorsBF16 проверяет конвертацию bfloat16
func TestLoadSafetensorsBF16(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")

	// bfloat16 — старшие 16 бит float32
	values := []float32{1.0, -2.0, 0.5}
	payload := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(payload[i*2:], uint16(math.Float32bits(v)>>16))
	}

	writeSafetensors(t, path, map[string]any{
		"w": map[string]any{
			"dtype": "BF16", "shape": []int{3}, "data_offsets": []int{0, 6},
		},
	}, payload)

	tensors, err := LoadSafetensors(path)
	if err != nil {
		t.Fatalf("LoadSafetensors: %v", err)
	}
	for i, expected := range values {
		if got := tensors["w"].Data[i]; got != expected {
			t.Errorf("w[%d] = %f, expected %f", i, got, expected)
		}
	}
}

// TestFloat16ToFloat32 проверяет конвертацию half, включая денормалы
func TestFloat16ToFloat32(t *testing.T) {
	tests := []struct {
		bits     uint16
		expected float32
	}{
		{0x0000, 0},
		{0x3c00, 1.0},
		{0xc000, -2.0},
		{0x3800, 0.5},
		{0x0001, 5.960464477539063e-08}, // Минимальный денормал
		{0x7c00, float32(math.Inf(1))},
		{0xfc00, float32(math.Inf(-1))},
	}
	for _, tt := range tests {
		if got := float16ToFloat32(tt.bits); got != tt.expected {
			t.Errorf("float16ToFloat32(%#04x) = %g, expected %g", tt.bits, got, tt.expected)
		}
	}

	// NaN сравнивается отдельно
	if got := float16ToFloat32(0x7e00); !math.IsNaN(float64(got)) {
		t.Errorf("float16ToFloat32(0x7e00) = %g, expected NaN", got)
	}
}

// TestLoadSafetensorsErrors проверяет отказ на битых файлах
func TestLoadSafetensorsErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("too short", func(t *testing.T) {
		path := filepath.Join(dir, "short.safetensors")
		if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadSafetensors(path); err == nil {
			t.Error("expected error for truncated file")
		}
	})

	t.Run("header past EOF", func(t *testing.T) {
		path := filepath.Join(dir, "badlen.safetensors")
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, 1<<40)
		if err := os.WriteFile(path, buf, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadSafetensors(path); err == nil {
			t.Error("expected error for oversized header length")
		}
	})

	t.Run("offsets out of range", func(t *testing.T) {
		path := filepath.Join(dir, "offsets.safetensors")
		writeSafetensors(t, path, map[string]any{
			"w": map[string]any{
				"dtype": "F32", "shape": []int{2}, "data_offsets": []int{0, 999},
			},
		}, f32Bytes(1, 2))
		if _, err := LoadSafetensors(path); err == nil {
			t.Error("expected error for offsets past payload")
		}
	})

	t.Run("unsupported dtype", func(t *testing.T) {
		path := filepath.Join(dir, "dtype.safetensors")
		writeSafetensors(t, path, map[string]any{
			"w": map[string]any{
				"dtype": "I64", "shape": []int{1}, "data_offsets": []int{0, 8},
			},
		}, make([]byte, 8))
		if _, err := LoadSafetensors(path); err == nil {
			t.Error("expected error for unsupported dtype")
		}
	})
}

// TestLoadSafetensorsFilesDuplicate проверяет что дубликат параметра
// между шардами — ошибка
func TestLoadSafetensorsFilesDuplicate(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"a.safetensors", "b.safetensors"} {
		writeSafetensors(t, filepath.Join(dir, name), map[string]any{
			"shared.weight": map[string]any{
				"dtype": "F32", "shape": []int{1}, "data_offsets": []int{0, 4},
			},
		}, f32Bytes(1))
	}

	_, err := LoadSafetensorsFiles([]string{
		filepath.Join(dir, "a.safetensors"),
		filepath.Join(dir, "b.safetensors"),
	})
	if err == nil {
		t.Error("expected duplicate parameter error")
	}
}

// TestLoadSafetensorsScalar проверяет что скалярный тензор (пустой
// shape) загружается как [1]
func TestLoadSafetensorsScalar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scalar.safetensors")
	writeSafetensors(t, path, map[string]any{
		"s": map[string]any{
			"dtype": "F32", "shape": []int{}, "data_offsets": []int{0, 4},
		},
	}, f32Bytes(3.25))

	tensors, err := LoadSafetensors(path)
	if err != nil {
		t.Fatal(err)
	}
	s := tensors["s"]
	if s.Dim(0) != 1 || s.Data[0] != 3.25 {
		t.Errorf("scalar tensor: shape %v, value %f", s.Shape, s.Data[0])
	}
}
