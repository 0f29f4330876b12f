package audio

import (
	"math"
	"path/filepath"
	"testing"
)

// TestWAVRoundTrip проверяет запись и чтение моно WAV
func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")

	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}

	if err := SaveWAV(path, samples, 16000); err != nil {
		t.Fatalf("SaveWAV: %v", err)
	}

	loaded, rate, err := LoadWAV(path)
	if err != nil {
		t.Fatalf("LoadWAV: %v", err)
	}
	if rate != 16000 {
		t.Errorf("sample rate = %d, expected 16000", rate)
	}
	if len(loaded) != len(samples) {
		t.Fatalf("length = %d, expected %d", len(loaded), len(samples))
	}

	// 16-bit квантование: точность не хуже 1/32768 с запасом
	for i := range samples {
		if diff := math.Abs(float64(loaded[i] - samples[i])); diff > 1.0/16384 {
			t.Fatalf("sample %d differs by %f after round trip", i, diff)
		}
	}
}

// TestLoadWAVMissing проверяет ошибку на отсутствующем файле
func TestLoadWAVMissing(t *testing.T) {
	if _, _, err := LoadWAV("/nonexistent/file.wav"); err == nil {
		t.Error("expected error for missing file")
	}
}

// TestLevel проверяет RMS-уровень
func TestLevel(t *testing.T) {
	if l := Level(nil); l != 0 {
		t.Errorf("Level(nil) = %f, expected 0", l)
	}

	ones := []float32{1, 1, 1, 1}
	if l := Level(ones); math.Abs(l-1) > 1e-9 {
		t.Errorf("Level(ones) = %f, expected 1", l)
	}
}
