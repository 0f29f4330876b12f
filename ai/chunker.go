package ai

import "math"

// ChunkerConfig параметры нарезки длинных записей
type ChunkerConfig struct {
	SampleRate     int
	ChunkSeconds   float64 // Целевая длина чанка (default: 30s)
	SearchSeconds  float64 // Радиус поиска тихого места вокруг границы (default: 3s)
	RMSWindowMs    float64 // Окно RMS для поиска минимума энергии (default: 50ms)
	MinTailSeconds float64 // Минимальная длина последнего чанка (дополняется нулями)
}

// DefaultChunkerConfig возвращает параметры нарезки по умолчанию
func DefaultChunkerConfig(sampleRate int) ChunkerConfig {
	return ChunkerConfig{
		SampleRate:     sampleRate,
		ChunkSeconds:   30.0,
		SearchSeconds:  3.0,
		RMSWindowMs:    50.0,
		MinTailSeconds: 1.0,
	}
}

// AudioChunk фрагмент записи с позицией относительно начала
type AudioChunk struct {
	Samples []float32
	Offset  float64 // Секунды от начала записи
}

// SplitAudio режет длинную запись на чанки около ChunkSeconds каждый.
// Граница сдвигается к локальному минимуму энергии (скользящий RMS)
// в пределах ±SearchSeconds от естественной точки разреза, чтобы не
// разрезать слово посередине. Последний чанк дополняется нулями до
// MinTailSeconds. Запись короче одного чанка возвращается как есть.
func SplitAudio(samples []float32, cfg ChunkerConfig) []AudioChunk {
	if len(samples) == 0 {
		return nil
	}

	chunkLen := int(cfg.ChunkSeconds * float64(cfg.SampleRate))
	if chunkLen <= 0 || len(samples) <= chunkLen {
		return []AudioChunk{{Samples: padToMin(samples, cfg), Offset: 0}}
	}

	searchRadius := int(cfg.SearchSeconds * float64(cfg.SampleRate))
	rmsWindow := int(cfg.RMSWindowMs / 1000.0 * float64(cfg.SampleRate))
	if rmsWindow < 1 {
		rmsWindow = 1
	}

	var chunks []AudioChunk
	start := 0
	for start < len(samples) {
		remaining := len(samples) - start
		if remaining <= chunkLen+searchRadius {
			// Хвост целиком в последний чанк
			chunks = append(chunks, AudioChunk{
				Samples: padToMin(samples[start:], cfg),
				Offset:  float64(start) / float64(cfg.SampleRate),
			})
			break
		}

		// Естественная граница и окно поиска вокруг неё
		target := start + chunkLen
		lo := target - searchRadius
		if lo <= start {
			lo = start + 1
		}
		hi := target + searchRadius
		if hi >= len(samples) {
			hi = len(samples) - 1
		}

		cut := findEnergyMinimum(samples, lo, hi, rmsWindow)

		chunks = append(chunks, AudioChunk{
			Samples: samples[start:cut],
			Offset:  float64(start) / float64(cfg.SampleRate),
		})
		start = cut
	}

	return chunks
}

// findEnergyMinimum ищет позицию минимального скользящего RMS в [lo, hi)
func findEnergyMinimum(samples []float32, lo, hi, window int) int {
	best := lo
	bestRMS := math.Inf(1)

	step := window / 2
	if step < 1 {
		step = 1
	}
	for pos := lo; pos < hi; pos += step {
		end := pos + window
		if end > len(samples) {
			end = len(samples)
		}
		var sum float64
		for _, s := range samples[pos:end] {
			sum += float64(s) * float64(s)
		}
		rms := math.Sqrt(sum / float64(end-pos))
		if rms < bestRMS {
			bestRMS = rms
			best = pos
		}
	}
	return best
}

// padToMin дополняет чанк нулями до минимальной длины
func padToMin(samples []float32, cfg ChunkerConfig) []float32 {
	minLen := int(cfg.MinTailSeconds * float64(cfg.SampleRate))
	if len(samples) >= minLen {
		return samples
	}
	padded := make([]float32, minLen)
	copy(padded, samples)
	return padded
}
