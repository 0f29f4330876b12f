package ai

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// MelConfig конфигурация для вычисления log-mel спектрограммы
type MelConfig struct {
	SampleRate int // Целевая частота дискретизации модели (16000)
	NMels      int // Количество mel-фильтров (128 для Qwen3-ASR)
	HopLength  int // Шаг между фреймами (160 = 10ms при 16kHz)
	NFFT       int // Размер FFT и длина фрейма (400 = 25ms при 16kHz)
}

// DefaultMelConfig возвращает параметры фичей Qwen3-ASR
func DefaultMelConfig() MelConfig {
	return MelConfig{
		SampleRate: 16000,
		NMels:      128,
		HopLength:  160,
		NFFT:       400,
	}
}

// MelProcessor вычисляет log-mel спектрограмму, совместимую с
// feature extractor'ом Qwen3-ASR: периодическое окно Ханна,
// reflect-паддинг, Slaney mel-шкала с нормировкой по площади,
// log10 с глобальным клиппингом динамического диапазона.
type MelProcessor struct {
	config     MelConfig
	melFilters [][]float64
	window     []float64
	fft        *fourier.FFT
}

// NewMelProcessor создаёт новый процессор.
// Фильтры и окно вычисляются один раз и переиспользуются между вызовами.
func NewMelProcessor(config MelConfig) *MelProcessor {
	return &MelProcessor{
		config:     config,
		melFilters: createSlaneyMelFilterbank(config.NFFT, config.NMels, config.SampleRate),
		window:     createPeriodicHannWindow(config.NFFT),
		fft:        fourier.NewFFT(config.NFFT),
	}
}

// Extract вычисляет log-mel спектрограмму из сырых семплов.
// Если sampleRate отличается от целевого, выполняется линейный ресемплинг.
// Нулевая или отрицательная частота трактуется как "ресемплинг не нужен".
// Возвращает [numFrames][nMels] и количество фреймов; пустое аудио
// даёт 0 фреймов без ошибки.
func (p *MelProcessor) Extract(samples []float32, sampleRate int) ([][]float32, int) {
	if sampleRate > 0 && sampleRate != p.config.SampleRate {
		samples = ResampleLinear(samples, sampleRate, p.config.SampleRate)
	}
	return p.Compute(samples)
}

// Compute вычисляет log-mel спектрограмму из семплов на целевой частоте
func (p *MelProcessor) Compute(samples []float32) ([][]float32, int) {
	if len(samples) == 0 {
		return nil, 0
	}

	// Reflect-паддинг на NFFT/2 с обеих сторон: фреймы центрированы
	// на моментах времени frame*hop
	padded := reflectPad(samples, p.config.NFFT/2)

	numFrames := 0
	if len(padded) >= p.config.NFFT {
		numFrames = 1 + (len(padded)-p.config.NFFT)/p.config.HopLength
	}
	if numFrames == 0 {
		return nil, 0
	}

	logSpec := make([][]float64, numFrames)
	globalMax := math.Inf(-1)

	frameData := make([]float64, p.config.NFFT)
	for frame := 0; frame < numFrames; frame++ {
		start := frame * p.config.HopLength
		for i := 0; i < p.config.NFFT; i++ {
			frameData[i] = float64(padded[start+i]) * p.window[i]
		}

		coeffs := p.fft.Coefficients(nil, frameData)

		// Power spectrum, только неотрицательные частоты
		powerSpec := make([]float64, p.config.NFFT/2+1)
		for i := 0; i <= p.config.NFFT/2; i++ {
			re := real(coeffs[i])
			im := imag(coeffs[i])
			powerSpec[i] = re*re + im*im
		}

		// Mel-фильтры + log10 с полом 1e-10
		logSpec[frame] = make([]float64, p.config.NMels)
		for m := 0; m < p.config.NMels; m++ {
			sum := float64(0)
			for k, f := range p.melFilters[m] {
				sum += powerSpec[k] * f
			}
			if sum < 1e-10 {
				sum = 1e-10
			}
			v := math.Log10(sum)
			logSpec[frame][m] = v
			if v > globalMax {
				globalMax = v
			}
		}
	}

	// Глобальный клиппинг до 8 log10-единиц ниже максимума, затем
	// аффинное приведение (x+4)/4 — без этих двух шагов распределение
	// входа не совпадает с тем, на чём обучена модель
	floor := globalMax - 8.0
	melSpec := make([][]float32, numFrames)
	for frame := 0; frame < numFrames; frame++ {
		melSpec[frame] = make([]float32, p.config.NMels)
		for m, v := range logSpec[frame] {
			if v < floor {
				v = floor
			}
			melSpec[frame][m] = float32((v + 4.0) / 4.0)
		}
	}

	// Последний фрейм отбрасывается (off-by-one конвенция референсного
	// feature extractor'а, которую обязаны воспроизводить)
	if numFrames > 1 {
		numFrames--
		melSpec = melSpec[:numFrames]
	}

	return melSpec, numFrames
}

// NMels возвращает количество mel-фильтров
func (p *MelProcessor) NMels() int {
	return p.config.NMels
}

// reflectPad зеркально дополняет сигнал на pad семплов с обеих сторон
func reflectPad(samples []float32, pad int) []float32 {
	n := len(samples)
	out := make([]float32, n+2*pad)
	copy(out[pad:], samples)

	for i := 0; i < pad; i++ {
		out[pad-1-i] = samples[reflectIndex(i+1, n)]
		out[pad+n+i] = samples[reflectIndex(n-2-i, n)]
	}
	return out
}

// reflectIndex приводит индекс к диапазону [0, n) зеркальным отражением
// без дублирования граничных точек (как numpy mode="reflect").
// Для коротких сигналов отражение повторяется от границ.
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// ResampleLinear выполняет ресемплинг линейной интерполяцией
func ResampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(srcRate) / float64(dstRate)
	newLen := int(float64(len(samples)) / ratio)
	if newLen == 0 {
		return nil
	}

	resampled := make([]float32, newLen)
	for i := 0; i < newLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))
		if srcIdx+1 < len(samples) {
			resampled[i] = samples[srcIdx]*(1-frac) + samples[srcIdx+1]*frac
		} else {
			resampled[i] = samples[srcIdx]
		}
	}
	return resampled
}

// createSlaneyMelFilterbank создаёт треугольные mel-фильтры по формуле
// Slaney (не HTK): линейная шкала до 1000 Hz, логарифмическая выше.
// Каждый фильтр нормирован по площади — именно эта нормировка нужна
// для численного совпадения со статистиками референсной модели.
func createSlaneyMelFilterbank(nFFT, nMels, sampleRate int) [][]float64 {
	const (
		fSp       = 200.0 / 3.0 // Hz на mel в линейной зоне
		minLogHz  = 1000.0
		minLogMel = minLogHz / fSp
	)
	logStep := math.Log(6.4) / 27.0

	hzToMel := func(hz float64) float64 {
		if hz < minLogHz {
			return hz / fSp
		}
		return minLogMel + math.Log(hz/minLogHz)/logStep
	}
	melToHz := func(mel float64) float64 {
		if mel < minLogMel {
			return mel * fSp
		}
		return minLogHz * math.Exp(logStep*(mel-minLogMel))
	}

	numBins := nFFT/2 + 1
	fMax := float64(sampleRate) / 2.0

	// Частоты FFT-бинов
	allFreqs := make([]float64, numBins)
	for i := 0; i < numBins; i++ {
		allFreqs[i] = float64(i) * float64(sampleRate) / float64(nFFT)
	}

	// nMels + 2 опорных точки: левый край, центры, правый край
	mMin := hzToMel(0)
	mMax := hzToMel(fMax)
	fPts := make([]float64, nMels+2)
	for i := range fPts {
		mel := mMin + float64(i)*(mMax-mMin)/float64(nMels+1)
		fPts[i] = melToHz(mel)
	}

	fDiff := make([]float64, nMels+1)
	for i := range fDiff {
		fDiff[i] = fPts[i+1] - fPts[i]
	}

	filters := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		filters[m] = make([]float64, numBins)

		// Нормировка по площади: интеграл под треугольником одинаков
		// для всех фильтров
		enorm := 2.0 / (fPts[m+2] - fPts[m])

		for k := 0; k < numBins; k++ {
			lower := (allFreqs[k] - fPts[m]) / fDiff[m]
			upper := (fPts[m+2] - allFreqs[k]) / fDiff[m+1]

			val := math.Min(lower, upper)
			if val < 0 {
				val = 0
			}
			filters[m][k] = val * enorm
		}
	}

	return filters
}

// createPeriodicHannWindow создаёт периодическое окно Ханна:
// w[n] = 0.5 - 0.5*cos(2*pi*n/N), знаменатель N (не N-1) — STFT
// конвенция референсного feature extractor'а
func createPeriodicHannWindow(size int) []float64 {
	window := make([]float64, size)
	for i := 0; i < size; i++ {
		window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(size))
	}
	return window
}
