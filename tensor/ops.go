package tensor

import "math"

// Softmax нормализует срез логитов в вероятности (in-place).
// Вычитание максимума защищает от переполнения exp.
func Softmax(x []float32) {
	maxVal := x[0]
	for _, v := range x {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxVal))
		x[i] = float32(e)
		sum += e
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Argmax возвращает индекс максимального элемента
func Argmax(x []float32) int {
	best := 0
	bestVal := x[0]
	for i, v := range x {
		if v > bestVal {
			bestVal = v
			best = i
		}
	}
	return best
}

// GELU применяет точную GELU-активацию (через erf) поэлементно in-place
func GELU(t *Tensor) {
	for i, v := range t.Data {
		x := float64(v)
		t.Data[i] = float32(0.5 * x * (1 + math.Erf(x/math.Sqrt2)))
	}
}

// SiLU применяет x*sigmoid(x) поэлементно in-place
func SiLU(t *Tensor) {
	for i, v := range t.Data {
		x := float64(v)
		t.Data[i] = float32(x / (1 + math.Exp(-x)))
	}
}

// LayerNorm нормализует каждую строку 2D тензора [n, dim].
// Статистики считаются в float64: при десятках слоёв накопление
// ошибки в float32 заметно сдвигает выход энкодера.
func LayerNorm(x *Tensor, gamma, beta []float32, eps float64) *Tensor {
	dim := x.Cols()
	out := New(x.Shape...)
	for i := 0; i < x.Rows(); i++ {
		row := x.Row(i)
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(dim)

		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(dim)

		invStd := 1.0 / math.Sqrt(variance+eps)
		outRow := out.Row(i)
		for j, v := range row {
			normed := (float64(v) - mean) * invStd
			outRow[j] = float32(normed)*gamma[j] + beta[j]
		}
	}
	return out
}

// RMSNormVec нормализует вектор по RMS на месте. Нужна там, где строка
// тензора делится на независимо нормируемые срезы (q/k головы attention).
func RMSNormVec(v, weight []float32, eps float64) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	invRMS := 1.0 / math.Sqrt(sumSq/float64(len(v))+eps)
	for j, x := range v {
		v[j] = float32(float64(x)*invRMS) * weight[j]
	}
}

// RMSNorm нормализует каждую строку 2D тензора [n, dim] по RMS.
// Как и LayerNorm, статистика в float64.
func RMSNorm(x *Tensor, weight []float32, eps float64) *Tensor {
	dim := x.Cols()
	out := New(x.Shape...)
	for i := 0; i < x.Rows(); i++ {
		row := x.Row(i)
		var sumSq float64
		for _, v := range row {
			sumSq += float64(v) * float64(v)
		}
		invRMS := 1.0 / math.Sqrt(sumSq/float64(dim)+eps)
		outRow := out.Row(i)
		for j, v := range row {
			outRow[j] = float32(float64(v)*invRMS) * weight[j]
		}
	}
	return out
}
