// Package tensor предоставляет примитивы для численных вычислений
// (матричное умножение, нормализация, активации) поверх gonum BLAS.
// Все тензоры хранятся как непрерывные float32 буферы в row-major порядке.
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Tensor многомерный массив float32 в row-major порядке
type Tensor struct {
	Data  []float32
	Shape []int
}

// New создаёт тензор заданной формы, заполненный нулями
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension %d in shape %v", d, shape))
		}
		n *= d
	}
	return &Tensor{
		Data:  make([]float32, n),
		Shape: append([]int(nil), shape...),
	}
}

// FromSlice создаёт тензор из готового буфера (без копирования)
func FromSlice(data []float32, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		panic(fmt.Sprintf("tensor: shape %v does not match data length %d", shape, len(data)))
	}
	return &Tensor{
		Data:  data,
		Shape: append([]int(nil), shape...),
	}
}

// Len возвращает общее количество элементов
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Dim возвращает размер оси i
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Rows возвращает количество строк для 2D тензора [rows, cols]
func (t *Tensor) Rows() int { return t.Shape[0] }

// Cols возвращает количество столбцов для 2D тензора [rows, cols]
func (t *Tensor) Cols() int { return t.Shape[len(t.Shape)-1] }

// Row возвращает срез i-й строки 2D тензора (без копирования)
func (t *Tensor) Row(i int) []float32 {
	cols := t.Cols()
	return t.Data[i*cols : (i+1)*cols]
}

// Reshape меняет форму тензора без копирования данных
func (t *Tensor) Reshape(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(t.Data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v (%d elems) to %v", t.Shape, len(t.Data), shape))
	}
	return &Tensor{Data: t.Data, Shape: append([]int(nil), shape...)}
}

// Clone возвращает глубокую копию тензора
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Data: data, Shape: append([]int(nil), t.Shape...)}
}

// general оборачивает 2D тензор [rows, cols] в blas32.General
func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   data,
	}
}

// MatMul вычисляет C = A * B для A [m,k] и B [k,n]
func MatMul(a, b *Tensor) *Tensor {
	m, k := a.Rows(), a.Cols()
	k2, n := b.Rows(), b.Cols()
	if k != k2 {
		panic(fmt.Sprintf("tensor: matmul shape mismatch [%d,%d] x [%d,%d]", m, k, k2, n))
	}
	c := New(m, n)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		general(m, k, a.Data), general(k2, n, b.Data), 0, general(m, n, c.Data))
	return c
}

// MatMulTransB вычисляет C = A * B^T для A [m,k] и B [n,k].
// Веса линейных слоёв хранятся как [out, in], поэтому это основной путь.
func MatMulTransB(a, b *Tensor) *Tensor {
	m, k := a.Rows(), a.Cols()
	n, k2 := b.Rows(), b.Cols()
	if k != k2 {
		panic(fmt.Sprintf("tensor: matmul shape mismatch [%d,%d] x [%d,%d]^T", m, k, n, k2))
	}
	c := New(m, n)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		general(m, k, a.Data), general(n, k2, b.Data), 0, general(m, n, c.Data))
	return c
}

// AddInPlace прибавляет b к a поэлементно (residual connection)
func AddInPlace(a, b *Tensor) {
	if len(a.Data) != len(b.Data) {
		panic(fmt.Sprintf("tensor: add shape mismatch %v vs %v", a.Shape, b.Shape))
	}
	for i, v := range b.Data {
		a.Data[i] += v
	}
}

// AddRowInPlace прибавляет вектор-строку bias к каждой строке 2D тензора
func AddRowInPlace(a *Tensor, bias []float32) {
	cols := a.Cols()
	if cols != len(bias) {
		panic(fmt.Sprintf("tensor: bias length %d does not match cols %d", len(bias), cols))
	}
	for i := 0; i < len(a.Data); i += cols {
		row := a.Data[i : i+cols]
		for j, b := range bias {
			row[j] += b
		}
	}
}

// Scale умножает все элементы на скаляр
func (t *Tensor) Scale(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// Linear линейный слой y = x*W^T + b. Веса хранятся как [out, in],
// bias может отсутствовать (nil).
type Linear struct {
	Weight *Tensor
	Bias   *Tensor
}

// Forward применяет слой к x [n, in] и возвращает [n, out]
func (l *Linear) Forward(x *Tensor) *Tensor {
	y := MatMulTransB(x, l.Weight)
	if l.Bias != nil {
		AddRowInPlace(y, l.Bias.Data)
	}
	return y
}

// OutFeatures возвращает выходную размерность слоя
func (l *Linear) OutFeatures() int { return l.Weight.Rows() }

// InFeatures возвращает входную размерность слоя
func (l *Linear) InFeatures() int { return l.Weight.Cols() }
