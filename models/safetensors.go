package models

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"aivoice/tensor"
)

// safetensors: 8 байт little-endian длины JSON-заголовка, затем заголовок
// ({имя: {dtype, shape, data_offsets}}), затем сырые данные тензоров.
// Поддерживаются F32/F16/BF16 — всё конвертируется в float32.

type safetensorEntry struct {
	Dtype       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// LoadSafetensors читает один safetensors-файл в отображение имя -> тензор
func LoadSafetensors(path string) (map[string]*tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("weights file %s too short", path)
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("weights file %s: header length %d exceeds file size", path, headerLen)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("weights file %s: malformed header: %w", path, err)
	}

	payload := data[8+headerLen:]
	tensors := make(map[string]*tensor.Tensor, len(header))

	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var entry safetensorEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("weights file %s: bad entry %q: %w", path, name, err)
		}

		start, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(payload)) {
			return nil, fmt.Errorf("weights file %s: tensor %q offsets out of range", path, name)
		}

		numElems := 1
		for _, d := range entry.Shape {
			numElems *= d
		}
		// Скалярные тензоры имеют пустой shape
		if len(entry.Shape) == 0 {
			numElems = 1
		}

		values, err := decodeTensorData(payload[start:end], entry.Dtype, numElems)
		if err != nil {
			return nil, fmt.Errorf("weights file %s: tensor %q: %w", path, name, err)
		}

		shape := entry.Shape
		if len(shape) == 0 {
			shape = []int{1}
		}
		tensors[name] = tensor.FromSlice(values, shape...)
	}

	return tensors, nil
}

// LoadSafetensorsFiles читает несколько файлов весов в одно отображение.
// Дублирующиеся имена параметров считаются ошибкой загрузки.
func LoadSafetensorsFiles(paths []string) (map[string]*tensor.Tensor, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	all := make(map[string]*tensor.Tensor)
	for _, path := range sorted {
		part, err := LoadSafetensors(path)
		if err != nil {
			return nil, err
		}
		for name, t := range part {
			if _, exists := all[name]; exists {
				return nil, fmt.Errorf("duplicate parameter %q across weight files", name)
			}
			all[name] = t
		}
	}
	return all, nil
}

// decodeTensorData конвертирует сырые байты в float32
func decodeTensorData(raw []byte, dtype string, numElems int) ([]float32, error) {
	switch dtype {
	case "F32":
		if len(raw) != numElems*4 {
			return nil, fmt.Errorf("F32 data size %d does not match %d elements", len(raw), numElems)
		}
		out := make([]float32, numElems)
		for i := 0; i < numElems; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil

	case "F16":
		if len(raw) != numElems*2 {
			return nil, fmt.Errorf("F16 data size %d does not match %d elements", len(raw), numElems)
		}
		out := make([]float32, numElems)
		for i := 0; i < numElems; i++ {
			out[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		return out, nil

	case "BF16":
		if len(raw) != numElems*2 {
			return nil, fmt.Errorf("BF16 data size %d does not match %d elements", len(raw), numElems)
		}
		out := make([]float32, numElems)
		for i := 0; i < numElems; i++ {
			// bfloat16 — это старшие 16 бит float32
			bits := uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16
			out[i] = math.Float32frombits(bits)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

// float16ToFloat32 конвертирует IEEE 754 half в float32
func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff

	var bits uint32
	switch {
	case exp == 0 && mant == 0:
		// Ноль (со знаком)
		bits = sign << 31
	case exp == 0:
		// Денормализованное число: нормализуем
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		bits = sign<<31 | e<<23 | mant<<13
	case exp == 0x1f:
		// Inf / NaN
		bits = sign<<31 | 0xff<<23 | mant<<13
	default:
		bits = sign<<31 | (exp+127-15)<<23 | mant<<13
	}
	return math.Float32frombits(bits)
}
