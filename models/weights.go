package models

import (
	"fmt"
	"sort"
	"strings"

	"aivoice/tensor"
)

// WeightSet отображение полного имени параметра в тензор.
// Применяется на построенный граф модели ровно один раз за загрузку,
// после строгой проверки соответствия имён и форм.
type WeightSet struct {
	tensors map[string]*tensor.Tensor
}

// Известные общие префиксы чекпойнтов, отрезаемые при загрузке
var knownPrefixes = []string{
	"model.",
	"thinker.",
}

// NewWeightSet оборачивает сырые тензоры, отрезая известные общие
// префиксы имён, если префикс присутствует у всех ключей. Вложенные
// префиксы (thinker.model.) отрезаются по одному до стабилизации.
func NewWeightSet(raw map[string]*tensor.Tensor) *WeightSet {
	for stripped := true; stripped; {
		stripped = false
		for _, prefix := range knownPrefixes {
			if !allHavePrefix(raw, prefix) {
				continue
			}
			next := make(map[string]*tensor.Tensor, len(raw))
			for name, t := range raw {
				next[strings.TrimPrefix(name, prefix)] = t
			}
			raw = next
			stripped = true
		}
	}
	return &WeightSet{tensors: raw}
}

func allHavePrefix(m map[string]*tensor.Tensor, prefix string) bool {
	if len(m) == 0 {
		return false
	}
	for name := range m {
		if !strings.HasPrefix(name, prefix) {
			return false
		}
	}
	return true
}

// Get возвращает тензор по каноническому имени
func (w *WeightSet) Get(name string) (*tensor.Tensor, bool) {
	t, ok := w.tensors[name]
	return t, ok
}

// Names возвращает отсортированный список имён параметров
func (w *WeightSet) Names() []string {
	names := make([]string, 0, len(w.tensors))
	for name := range w.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len возвращает количество параметров
func (w *WeightSet) Len() int {
	return len(w.tensors)
}

// Slot ожидаемый параметр модели: каноническое имя и форма
type Slot struct {
	Name  string
	Shape []int
}

// Validate сверяет набор загруженных весов с ожидаемым набором слотов.
// Несовпадение множеств имён или форм — ошибка загрузки: неизвестные
// ключи не пропускаются молча.
func (w *WeightSet) Validate(expected []Slot) error {
	seen := make(map[string]bool, len(expected))

	var missing, mismatched []string
	for _, slot := range expected {
		seen[slot.Name] = true
		t, ok := w.tensors[slot.Name]
		if !ok {
			missing = append(missing, slot.Name)
			continue
		}
		if !shapeEqual(t.Shape, slot.Shape) {
			mismatched = append(mismatched,
				fmt.Sprintf("%s: expected %v, got %v", slot.Name, slot.Shape, t.Shape))
		}
	}

	var unknown []string
	for name := range w.tensors {
		if !seen[name] {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)

	if len(missing) > 0 || len(unknown) > 0 || len(mismatched) > 0 {
		var b strings.Builder
		b.WriteString("weight set does not match model architecture")
		if len(missing) > 0 {
			fmt.Fprintf(&b, "; missing %d keys (first: %s)", len(missing), missing[0])
		}
		if len(unknown) > 0 {
			fmt.Fprintf(&b, "; unknown %d keys (first: %s)", len(unknown), unknown[0])
		}
		if len(mismatched) > 0 {
			fmt.Fprintf(&b, "; shape mismatches: %s", strings.Join(mismatched, ", "))
		}
		return fmt.Errorf("%s", b.String())
	}

	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MustGet возвращает тензор или ошибку для применения весов на граф
func (w *WeightSet) MustGet(name string) (*tensor.Tensor, error) {
	t, ok := w.tensors[name]
	if !ok {
		return nil, fmt.Errorf("missing weight %q", name)
	}
	return t, nil
}
