package ai

import "fmt"

// DefaultCacheStep шаг роста KV-кэша в токенах
const DefaultCacheStep = 256

// KVCache кэш ключей/значений attention для инкрементального декодирования.
// Принадлежит ровно одной сессии generate: создаётся в её начале и
// выбрасывается в конце, между вызовами не переиспользуется.
//
// Данные слоя хранятся как [kvHeads, capacity, headDim]; capacity растёт
// блоками по step токенов (никогда не уменьшается), содержимое до offset
// при росте копируется без изменений.
type KVCache struct {
	layers   []kvLayer
	kvHeads  int
	headDim  int
	step     int
	offset   int // Количество закоммиченных токенов
	capacity int
}

type kvLayer struct {
	keys   []float32
	values []float32
}

// NewKVCache создаёт пустой кэш для numLayers слоёв
func NewKVCache(numLayers, kvHeads, headDim, step int) *KVCache {
	if step <= 0 {
		step = DefaultCacheStep
	}
	return &KVCache{
		layers:  make([]kvLayer, numLayers),
		kvHeads: kvHeads,
		headDim: headDim,
		step:    step,
	}
}

// Offset возвращает количество закоммиченных токенов
func (c *KVCache) Offset() int {
	return c.offset
}

// Capacity возвращает текущую ёмкость в токенах
func (c *KVCache) Capacity() int {
	return c.capacity
}

// NumLayers возвращает количество слоёв
func (c *KVCache) NumLayers() int {
	return len(c.layers)
}

// Append записывает newLen новых токенов (ключи и значения уже разложены
// по головам: k, v имеют форму [newLen, kvHeads*headDim]) слоя layer в
// позиции [offset, offset+newLen). Ёмкость при необходимости растёт.
// Offset не двигается: после обработки всех слоёв вызывается Advance.
func (c *KVCache) Append(layer int, k, v []float32, newLen int) error {
	needed := c.offset + newLen
	if needed > c.capacity {
		if err := c.grow(needed); err != nil {
			return err
		}
	}

	l := &c.layers[layer]
	for h := 0; h < c.kvHeads; h++ {
		for t := 0; t < newLen; t++ {
			src := (t*c.kvHeads + h) * c.headDim
			dst := (h*c.capacity + c.offset + t) * c.headDim
			copy(l.keys[dst:dst+c.headDim], k[src:src+c.headDim])
			copy(l.values[dst:dst+c.headDim], v[src:src+c.headDim])
		}
	}
	return nil
}

// Advance коммитит newLen токенов после того, как все слои записали
// свои ключи/значения
func (c *KVCache) Advance(newLen int) {
	c.offset += newLen
}

// Key возвращает вектор ключа головы head на позиции t слоя layer
func (c *KVCache) Key(layer, head, t int) []float32 {
	off := (head*c.capacity + t) * c.headDim
	return c.layers[layer].keys[off : off+c.headDim]
}

// Value возвращает вектор значения головы head на позиции t слоя layer
func (c *KVCache) Value(layer, head, t int) []float32 {
	off := (head*c.capacity + t) * c.headDim
	return c.layers[layer].values[off : off+c.headDim]
}

// grow увеличивает ёмкость до наименьшего кратного step >= needed,
// копируя существующее содержимое каждого слоя
func (c *KVCache) grow(needed int) (err error) {
	newCap := ((needed + c.step - 1) / c.step) * c.step

	// Аллокация нескольких гигабайт на длинных сессиях может не удаться;
	// сообщаем typed-ошибку вместо паники рантайма
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kv cache: cannot grow to %d tokens: %v", newCap, r)
		}
	}()

	for i := range c.layers {
		l := &c.layers[i]
		newKeys := make([]float32, c.kvHeads*newCap*c.headDim)
		newValues := make([]float32, c.kvHeads*newCap*c.headDim)

		if c.capacity > 0 {
			for h := 0; h < c.kvHeads; h++ {
				oldOff := h * c.capacity * c.headDim
				newOff := h * newCap * c.headDim
				n := c.offset * c.headDim
				copy(newKeys[newOff:newOff+n], l.keys[oldOff:oldOff+n])
				copy(newValues[newOff:newOff+n], l.values[oldOff:oldOff+n])
			}
		}

		l.keys = newKeys
		l.values = newValues
	}

	c.capacity = newCap
	return nil
}
