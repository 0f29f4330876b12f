package ai

import (
	"fmt"
	"math"

	"aivoice/models"
	"aivoice/tensor"
)

// Аддитивная маска для запрещённых пар attention
const attnMaskValue = -1e9

// LanguageModel каузальный декодер (Qwen3-архитектура): token embedding,
// RMSNorm, grouped-query attention с rotary-позициями, SwiGLU MLP.
// Два входа — токены или готовые эмбеддинги — проходят через один и
// тот же стек слоёв.
type LanguageModel struct {
	cfg models.TextConfig

	embedding *tensor.Tensor // [vocab, hidden]
	layers    []*decoderLayer
	finalNorm []float32
	lmHead    *tensor.Linear // nil при tie_word_embeddings

	invFreq   []float64 // Предвычисленные обратные частоты RoPE
	ropeScale float64   // Линейный масштаб позиций (1 = без масштабирования)
}

type decoderLayer struct {
	inputNorm []float32
	qProj     tensor.Linear
	kProj     tensor.Linear
	vProj     tensor.Linear
	qNorm     []float32 // RMS-норма каждой q-головы [headDim]
	kNorm     []float32 // RMS-норма каждой k-головы [headDim]
	oProj     tensor.Linear
	postNorm  []float32
	gateProj  tensor.Linear
	upProj    tensor.Linear
	downProj  tensor.Linear
}

// languageModelSlots возвращает ожидаемый набор параметров декодера
// с каноническими именами и формами
func languageModelSlots(cfg models.TextConfig) []models.Slot {
	h := cfg.HiddenSize
	qDim := cfg.NumHeads * cfg.HeadDim
	kvDim := cfg.NumKVHeads * cfg.HeadDim

	slots := []models.Slot{
		{Name: "language_model.embed_tokens.weight", Shape: []int{cfg.VocabSize, h}},
		{Name: "language_model.norm.weight", Shape: []int{h}},
	}
	for i := 0; i < cfg.NumLayers; i++ {
		p := fmt.Sprintf("language_model.layers.%d.", i)
		slots = append(slots,
			models.Slot{Name: p + "input_layernorm.weight", Shape: []int{h}},
			models.Slot{Name: p + "self_attn.q_proj.weight", Shape: []int{qDim, h}},
			models.Slot{Name: p + "self_attn.k_proj.weight", Shape: []int{kvDim, h}},
			models.Slot{Name: p + "self_attn.v_proj.weight", Shape: []int{kvDim, h}},
			models.Slot{Name: p + "self_attn.q_norm.weight", Shape: []int{cfg.HeadDim}},
			models.Slot{Name: p + "self_attn.k_norm.weight", Shape: []int{cfg.HeadDim}},
			models.Slot{Name: p + "self_attn.o_proj.weight", Shape: []int{h, qDim}},
			models.Slot{Name: p + "post_attention_layernorm.weight", Shape: []int{h}},
			models.Slot{Name: p + "mlp.gate_proj.weight", Shape: []int{cfg.IntermediateSize, h}},
			models.Slot{Name: p + "mlp.up_proj.weight", Shape: []int{cfg.IntermediateSize, h}},
			models.Slot{Name: p + "mlp.down_proj.weight", Shape: []int{h, cfg.IntermediateSize}},
		)
	}
	if !cfg.TieWordEmbeddings {
		slots = append(slots, models.Slot{
			Name: "lm_head.weight", Shape: []int{cfg.VocabSize, h},
		})
	}
	return slots
}

// NewLanguageModel строит декодер и применяет на него веса
func NewLanguageModel(cfg models.TextConfig, weights *models.WeightSet) (*LanguageModel, error) {
	m := &LanguageModel{
		cfg:       cfg,
		layers:    make([]*decoderLayer, cfg.NumLayers),
		ropeScale: 1.0,
	}
	if cfg.RopeScaling != nil && cfg.RopeScaling.Factor > 0 {
		m.ropeScale = cfg.RopeScaling.Factor
	}

	// Обратные частоты RoPE: theta^(-2j/d) для первой половины каналов
	half := cfg.HeadDim / 2
	m.invFreq = make([]float64, half)
	for j := 0; j < half; j++ {
		m.invFreq[j] = 1.0 / math.Pow(cfg.RopeTheta, float64(2*j)/float64(cfg.HeadDim))
	}

	var err error
	if m.embedding, err = weights.MustGet("language_model.embed_tokens.weight"); err != nil {
		return nil, err
	}
	normW, err := weights.MustGet("language_model.norm.weight")
	if err != nil {
		return nil, err
	}
	m.finalNorm = normW.Data

	for i := 0; i < cfg.NumLayers; i++ {
		layer, err := loadDecoderLayer(weights, i)
		if err != nil {
			return nil, err
		}
		m.layers[i] = layer
	}

	if !cfg.TieWordEmbeddings {
		headW, err := weights.MustGet("lm_head.weight")
		if err != nil {
			return nil, err
		}
		m.lmHead = &tensor.Linear{Weight: headW}
	}

	return m, nil
}

func loadDecoderLayer(weights *models.WeightSet, i int) (*decoderLayer, error) {
	p := fmt.Sprintf("language_model.layers.%d.", i)

	get := func(name string) (*tensor.Tensor, error) {
		return weights.MustGet(p + name)
	}

	inputNorm, err := get("input_layernorm.weight")
	if err != nil {
		return nil, err
	}
	q, err := get("self_attn.q_proj.weight")
	if err != nil {
		return nil, err
	}
	k, err := get("self_attn.k_proj.weight")
	if err != nil {
		return nil, err
	}
	v, err := get("self_attn.v_proj.weight")
	if err != nil {
		return nil, err
	}
	qNorm, err := get("self_attn.q_norm.weight")
	if err != nil {
		return nil, err
	}
	kNorm, err := get("self_attn.k_norm.weight")
	if err != nil {
		return nil, err
	}
	o, err := get("self_attn.o_proj.weight")
	if err != nil {
		return nil, err
	}
	postNorm, err := get("post_attention_layernorm.weight")
	if err != nil {
		return nil, err
	}
	gate, err := get("mlp.gate_proj.weight")
	if err != nil {
		return nil, err
	}
	up, err := get("mlp.up_proj.weight")
	if err != nil {
		return nil, err
	}
	down, err := get("mlp.down_proj.weight")
	if err != nil {
		return nil, err
	}

	return &decoderLayer{
		inputNorm: inputNorm.Data,
		qProj:     tensor.Linear{Weight: q},
		kProj:     tensor.Linear{Weight: k},
		vProj:     tensor.Linear{Weight: v},
		qNorm:     qNorm.Data,
		kNorm:     kNorm.Data,
		oProj:     tensor.Linear{Weight: o},
		postNorm:  postNorm.Data,
		gateProj:  tensor.Linear{Weight: gate},
		upProj:    tensor.Linear{Weight: up},
		downProj:  tensor.Linear{Weight: down},
	}, nil
}

// Config возвращает конфигурацию текстовой башни
func (m *LanguageModel) Config() models.TextConfig {
	return m.cfg
}

// HiddenSize возвращает ширину скрытого слоя
func (m *LanguageModel) HiddenSize() int {
	return m.cfg.HiddenSize
}

// NewCache создаёт KV-кэш под этот декодер
func (m *LanguageModel) NewCache(step int) *KVCache {
	return NewKVCache(m.cfg.NumLayers, m.cfg.NumKVHeads, m.cfg.HeadDim, step)
}

// EmbedTokens возвращает эмбеддинги токенов [len(ids), hidden]
func (m *LanguageModel) EmbedTokens(ids []int) (*tensor.Tensor, error) {
	h := m.cfg.HiddenSize
	out := tensor.New(len(ids), h)
	for i, id := range ids {
		if id < 0 || id >= m.cfg.VocabSize {
			return nil, fmt.Errorf("token id %d out of vocabulary range [0, %d)", id, m.cfg.VocabSize)
		}
		copy(out.Row(i), m.embedding.Row(id))
	}
	return out, nil
}

// Forward прогоняет токены через декодер и возвращает логиты
// последней позиции [vocab]
func (m *LanguageModel) Forward(ids []int, cache *KVCache) ([]float32, error) {
	x, err := m.EmbedTokens(ids)
	if err != nil {
		return nil, err
	}
	return m.ForwardEmbeddings(x, cache)
}

// ForwardEmbeddings прогоняет готовую последовательность эмбеддингов
// [n, hidden] (включая слитые аудио-эмбеддинги) через стек слоёв и
// возвращает логиты последней позиции [vocab].
// При cache == nil используется одноразовый кэш на время вызова:
// семантика как у режима без кэша (полный пересчёт).
func (m *LanguageModel) ForwardEmbeddings(x *tensor.Tensor, cache *KVCache) ([]float32, error) {
	if x.Rows() == 0 {
		return nil, fmt.Errorf("empty embedding sequence")
	}
	if x.Cols() != m.cfg.HiddenSize {
		return nil, fmt.Errorf("embedding width %d does not match hidden size %d",
			x.Cols(), m.cfg.HiddenSize)
	}

	if cache == nil {
		cache = m.NewCache(DefaultCacheStep)
	}

	// Резидуалы аккумулируются в копии: тензор вызывающего не меняется.
	// Режим без кэша передаёт одну и ту же растущую последовательность
	// повторно и рассчитывает увидеть исходные эмбеддинги.
	hidden, err := m.runLayers(x.Clone(), cache)
	if err != nil {
		return nil, err
	}

	// Логиты считаются только для последней позиции: остальные при
	// жадном декодировании не нужны
	last := tensor.FromSlice(hidden.Row(hidden.Rows()-1), 1, m.cfg.HiddenSize)
	normed := tensor.RMSNorm(last, m.finalNorm, m.cfg.RMSNormEps)

	var logits *tensor.Tensor
	if m.lmHead != nil {
		logits = m.lmHead.Forward(normed)
	} else {
		logits = tensor.MatMulTransB(normed, m.embedding)
	}
	return logits.Data, nil
}

// runLayers прогоняет эмбеддинги через все слои декодера и коммитит
// новые токены в кэш
func (m *LanguageModel) runLayers(x *tensor.Tensor, cache *KVCache) (*tensor.Tensor, error) {
	n := x.Rows()

	for li, layer := range m.layers {
		// Pre-norm -> attention -> residual
		normed := tensor.RMSNorm(x, layer.inputNorm, m.cfg.RMSNormEps)
		attnOut, err := m.selfAttention(layer, normed, cache, li)
		if err != nil {
			return nil, err
		}
		tensor.AddInPlace(x, attnOut)

		// Pre-norm -> SwiGLU MLP -> residual
		normed = tensor.RMSNorm(x, layer.postNorm, m.cfg.RMSNormEps)
		gated := layer.gateProj.Forward(normed)
		tensor.SiLU(gated)
		up := layer.upProj.Forward(normed)
		for i := range gated.Data {
			gated.Data[i] *= up.Data[i]
		}
		mlpOut := layer.downProj.Forward(gated)
		tensor.AddInPlace(x, mlpOut)
	}

	cache.Advance(n)
	return x, nil
}

// selfAttention вычисляет grouped-query attention слоя li над n новыми
// позициями с учётом уже закоммиченных в кэше offset токенов
func (m *LanguageModel) selfAttention(layer *decoderLayer, x *tensor.Tensor, cache *KVCache, li int) (*tensor.Tensor, error) {
	var (
		n       = x.Rows()
		heads   = m.cfg.NumHeads
		kvHeads = m.cfg.NumKVHeads
		headDim = m.cfg.HeadDim
		group   = heads / kvHeads
		offset  = cache.Offset()
		seqLen  = offset + n
	)

	q := layer.qProj.Forward(x) // [n, heads*headDim]
	k := layer.kProj.Forward(x) // [n, kvHeads*headDim]
	v := layer.vProj.Forward(x)

	// Пер-головная RMS-норма, затем RoPE; только после этого ключи
	// попадают в кэш — кэш хранит уже нормированные и повёрнутые ключи
	for i := 0; i < n; i++ {
		pos := offset + i
		qRow := q.Row(i)
		for h := 0; h < heads; h++ {
			head := qRow[h*headDim : (h+1)*headDim]
			tensor.RMSNormVec(head, layer.qNorm, m.cfg.RMSNormEps)
			m.applyRotary(head, pos)
		}
		kRow := k.Row(i)
		for h := 0; h < kvHeads; h++ {
			head := kRow[h*headDim : (h+1)*headDim]
			tensor.RMSNormVec(head, layer.kNorm, m.cfg.RMSNormEps)
			m.applyRotary(head, pos)
		}
	}

	if err := cache.Append(li, k.Data, v.Data, n); err != nil {
		return nil, &ResourceError{Err: err}
	}

	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	out := tensor.New(n, heads*headDim)
	scores := make([]float32, seqLen)

	for i := 0; i < n; i++ {
		qRow := q.Row(i)
		outRow := out.Row(i)

		for h := 0; h < heads; h++ {
			// KV-головы разделяются между group query-головами
			kvHead := h / group
			qHead := qRow[h*headDim : (h+1)*headDim]

			for t := 0; t < seqLen; t++ {
				kVec := cache.Key(li, kvHead, t)
				var dot float32
				for d := 0; d < headDim; d++ {
					dot += qHead[d] * kVec[d]
				}
				score := dot * scale
				// Каузальность: позиция offset+i не видит будущее
				if t > offset+i {
					score += attnMaskValue
				}
				scores[t] = score
			}
			tensor.Softmax(scores[:seqLen])

			acc := outRow[h*headDim : (h+1)*headDim]
			for t := 0; t < seqLen; t++ {
				w := scores[t]
				vVec := cache.Value(li, kvHead, t)
				for d := 0; d < headDim; d++ {
					acc[d] += w * vVec[d]
				}
			}
		}
	}

	return layer.oProj.Forward(out), nil
}

// applyRotary поворачивает вектор головы на угол, пропорциональный
// позиции. Каналы делятся пополам непрерывными блоками (не чередованием);
// линейный rope scaling растягивает позиции делением.
func (m *LanguageModel) applyRotary(head []float32, pos int) {
	half := len(head) / 2
	p := float64(pos) / m.ropeScale
	for j := 0; j < half; j++ {
		angle := p * m.invFreq[j]
		cos := float32(math.Cos(angle))
		sin := float32(math.Sin(angle))
		x1, x2 := head[j], head[j+half]
		head[j] = x1*cos - x2*sin
		head[j+half] = x2*cos + x1*sin
	}
}
