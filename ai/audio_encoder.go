package ai

import (
	"fmt"
	"math"

	"aivoice/models"
	"aivoice/tensor"
)

// AudioEncoder аудио-башня Qwen3-ASR: свёрточный фронтенд с даунсемплингом,
// синусоидальные позиции и стек transformer-слоёв с блочно-диагональной
// маской attention. Двухуровневое окно — маленькие conv-чанки и более
// крупные attention-блоки — ограничивает квадратичную стоимость attention
// на длинных записях.
type AudioEncoder struct {
	cfg models.AudioConfig

	conv1, conv2, conv3 conv2D
	inProj              tensor.Linear
	posEmbedding        *tensor.Tensor // [maxSourcePositions, dModel], фиксированные
	layers              []*encoderLayer
	lnPost              layerNormParams
	proj1, proj2        tensor.Linear

	headDim int
}

type encoderLayer struct {
	attnNorm layerNormParams
	qProj    tensor.Linear
	kProj    tensor.Linear
	vProj    tensor.Linear
	outProj  tensor.Linear
	mlpNorm  layerNormParams
	fc1      tensor.Linear
	fc2      tensor.Linear
}

type layerNormParams struct {
	gamma []float32
	beta  []float32
}

// conv2D свёртка 3x3 с паддингом 1. Вход и выход в раскладке [C, T, F].
type conv2D struct {
	weight  *tensor.Tensor // [Cout, Cin, 3, 3]
	bias    []float32
	strideT int
	strideF int
}

// audioEncoderSlots возвращает ожидаемый набор параметров аудио-башни
func audioEncoderSlots(cfg models.AudioConfig) []models.Slot {
	d := cfg.DModel
	h := cfg.DownsampleHidden
	// Три stride-2 стадии по mel-оси: 128 -> 64 -> 32 -> 16
	melOut := cfg.NumMelBins / 8

	slots := []models.Slot{
		{Name: "audio_tower.conv1.weight", Shape: []int{h, 1, 3, 3}},
		{Name: "audio_tower.conv1.bias", Shape: []int{h}},
		{Name: "audio_tower.conv2.weight", Shape: []int{h, h, 3, 3}},
		{Name: "audio_tower.conv2.bias", Shape: []int{h}},
		{Name: "audio_tower.conv3.weight", Shape: []int{h, h, 3, 3}},
		{Name: "audio_tower.conv3.bias", Shape: []int{h}},
		{Name: "audio_tower.conv_out.weight", Shape: []int{d, h * melOut}},
		{Name: "audio_tower.conv_out.bias", Shape: []int{d}},
		{Name: "audio_tower.ln_post.weight", Shape: []int{d}},
		{Name: "audio_tower.ln_post.bias", Shape: []int{d}},
		{Name: "audio_tower.proj1.weight", Shape: []int{d, d}},
		{Name: "audio_tower.proj1.bias", Shape: []int{d}},
		{Name: "audio_tower.proj2.weight", Shape: []int{cfg.OutputDim, d}},
		{Name: "audio_tower.proj2.bias", Shape: []int{cfg.OutputDim}},
	}
	for i := 0; i < cfg.EncoderLayers; i++ {
		p := fmt.Sprintf("audio_tower.layers.%d.", i)
		slots = append(slots,
			models.Slot{Name: p + "self_attn_layer_norm.weight", Shape: []int{d}},
			models.Slot{Name: p + "self_attn_layer_norm.bias", Shape: []int{d}},
			models.Slot{Name: p + "self_attn.q_proj.weight", Shape: []int{d, d}},
			models.Slot{Name: p + "self_attn.q_proj.bias", Shape: []int{d}},
			models.Slot{Name: p + "self_attn.k_proj.weight", Shape: []int{d, d}},
			models.Slot{Name: p + "self_attn.k_proj.bias", Shape: []int{d}},
			models.Slot{Name: p + "self_attn.v_proj.weight", Shape: []int{d, d}},
			models.Slot{Name: p + "self_attn.v_proj.bias", Shape: []int{d}},
			models.Slot{Name: p + "self_attn.out_proj.weight", Shape: []int{d, d}},
			models.Slot{Name: p + "self_attn.out_proj.bias", Shape: []int{d}},
			models.Slot{Name: p + "final_layer_norm.weight", Shape: []int{d}},
			models.Slot{Name: p + "final_layer_norm.bias", Shape: []int{d}},
			models.Slot{Name: p + "fc1.weight", Shape: []int{cfg.EncoderFFNDim, d}},
			models.Slot{Name: p + "fc1.bias", Shape: []int{cfg.EncoderFFNDim}},
			models.Slot{Name: p + "fc2.weight", Shape: []int{d, cfg.EncoderFFNDim}},
			models.Slot{Name: p + "fc2.bias", Shape: []int{d}},
		)
	}
	return slots
}

// NewAudioEncoder строит аудио-энкодер и применяет на него веса
func NewAudioEncoder(cfg models.AudioConfig, weights *models.WeightSet) (*AudioEncoder, error) {
	e := &AudioEncoder{
		cfg:     cfg,
		layers:  make([]*encoderLayer, cfg.EncoderLayers),
		headDim: cfg.DModel / cfg.EncoderHeads,
	}

	loadConv := func(name string, strideT, strideF int) (conv2D, error) {
		w, err := weights.MustGet("audio_tower." + name + ".weight")
		if err != nil {
			return conv2D{}, err
		}
		b, err := weights.MustGet("audio_tower." + name + ".bias")
		if err != nil {
			return conv2D{}, err
		}
		return conv2D{weight: w, bias: b.Data, strideT: strideT, strideF: strideF}, nil
	}

	var err error
	// Временная ось сжимается дважды (x4), mel-ось трижды (128 -> 16)
	if e.conv1, err = loadConv("conv1", 2, 2); err != nil {
		return nil, err
	}
	if e.conv2, err = loadConv("conv2", 2, 2); err != nil {
		return nil, err
	}
	if e.conv3, err = loadConv("conv3", 1, 2); err != nil {
		return nil, err
	}

	if e.inProj, err = loadLinear(weights, "audio_tower.conv_out"); err != nil {
		return nil, err
	}

	for i := 0; i < cfg.EncoderLayers; i++ {
		layer, err := loadEncoderLayer(weights, i)
		if err != nil {
			return nil, err
		}
		e.layers[i] = layer
	}

	if e.lnPost, err = loadLayerNorm(weights, "audio_tower.ln_post"); err != nil {
		return nil, err
	}
	if e.proj1, err = loadLinear(weights, "audio_tower.proj1"); err != nil {
		return nil, err
	}
	if e.proj2, err = loadLinear(weights, "audio_tower.proj2"); err != nil {
		return nil, err
	}

	e.posEmbedding = sinusoidalPositions(cfg.MaxSourcePositions, cfg.DModel)
	return e, nil
}

func loadLinear(weights *models.WeightSet, name string) (tensor.Linear, error) {
	w, err := weights.MustGet(name + ".weight")
	if err != nil {
		return tensor.Linear{}, err
	}
	b, err := weights.MustGet(name + ".bias")
	if err != nil {
		return tensor.Linear{}, err
	}
	return tensor.Linear{Weight: w, Bias: b}, nil
}

func loadLayerNorm(weights *models.WeightSet, name string) (layerNormParams, error) {
	g, err := weights.MustGet(name + ".weight")
	if err != nil {
		return layerNormParams{}, err
	}
	b, err := weights.MustGet(name + ".bias")
	if err != nil {
		return layerNormParams{}, err
	}
	return layerNormParams{gamma: g.Data, beta: b.Data}, nil
}

func loadEncoderLayer(weights *models.WeightSet, i int) (*encoderLayer, error) {
	p := fmt.Sprintf("audio_tower.layers.%d.", i)

	attnNorm, err := loadLayerNorm(weights, p+"self_attn_layer_norm")
	if err != nil {
		return nil, err
	}
	q, err := loadLinear(weights, p+"self_attn.q_proj")
	if err != nil {
		return nil, err
	}
	k, err := loadLinear(weights, p+"self_attn.k_proj")
	if err != nil {
		return nil, err
	}
	v, err := loadLinear(weights, p+"self_attn.v_proj")
	if err != nil {
		return nil, err
	}
	out, err := loadLinear(weights, p+"self_attn.out_proj")
	if err != nil {
		return nil, err
	}
	mlpNorm, err := loadLayerNorm(weights, p+"final_layer_norm")
	if err != nil {
		return nil, err
	}
	fc1, err := loadLinear(weights, p+"fc1")
	if err != nil {
		return nil, err
	}
	fc2, err := loadLinear(weights, p+"fc2")
	if err != nil {
		return nil, err
	}

	return &encoderLayer{
		attnNorm: attnNorm,
		qProj:    q,
		kProj:    k,
		vProj:    v,
		outProj:  out,
		mlpNorm:  mlpNorm,
		fc1:      fc1,
		fc2:      fc2,
	}, nil
}

// OutputDim возвращает ширину выходных аудио-эмбеддингов
func (e *AudioEncoder) OutputDim() int {
	return e.cfg.OutputDim
}

// Encode превращает mel-спектрограмму [frames][nMels] в последовательность
// аудио-эмбеддингов [L, outputDim]. Пустой вход даёт тензор с нулём строк.
func (e *AudioEncoder) Encode(mel [][]float32) (*tensor.Tensor, error) {
	if len(mel) == 0 {
		return tensor.New(0, e.cfg.OutputDim), nil
	}
	if len(mel[0]) != e.cfg.NumMelBins {
		return nil, fmt.Errorf("mel bins %d do not match config %d", len(mel[0]), e.cfg.NumMelBins)
	}

	// Conv-фронтенд работает по чанкам фиксированной длины: каждый чанк
	// дополняется нулями до размера чанка, затем паддинг отрезается по
	// закрытой формуле длины
	chunkSize := e.cfg.ConvChunkSize
	var pieces []*tensor.Tensor
	totalLen := 0
	for start := 0; start < len(mel); start += chunkSize {
		end := start + chunkSize
		if end > len(mel) {
			end = len(mel)
		}
		validFrames := end - start

		out := e.convFrontend(mel[start:end], chunkSize)
		validLen := convOutputLength(validFrames)
		if validLen > out.Rows() {
			validLen = out.Rows()
		}
		piece := tensor.FromSlice(out.Data[:validLen*out.Cols()], validLen, out.Cols())
		pieces = append(pieces, piece)
		totalLen += validLen
	}

	// Склейка чанков в одну плоскую последовательность + проекция в
	// ширину модели + синусоидальные позиции
	concat := tensor.New(totalLen, pieces[0].Cols())
	row := 0
	for _, p := range pieces {
		copy(concat.Data[row*concat.Cols():], p.Data)
		row += p.Rows()
	}

	hidden := e.inProj.Forward(concat) // [totalLen, dModel]
	e.addPositions(hidden)

	// Блочно-диагональная маска: attention не пересекает границы блоков.
	// Размер блока задан в входных фреймах и пересчитан в выходные шаги
	// (временная ось сжата conv-фронтендом в 4 раза).
	blockSize := e.cfg.NWindowInfer / 4
	if blockSize < 1 {
		blockSize = totalLen
	}
	blockIDs := make([]int, totalLen)
	for i := range blockIDs {
		blockIDs[i] = i / blockSize
	}

	for _, layer := range e.layers {
		// Pre-norm -> masked MHSA -> residual
		normed := tensor.LayerNorm(hidden, layer.attnNorm.gamma, layer.attnNorm.beta, 1e-5)
		attnOut := e.selfAttention(layer, normed, blockIDs)
		tensor.AddInPlace(hidden, attnOut)

		// Pre-norm -> MLP (GELU) -> residual
		normed = tensor.LayerNorm(hidden, layer.mlpNorm.gamma, layer.mlpNorm.beta, 1e-5)
		mid := layer.fc1.Forward(normed)
		tensor.GELU(mid)
		mlpOut := layer.fc2.Forward(mid)
		tensor.AddInPlace(hidden, mlpOut)
	}

	// Финальная нормализация и двухслойная проекционная голова в ширину
	// эмбеддингов языковой модели
	hidden = tensor.LayerNorm(hidden, e.lnPost.gamma, e.lnPost.beta, 1e-5)
	hidden = e.proj1.Forward(hidden)
	tensor.GELU(hidden)
	return e.proj2.Forward(hidden), nil
}

// convFrontend прогоняет один чанк mel-фреймов через три свёртки с GELU.
// Чанк дополняется нулями до padTo фреймов; выход [t', hidden*melOut].
func (e *AudioEncoder) convFrontend(mel [][]float32, padTo int) *tensor.Tensor {
	frames := len(mel)
	if padTo < frames {
		padTo = frames
	}

	// Вход [1, padTo, nMels]
	in := tensor.New(1, padTo, e.cfg.NumMelBins)
	for t, row := range mel {
		copy(in.Data[t*e.cfg.NumMelBins:], row)
	}

	x := e.conv1.forward(in)
	tensor.GELU(x)
	x = e.conv2.forward(x)
	tensor.GELU(x)
	x = e.conv3.forward(x)
	tensor.GELU(x)

	// [C, T', F'] -> [T', C*F']
	channels, tOut, fOut := x.Dim(0), x.Dim(1), x.Dim(2)
	out := tensor.New(tOut, channels*fOut)
	for t := 0; t < tOut; t++ {
		dst := out.Row(t)
		for c := 0; c < channels; c++ {
			for f := 0; f < fOut; f++ {
				dst[c*fOut+f] = x.Data[(c*tOut+t)*fOut+f]
			}
		}
	}
	return out
}

// convOutputLength закрытая формула длины после conv-фронтенда: две
// последовательные stride-2/kernel-3/pad-1 редукции временной оси
func convOutputLength(frames int) int {
	if frames <= 0 {
		return 0
	}
	d1 := (frames-1)/2 + 1
	return (d1-1)/2 + 1
}

// forward применяет свёртку к входу [Cin, T, F] через im2col + BLAS
func (c *conv2D) forward(in *tensor.Tensor) *tensor.Tensor {
	cin, tIn, fIn := in.Dim(0), in.Dim(1), in.Dim(2)
	cout := c.weight.Dim(0)

	tOut := (tIn-1)/c.strideT + 1
	fOut := (fIn-1)/c.strideF + 1

	// im2col: каждая выходная позиция -> строка патча [Cin*3*3]
	patchLen := cin * 9
	patches := tensor.New(tOut*fOut, patchLen)
	for ti := 0; ti < tOut; ti++ {
		for fi := 0; fi < fOut; fi++ {
			dst := patches.Row(ti*fOut + fi)
			for ci := 0; ci < cin; ci++ {
				for ki := 0; ki < 3; ki++ {
					srcT := ti*c.strideT - 1 + ki
					for kj := 0; kj < 3; kj++ {
						srcF := fi*c.strideF - 1 + kj
						var v float32
						if srcT >= 0 && srcT < tIn && srcF >= 0 && srcF < fIn {
							v = in.Data[(ci*tIn+srcT)*fIn+srcF]
						}
						dst[(ci*3+ki)*3+kj] = v
					}
				}
			}
		}
	}

	// [tOut*fOut, patchLen] x [cout, patchLen]^T = [tOut*fOut, cout]
	w := c.weight.Reshape(cout, patchLen)
	res := tensor.MatMulTransB(patches, w)
	tensor.AddRowInPlace(res, c.bias)

	// Перекладка в [Cout, T', F']
	out := tensor.New(cout, tOut, fOut)
	for p := 0; p < tOut*fOut; p++ {
		row := res.Row(p)
		for co := 0; co < cout; co++ {
			out.Data[co*tOut*fOut+p] = row[co]
		}
	}
	return out
}

// selfAttention MHSA с блочно-диагональной аддитивной маской:
// позиции из разных блоков получают -1e9 к логитам attention
func (e *AudioEncoder) selfAttention(layer *encoderLayer, x *tensor.Tensor, blockIDs []int) *tensor.Tensor {
	n := x.Rows()
	heads := e.cfg.EncoderHeads
	headDim := e.headDim

	q := layer.qProj.Forward(x)
	k := layer.kProj.Forward(x)
	v := layer.vProj.Forward(x)

	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	out := tensor.New(n, heads*headDim)
	scores := make([]float32, n)

	for h := 0; h < heads; h++ {
		hOff := h * headDim
		for i := 0; i < n; i++ {
			qHead := q.Row(i)[hOff : hOff+headDim]
			for t := 0; t < n; t++ {
				kHead := k.Row(t)[hOff : hOff+headDim]
				var dot float32
				for d := 0; d < headDim; d++ {
					dot += qHead[d] * kHead[d]
				}
				score := dot * scale
				if blockIDs[i] != blockIDs[t] {
					score += attnMaskValue
				}
				scores[t] = score
			}
			tensor.Softmax(scores[:n])

			acc := out.Row(i)[hOff : hOff+headDim]
			for t := 0; t < n; t++ {
				w := scores[t]
				if w == 0 {
					continue
				}
				vHead := v.Row(t)[hOff : hOff+headDim]
				for d := 0; d < headDim; d++ {
					acc[d] += w * vHead[d]
				}
			}
		}
	}

	return layer.outProj.Forward(out)
}

// addPositions прибавляет фиксированные синусоидальные позиции,
// обрезанные до фактической длины последовательности
func (e *AudioEncoder) addPositions(x *tensor.Tensor) {
	d := x.Cols()
	maxPos := e.posEmbedding.Rows()
	for i := 0; i < x.Rows(); i++ {
		pos := i
		if pos >= maxPos {
			pos = maxPos - 1
		}
		row := x.Row(i)
		pe := e.posEmbedding.Row(pos)
		for j := 0; j < d; j++ {
			row[j] += pe[j]
		}
	}
}

// sinusoidalPositions строит стандартную таблицу sin/cos позиций:
// первая половина каналов — sin, вторая — cos, базовый период 10000
func sinusoidalPositions(maxPositions, dim int) *tensor.Tensor {
	pe := tensor.New(maxPositions, dim)
	half := dim / 2
	logTimescale := math.Log(10000) / float64(half-1)
	for pos := 0; pos < maxPositions; pos++ {
		row := pe.Row(pos)
		for j := 0; j < half; j++ {
			invTimescale := math.Exp(-logTimescale * float64(j))
			angle := float64(pos) * invTimescale
			row[j] = float32(math.Sin(angle))
			row[j+half] = float32(math.Cos(angle))
		}
	}
	return pe
}
