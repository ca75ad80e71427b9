// Package model implements a small GPT-style causal language model with
// enough training machinery (backward pass, LoRA adapters, serialization)
// to drive supervised fine-tuning on the CPU.
package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Config holds the transformer hyperparameters.
type Config struct {
	VocabSize int     `json:"vocab_size"`
	SeqLen    int     `json:"seq_len"`
	EmbedDim  int     `json:"embed_dim"`
	NumHeads  int     `json:"num_heads"`
	NumLayers int     `json:"num_layers"`
	FFHidden  int     `json:"ff_hidden"`
	Dropout   float64 `json:"dropout"`
}

type attention struct {
	embedDim int
	numHeads int
	headDim  int

	wq, wk, wv, wo *Tensor
}

func newAttention(embedDim, numHeads int) *attention {
	if embedDim%numHeads != 0 {
		panic(fmt.Sprintf("model: embedDim (%d) must be divisible by numHeads (%d)", embedDim, numHeads))
	}

	scale := math.Sqrt(2.0 / float64(embedDim))
	init := func() *Tensor {
		t := NewTensorRand(embedDim, embedDim)
		for i := range t.data {
			t.data[i] *= scale
		}
		return t
	}

	return &attention{
		embedDim: embedDim,
		numHeads: numHeads,
		headDim:  embedDim / numHeads,
		wq:       init(),
		wk:       init(),
		wv:       init(),
		wo:       init(),
	}
}

// forward computes causally masked multi-head self-attention. When cache
// is non-nil the activations needed by backward are recorded.
func (a *attention) forward(x *Tensor, cache *attentionCache) *Tensor {
	seqLen := x.shape[0]

	q := MatMul(x, a.wq)
	k := MatMul(x, a.wk)
	v := MatMul(x, a.wv)

	scale := 1.0 / math.Sqrt(float64(a.headDim))
	context := NewTensor(seqLen, a.embedDim)

	var headWeights []*Tensor
	if cache != nil {
		headWeights = make([]*Tensor, a.numHeads)
	}

	for h := 0; h < a.numHeads; h++ {
		qh := sliceHead(q, h, a.headDim)
		kh := sliceHead(k, h, a.headDim)
		vh := sliceHead(v, h, a.headDim)

		scores := Scale(MatMul(qh, Transpose(kh)), scale)
		for i := 0; i < seqLen; i++ {
			for j := i + 1; j < seqLen; j++ {
				scores.Set(-1e9, i, j)
			}
		}

		weights := Softmax(scores)
		if cache != nil {
			headWeights[h] = weights
		}

		scatterHead(context, MatMul(weights, vh), h, a.headDim)
	}

	if cache != nil {
		cache.input = x.Clone()
		cache.q, cache.k, cache.v = q, k, v
		cache.headWeights = headWeights
		cache.context = context.Clone()
	}

	return MatMul(context, a.wo)
}

func sliceHead(t *Tensor, head, headDim int) *Tensor {
	seqLen := t.shape[0]
	out := NewTensor(seqLen, headDim)
	offset := head * headDim
	for i := 0; i < seqLen; i++ {
		copy(out.data[i*headDim:(i+1)*headDim], t.data[i*t.shape[1]+offset:i*t.shape[1]+offset+headDim])
	}
	return out
}

func scatterHead(dst, src *Tensor, head, headDim int) {
	seqLen := src.shape[0]
	offset := head * headDim
	for i := 0; i < seqLen; i++ {
		copy(dst.data[i*dst.shape[1]+offset:i*dst.shape[1]+offset+headDim], src.data[i*headDim:(i+1)*headDim])
	}
}

type layerNorm struct {
	dim   int
	eps   float64
	gamma *Tensor
	beta  *Tensor
}

func newLayerNorm(dim int) *layerNorm {
	gamma := NewTensor(dim)
	for i := range gamma.data {
		gamma.data[i] = 1.0
	}
	return &layerNorm{
		dim:   dim,
		eps:   1e-5,
		gamma: gamma,
		beta:  NewTensor(dim),
	}
}

func (ln *layerNorm) forward(x *Tensor) *Tensor {
	seqLen, features := x.shape[0], x.shape[1]
	out := NewTensor(seqLen, features)

	for i := 0; i < seqLen; i++ {
		mean := 0.0
		for j := 0; j < features; j++ {
			mean += x.At(i, j)
		}
		mean /= float64(features)

		variance := 0.0
		for j := 0; j < features; j++ {
			diff := x.At(i, j) - mean
			variance += diff * diff
		}
		variance /= float64(features)

		std := math.Sqrt(variance + ln.eps)
		for j := 0; j < features; j++ {
			normalized := (x.At(i, j) - mean) / std
			out.Set(normalized*ln.gamma.data[j]+ln.beta.data[j], i, j)
		}
	}

	return out
}

type feedForward struct {
	w1, b1 *Tensor
	w2, b2 *Tensor
}

func newFeedForward(embedDim, hiddenDim int) *feedForward {
	return &feedForward{
		w1: NewTensorRand(embedDim, hiddenDim),
		b1: NewTensor(hiddenDim),
		w2: NewTensorRand(hiddenDim, embedDim),
		b2: NewTensor(embedDim),
	}
}

func (ff *feedForward) forward(x *Tensor, cache *ffCache) *Tensor {
	hidden := MatMul(x, ff.w1)
	addBiasInPlace(hidden, ff.b1)

	var pre *Tensor
	if cache != nil {
		pre = hidden.Clone()
	}

	hidden = GELU(hidden)

	if cache != nil {
		cache.input = x.Clone()
		cache.preActivation = pre
		cache.hidden = hidden.Clone()
	}

	out := MatMul(hidden, ff.w2)
	addBiasInPlace(out, ff.b2)
	return out
}

func addBiasInPlace(x, bias *Tensor) {
	rows, cols := x.shape[0], x.shape[1]
	for i := 0; i < rows; i++ {
		row := x.data[i*cols : (i+1)*cols]
		for j := range row {
			row[j] += bias.data[j]
		}
	}
}

type block struct {
	ln1  *layerNorm
	attn *attention
	ln2  *layerNorm
	ff   *feedForward
}

func newBlock(config Config) *block {
	return &block{
		ln1:  newLayerNorm(config.EmbedDim),
		attn: newAttention(config.EmbedDim, config.NumHeads),
		ln2:  newLayerNorm(config.EmbedDim),
		ff:   newFeedForward(config.EmbedDim, config.FFHidden),
	}
}

// CausalLM is a pre-norm GPT: token+position embeddings, a stack of
// attention/feed-forward blocks, final layer norm and an LM head.
type CausalLM struct {
	config Config

	tokenEmbed *Tensor
	posEmbed   *Tensor
	blocks     []*block
	lnFinal    *layerNorm
	lmHead     *Tensor
}

func NewCausalLM(config Config) *CausalLM {
	tokenEmbed := NewTensorRand(config.VocabSize, config.EmbedDim)
	posEmbed := NewTensorRand(config.SeqLen, config.EmbedDim)

	blocks := make([]*block, config.NumLayers)
	for i := range blocks {
		blocks[i] = newBlock(config)
	}

	return &CausalLM{
		config:     config,
		tokenEmbed: tokenEmbed,
		posEmbed:   posEmbed,
		blocks:     blocks,
		lnFinal:    newLayerNorm(config.EmbedDim),
		lmHead:     NewTensorRand(config.EmbedDim, config.VocabSize),
	}
}

func (m *CausalLM) Config() Config {
	return m.config
}

// Forward computes logits for the input token ids.
// Returns a (seqLen, vocabSize) tensor.
func (m *CausalLM) Forward(inputIDs []int) *Tensor {
	logits, _ := m.forward(inputIDs, false)
	return logits
}

// ForwardWithCache runs the forward pass recording every activation the
// backward pass needs.
func (m *CausalLM) ForwardWithCache(inputIDs []int) (*Tensor, *ForwardCache) {
	return m.forward(inputIDs, true)
}

func (m *CausalLM) forward(inputIDs []int, withCache bool) (*Tensor, *ForwardCache) {
	seqLen := len(inputIDs)
	if seqLen == 0 {
		panic("model: empty input sequence")
	}
	if seqLen > m.config.SeqLen {
		panic(fmt.Sprintf("model: sequence length %d exceeds maximum %d", seqLen, m.config.SeqLen))
	}

	x := NewTensor(seqLen, m.config.EmbedDim)
	for i, tokenID := range inputIDs {
		if tokenID < 0 || tokenID >= m.config.VocabSize {
			panic(fmt.Sprintf("model: token id %d out of vocabulary range [0,%d)", tokenID, m.config.VocabSize))
		}
		for d := 0; d < m.config.EmbedDim; d++ {
			x.data[i*m.config.EmbedDim+d] = m.tokenEmbed.At(tokenID, d) + m.posEmbed.At(i, d)
		}
	}

	var cache *ForwardCache
	if withCache {
		cache = &ForwardCache{
			tokenIDs:    inputIDs,
			blockCaches: make([]*blockCache, m.config.NumLayers),
		}
	}

	for layer, blk := range m.blocks {
		var bc *blockCache
		var ac *attentionCache
		var fc *ffCache
		if withCache {
			bc = &blockCache{input: x.Clone()}
			ac = &attentionCache{}
			fc = &ffCache{}
			cache.blockCaches[layer] = bc
		}

		n1 := blk.ln1.forward(x)
		x = Add(x, blk.attn.forward(n1, ac))

		if withCache {
			bc.afterAttn = x.Clone()
			bc.attnCache = ac
		}

		n2 := blk.ln2.forward(x)
		x = Add(x, blk.ff.forward(n2, fc))

		if withCache {
			bc.ffCache = fc
		}
	}

	if withCache {
		cache.lnFinalInput = x.Clone()
	}

	x = m.lnFinal.forward(x)

	if withCache {
		cache.lnFinalOut = x.Clone()
	}

	return MatMul(x, m.lmHead), cache
}

// Parameters returns every weight tensor in a stable order. The same
// order is used by serialization.
func (m *CausalLM) Parameters() []*Tensor {
	params := []*Tensor{m.tokenEmbed, m.posEmbed}

	for _, blk := range m.blocks {
		params = append(params,
			blk.ln1.gamma, blk.ln1.beta,
			blk.attn.wq, blk.attn.wk, blk.attn.wv, blk.attn.wo,
			blk.ln2.gamma, blk.ln2.beta,
			blk.ff.w1, blk.ff.b1, blk.ff.w2, blk.ff.b2,
		)
	}

	params = append(params, m.lnFinal.gamma, m.lnFinal.beta, m.lmHead)
	return params
}

// NumParameters is the total trainable element count.
func (m *CausalLM) NumParameters() int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Size()
	}
	return total
}

// SampleConfig controls generation sampling. Temperature 0 is greedy.
// MinTokens suppresses the end-of-text token for that many positions.
type SampleConfig struct {
	Temperature float64
	TopK        int
	MaxTokens   int
	MinTokens   int
}

// Generate produces up to cfg.MaxTokens new tokens autoregressively,
// stopping early at the end-of-text token.
func (m *CausalLM) Generate(prompt []int, eosID int, cfg SampleConfig) []int {
	tokens := make([]int, len(prompt))
	copy(tokens, prompt)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 64
	}

	for i := 0; i < maxTokens; i++ {
		window := tokens
		if len(window) > m.config.SeqLen {
			window = window[len(window)-m.config.SeqLen:]
		}

		logits := m.Forward(window)

		lastPos := logits.shape[0] - 1
		lastLogits := make([]float64, m.config.VocabSize)
		for v := 0; v < m.config.VocabSize; v++ {
			lastLogits[v] = logits.At(lastPos, v)
		}
		if i < cfg.MinTokens && eosID >= 0 && eosID < len(lastLogits) {
			lastLogits[eosID] = math.Inf(-1)
		}

		next := sampleToken(lastLogits, cfg)
		tokens = append(tokens, next)

		if next == eosID {
			break
		}
	}

	return tokens
}

func sampleToken(logits []float64, cfg SampleConfig) int {
	if cfg.Temperature == 0 {
		return argmax(logits)
	}

	scaled := make([]float64, len(logits))
	for i, l := range logits {
		scaled[i] = l / cfg.Temperature
	}

	probs := softmaxSlice(scaled)
	if cfg.TopK > 0 && cfg.TopK < len(probs) {
		probs = topK(probs, cfg.TopK)
	}

	r := rand.Float64()
	cum := 0.0
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	return len(probs) - 1
}

func argmax(data []float64) int {
	maxIdx := 0
	for i := 1; i < len(data); i++ {
		if data[i] > data[maxIdx] {
			maxIdx = i
		}
	}
	return maxIdx
}

func softmaxSlice(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}

	sum := 0.0
	probs := make([]float64, len(logits))
	for i, l := range logits {
		probs[i] = math.Exp(l - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func topK(probs []float64, k int) []float64 {
	type indexed struct {
		idx  int
		prob float64
	}

	items := make([]indexed, len(probs))
	for i, p := range probs {
		items[i] = indexed{i, p}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].prob > items[j].prob })

	filtered := make([]float64, len(probs))
	total := 0.0
	for i := 0; i < k; i++ {
		filtered[items[i].idx] = items[i].prob
		total += items[i].prob
	}
	if total > 0 {
		for i := range filtered {
			filtered[i] /= total
		}
	}
	return filtered
}
