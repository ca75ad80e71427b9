package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fdStep = 1e-5

func gradTolerance(numeric float64) float64 {
	return 1e-6 + 1e-4*math.Abs(numeric)
}

func TestMatMulBackward(t *testing.T) {
	a := NewTensorRand(3, 4)
	b := NewTensorRand(4, 2)
	gradC := NewTensorRand(3, 2)

	gradA, gradB := matMulBackward(a, b, gradC)

	loss := func() float64 {
		c := MatMul(a, b)
		total := 0.0
		for i, v := range c.Data() {
			total += v * gradC.Data()[i]
		}
		return total
	}

	for _, idx := range []int{0, 5, 11} {
		orig := a.Data()[idx]
		a.Data()[idx] = orig + fdStep
		lp := loss()
		a.Data()[idx] = orig - fdStep
		lm := loss()
		a.Data()[idx] = orig

		numeric := (lp - lm) / (2 * fdStep)
		assert.InDelta(t, numeric, gradA.Data()[idx], gradTolerance(numeric))
	}

	for _, idx := range []int{0, 3, 7} {
		orig := b.Data()[idx]
		b.Data()[idx] = orig + fdStep
		lp := loss()
		b.Data()[idx] = orig - fdStep
		lm := loss()
		b.Data()[idx] = orig

		numeric := (lp - lm) / (2 * fdStep)
		assert.InDelta(t, numeric, gradB.Data()[idx], gradTolerance(numeric))
	}
}

func TestGELUBackward(t *testing.T) {
	x := NewTensor(1, 5)
	copy(x.Data(), []float64{-2, -0.5, 0, 0.5, 2})

	gradY := NewTensor(1, 5)
	for i := range gradY.Data() {
		gradY.Data()[i] = 1
	}

	gradX := geluBackward(x, gradY)

	for i := range x.Data() {
		orig := x.Data()[i]

		x.Data()[i] = orig + fdStep
		lp := GELU(x).Data()[i]
		x.Data()[i] = orig - fdStep
		lm := GELU(x).Data()[i]
		x.Data()[i] = orig

		numeric := (lp - lm) / (2 * fdStep)
		assert.InDelta(t, numeric, gradX.Data()[i], gradTolerance(numeric))
	}
}

func TestSoftmaxBackward(t *testing.T) {
	x := NewTensorRand(2, 4)
	w := NewTensorRand(2, 4)

	loss := func() float64 {
		y := Softmax(x)
		total := 0.0
		for i, v := range y.Data() {
			total += v * w.Data()[i]
		}
		return total
	}

	gradX := softmaxBackward(Softmax(x), w)

	for i := range x.Data() {
		orig := x.Data()[i]
		x.Data()[i] = orig + fdStep
		lp := loss()
		x.Data()[i] = orig - fdStep
		lm := loss()
		x.Data()[i] = orig

		numeric := (lp - lm) / (2 * fdStep)
		assert.InDelta(t, numeric, gradX.Data()[i], gradTolerance(numeric))
	}
}

func TestLayerNormBackward(t *testing.T) {
	ln := newLayerNorm(6)
	for i := range ln.gamma.Data() {
		ln.gamma.Data()[i] = 1 + 0.1*float64(i)
		ln.beta.Data()[i] = 0.05 * float64(i)
	}

	x := NewTensorRand(3, 6)
	w := NewTensorRand(3, 6)

	loss := func() float64 {
		y := ln.forward(x)
		total := 0.0
		for i, v := range y.Data() {
			total += v * w.Data()[i]
		}
		return total
	}

	ln.gamma.ZeroGrad()
	ln.beta.ZeroGrad()
	gradX := ln.backward(x, w)

	for i := range x.Data() {
		orig := x.Data()[i]
		x.Data()[i] = orig + fdStep
		lp := loss()
		x.Data()[i] = orig - fdStep
		lm := loss()
		x.Data()[i] = orig

		numeric := (lp - lm) / (2 * fdStep)
		assert.InDelta(t, numeric, gradX.Data()[i], gradTolerance(numeric))
	}

	for i := range ln.gamma.Data() {
		orig := ln.gamma.Data()[i]
		ln.gamma.Data()[i] = orig + fdStep
		lp := loss()
		ln.gamma.Data()[i] = orig - fdStep
		lm := loss()
		ln.gamma.Data()[i] = orig

		numeric := (lp - lm) / (2 * fdStep)
		assert.InDelta(t, numeric, ln.gamma.Grad()[i], gradTolerance(numeric))
	}
}

func TestCrossEntropyLossIgnoresMaskedPositions(t *testing.T) {
	logits := NewTensorRand(4, 10)

	full := CrossEntropyLoss(logits, []int{1, 2, 3, 4})
	masked := CrossEntropyLoss(logits, []int{IgnoreIndex, IgnoreIndex, 3, 4})
	allMasked := CrossEntropyLoss(logits, []int{IgnoreIndex, IgnoreIndex, IgnoreIndex, IgnoreIndex})

	assert.NotEqual(t, full, masked)
	assert.Equal(t, 0.0, allMasked)

	grad := CrossEntropyBackward(logits, []int{IgnoreIndex, 2, IgnoreIndex, 4})
	for v := 0; v < 10; v++ {
		assert.Zero(t, grad.At(0, v))
		assert.Zero(t, grad.At(2, v))
	}
}

func TestCrossEntropyBackwardFiniteDiff(t *testing.T) {
	logits := NewTensorRand(3, 8)
	targets := []int{1, IgnoreIndex, 5}

	grad := CrossEntropyBackward(logits, targets)

	for _, idx := range []int{0, 1, 9, 17, 23} {
		orig := logits.Data()[idx]
		logits.Data()[idx] = orig + fdStep
		lp := CrossEntropyLoss(logits, targets)
		logits.Data()[idx] = orig - fdStep
		lm := CrossEntropyLoss(logits, targets)
		logits.Data()[idx] = orig

		numeric := (lp - lm) / (2 * fdStep)
		assert.InDelta(t, numeric, grad.Data()[idx], gradTolerance(numeric))
	}
}

// Full-network gradient check: analytic gradients from Backward must
// match central finite differences of the loss.
func TestModelBackwardFiniteDiff(t *testing.T) {
	cfg := Config{
		VocabSize: 20,
		SeqLen:    8,
		EmbedDim:  8,
		NumHeads:  2,
		NumLayers: 1,
		FFHidden:  12,
	}
	m := NewCausalLM(cfg)

	ids := []int{1, 2, 3, 4, 5}
	targets := []int{2, 3, 4, 5, 6}

	loss := func() float64 {
		return CrossEntropyLoss(m.Forward(ids), targets)
	}

	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
	logits, cache := m.ForwardWithCache(ids)
	m.Backward(CrossEntropyBackward(logits, targets), cache)

	blk := m.blocks[0]
	checks := []struct {
		name   string
		tensor *Tensor
		idx    int
	}{
		{"token embedding", m.tokenEmbed, 1*cfg.EmbedDim + 2},
		{"position embedding", m.posEmbed, 3},
		{"attention wq", blk.attn.wq, 5},
		{"attention wk", blk.attn.wk, 12},
		{"attention wv", blk.attn.wv, 20},
		{"attention wo", blk.attn.wo, 33},
		{"ln1 gamma", blk.ln1.gamma, 2},
		{"ln2 beta", blk.ln2.beta, 4},
		{"ff w1", blk.ff.w1, 7},
		{"ff b1", blk.ff.b1, 3},
		{"ff w2", blk.ff.w2, 15},
		{"final ln gamma", m.lnFinal.gamma, 1},
		{"lm head", m.lmHead, 42},
	}

	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			require.Less(t, c.idx, c.tensor.Size())

			orig := c.tensor.Data()[c.idx]
			c.tensor.Data()[c.idx] = orig + fdStep
			lp := loss()
			c.tensor.Data()[c.idx] = orig - fdStep
			lm := loss()
			c.tensor.Data()[c.idx] = orig

			numeric := (lp - lm) / (2 * fdStep)
			assert.InDelta(t, numeric, c.tensor.Grad()[c.idx], gradTolerance(numeric))
		})
	}
}
