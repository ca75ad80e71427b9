package trainer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/model"
)

func TestAdamMinimizesQuadratic(t *testing.T) {
	p := model.NewTensor(1)
	p.Data()[0] = 5.0

	opt := NewAdam([]*model.Tensor{p}, 0.1, 0)

	// Minimize f(x) = x^2, grad = 2x.
	for i := 0; i < 200; i++ {
		p.ZeroGrad()
		p.Grad()[0] = 2 * p.Data()[0]
		opt.Step()
	}

	assert.InDelta(t, 0.0, p.Data()[0], 0.1)
}

func TestAdamWeightDecayShrinksParameters(t *testing.T) {
	p := model.NewTensor(1)
	p.Data()[0] = 1.0

	opt := NewAdam([]*model.Tensor{p}, 0.01, 0.5)

	// Zero gradient: only the decay term acts.
	for i := 0; i < 50; i++ {
		p.ZeroGrad()
		opt.Step()
	}

	assert.Less(t, p.Data()[0], 1.0)
	assert.Greater(t, p.Data()[0], 0.0)
}

func TestClipGradNorm(t *testing.T) {
	p := model.NewTensor(4)
	copy(p.Grad(), []float64{3, 4, 0, 0})

	norm := ClipGradNorm([]*model.Tensor{p}, 1.0)
	assert.InDelta(t, 5.0, norm, 1e-12)

	clipped := 0.0
	for _, g := range p.Grad() {
		clipped += g * g
	}
	assert.InDelta(t, 1.0, math.Sqrt(clipped), 1e-9)
}

func TestClipGradNormBelowThreshold(t *testing.T) {
	p := model.NewTensor(2)
	copy(p.Grad(), []float64{0.3, 0.4})

	norm := ClipGradNorm([]*model.Tensor{p}, 1.0)
	assert.InDelta(t, 0.5, norm, 1e-12)
	assert.Equal(t, []float64{0.3, 0.4}, p.Grad())
}

func TestLRSchedulerWarmupAndDecay(t *testing.T) {
	s := NewLRScheduler(1e-3, 10, 100)

	// Linear warmup up to the base rate.
	assert.InDelta(t, 1e-4, s.LR(1), 1e-12)
	assert.Less(t, s.LR(5), s.LR(10))
	assert.InDelta(t, 1e-3, s.LR(10), 1e-12)

	// Cosine decay afterwards.
	require.Greater(t, s.LR(20), s.LR(60))
	assert.Greater(t, s.LR(60), s.LR(99))
	assert.GreaterOrEqual(t, s.LR(100), 0.0)
	assert.InDelta(t, 0.0, s.LR(100), 1e-6)
}

func TestLRSchedulerNoWarmup(t *testing.T) {
	s := NewLRScheduler(1e-3, 0, 50)

	assert.Greater(t, s.LR(1), 0.0)
	assert.Greater(t, s.LR(1), s.LR(40))
}
