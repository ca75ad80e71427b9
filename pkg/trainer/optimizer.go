package trainer

import (
	"math"

	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/model"
)

// Adam implements the AdamW optimizer with bias correction and
// decoupled weight decay over a fixed parameter list.
type Adam struct {
	params []*model.Tensor

	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64

	step int
	m    [][]float64
	v    [][]float64
}

func NewAdam(params []*model.Tensor, lr, weightDecay float64) *Adam {
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, p.Size())
		v[i] = make([]float64, p.Size())
	}

	return &Adam{
		params:      params,
		lr:          lr,
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

func (o *Adam) SetLR(lr float64) {
	o.lr = lr
}

// Step applies one update to every parameter from its accumulated
// gradient.
func (o *Adam) Step() {
	o.step++
	bc1 := 1.0 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1.0 - math.Pow(o.beta2, float64(o.step))

	for i, p := range o.params {
		data := p.Data()
		grad := p.Grad()
		m := o.m[i]
		v := o.v[i]

		for j := range data {
			g := grad[j]

			m[j] = o.beta1*m[j] + (1.0-o.beta1)*g
			v[j] = o.beta2*v[j] + (1.0-o.beta2)*g*g

			mHat := m[j] / bc1
			vHat := v[j] / bc2

			data[j] -= o.lr * (mHat/(math.Sqrt(vHat)+o.eps) + o.weightDecay*data[j])
		}
	}
}

func (o *Adam) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// ClipGradNorm scales the gradients of params so their global L2 norm
// does not exceed maxNorm. Returns the norm before clipping.
func ClipGradNorm(params []*model.Tensor, maxNorm float64) float64 {
	totalSq := 0.0
	for _, p := range params {
		for _, g := range p.Grad() {
			totalSq += g * g
		}
	}
	norm := math.Sqrt(totalSq)

	if norm > maxNorm && norm > 0 {
		scale := maxNorm / norm
		for _, p := range params {
			grad := p.Grad()
			for j := range grad {
				grad[j] *= scale
			}
		}
	}

	return norm
}

// LRScheduler produces a linear-warmup, cosine-decay learning rate.
type LRScheduler struct {
	base        float64
	warmupSteps int
	totalSteps  int
}

func NewLRScheduler(base float64, warmupSteps, totalSteps int) *LRScheduler {
	if totalSteps < 1 {
		totalSteps = 1
	}
	if warmupSteps >= totalSteps {
		warmupSteps = totalSteps - 1
	}
	return &LRScheduler{base: base, warmupSteps: warmupSteps, totalSteps: totalSteps}
}

// LR returns the learning rate for a 1-based step.
func (s *LRScheduler) LR(step int) float64 {
	if step < 1 {
		step = 1
	}
	if s.warmupSteps > 0 && step <= s.warmupSteps {
		return s.base * float64(step) / float64(s.warmupSteps)
	}

	progress := float64(step-s.warmupSteps) / float64(s.totalSteps-s.warmupSteps)
	if progress > 1 {
		progress = 1
	}
	return 0.5 * s.base * (1.0 + math.Cos(math.Pi*progress))
}
