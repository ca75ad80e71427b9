package model

import (
	"fmt"
	"sort"
)

// Adapter attaches low-rank decomposition pairs to the attention
// projections of a CausalLM. Instead of updating the full weight
// matrices, training updates the small A and B factors and the
// effective weight W = W0 + (alpha/r) * A @ B is refreshed before each
// forward pass. B starts at zero so the adapted model is initially
// identical to the base model.
type Adapter struct {
	model *CausalLM
	rank  int
	alpha float64
	scale float64

	pairs []*adapterPair
}

type adapterPair struct {
	layer  int
	module string

	weight *Tensor // the live projection tensor inside the model
	base   *Tensor // frozen copy of the original weights
	a      *Tensor // (in, rank), random init
	b      *Tensor // (rank, out), zero init
}

// AdapterConfig selects which projections receive low-rank pairs.
type AdapterConfig struct {
	Rank          int
	Alpha         float64
	TargetModules []string
}

var projectionNames = map[string]bool{
	"q_proj": true,
	"k_proj": true,
	"v_proj": true,
	"o_proj": true,
}

// NewAdapter builds adapter pairs for every (layer, target module)
// combination and freezes the base weights.
func NewAdapter(m *CausalLM, cfg AdapterConfig) (*Adapter, error) {
	if cfg.Rank <= 0 {
		return nil, fmt.Errorf("%w: adapter rank must be positive, got %d", ErrResource, cfg.Rank)
	}
	if len(cfg.TargetModules) == 0 {
		return nil, fmt.Errorf("%w: adapter requires at least one target module", ErrResource)
	}

	targets := make([]string, len(cfg.TargetModules))
	copy(targets, cfg.TargetModules)
	sort.Strings(targets)

	for _, name := range targets {
		if !projectionNames[name] {
			return nil, fmt.Errorf("%w: unknown target module %q (expected q_proj, k_proj, v_proj or o_proj)", ErrResource, name)
		}
	}

	alpha := cfg.Alpha
	if alpha == 0 {
		alpha = float64(cfg.Rank)
	}

	ad := &Adapter{
		model: m,
		rank:  cfg.Rank,
		alpha: alpha,
		scale: alpha / float64(cfg.Rank),
	}

	for layer, blk := range m.blocks {
		for _, name := range targets {
			var weight *Tensor
			switch name {
			case "q_proj":
				weight = blk.attn.wq
			case "k_proj":
				weight = blk.attn.wk
			case "v_proj":
				weight = blk.attn.wv
			case "o_proj":
				weight = blk.attn.wo
			}

			in, out := weight.shape[0], weight.shape[1]
			ad.pairs = append(ad.pairs, &adapterPair{
				layer:  layer,
				module: name,
				weight: weight,
				base:   weight.Clone(),
				a:      NewTensorRand(in, cfg.Rank),
				b:      NewTensor(cfg.Rank, out),
			})
		}
	}

	ad.Refresh()
	return ad, nil
}

// TrainableParameters returns the A and B factors, the only tensors the
// optimizer should step.
func (ad *Adapter) TrainableParameters() []*Tensor {
	params := make([]*Tensor, 0, 2*len(ad.pairs))
	for _, p := range ad.pairs {
		params = append(params, p.a, p.b)
	}
	return params
}

// NumParameters is the trainable element count of the adapter.
func (ad *Adapter) NumParameters() int {
	total := 0
	for _, p := range ad.TrainableParameters() {
		total += p.Size()
	}
	return total
}

// Refresh recomputes every effective weight from the frozen base and
// the current A/B factors. Call after each optimizer step.
func (ad *Adapter) Refresh() {
	for _, p := range ad.pairs {
		delta := MatMul(p.a, p.b)
		for i := range p.weight.data {
			p.weight.data[i] = p.base.data[i] + ad.scale*delta.data[i]
		}
	}
}

// AccumulateGrads projects the gradients collected on the effective
// weights onto the A/B factors:
//
//	gradA = scale * gradW @ B^T
//	gradB = scale * A^T @ gradW
//
// and clears the effective-weight gradients afterwards.
func (ad *Adapter) AccumulateGrads() {
	for _, p := range ad.pairs {
		gradW := NewTensor(p.weight.shape...)
		copy(gradW.data, p.weight.grad)

		gradA := Scale(MatMul(gradW, Transpose(p.b)), ad.scale)
		gradB := Scale(MatMul(Transpose(p.a), gradW), ad.scale)

		p.a.AccumulateGrad(gradA)
		p.b.AccumulateGrad(gradB)

		for i := range p.weight.grad {
			p.weight.grad[i] = 0
		}
	}
}

// Merge folds the adapter into the model weights so the model can be
// saved and reloaded without adapter support. The adapter must not be
// used afterwards.
func (ad *Adapter) Merge() {
	ad.Refresh()
	for _, p := range ad.pairs {
		copy(p.base.data, p.weight.data)
	}
	ad.pairs = nil
}
