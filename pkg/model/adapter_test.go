package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAdapterIsIdentityAtInit(t *testing.T) {
	m := NewCausalLM(tinyConfig())
	ids := []int{1, 2, 3}

	before := m.Forward(ids)

	_, err := NewAdapter(m, AdapterConfig{Rank: 4, Alpha: 8, TargetModules: []string{"q_proj", "v_proj"}})
	require.NoError(t, err)

	after := m.Forward(ids)
	assert.Equal(t, before.Data(), after.Data())
}

func TestNewAdapterValidation(t *testing.T) {
	m := NewCausalLM(tinyConfig())

	_, err := NewAdapter(m, AdapterConfig{Rank: 0, TargetModules: []string{"q_proj"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResource)

	_, err = NewAdapter(m, AdapterConfig{Rank: 4})
	require.Error(t, err)

	_, err = NewAdapter(m, AdapterConfig{Rank: 4, TargetModules: []string{"mlp_proj"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResource)
}

func TestAdapterTrainableParameters(t *testing.T) {
	cfg := tinyConfig()
	m := NewCausalLM(cfg)

	ad, err := NewAdapter(m, AdapterConfig{Rank: 4, Alpha: 8, TargetModules: []string{"q_proj", "k_proj", "v_proj", "o_proj"}})
	require.NoError(t, err)

	params := ad.TrainableParameters()
	assert.Len(t, params, cfg.NumLayers*4*2)

	// One A (embed x rank) and one B (rank x embed) per target.
	perPair := cfg.EmbedDim*4 + 4*cfg.EmbedDim
	assert.Equal(t, cfg.NumLayers*4*perPair, ad.NumParameters())
	assert.Less(t, ad.NumParameters(), m.NumParameters())
}

func TestAdapterRefreshAppliesLowRankDelta(t *testing.T) {
	m := NewCausalLM(tinyConfig())

	ad, err := NewAdapter(m, AdapterConfig{Rank: 2, Alpha: 4, TargetModules: []string{"q_proj"}})
	require.NoError(t, err)

	pair := ad.pairs[0]
	pair.b.Data()[0] = 0.5
	ad.Refresh()

	delta := MatMul(pair.a, pair.b)
	for i, base := range pair.base.Data() {
		want := base + ad.scale*delta.Data()[i]
		assert.InDelta(t, want, pair.weight.Data()[i], 1e-12)
	}
}

func TestAdapterGradProjection(t *testing.T) {
	m := NewCausalLM(tinyConfig())

	ad, err := NewAdapter(m, AdapterConfig{Rank: 2, Alpha: 4, TargetModules: []string{"v_proj"}})
	require.NoError(t, err)

	pair := ad.pairs[0]
	for i := range pair.b.Data() {
		pair.b.Data()[i] = 0.02 * float64(i+1)
	}

	gradW := NewTensorRand(pair.weight.Shape()...)
	copy(pair.weight.Grad(), gradW.Data())

	wantA := Scale(MatMul(gradW, Transpose(pair.b)), ad.scale)
	wantB := Scale(MatMul(Transpose(pair.a), gradW), ad.scale)

	ad.AccumulateGrads()

	for i, v := range wantA.Data() {
		assert.InDelta(t, v, pair.a.Grad()[i], 1e-12)
	}
	for i, v := range wantB.Data() {
		assert.InDelta(t, v, pair.b.Grad()[i], 1e-12)
	}

	// Effective-weight gradients are consumed by the projection.
	for _, g := range pair.weight.Grad() {
		assert.Zero(t, g)
	}
}

func TestAdapterMergePreservesOutputs(t *testing.T) {
	m := NewCausalLM(tinyConfig())
	ids := []int{4, 5, 6, 7}

	ad, err := NewAdapter(m, AdapterConfig{Rank: 2, Alpha: 4, TargetModules: []string{"q_proj", "v_proj"}})
	require.NoError(t, err)

	// Give the adapter a non-trivial delta.
	for _, pair := range ad.pairs {
		for i := range pair.b.Data() {
			pair.b.Data()[i] = 0.01 * float64(i%5)
		}
	}
	ad.Refresh()

	before := m.Forward(ids)
	ad.Merge()
	after := m.Forward(ids)

	for i, v := range before.Data() {
		assert.InDelta(t, v, after.Data()[i], 1e-12)
	}
	assert.Empty(t, ad.TrainableParameters())
}
