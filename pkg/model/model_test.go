package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() Config {
	return Config{
		VocabSize: 32,
		SeqLen:    16,
		EmbedDim:  8,
		NumHeads:  2,
		NumLayers: 2,
		FFHidden:  16,
	}
}

func TestForwardShape(t *testing.T) {
	m := NewCausalLM(tinyConfig())

	logits := m.Forward([]int{1, 2, 3, 4, 5})
	assert.Equal(t, []int{5, 32}, logits.Shape())
}

func TestForwardDeterministic(t *testing.T) {
	m := NewCausalLM(tinyConfig())
	ids := []int{3, 1, 4, 1, 5}

	a := m.Forward(ids)
	b := m.Forward(ids)
	assert.Equal(t, a.Data(), b.Data())
}

func TestForwardRejectsBadInput(t *testing.T) {
	m := NewCausalLM(tinyConfig())

	assert.Panics(t, func() { m.Forward(nil) })
	assert.Panics(t, func() { m.Forward([]int{99}) })
	assert.Panics(t, func() { m.Forward(make([]int, 17)) })
}

func TestCausalMasking(t *testing.T) {
	m := NewCausalLM(tinyConfig())

	// Logits at position i must not depend on tokens after i.
	a := m.Forward([]int{1, 2, 3, 4})
	b := m.Forward([]int{1, 2, 7, 9})

	for v := 0; v < 32; v++ {
		assert.InDelta(t, a.At(0, v), b.At(0, v), 1e-12)
		assert.InDelta(t, a.At(1, v), b.At(1, v), 1e-12)
	}
}

func TestNumParameters(t *testing.T) {
	m := NewCausalLM(tinyConfig())

	total := 0
	for _, p := range m.Parameters() {
		total += p.Size()
	}
	assert.Equal(t, total, m.NumParameters())
	assert.Greater(t, total, 0)
}

func TestGenerateGreedyDeterministic(t *testing.T) {
	m := NewCausalLM(tinyConfig())
	prompt := []int{1, 2, 3}
	cfg := SampleConfig{Temperature: 0, MaxTokens: 8}

	a := m.Generate(prompt, 2, cfg)
	b := m.Generate(prompt, 2, cfg)

	assert.Equal(t, a, b)
	assert.Equal(t, prompt, a[:3])
	assert.LessOrEqual(t, len(a), len(prompt)+8)
}

func TestGenerateMinTokensSuppressesEos(t *testing.T) {
	m := NewCausalLM(tinyConfig())
	prompt := []int{1, 2, 3}
	eosID := 2

	out := m.Generate(prompt, eosID, SampleConfig{Temperature: 0, MaxTokens: 3, MinTokens: 3})

	require.Len(t, out, len(prompt)+3)
	for _, tok := range out[len(prompt):] {
		assert.NotEqual(t, eosID, tok)
	}
}

func TestGenerateRespectsContextWindow(t *testing.T) {
	m := NewCausalLM(tinyConfig())

	// Prompt longer than SeqLen forces window truncation.
	prompt := make([]int, 20)
	for i := range prompt {
		prompt[i] = i % 32
	}

	out := m.Generate(prompt, 2, SampleConfig{Temperature: 0, MaxTokens: 4})
	assert.GreaterOrEqual(t, len(out), len(prompt)+1)
}

func TestSaveLoadRoundTripFloat64(t *testing.T) {
	m := NewCausalLM(tinyConfig())
	path := filepath.Join(t.TempDir(), ModelFile)

	require.NoError(t, m.Save(path, Float64))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.Config(), loaded.Config())

	ids := []int{1, 2, 3}
	want := m.Forward(ids)
	got := loaded.Forward(ids)
	for i, v := range want.Data() {
		assert.InDelta(t, v, got.Data()[i], 1e-12)
	}
}

func TestSaveLoadRoundTripFloat32(t *testing.T) {
	m := NewCausalLM(tinyConfig())
	path := filepath.Join(t.TempDir(), ModelFile)

	require.NoError(t, m.Save(path, Float32))

	loaded, err := Load(path)
	require.NoError(t, err)

	origParams := m.Parameters()
	loadedParams := loaded.Parameters()
	require.Equal(t, len(origParams), len(loadedParams))

	for i := range origParams {
		for j, v := range origParams[i].Data() {
			assert.InDelta(t, v, loadedParams[i].Data()[j], 1e-5)
		}
	}
}

func TestFloat32SmallerThanFloat64(t *testing.T) {
	m := NewCausalLM(tinyConfig())
	dir := t.TempDir()

	p32 := filepath.Join(dir, "m32.bin")
	p64 := filepath.Join(dir, "m64.bin")
	require.NoError(t, m.Save(p32, Float32))
	require.NoError(t, m.Save(p64, Float64))

	s32 := fileSize(t, p32)
	s64 := fileSize(t, p64)
	assert.Less(t, s32, s64)
}

func TestLoadRejectsCorruptHeader(t *testing.T) {
	cases := map[string]Config{
		"zero vocab":   {SeqLen: 16, EmbedDim: 8, NumHeads: 2, NumLayers: 1, FFHidden: 16},
		"negative seq": {VocabSize: 32, SeqLen: -1, EmbedDim: 8, NumHeads: 2, NumLayers: 1, FFHidden: 16},
		"indivisible heads": {
			VocabSize: 32, SeqLen: 16, EmbedDim: 8, NumHeads: 3, NumLayers: 1, FFHidden: 16,
		},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			header, err := json.Marshal(modelHeader{Config: cfg, DType: string(Float64)})
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(header))))
			buf.Write(header)

			path := filepath.Join(t.TempDir(), ModelFile)
			require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

			_, err = Load(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrResource)
		})
	}
}

func TestLoadPretrainedLocalDir(t *testing.T) {
	dir := t.TempDir()
	tok := NewTokenizer()
	cfg := tinyConfig()
	cfg.VocabSize = tok.VocabSize()
	m := NewCausalLM(cfg)

	require.NoError(t, m.Save(filepath.Join(dir, ModelFile), Float64))
	require.NoError(t, tok.Save(filepath.Join(dir, TokenizerFile)))

	loaded, loadedTok, err := LoadPretrained(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, m.Config(), loaded.Config())
	assert.Equal(t, tok.VocabSize(), loadedTok.VocabSize())
}

func TestLoadPretrainedVocabMismatch(t *testing.T) {
	dir := t.TempDir()
	m := NewCausalLM(tinyConfig())
	tok := NewTokenizer()
	require.Greater(t, tok.VocabSize(), m.Config().VocabSize)

	require.NoError(t, m.Save(filepath.Join(dir, ModelFile), Float64))
	require.NoError(t, tok.Save(filepath.Join(dir, TokenizerFile)))

	_, _, err := LoadPretrained(dir, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResource)
}

func TestLoadPretrainedMissing(t *testing.T) {
	_, _, err := LoadPretrained("org/unknown-model", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResource)
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}
