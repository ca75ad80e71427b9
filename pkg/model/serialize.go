package model

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	// ModelFile is the weight file name inside a model directory.
	ModelFile = "model.bin"
	// TokenizerFile is the tokenizer file name inside a model directory.
	TokenizerFile = "tokenizer.json"
)

type modelHeader struct {
	Config Config `json:"config"`
	DType  string `json:"dtype"`
}

// Save writes the model to path: a uint32 JSON header length, the JSON
// header (config plus dtype), then every parameter tensor in Parameters
// order as little-endian float32 or float64 values.
func (m *CausalLM) Save(path string, precision Precision) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: creating model file: %v", ErrResource, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	header, err := json.Marshal(modelHeader{Config: m.config, DType: string(precision)})
	if err != nil {
		return fmt.Errorf("%w: encoding model header: %v", ErrResource, err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(header))); err != nil {
		return fmt.Errorf("%w: writing model header: %v", ErrResource, err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("%w: writing model header: %v", ErrResource, err)
	}

	buf := make([]byte, 8)
	for _, p := range m.Parameters() {
		for _, v := range p.data {
			switch precision {
			case Float32:
				binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
				if _, err := w.Write(buf[:4]); err != nil {
					return fmt.Errorf("%w: writing model weights: %v", ErrResource, err)
				}
			case Float64:
				binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
				if _, err := w.Write(buf[:8]); err != nil {
					return fmt.Errorf("%w: writing model weights: %v", ErrResource, err)
				}
			default:
				return fmt.Errorf("%w: unsupported precision %q", ErrResource, precision)
			}
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("%w: flushing model file: %v", ErrResource, err)
	}
	return nil
}

// Load reads a model written by Save.
func Load(path string) (*CausalLM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening model file: %v", ErrResource, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("%w: reading model header: %v", ErrResource, err)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: reading model header: %v", ErrResource, err)
	}

	var header modelHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("%w: decoding model header: %v", ErrResource, err)
	}

	precision, err := ResolvePrecision(header.DType)
	if err != nil {
		return nil, err
	}
	if err := validateModelConfig(header.Config); err != nil {
		return nil, err
	}

	m := NewCausalLM(header.Config)

	buf := make([]byte, 8)
	for _, p := range m.Parameters() {
		for i := range p.data {
			switch precision {
			case Float32:
				if _, err := io.ReadFull(r, buf[:4]); err != nil {
					return nil, fmt.Errorf("%w: reading model weights: %v", ErrResource, err)
				}
				p.data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[:4])))
			case Float64:
				if _, err := io.ReadFull(r, buf[:8]); err != nil {
					return nil, fmt.Errorf("%w: reading model weights: %v", ErrResource, err)
				}
				p.data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[:8]))
			}
		}
	}

	return m, nil
}

// validateModelConfig rejects corrupt headers before any tensor is
// allocated from their dimensions.
func validateModelConfig(cfg Config) error {
	switch {
	case cfg.VocabSize <= 0, cfg.SeqLen <= 0, cfg.EmbedDim <= 0,
		cfg.NumHeads <= 0, cfg.NumLayers <= 0, cfg.FFHidden <= 0:
		return fmt.Errorf("%w: model header has non-positive dimensions", ErrResource)
	case cfg.EmbedDim%cfg.NumHeads != 0:
		return fmt.Errorf("%w: model header embed_dim %d not divisible by num_heads %d",
			ErrResource, cfg.EmbedDim, cfg.NumHeads)
	}
	return nil
}
