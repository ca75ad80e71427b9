package model

import (
	"fmt"
	"os"
	"path/filepath"
)

// Fetcher downloads a file from a hub repository and returns its local
// path. Satisfied by hub.Client.
type Fetcher interface {
	DownloadFile(repo, name string, isDataset bool) (string, error)
}

// LoadPretrained resolves a model identifier to weight and tokenizer
// files and loads both. The identifier is either a local directory
// containing model.bin and tokenizer.json, or a hub repository id from
// which the two files are downloaded.
func LoadPretrained(id string, fetcher Fetcher) (*CausalLM, *Tokenizer, error) {
	modelPath := filepath.Join(id, ModelFile)
	tokenizerPath := filepath.Join(id, TokenizerFile)

	if info, err := os.Stat(id); err == nil && info.IsDir() {
		if _, err := os.Stat(modelPath); err != nil {
			return nil, nil, fmt.Errorf("%w: model directory %s has no %s", ErrResource, id, ModelFile)
		}
	} else {
		if fetcher == nil {
			return nil, nil, fmt.Errorf("%w: model %s not found locally and no hub client available", ErrResource, id)
		}

		modelPath, err = fetcher.DownloadFile(id, ModelFile, false)
		if err != nil {
			return nil, nil, fmt.Errorf("downloading model weights: %w", err)
		}
		tokenizerPath, err = fetcher.DownloadFile(id, TokenizerFile, false)
		if err != nil {
			return nil, nil, fmt.Errorf("downloading tokenizer: %w", err)
		}
	}

	m, err := Load(modelPath)
	if err != nil {
		return nil, nil, err
	}

	tok, err := LoadTokenizer(tokenizerPath)
	if err != nil {
		return nil, nil, err
	}

	// A tokenizer that emits ids beyond the embedding table would only
	// fail deep inside the forward pass.
	if tok.VocabSize() > m.Config().VocabSize {
		return nil, nil, fmt.Errorf("%w: tokenizer vocabulary %d exceeds model vocabulary %d",
			ErrResource, tok.VocabSize(), m.Config().VocabSize)
	}

	return m, tok, nil
}
