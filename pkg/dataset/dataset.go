// Package dataset fetches instruction/response datasets by identifier and
// exposes the source's own train/eval split.
package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/config"
)

// ErrData marks dataset fetch and validation failures.
var ErrData = errors.New("dataset error")

const (
	TrainFile = "train.jsonl"
	EvalFile  = "test.jsonl"
)

// Example is one dataset row. Only string-valued fields are kept; the
// instruction and response columns are required to be present in every row.
type Example map[string]string

// Split holds the ordered train and eval subsets as the source defines
// them. The partition is never recomputed locally.
type Split struct {
	Train []Example
	Eval  []Example
}

// Fetcher downloads dataset files from a remote registry.
type Fetcher interface {
	DownloadFile(repo, name string, isDataset bool) (string, error)
}

// Prepare resolves the dataset identifier, loads both splits and validates
// the configured columns. The identifier may be a local directory holding
// train.jsonl/test.jsonl, or a hub dataset repo with the same layout.
func Prepare(cfg config.DatasetConfig, fetcher Fetcher) (*Split, error) {
	trainPath, evalPath, err := resolve(cfg.ID, fetcher)
	if err != nil {
		return nil, err
	}

	train, err := readJSONL(trainPath)
	if err != nil {
		return nil, fmt.Errorf("%w: train split: %v", ErrData, err)
	}

	eval, err := readJSONL(evalPath)
	if err != nil {
		return nil, fmt.Errorf("%w: eval split: %v", ErrData, err)
	}

	if len(train) == 0 || len(eval) == 0 {
		return nil, fmt.Errorf("%w: dataset %s has an empty split (train=%d eval=%d)",
			ErrData, cfg.ID, len(train), len(eval))
	}

	split := &Split{Train: train, Eval: eval}
	if err := split.validateColumns(cfg.InstructionColumn, cfg.ResponseColumn); err != nil {
		return nil, err
	}

	return split, nil
}

func resolve(id string, fetcher Fetcher) (trainPath, evalPath string, err error) {
	if info, statErr := os.Stat(id); statErr == nil && info.IsDir() {
		return filepath.Join(id, TrainFile), filepath.Join(id, EvalFile), nil
	}

	if fetcher == nil {
		return "", "", fmt.Errorf("%w: dataset %s is not a local directory and no fetcher is configured", ErrData, id)
	}

	trainPath, err = fetcher.DownloadFile(id, TrainFile, true)
	if err != nil {
		return "", "", fmt.Errorf("%w: dataset %s unreachable: %v", ErrData, id, err)
	}
	evalPath, err = fetcher.DownloadFile(id, EvalFile, true)
	if err != nil {
		return "", "", fmt.Errorf("%w: dataset %s unreachable: %v", ErrData, id, err)
	}

	return trainPath, evalPath, nil
}

func (s *Split) validateColumns(instruction, response string) error {
	for name, examples := range map[string][]Example{"train": s.Train, "eval": s.Eval} {
		for i, ex := range examples {
			if _, ok := ex[instruction]; !ok {
				return fmt.Errorf("%w: %s example %d is missing column %q", ErrData, name, i, instruction)
			}
			if _, ok := ex[response]; !ok {
				return fmt.Errorf("%w: %s example %d is missing column %q", ErrData, name, i, response)
			}
		}
	}
	return nil
}

func readJSONL(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var examples []Example

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 8*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal(text, &raw); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		ex := make(Example, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				ex[k] = s
			}
		}
		examples = append(examples, ex)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return examples, nil
}
