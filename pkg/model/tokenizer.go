package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Special tokens occupy the first vocabulary slots.
const (
	PadToken = "<|pad|>"
	UnkToken = "<|unk|>"
	EosToken = "<|endoftext|>"
)

// Tokenizer is a byte-level BPE tokenizer: the base vocabulary is the 256
// bytes plus the special tokens, and Train grows it by merging the most
// frequent adjacent pair until the target size is reached.
type Tokenizer struct {
	vocab    map[string]int
	vocabInv map[int]string
	merges   []mergePair
	special  map[string]int
}

type mergePair struct {
	First  string `json:"first"`
	Second string `json:"second"`
}

func NewTokenizer() *Tokenizer {
	special := map[string]int{
		PadToken: 0,
		UnkToken: 1,
		EosToken: 2,
	}

	t := &Tokenizer{
		vocab:    make(map[string]int),
		vocabInv: make(map[int]string),
		special:  special,
	}

	for tok, id := range special {
		t.vocab[tok] = id
		t.vocabInv[id] = tok
	}
	t.addByteVocab()

	return t
}

func (t *Tokenizer) addByteVocab() {
	next := len(t.vocab)
	for i := 0; i < 256; i++ {
		token := string(rune(i))
		if _, ok := t.vocab[token]; !ok {
			t.vocab[token] = next
			t.vocabInv[next] = token
			next++
		}
	}
}

// Train learns merge rules from the corpus until the vocabulary reaches
// targetVocabSize or no pair occurs more than once.
func (t *Tokenizer) Train(corpus []string, targetVocabSize int) error {
	if targetVocabSize <= len(t.vocab) {
		return fmt.Errorf("tokenizer: target vocab size %d must exceed base vocab %d", targetVocabSize, len(t.vocab))
	}

	words := make([][]string, 0, len(corpus))
	for _, text := range corpus {
		tokens := byteTokens(text)
		if len(tokens) > 0 {
			words = append(words, tokens)
		}
	}

	for len(t.vocab) < targetVocabSize {
		counts := make(map[mergePair]int)
		for _, word := range words {
			for i := 0; i < len(word)-1; i++ {
				counts[mergePair{word[i], word[i+1]}]++
			}
		}

		var best mergePair
		maxCount := 0
		for p, count := range counts {
			if count > maxCount {
				maxCount = count
				best = p
			}
		}
		if maxCount < 2 {
			break
		}

		merged := best.First + best.Second
		id := len(t.vocab)
		t.vocab[merged] = id
		t.vocabInv[id] = merged
		t.merges = append(t.merges, best)

		for i, word := range words {
			words[i] = applyMerge(word, best)
		}
	}

	return nil
}

func byteTokens(text string) []string {
	tokens := make([]string, 0, len(text))
	for _, b := range []byte(text) {
		tokens = append(tokens, string(rune(b)))
	}
	return tokens
}

func applyMerge(word []string, merge mergePair) []string {
	if len(word) < 2 {
		return word
	}

	merged := make([]string, 0, len(word))
	for i := 0; i < len(word); {
		if i < len(word)-1 && word[i] == merge.First && word[i+1] == merge.Second {
			merged = append(merged, merge.First+merge.Second)
			i += 2
		} else {
			merged = append(merged, word[i])
			i++
		}
	}
	return merged
}

// Encode converts text to token IDs by replaying the learned merges.
func (t *Tokenizer) Encode(text string) []int {
	tokens := byteTokens(text)
	for _, merge := range t.merges {
		tokens = applyMerge(tokens, merge)
	}

	ids := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		if id, ok := t.vocab[tok]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, t.special[UnkToken])
		}
	}
	return ids
}

// EosID returns the end-of-text token id.
func (t *Tokenizer) EosID() int {
	return t.special[EosToken]
}

// Decode converts token IDs back to text, dropping special tokens.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		tok, ok := t.vocabInv[id]
		if !ok {
			continue
		}
		if _, isSpecial := t.special[tok]; isSpecial {
			continue
		}
		for _, r := range tok {
			if r < 256 {
				sb.WriteByte(byte(r))
			}
		}
	}
	return sb.String()
}

func (t *Tokenizer) VocabSize() int {
	return len(t.vocab)
}

type tokenizerFile struct {
	Special map[string]int `json:"special_tokens"`
	Merges  []mergePair    `json:"merges"`
}

// Save writes the tokenizer (special tokens and merge rules) as JSON.
// The byte-level base vocabulary is implicit and rebuilt on load.
func (t *Tokenizer) Save(filename string) error {
	data, err := json.MarshalIndent(tokenizerFile{
		Special: t.special,
		Merges:  t.merges,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenizer: failed to marshal: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("tokenizer: failed to write file: %w", err)
	}
	return nil
}

// Load reads a tokenizer saved by Save and rebuilds the full vocabulary.
func (t *Tokenizer) Load(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("tokenizer: failed to read file: %w", err)
	}

	var file tokenizerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("tokenizer: failed to parse file: %w", err)
	}

	t.vocab = make(map[string]int)
	t.vocabInv = make(map[int]string)
	t.special = file.Special
	t.merges = nil

	for tok, id := range t.special {
		t.vocab[tok] = id
		t.vocabInv[id] = tok
	}
	t.addByteVocab()

	for _, merge := range file.Merges {
		merged := merge.First + merge.Second
		id := len(t.vocab)
		t.vocab[merged] = id
		t.vocabInv[id] = merged
		t.merges = append(t.merges, merge)
	}

	return nil
}

// LoadTokenizer reads a saved tokenizer from filename.
func LoadTokenizer(filename string) (*Tokenizer, error) {
	t := NewTokenizer()
	if err := t.Load(filename); err != nil {
		return nil, err
	}
	return t, nil
}
