package pagedllm

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// HFTokenizer wraps a HuggingFace tokenizer.json file. The underlying
// tokenizer holds native resources; call Close when done.
type HFTokenizer struct {
	tk         *tokenizers.Tokenizer
	eosTokenID int
}

// NewHFTokenizer loads a tokenizer.json and binds the model's EOS token id.
func NewHFTokenizer(path string, eosTokenID int) (*HFTokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer from %s: %w", path, err)
	}
	return &HFTokenizer{tk: tk, eosTokenID: eosTokenID}, nil
}

// Encode tokenizes text without adding special tokens; the pipeline manages
// prompt boundaries itself.
func (t *HFTokenizer) Encode(text string) ([]int, error) {
	if len(text) == 0 {
		return nil, fmt.Errorf("cannot encode empty prompt")
	}
	ids, _ := t.tk.Encode(text, false)
	tokens := make([]int, len(ids))
	for i, id := range ids {
		tokens[i] = int(id)
	}
	return tokens, nil
}

// Decode detokenizes ids, skipping special tokens so EOS never surfaces in
// output text.
func (t *HFTokenizer) Decode(tokenIDs []int) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		if id < 0 {
			return "", fmt.Errorf("negative token id %d", id)
		}
		ids[i] = uint32(id)
	}
	return t.tk.Decode(ids, true), nil
}

// EOSTokenID returns the configured EOS token id.
func (t *HFTokenizer) EOSTokenID() int { return t.eosTokenID }

// VocabSize returns the tokenizer vocabulary size.
func (t *HFTokenizer) VocabSize() int { return int(t.tk.VocabSize()) }

// Close frees the native tokenizer.
func (t *HFTokenizer) Close() error {
	t.tk.Close()
	return nil
}
