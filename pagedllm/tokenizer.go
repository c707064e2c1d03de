package pagedllm

import (
	"fmt"
	"strings"
)

// Tokenizer is the text encoding collaborator. Implementations must keep
// Decode concatenative over token boundaries so streamed fragments join
// into the buffered final text.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(tokenIDs []int) (string, error)
	EOSTokenID() int
}

// MockTokenizer is a byte-level tokenizer for tests and demos: every byte
// of input becomes one token id, and ids beyond the byte range decode to a
// bracketed placeholder. Decode is trivially concatenative.
type MockTokenizer struct {
	eosTokenID int
}

// NewMockTokenizer creates a mock tokenizer with the given EOS id.
func NewMockTokenizer(eosTokenID int) *MockTokenizer {
	return &MockTokenizer{eosTokenID: eosTokenID}
}

// Encode maps each byte of text to its value.
func (t *MockTokenizer) Encode(text string) ([]int, error) {
	if len(text) == 0 {
		return nil, fmt.Errorf("cannot encode empty prompt")
	}
	tokens := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = int(text[i])
	}
	return tokens, nil
}

// Decode maps byte-range ids back to bytes and renders other ids as <id>.
func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	var sb strings.Builder
	for _, id := range tokenIDs {
		switch {
		case id == t.eosTokenID:
			// EOS renders as nothing.
		case id >= 0 && id < 256:
			sb.WriteByte(byte(id))
		default:
			fmt.Fprintf(&sb, "<%d>", id)
		}
	}
	return sb.String(), nil
}

// EOSTokenID returns the EOS token id.
func (t *MockTokenizer) EOSTokenID() int { return t.eosTokenID }
