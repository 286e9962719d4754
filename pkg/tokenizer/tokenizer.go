// Package tokenizer provides the fallback token counter used when a
// response body carries no usage accounting from the server itself.
package tokenizer

import "strings"

// Tokenizer estimates a token count for a piece of text. Implementations
// need not be exact; they exist so the lifecycle engine can still derive
// output-token-dependent metrics (normalized time per output token, TPOT)
// against servers that omit usage fields.
type Tokenizer interface {
	CountTokens(text string) uint32
}

// WhitespaceTokenizer approximates token count by splitting on
// whitespace. It has no external dependency and no model-specific
// vocabulary; it stands in for the real tokenizer wrappers (e.g. a
// HuggingFace AutoTokenizer) that are out of scope for this harness.
type WhitespaceTokenizer struct{}

// CountTokens returns the number of whitespace-delimited fields in text.
func (WhitespaceTokenizer) CountTokens(text string) uint32 {
	return uint32(len(strings.Fields(text)))
}
