package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWhitespaceTokenizerCountTokens(t *testing.T) {
	cases := []struct {
		name string
		text string
		want uint32
	}{
		{"empty", "", 0},
		{"single word", "hello", 1},
		{"sentence", "the quick brown fox", 4},
		{"extra whitespace", "  a   b\tc\n", 3},
	}

	var tok WhitespaceTokenizer
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, tok.CountTokens(c.text))
		})
	}
}
