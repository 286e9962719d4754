// Package datagen resolves the lazy corpus indices the scheduler hands
// out into concrete request bodies. Keeping resolution lazy means a
// stage can reference a corpus far larger than fits comfortably in
// memory; only the descriptors actually dispatched get materialized.
package datagen

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/kubernetes-sigs/inference-perf/pkg/types"
)

// Generator turns a types.LazyDescriptor into a fully specified
// types.Concrete request. Implementations own whatever corpus backs
// Resolve — a static word list, a loaded dataset file, a replayed trace.
type Generator interface {
	// Resolve returns the concrete request at index, or an error if index
	// is out of range for the backing corpus.
	Resolve(index int) (types.Concrete, error)
	// Len reports how many distinct descriptors the corpus holds.
	Len() int
}

// SyntheticGenerator draws prompts from a small configurable word
// distribution, standing in for the out-of-scope corpus/rewriter
// subsystem (HF datasets, ShareGPT-style conversation replay). Every
// call with the same index returns the same request, so a stage can be
// re-dispatched deterministically.
type SyntheticGenerator struct {
	api        types.APIType
	vocabulary []string
	promptLen  int
	maxTokens  uint32
	ignoreEOS  bool
	corpusSize int
}

// Config controls SyntheticGenerator construction.
type Config struct {
	API types.APIType
	// Vocabulary is the word pool prompts are drawn from. A small default
	// is used if empty.
	Vocabulary []string
	// PromptWords is how many words each generated prompt contains.
	PromptWords int
	// MaxTokens is stamped onto every generated request.
	MaxTokens uint32
	// IgnoreEOS is stamped onto every generated request.
	IgnoreEOS bool
	// CorpusSize bounds Len(); Resolve rejects indices beyond it.
	CorpusSize int
}

var defaultVocabulary = strings.Fields(
	"the quick brown fox jumps over lazy dog while clouds drift across " +
		"a pale afternoon sky and distant engines hum along the valley road",
)

// NewSyntheticGenerator builds a generator from cfg, filling in defaults
// for zero-valued fields.
func NewSyntheticGenerator(cfg Config) *SyntheticGenerator {
	vocab := cfg.Vocabulary
	if len(vocab) == 0 {
		vocab = defaultVocabulary
	}
	promptWords := cfg.PromptWords
	if promptWords <= 0 {
		promptWords = 32
	}
	corpusSize := cfg.CorpusSize
	if corpusSize <= 0 {
		corpusSize = 10000
	}

	return &SyntheticGenerator{
		api:        cfg.API,
		vocabulary: vocab,
		promptLen:  promptWords,
		maxTokens:  cfg.MaxTokens,
		ignoreEOS:  cfg.IgnoreEOS,
		corpusSize: corpusSize,
	}
}

// Len reports the configured corpus size.
func (g *SyntheticGenerator) Len() int {
	return g.corpusSize
}

// Resolve deterministically generates the request at index: the index
// seeds a private PRNG, so repeated calls are stable and independent of
// dispatch order.
func (g *SyntheticGenerator) Resolve(index int) (types.Concrete, error) {
	if index < 0 || index >= g.corpusSize {
		return types.Concrete{}, fmt.Errorf("datagen: index %d out of range [0,%d)", index, g.corpusSize)
	}

	rng := rand.New(rand.NewPCG(uint64(index), 0xd1a6e9))
	words := make([]string, g.promptLen)
	for i := range words {
		words[i] = g.vocabulary[rng.IntN(len(g.vocabulary))]
	}
	prompt := strings.Join(words, " ")

	req := types.Concrete{
		API:       g.api,
		MaxTokens: g.maxTokens,
		IgnoreEOS: g.ignoreEOS,
	}

	switch g.api {
	case types.APITypeChat:
		req.Messages = []types.ChatMessage{{Role: "user", Content: prompt}}
	default:
		req.API = types.APITypeCompletion
		req.Prompt = prompt
	}

	return req, nil
}
