// Package chunk splits long text into overlapping word windows sized for
// embedding and retrieval.
//
// Windows are measured in whitespace-separated words, which is a cheap and
// tokenizer-independent stand-in for model tokens. Chunks join their words
// with a single space, so [Policy.Join] reconstructs the input exactly up to
// whitespace normalisation.
package chunk

import (
	"fmt"
	"strings"

	"github.com/MrWong99/sarathi/pkg/types"
)

const (
	// DefaultSize is the default window length in words.
	DefaultSize = 500

	// DefaultOverlap is the default number of words shared by neighbouring
	// windows.
	DefaultOverlap = 50
)

// Policy configures the window size and overlap. The zero value is not
// valid; use [Default] or fill both fields.
type Policy struct {
	// Size is the maximum number of words per chunk.
	Size int `yaml:"size"`

	// Overlap is the number of trailing words of a chunk repeated at the
	// start of the next one. Must be smaller than Size.
	Overlap int `yaml:"overlap"`
}

// Default returns the 500/50 word policy.
func Default() Policy {
	return Policy{Size: DefaultSize, Overlap: DefaultOverlap}
}

// Validate reports whether p can split text.
func (p Policy) Validate() error {
	if p.Size <= 0 {
		return fmt.Errorf("chunk: size must be positive, got %d: %w", p.Size, types.ErrValidation)
	}
	if p.Overlap < 0 || p.Overlap >= p.Size {
		return fmt.Errorf("chunk: overlap must be in [0, %d), got %d: %w", p.Size, p.Overlap, types.ErrValidation)
	}
	return nil
}

// Split returns the ordered chunks of text. Empty or whitespace-only text
// yields no chunks; text of at most Size words yields exactly one. Split
// panics if p is invalid; callers validate policies when loading config.
func (p Policy) Split(text string) []string {
	if err := p.Validate(); err != nil {
		panic(err)
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := p.Size - p.Overlap
	chunks := make([]string, 0, 1+max(0, len(words)-p.Size+step-1)/step)
	for start := 0; ; start += step {
		end := min(start+p.Size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

// Join reverses [Policy.Split]: it drops the first Overlap words of every
// chunk after the first and concatenates the rest with single spaces.
func (p Policy) Join(chunks []string) string {
	var words []string
	for i, c := range chunks {
		w := strings.Fields(c)
		if i > 0 {
			w = w[min(p.Overlap, len(w)):]
		}
		words = append(words, w...)
	}
	return strings.Join(words, " ")
}

// Fits reports whether text needs no more than one chunk.
func (p Policy) Fits(text string) bool {
	return len(strings.Fields(text)) <= p.Size
}

// Normalize collapses all whitespace runs to a single space and trims the
// ends. Join(Split(t)) == Normalize(t) for every t.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
