package orchestrator

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/pkg/types"
)

// DefaultFuzzyThreshold is the minimum Jaro-Winkler similarity between a
// message word and a single-word alias for the fuzzy pass to accept it.
const DefaultFuzzyThreshold = 0.9

// minFuzzyLen is the shortest word considered by the fuzzy pass.
const minFuzzyLen = 4

// maxFuzzyEdits caps the Damerau-Levenshtein distance between a word and an
// alias. Jaro-Winkler alone rewards long shared prefixes, which would let
// "company" pass for "companion".
const maxFuzzyEdits = 1

// Routing reasons reported in [Decision.Reason].
const (
	ReasonOverride = "override"
	ReasonAlias    = "alias"
	ReasonFuzzy    = "fuzzy"
	ReasonKeywords = "keywords"
	ReasonDefault  = "default"
)

// alias is a pre-sorted alias-to-persona mapping entry.
type alias struct {
	key     string
	persona agent.Persona
}

// Decision explains a routing result.
type Decision struct {
	Persona agent.Persona
	Reason  string

	// Matched is the alias that decided an alias or fuzzy route.
	Matched string

	// Scores holds keyword hit counts. Nil when an override or alias decided.
	Scores map[agent.Persona]int
}

// IntentRouter picks the persona that should answer a message. It is pure:
// the same inputs always produce the same Decision, and a Router never
// changes after construction, so it is safe for concurrent use.
//
// Routing applies, in order:
//  1. Explicit override: returned unchanged.
//  2. Alias mention: scan for aliases, longest first, on word boundaries.
//  3. Fuzzy alias: a single word within one edit and above the
//     Jaro-Winkler threshold of a one-word alias, catching misspellings
//     such as "parikshk".
//  4. Keyword scoring: the persona with the most keyword hits.
//  5. Tie, including all zero: the default persona (companion).
type IntentRouter struct {
	catalog        agent.Catalog
	aliases        []alias
	fuzzyThreshold float64
	fallback       agent.Persona
}

// RouterOption configures an [IntentRouter].
type RouterOption func(*IntentRouter)

// WithFuzzyThreshold sets the fuzzy alias similarity threshold. Values
// above 1 disable the fuzzy pass.
func WithFuzzyThreshold(t float64) RouterOption {
	return func(r *IntentRouter) { r.fuzzyThreshold = t }
}

// WithTieDefault sets the persona chosen on ties. Invalid personas are
// ignored.
func WithTieDefault(p agent.Persona) RouterOption {
	return func(r *IntentRouter) {
		if p.IsValid() {
			r.fallback = p
		}
	}
}

// NewIntentRouter builds a router over the aliases and keywords in catalog.
func NewIntentRouter(catalog agent.Catalog, opts ...RouterOption) *IntentRouter {
	r := &IntentRouter{
		catalog:        catalog.Clone(),
		fuzzyThreshold: DefaultFuzzyThreshold,
		fallback:       agent.Companion,
	}
	for _, o := range opts {
		o(r)
	}

	for _, p := range agent.Personas() {
		for _, a := range r.catalog.Get(p).Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a != "" {
				r.aliases = append(r.aliases, alias{key: a, persona: p})
			}
		}
	}
	// Longer aliases first so "interview coach" beats a shorter overlap.
	// Ties sort by key to keep the order deterministic.
	slices.SortFunc(r.aliases, func(a, b alias) int {
		if d := len(b.key) - len(a.key); d != 0 {
			return d
		}
		return strings.Compare(a.key, b.key)
	})
	return r
}

// Route returns the persona that should answer message. A non-empty
// override must be a valid persona and is returned unchanged.
func (r *IntentRouter) Route(message string, override agent.Persona) (agent.Persona, error) {
	d, err := r.Explain(message, override)
	if err != nil {
		return "", err
	}
	return d.Persona, nil
}

// Explain is Route with the reasoning attached.
func (r *IntentRouter) Explain(message string, override agent.Persona) (Decision, error) {
	if strings.TrimSpace(message) == "" {
		return Decision{}, fmt.Errorf("orchestrator: route: empty message: %w", types.ErrValidation)
	}
	if override != "" {
		if !override.IsValid() {
			return Decision{}, fmt.Errorf("orchestrator: route: unknown persona %q: %w", override, types.ErrValidation)
		}
		return Decision{Persona: override, Reason: ReasonOverride}, nil
	}

	lower := strings.ToLower(message)

	for _, a := range r.aliases {
		if containsTerm(lower, a.key, true) {
			return Decision{Persona: a.persona, Reason: ReasonAlias, Matched: a.key}, nil
		}
	}

	if a, ok := r.fuzzyAlias(lower); ok {
		return Decision{Persona: a.persona, Reason: ReasonFuzzy, Matched: a.key}, nil
	}

	scores := r.Scores(lower)
	best, bestScore, tied := r.fallback, -1, false
	for _, p := range agent.Personas() {
		switch s := scores[p]; {
		case s > bestScore:
			best, bestScore, tied = p, s, false
		case s == bestScore:
			tied = true
		}
	}
	if bestScore == 0 || tied {
		return Decision{Persona: r.fallback, Reason: ReasonDefault, Scores: scores}, nil
	}
	return Decision{Persona: best, Reason: ReasonKeywords, Scores: scores}, nil
}

// Scores counts keyword hits per persona. Each keyword counts at most once
// and must start at a word boundary, so "learn" hits "learning" but "hr"
// does not hit "three".
func (r *IntentRouter) Scores(message string) map[agent.Persona]int {
	lower := strings.ToLower(message)
	scores := make(map[agent.Persona]int, 3)
	for _, p := range agent.Personas() {
		n := 0
		for _, kw := range r.catalog.Get(p).Keywords {
			if containsTerm(lower, strings.ToLower(kw), false) {
				n++
			}
		}
		scores[p] = n
	}
	return scores
}

// Catalog returns a copy of the router's persona catalog.
func (r *IntentRouter) Catalog() agent.Catalog {
	return r.catalog.Clone()
}

// fuzzyAlias compares every word of the message against one-word aliases.
// A candidate must be within maxFuzzyEdits of the alias; the highest
// similarity at or above the threshold wins.
func (r *IntentRouter) fuzzyAlias(lower string) (alias, bool) {
	if r.fuzzyThreshold > 1 {
		return alias{}, false
	}
	words := strings.FieldsFunc(lower, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	var (
		best      alias
		bestScore float64
	)
	for _, w := range words {
		if len(w) < minFuzzyLen {
			continue
		}
		for _, a := range r.aliases {
			// A word that is a strict prefix of an alias is a different
			// word ("interview" vs "interviewer"), not a misspelling.
			if strings.Contains(a.key, " ") || len(a.key) < minFuzzyLen || strings.HasPrefix(a.key, w) {
				continue
			}
			if matchr.DamerauLevenshtein(w, a.key) > maxFuzzyEdits {
				continue
			}
			if s := matchr.JaroWinkler(w, a.key, false); s >= r.fuzzyThreshold && s > bestScore {
				best, bestScore = a, s
			}
		}
	}
	return best, bestScore > 0
}

// containsTerm reports whether term occurs in text starting at a word
// boundary. When whole is set it must also end at one.
func containsTerm(text, term string, whole bool) bool {
	if term == "" {
		return false
	}
	for i := 0; ; {
		j := strings.Index(text[i:], term)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(term)
		if boundaryBefore(text, start) && (!whole || boundaryAfter(text, end)) {
			return true
		}
		i = start + 1
		if i >= len(text) {
			return false
		}
	}
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r := rune(text[i-1])
	return r < 0x80 && !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r := rune(text[i])
	return r < 0x80 && !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
