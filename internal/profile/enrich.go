package profile

import (
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/sarathi/internal/agent"
)

// DefaultInterestCap is how many interests a profile keeps.
const DefaultInterestCap = 10

// Rule maps message terms onto an interest tag. A message matches when it
// contains any term, case-insensitively.
type Rule struct {
	Tag   string
	Terms []string
}

// Policy holds the tunable enrichment heuristics.
type Policy struct {
	Rules       []Rule
	InterestCap int
}

// DefaultRules returns the built-in enrichment rules.
func DefaultRules() []Rule {
	return []Rule{
		{Tag: "career development", Terms: []string{"career", "job"}},
		{Tag: "interview preparation", Terms: []string{"interview"}},
		{Tag: "technology", Terms: []string{"python", "javascript", "programming", "coding"}},
		{Tag: "learning", Terms: []string{"study", "learn", "course", "exam"}},
	}
}

// DefaultPolicy returns the built-in rules with the default interest cap.
func DefaultPolicy() Policy {
	return Policy{Rules: DefaultRules(), InterestCap: DefaultInterestCap}
}

// interestCap returns the effective interest cap.
func (pol Policy) interestCap() int {
	if pol.InterestCap <= 0 {
		return DefaultInterestCap
	}
	return pol.InterestCap
}

// Tags returns the interest tags message matches, in rule order.
func (pol Policy) Tags(message string) []string {
	lower := strings.ToLower(message)
	var tags []string
	for _, r := range pol.Rules {
		for _, term := range r.Terms {
			if term != "" && strings.Contains(lower, strings.ToLower(term)) {
				tags = append(tags, r.Tag)
				break
			}
		}
	}
	return tags
}

// Enrich returns p updated from one exchange with persona: newly matched
// interest tags are appended (oldest evicted beyond the cap), the persona's
// interaction counter is incremented and LastActive is set to now. p itself
// is not modified.
func (pol Policy) Enrich(p Profile, persona agent.Persona, message string, now time.Time) Profile {
	out := p.Clone()
	for _, tag := range pol.Tags(message) {
		if !slices.Contains(out.Interests, tag) {
			out.Interests = append(out.Interests, tag)
		}
	}
	if c := pol.interestCap(); len(out.Interests) > c {
		out.Interests = slices.Clone(out.Interests[len(out.Interests)-c:])
	}

	if persona != "" {
		if out.InteractionCounts == nil {
			out.InteractionCounts = make(map[string]int, 1)
		}
		out.InteractionCounts[string(persona)]++
	}
	out.LastActive = now.UTC()
	return out
}

// Enrich applies [DefaultPolicy].
func Enrich(p Profile, persona agent.Persona, message string, now time.Time) Profile {
	return DefaultPolicy().Enrich(p, persona, message, now)
}
