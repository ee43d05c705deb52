// Package agent defines the three conversational personas and the data each
// one carries: display name, system prompt, routing keywords and aliases,
// canned fallback reply, grounding header and voice.
//
// A [Persona] is a plain tag. Everything persona-specific lives in a
// [Definition] looked up from a [Catalog], so the orchestrator stays a single
// generic implementation and operators can override keywords, prompts and
// voices through configuration.
package agent

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/MrWong99/sarathi/pkg/types"
)

// Persona identifies one of the fixed conversational roles.
type Persona string

const (
	// Companion (Mitra) gives emotional support and cultural conversation.
	Companion Persona = "companion"

	// Mentor (Guru) teaches and gives learning and career guidance.
	Mentor Persona = "mentor"

	// Interviewer (Parikshak) runs mock interviews and gives feedback.
	Interviewer Persona = "interviewer"
)

// Personas returns every persona in routing-priority order. Companion comes
// first because it wins ties.
func Personas() []Persona {
	return []Persona{Companion, Mentor, Interviewer}
}

// IsValid reports whether p is one of the known personas.
func (p Persona) IsValid() bool {
	return slices.Contains(Personas(), p)
}

// String implements fmt.Stringer.
func (p Persona) String() string { return string(p) }

// legacyTags maps persona names used by older clients onto tags.
var legacyTags = map[string]Persona{
	"mitra":     Companion,
	"sakhi":     Companion,
	"guru":      Mentor,
	"parikshak": Interviewer,
	"interview": Interviewer,
}

// Parse converts a tag or persona name into a Persona. The empty string
// yields ("", nil) meaning "not pinned". Anything else unknown is a
// validation error.
func Parse(s string) (Persona, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "auto" {
		return "", nil
	}
	if p := Persona(s); p.IsValid() {
		return p, nil
	}
	if p, ok := legacyTags[s]; ok {
		return p, nil
	}
	return "", fmt.Errorf("agent: unknown persona %q: %w", s, types.ErrValidation)
}

// Definition is the data a persona carries.
type Definition struct {
	Persona Persona

	// Name is the persona's display name, e.g. "Guru".
	Name string

	// Prompt is the fixed system instruction. Grounding is appended to it by
	// [Definition.SystemPrompt].
	Prompt string

	// Keywords are substrings that score a message for this persona.
	Keywords []string

	// Aliases are explicit mentions that route to this persona regardless of
	// keyword scores.
	Aliases []string

	// Fallback is the canned reply used when the LLM is unavailable.
	Fallback string

	// GroundingHeader introduces the profile summary in the system prompt.
	GroundingHeader string

	// HistoryTurns is how many recent session messages are sent as history.
	HistoryTurns int

	Temperature float64
	MaxTokens   int

	Voice types.VoiceProfile
}

// SystemPrompt joins the fixed instruction and the grounding text.
func (d Definition) SystemPrompt(grounding string) string {
	grounding = strings.TrimSpace(grounding)
	if grounding == "" {
		return d.Prompt
	}
	return d.Prompt + "\n\n" + grounding
}

// Clone returns a deep copy of d.
func (d Definition) Clone() Definition {
	out := d
	out.Keywords = slices.Clone(d.Keywords)
	out.Aliases = slices.Clone(d.Aliases)
	out.Voice.Metadata = maps.Clone(d.Voice.Metadata)
	return out
}

// Catalog holds the definition of every persona.
type Catalog map[Persona]Definition

// DefaultCatalog returns a fresh catalog with the built-in definitions.
func DefaultCatalog() Catalog {
	c := make(Catalog, 3)
	for _, d := range defaults {
		c[d.Persona] = d.Clone()
	}
	return c
}

// Get returns the definition for p, falling back to the built-in one when
// the catalog has no entry.
func (c Catalog) Get(p Persona) Definition {
	if d, ok := c[p]; ok {
		return d
	}
	for _, d := range defaults {
		if d.Persona == p {
			return d.Clone()
		}
	}
	return Definition{Persona: p}
}

// Clone returns a deep copy of c.
func (c Catalog) Clone() Catalog {
	out := make(Catalog, len(c))
	for p, d := range c {
		out[p] = d.Clone()
	}
	return out
}

// Override describes configured changes to one persona. Empty fields keep the
// built-in value; ExtraKeywords are appended to the defaults.
type Override struct {
	Name          string
	Prompt        string
	ExtraKeywords []string
	Fallback      string
	VoiceID       string
	Temperature   float64
	MaxTokens     int
}

// Apply returns a copy of c with overrides merged in. Unknown personas are
// a validation error.
func (c Catalog) Apply(overrides map[Persona]Override) (Catalog, error) {
	out := c.Clone()
	for p, o := range overrides {
		if !p.IsValid() {
			return nil, fmt.Errorf("agent: override for unknown persona %q: %w", p, types.ErrValidation)
		}
		d := out.Get(p)
		if o.Name != "" {
			d.Name = o.Name
		}
		if o.Prompt != "" {
			d.Prompt = o.Prompt
		}
		for _, kw := range o.ExtraKeywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && !slices.Contains(d.Keywords, kw) {
				d.Keywords = append(d.Keywords, kw)
			}
		}
		if o.Fallback != "" {
			d.Fallback = o.Fallback
		}
		if o.VoiceID != "" {
			d.Voice.ID = o.VoiceID
		}
		if o.Temperature != 0 {
			d.Temperature = o.Temperature
		}
		if o.MaxTokens != 0 {
			d.MaxTokens = o.MaxTokens
		}
		out[p] = d
	}
	return out, nil
}
