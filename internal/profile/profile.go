// Package profile maintains the incremental per-user profile that
// personalises every persona: stated facts such as name and career goal,
// interests inferred from messages, and how often the user talks to each
// persona.
//
// A profile is one entry in the user_profiles collection with the fixed id
// profile_{user_id}. The entry text is a flattened "key: value" rendering
// used for similarity search; the authoritative document is the JSON
// stored under the "profile" metadata key. Updates are whole-document
// replacements after an in-memory merge, so concurrent updates for the same
// user are last-write-wins.
package profile

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/sarathi/internal/agent"
)

// Profile is the personalisation state of one user.
type Profile struct {
	UserID            string            `json:"user_id"`
	Name              string            `json:"name,omitempty"`
	Interests         []string          `json:"interests,omitempty"`
	CareerGoal        string            `json:"career_goal,omitempty"`
	LearningGoals     []string          `json:"learning_goals,omitempty"`
	InteractionCounts map[string]int    `json:"interaction_counts,omitempty"`
	PreferredLanguage string            `json:"preferred_language,omitempty"`
	LastActive        time.Time         `json:"last_active,omitzero"`
	Attributes        map[string]string `json:"attributes,omitempty"`
}

// EntryID returns the store id of userID's profile.
func EntryID(userID string) string {
	return "profile_" + userID
}

// IsZero reports whether p carries nothing beyond its user id.
func (p Profile) IsZero() bool {
	return p.Name == "" && len(p.Interests) == 0 && p.CareerGoal == "" &&
		len(p.LearningGoals) == 0 && len(p.InteractionCounts) == 0 &&
		p.PreferredLanguage == "" && p.LastActive.IsZero() && len(p.Attributes) == 0
}

// Clone returns a deep copy of p.
func (p Profile) Clone() Profile {
	out := p
	out.Interests = slices.Clone(p.Interests)
	out.LearningGoals = slices.Clone(p.LearningGoals)
	out.InteractionCounts = maps.Clone(p.InteractionCounts)
	out.Attributes = maps.Clone(p.Attributes)
	return out
}

// Merge overlays the non-empty fields of patch onto p. Lists replace,
// attribute maps merge key by key. Interaction counts are never patched.
func (p Profile) Merge(patch Profile) Profile {
	out := p.Clone()
	if patch.Name != "" {
		out.Name = patch.Name
	}
	if patch.Interests != nil {
		out.Interests = slices.Clone(patch.Interests)
	}
	if patch.CareerGoal != "" {
		out.CareerGoal = patch.CareerGoal
	}
	if patch.LearningGoals != nil {
		out.LearningGoals = slices.Clone(patch.LearningGoals)
	}
	if patch.PreferredLanguage != "" {
		out.PreferredLanguage = patch.PreferredLanguage
	}
	if len(patch.Attributes) > 0 {
		if out.Attributes == nil {
			out.Attributes = make(map[string]string, len(patch.Attributes))
		}
		maps.Copy(out.Attributes, patch.Attributes)
	}
	return out
}

// MostActive returns the persona with the highest interaction count. Ties
// go to the earlier persona in [agent.Personas], then to the smaller name.
func (p Profile) MostActive() (string, bool) {
	if len(p.InteractionCounts) == 0 {
		return "", false
	}
	rank := func(name string) int {
		if i := slices.Index(agent.Personas(), agent.Persona(name)); i >= 0 {
			return i
		}
		return len(agent.Personas())
	}
	keys := slices.Sorted(maps.Keys(p.InteractionCounts))
	slices.SortStableFunc(keys, func(a, b string) int { return rank(a) - rank(b) })

	best, bestN := "", -1
	for _, k := range keys {
		if n := p.InteractionCounts[k]; n > bestN {
			best, bestN = k, n
		}
	}
	return best, true
}

// Text renders p as "key: value" parts joined by ". ". It always starts with
// the user id, so it is never empty.
func (p Profile) Text() string {
	parts := []string{"user_id: " + p.UserID}
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+": "+v)
		}
	}
	add("name", p.Name)
	add("interests", strings.Join(p.Interests, ", "))
	add("career_goal", p.CareerGoal)
	add("learning_goals", strings.Join(p.LearningGoals, ", "))
	if len(p.InteractionCounts) > 0 {
		b, _ := json.Marshal(p.InteractionCounts)
		add("interaction_counts", string(b))
	}
	add("preferred_language", p.PreferredLanguage)
	if !p.LastActive.IsZero() {
		add("last_active", p.LastActive.UTC().Format(time.RFC3339))
	}
	for _, k := range slices.Sorted(maps.Keys(p.Attributes)) {
		add(k, p.Attributes[k])
	}
	return strings.Join(parts, ". ")
}

// summaryInterests is how many interests [Summarize] mentions.
const summaryInterests = 5

// Summarize returns the short profile description injected into prompts.
// A zero profile yields "". A profile with none of the summarised fields
// falls back to [Profile.Text].
func Summarize(p Profile) string {
	if p.IsZero() {
		return ""
	}
	var parts []string
	if p.Name != "" {
		parts = append(parts, "Name: "+p.Name)
	}
	if len(p.Interests) > 0 {
		parts = append(parts, "Interests: "+strings.Join(p.Interests[:min(len(p.Interests), summaryInterests)], ", "))
	}
	if p.CareerGoal != "" {
		parts = append(parts, "Career goal: "+p.CareerGoal)
	}
	if persona, ok := p.MostActive(); ok {
		parts = append(parts, "Most interactions with: "+persona+" agent")
	}
	if p.PreferredLanguage != "" {
		parts = append(parts, "Preferred language: "+p.PreferredLanguage)
	}
	if len(parts) == 0 {
		return p.Text()
	}
	return strings.Join(parts, ". ")
}

// maxSuggestions caps [Suggestions].
const maxSuggestions = 6

// Suggestions returns proactive conversation starters for p: companion
// prompts always, mentor prompts when a career goal is known and
// interviewer prompts when an upcoming_interviews attribute is set.
func Suggestions(p Profile) []string {
	out := []string{
		"How are you feeling about your upcoming goals?",
		"Tell me about your day",
		"What's been on your mind lately?",
	}
	if p.CareerGoal != "" {
		out = append(out,
			"Let's work on your career development plan",
			"Review progress on your learning goals",
			"Explore new skills for your target role",
		)
	}
	if p.Attributes["upcoming_interviews"] != "" {
		out = append(out,
			"Practice for your upcoming interview",
			"Review common technical questions",
			"Work on your communication skills",
		)
	}
	return out[:min(len(out), maxSuggestions)]
}
