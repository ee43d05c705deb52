// Package types defines the shared types used across all sarathi packages.
//
// These types form the lingua franca between providers, stores, the profile
// and memory layers, and the orchestrator. They are intentionally minimal:
// each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleSystem marks instructions injected by the orchestrator.
	RoleSystem Role = "system"

	// RoleUser marks text written by the human user.
	RoleUser Role = "user"

	// RoleAssistant marks text produced by a persona.
	RoleAssistant Role = "assistant"

	// RoleSummary marks synthetic entries produced by consolidation or
	// history compaction. They are stored like turns but never sent to the
	// LLM as if a participant had said them.
	RoleSummary Role = "summary"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleSummary:
		return true
	}
	return false
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role Role `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// Name is an optional participant name (the persona tag for assistant
	// messages).
	Name string `json:"name,omitempty"`
}

// VoiceProfile describes a TTS voice configuration for a persona.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
