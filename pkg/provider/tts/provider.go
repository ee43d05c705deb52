// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A persona reply can optionally be spoken: the orchestrator hands the final
// reply text and the persona's configured voice to a Provider and returns the
// synthesised audio to the caller. Streaming playback is left to the caller's
// transport.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/MrWong99/sarathi/pkg/types"
)

// ErrNoVoice is returned when a synthesis request names no voice.
var ErrNoVoice = errors.New("tts: voice id must not be empty")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into encoded audio using voice. The audio
	// format is backend specific and fixed per provider instance.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)

	// ListVoices returns the voices available to the configured account.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
