// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (OpenAI, Anthropic,
// Gemini, a local Ollama instance) and exposes a uniform interface for the
// persona orchestrator to run completions, estimate token usage, and inspect
// model capabilities without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/sarathi/pkg/types"
)

// FinishReasonError is the FinishReason of the chunk that reports a failure
// after a stream has started. Its Text carries the error message.
const FinishReasonError = "error"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is the persona instruction plus any grounding context. It
	// is sent ahead of Messages using the provider's native system slot.
	SystemPrompt string

	// Messages is the ordered conversation history, oldest first. The last
	// message is the user's current input.
	Messages []types.Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero leaves the
	// provider default in place.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Validate reports malformed requests as [types.ErrValidation].
func (r CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("llm: request has no messages: %w", types.ErrValidation)
	}
	for i, m := range r.Messages {
		if !m.Role.IsValid() {
			return fmt.Errorf("llm: message %d has unknown role %q: %w", i, m.Role, types.ErrValidation)
		}
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("llm: negative max tokens %d: %w", r.MaxTokens, types.ErrValidation)
	}
	return nil
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk ("stop", "length", or
	// [FinishReasonError]) and empty otherwise.
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Every method propagates context cancellation promptly.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that
	// emits Chunk values as they arrive. The channel is closed when generation
	// finishes or ctx is cancelled. Failures after the stream opened arrive
	// as a chunk whose FinishReason is [FinishReasonError].
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many context tokens messages would consume.
	// The result need not be exact but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() types.ModelCapabilities
}

// Failure wraps err so that it matches [types.ErrCompletionFailure].
func Failure(backend string, err error) error {
	return fmt.Errorf("%s: %w: %w", backend, types.ErrCompletionFailure, err)
}

// EstimateTokens approximates token usage at four characters per token plus
// a fixed per-message overhead for role and formatting.
func EstimateTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}

// Collect drains a stream and returns the concatenated text. A chunk with
// [FinishReasonError] or a cancelled ctx ends collection with an error.
func Collect(ctx context.Context, ch <-chan Chunk) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case c, ok := <-ch:
			if !ok {
				return sb.String(), nil
			}
			if c.FinishReason == FinishReasonError {
				return sb.String(), errors.New(c.Text)
			}
			sb.WriteString(c.Text)
		}
	}
}
