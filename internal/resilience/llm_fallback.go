package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/sarathi/pkg/provider/llm"
	"github.com/MrWong99/sarathi/pkg/types"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports each backend's breaker state.
func (f *LLMFallback) States() map[string]State {
	return f.group.States()
}

// Complete sends the request to the first healthy provider.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, completionErr(err)
	}
	return resp, nil
}

// StreamCompletion opens a stream on the first healthy provider. Only the
// initial connection is covered by failover; once a stream is established,
// mid-stream errors arrive as a chunk with [llm.FinishReasonError].
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch, err := ExecuteWithResult(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
	if err != nil {
		return nil, completionErr(err)
	}
	return ch, nil
}

// CountTokens uses the primary's tokenizer. Token counting is local and
// does not participate in failover.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return f.group.Primary().CountTokens(messages)
}

// Capabilities returns the capabilities of the primary.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

// completionErr makes err match [types.ErrCompletionFailure] unless it is a
// validation error, which passes through untouched.
func completionErr(err error) error {
	if errors.Is(err, types.ErrValidation) || errors.Is(err, types.ErrCompletionFailure) {
		return err
	}
	return llm.Failure("llm fallback", err)
}
