package types

import "errors"

// Error kinds shared by every layer. Components wrap one of these with
// fmt.Errorf("...: %w", ErrX) so callers can classify a failure with
// [errors.Is] without knowing which backend produced it.
//
// Only [ErrValidation] is meant to reach the caller of the orchestrator;
// the other kinds are absorbed where they occur and turned into a degraded
// but still delivered response.
var (
	// ErrEmbeddingUnavailable reports that an embedding backend is
	// unreachable or misconfigured.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrRetrievalFailure reports that a vector store query failed.
	ErrRetrievalFailure = errors.New("retrieval failure")

	// ErrCompletionFailure reports that the LLM call failed or timed out.
	ErrCompletionFailure = errors.New("completion failure")

	// ErrPersistenceFailure reports that writing a turn, profile, document or
	// session failed.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrValidation reports malformed caller input such as an empty message,
	// an unknown persona tag or a negative k.
	ErrValidation = errors.New("validation error")
)
