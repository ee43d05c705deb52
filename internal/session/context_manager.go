package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/MrWong99/sarathi/pkg/provider/llm"
	"github.com/MrWong99/sarathi/pkg/types"
)

// summaryPrefix marks the synthetic history message carrying a session's
// rolling summary.
const summaryPrefix = "[Previous conversation summary]: "

// Compactor keeps a session's recent message window within a token budget.
// When the estimate exceeds ThresholdRatio × MaxTokens the oldest half of the
// window is folded into the session's rolling summary.
type Compactor struct {
	maxTokens      int
	thresholdRatio float64
	summariser     Summariser
}

// CompactorConfig configures a [Compactor].
type CompactorConfig struct {
	// MaxTokens is the history budget, usually a fraction of the model's
	// context window. Defaults to 4000.
	MaxTokens int

	// ThresholdRatio is the fraction of MaxTokens at which compaction is
	// triggered. Defaults to 0.75 if zero or negative.
	ThresholdRatio float64

	// Summariser compresses older messages. When nil, compaction simply
	// drops them.
	Summariser Summariser
}

// NewCompactor creates a [Compactor].
func NewCompactor(cfg CompactorConfig) *Compactor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4000
	}
	if cfg.ThresholdRatio <= 0 {
		cfg.ThresholdRatio = 0.75
	}
	return &Compactor{
		maxTokens:      cfg.MaxTokens,
		thresholdRatio: cfg.ThresholdRatio,
		summariser:     cfg.Summariser,
	}
}

// Threshold returns the token count above which Compact acts.
func (c *Compactor) Threshold() int {
	return int(float64(c.maxTokens) * c.thresholdRatio)
}

// Compact returns s with its oldest messages folded into the summary when
// the history is over threshold. The bool reports whether anything changed.
// The previous summary is passed to the summariser first so the new one
// supersedes it. On summariser failure s is returned unchanged.
func (c *Compactor) Compact(ctx context.Context, s Session) (Session, bool, error) {
	if TokenEstimate(s) <= c.Threshold() || len(s.Recent) < 2 {
		return s, false, nil
	}
	half := len(s.Recent) / 2
	old := s.Recent[:half]

	summary := ""
	if c.summariser != nil {
		in := make([]types.Message, 0, half+1)
		if s.Summary != "" {
			in = append(in, types.Message{Role: types.RoleSummary, Content: s.Summary})
		}
		in = append(in, old...)
		var err error
		summary, err = c.summariser.Summarise(ctx, in)
		if err != nil {
			return s, false, fmt.Errorf("session: compact %q: %w", s.ID, err)
		}
	}

	out := s.Clone()
	out.Recent = slices.Clone(s.Recent[half:])
	out.Summary = summary
	return out, true, nil
}

// History returns the messages to send to the LLM for s: the rolling summary
// as a system message, then at most n recent messages. n <= 0 means all.
func History(s Session, n int) []types.Message {
	recent := s.Recent
	if n > 0 && len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	out := make([]types.Message, 0, len(recent)+1)
	if s.Summary != "" {
		out = append(out, types.Message{Role: types.RoleSystem, Content: summaryPrefix + s.Summary})
	}
	return append(out, recent...)
}

// TokenEstimate approximates the tokens History(s, 0) would consume.
func TokenEstimate(s Session) int {
	return llm.EstimateTokens(History(s, 0))
}
