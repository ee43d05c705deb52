package hotctx

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/internal/observe"
	"github.com/MrWong99/sarathi/pkg/memory"
	"github.com/MrWong99/sarathi/pkg/types"
)

const (
	recentTopics   = 10
	topicMaxRunes  = 100
	defaultSharedK = 5
)

// InteractionSummary describes a user's recent activity.
type InteractionSummary struct {
	TotalInteractions   int            `json:"total_interactions"`
	PersonaDistribution map[string]int `json:"persona_distribution"`
	RecentTopics        []string       `json:"recent_topics"`
	PeriodDays          int            `json:"period_days"`
}

// KnowledgeSummary describes what the store holds for a user.
type KnowledgeSummary struct {
	TotalItems         int      `json:"total_items"`
	Conversations      int      `json:"conversations"`
	Documents          int      `json:"documents"`
	DocumentNames      []string `json:"document_names"`
	PersonasInteracted []string `json:"personas_interacted"`
}

// InteractionSummary counts the user's interactions of the last days days
// per persona and returns the last ten as topics of at most 100 characters,
// oldest first.
func (r *Retriever) InteractionSummary(ctx context.Context, userID string, days int) (InteractionSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return InteractionSummary{}, fmt.Errorf("hotctx: empty user id: %w", types.ErrValidation)
	}
	if days <= 0 {
		return InteractionSummary{}, fmt.Errorf("hotctx: days must be positive, got %d: %w", days, types.ErrValidation)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entries, err := r.store.List(ctx, memory.InteractionLog, memory.Filter{memory.KeyUserID: userID})
	r.metrics.RecordStoreOp(ctx, string(memory.InteractionLog), "list", err)
	if err != nil {
		return InteractionSummary{}, fmt.Errorf("hotctx: interaction summary for %q: %w: %w", userID, types.ErrRetrievalFailure, err)
	}

	cutoff := r.now().AddDate(0, 0, -days)
	entries = slices.DeleteFunc(entries, func(e memory.Entry) bool {
		return e.Timestamp().Before(cutoff)
	})
	slices.SortStableFunc(entries, func(a, b memory.Entry) int {
		return a.Timestamp().Compare(b.Timestamp())
	})

	out := InteractionSummary{
		TotalInteractions:   len(entries),
		PersonaDistribution: make(map[string]int),
		RecentTopics:        []string{},
		PeriodDays:          days,
	}
	for _, e := range entries {
		out.PersonaDistribution[cmp.Or(e.Metadata[memory.KeyPersona], "unknown")]++
	}
	for _, e := range entries[max(0, len(entries)-recentTopics):] {
		out.RecentTopics = append(out.RecentTopics, truncateRunes(e.Text, topicMaxRunes))
	}
	return out, nil
}

// KnowledgeSummary reports how many turns and document chunks the user has,
// the names of their documents and the personas they talked to.
func (r *Retriever) KnowledgeSummary(ctx context.Context, userID string) (KnowledgeSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return KnowledgeSummary{}, fmt.Errorf("hotctx: empty user id: %w", types.ErrValidation)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	filter := memory.Filter{memory.KeyUserID: userID}
	turns, err := r.store.List(ctx, memory.ConversationTurns, filter)
	r.metrics.RecordStoreOp(ctx, string(memory.ConversationTurns), "list", err)
	if err != nil {
		return KnowledgeSummary{}, fmt.Errorf("hotctx: knowledge summary for %q: %w: %w", userID, types.ErrRetrievalFailure, err)
	}
	docs, err := r.store.List(ctx, memory.Documents, filter)
	r.metrics.RecordStoreOp(ctx, string(memory.Documents), "list", err)
	if err != nil {
		return KnowledgeSummary{}, fmt.Errorf("hotctx: knowledge summary for %q: %w: %w", userID, types.ErrRetrievalFailure, err)
	}

	out := KnowledgeSummary{
		TotalItems:         len(turns) + len(docs),
		Conversations:      len(turns),
		Documents:          len(docs),
		DocumentNames:      []string{},
		PersonasInteracted: []string{},
	}
	for _, d := range docs {
		if name := documentName(d.Metadata); name != "" && !slices.Contains(out.DocumentNames, name) {
			out.DocumentNames = append(out.DocumentNames, name)
		}
	}
	for _, t := range turns {
		if p := t.Metadata[memory.KeyPersona]; p != "" && !slices.Contains(out.PersonasInteracted, p) {
			out.PersonasInteracted = append(out.PersonasInteracted, p)
		}
	}
	slices.Sort(out.DocumentNames)
	slices.SortFunc(out.PersonasInteracted, func(a, b string) int {
		return cmp.Compare(personaRank(a), personaRank(b))
	})
	return out, nil
}

// SearchShared returns the k shared knowledge chunks most similar to query,
// optionally restricted to one category. k == 0 selects 5.
func (r *Retriever) SearchShared(ctx context.Context, query, category string, k int) ([]Item, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("hotctx: empty query: %w", types.ErrValidation)
	}
	if k < 0 {
		return nil, fmt.Errorf("hotctx: negative k %d: %w", k, types.ErrValidation)
	}
	if k == 0 {
		k = defaultSharedK
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("hotctx: search shared: %w", err)
	}
	var filter memory.Filter
	if category != "" {
		filter = memory.Filter{memory.KeyCategory: category}
	}
	matches, err := r.store.Query(ctx, memory.SharedKnowledge, vec, k, filter)
	r.metrics.RecordStoreOp(ctx, string(memory.SharedKnowledge), "query", err)
	if err != nil {
		observe.Logger(ctx).Warn("shared knowledge search failed", "category", category, "error", err)
		return nil, fmt.Errorf("hotctx: search shared: %w: %w", types.ErrRetrievalFailure, err)
	}
	out := make([]Item, len(matches))
	for i, m := range matches {
		out[i] = itemFrom(m)
	}
	return out, nil
}

func personaRank(p string) int {
	if i := slices.Index(agent.Personas(), agent.Persona(p)); i >= 0 {
		return i
	}
	return len(agent.Personas())
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
