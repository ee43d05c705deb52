// Package hotctx assembles the per-message grounding context for a persona:
// the user's profile summary plus the past conversation turns and document
// chunks most similar to the current message.
//
// The three lookups run concurrently after a single query embedding. A
// failing backend never fails the turn: its section comes back empty, the
// failure is logged, and [Context.Degraded] is set. Use [FormatGrounding]
// to render a [Context] for the system prompt.
package hotctx

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/internal/observe"
	"github.com/MrWong99/sarathi/internal/profile"
	"github.com/MrWong99/sarathi/pkg/memory"
	"github.com/MrWong99/sarathi/pkg/provider/embeddings"
	"github.com/MrWong99/sarathi/pkg/types"
)

// Default retrieval limits.
const (
	DefaultTurns     = 4
	DefaultDocuments = 3
	DefaultBudget    = 2000
	DefaultTimeout   = 8 * time.Second
)

// Limits bounds what [Retriever.GetContext] returns. Zero fields take the
// defaults; negative fields are a validation error.
type Limits struct {
	// Turns is the top-k for past conversation turns.
	Turns int `yaml:"turns"`

	// Documents is the top-k for document chunks.
	Documents int `yaml:"documents"`

	// Budget is the maximum number of characters across the profile summary
	// and every returned item.
	Budget int `yaml:"budget"`
}

// DefaultLimits returns 4 turns, 3 documents and a 2000 character budget.
func DefaultLimits() Limits {
	return Limits{Turns: DefaultTurns, Documents: DefaultDocuments, Budget: DefaultBudget}
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	if l.Turns < 0 || l.Documents < 0 || l.Budget < 0 {
		return fmt.Errorf("hotctx: negative limit in %+v: %w", l, types.ErrValidation)
	}
	return nil
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.Turns == 0 {
		l.Turns = def.Turns
	}
	if l.Documents == 0 {
		l.Documents = def.Documents
	}
	if l.Budget == 0 {
		l.Budget = def.Budget
	}
	return l
}

// Item is one retrieved turn or document chunk.
type Item struct {
	ID         string
	Text       string
	Similarity float32
	Metadata   map[string]string
}

func itemFrom(m memory.Match) Item {
	return Item{ID: m.ID, Text: m.Text, Similarity: m.Similarity, Metadata: m.Metadata}
}

// Context is the grounding material for one message.
type Context struct {
	ProfileSummary string
	Turns          []Item
	Documents      []Item

	// Degraded is set when a backend failed and a section may be missing.
	Degraded bool

	// Duration is how long GetContext took.
	Duration time.Duration
}

// IsEmpty reports whether c carries nothing to ground on.
func (c *Context) IsEmpty() bool {
	return c == nil || (c.ProfileSummary == "" && len(c.Turns) == 0 && len(c.Documents) == 0)
}

// Len returns the number of characters c contributes against its budget.
func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	n := utf8.RuneCountInString(c.ProfileSummary)
	for _, it := range c.Turns {
		n += utf8.RuneCountInString(it.Text)
	}
	for _, it := range c.Documents {
		n += utf8.RuneCountInString(it.Text)
	}
	return n
}

// Retriever implements the context lookup. It is safe for concurrent use.
type Retriever struct {
	store    memory.VectorStore
	embedder embeddings.Provider
	profiles *profile.Manager
	hits     *HitTracker
	metrics  *observe.Metrics
	timeout  time.Duration
	now      func() time.Time
	limits   atomic.Pointer[Limits]
}

// Option configures a [Retriever].
type Option func(*Retriever)

// WithLimits sets the limits used when a call passes the zero [Limits].
func WithLimits(l Limits) Option {
	return func(r *Retriever) {
		if l.Validate() == nil {
			l = l.withDefaults()
			r.limits.Store(&l)
		}
	}
}

// WithHitTracker records which entries each lookup returned.
func WithHitTracker(h *HitTracker) Option {
	return func(r *Retriever) { r.hits = h }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

// WithTimeout bounds every lookup. Defaults to [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(r *Retriever) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides time.Now for the insight queries.
func WithClock(now func() time.Time) Option {
	return func(r *Retriever) { r.now = now }
}

// NewRetriever creates a [Retriever]. profiles may be nil, in which case no
// profile summary is returned.
func NewRetriever(store memory.VectorStore, embedder embeddings.Provider, profiles *profile.Manager, opts ...Option) *Retriever {
	r := &Retriever{
		store:    store,
		embedder: embedder,
		profiles: profiles,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	def := DefaultLimits()
	r.limits.Store(&def)
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Limits returns the default limits.
func (r *Retriever) Limits() Limits { return *r.limits.Load() }

// SetLimits swaps the default limits for subsequent calls.
func (r *Retriever) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	l = l.withDefaults()
	r.limits.Store(&l)
	return nil
}

// Hits returns the tracker, or nil.
func (r *Retriever) Hits() *HitTracker { return r.hits }

// GetContext returns the grounding context for query. Turns are filtered by
// userID and, when persona is set, by persona; documents by userID only.
// The profile summary is kept first, then items by descending similarity;
// an item that would overrun the budget is left out whole.
//
// Only validation errors are returned. Backend failures leave the affected
// section empty and set [Context.Degraded].
func (r *Retriever) GetContext(ctx context.Context, userID, query string, persona agent.Persona, lim Limits) (*Context, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("hotctx: empty user id: %w", types.ErrValidation)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("hotctx: empty query: %w", types.ErrValidation)
	}
	if persona != "" && !persona.IsValid() {
		return nil, fmt.Errorf("hotctx: persona %q: %w", persona, types.ErrValidation)
	}
	if err := lim.Validate(); err != nil {
		return nil, err
	}
	if lim == (Limits{}) {
		lim = r.Limits()
	}
	lim = lim.withDefaults()

	ctx, span := observe.StartSpan(ctx, "hotctx.GetContext")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := time.Now()
	log := observe.Logger(ctx).With("user_id", userID, "persona", persona)

	var (
		summary  string
		turns    []memory.Match
		docs     []memory.Match
		degraded atomic.Bool
	)

	// Errors are absorbed per section, so the group never cancels siblings.
	var eg errgroup.Group

	eg.Go(func() error {
		if r.profiles == nil {
			return nil
		}
		p, err := r.profiles.Get(ctx, userID)
		if err != nil {
			log.Warn("profile lookup failed", "error", err)
			degraded.Store(true)
			return nil
		}
		summary = profile.Summarize(p)
		return nil
	})

	eg.Go(func() error {
		embedStart := time.Now()
		vec, err := r.embedder.Embed(ctx, query)
		r.metrics.EmbedDuration.Record(ctx, time.Since(embedStart).Seconds())
		if err != nil {
			log.Warn("query embedding failed, retrieving without memories", "error", err)
			degraded.Store(true)
			return nil
		}

		var inner errgroup.Group
		inner.Go(func() error {
			filter := memory.Filter{memory.KeyUserID: userID}
			if persona != "" {
				filter[memory.KeyPersona] = string(persona)
			}
			turns = r.query(ctx, memory.ConversationTurns, vec, lim.Turns, filter, &degraded)
			return nil
		})
		inner.Go(func() error {
			docs = r.query(ctx, memory.Documents, vec, lim.Documents, memory.Filter{memory.KeyUserID: userID}, &degraded)
			return nil
		})
		return inner.Wait()
	})

	_ = eg.Wait()

	out := fitBudget(summary, turns, docs, lim.Budget)
	out.Degraded = degraded.Load()
	out.Duration = time.Since(start)
	r.metrics.RetrievalDuration.Record(ctx, out.Duration.Seconds(), metric.WithAttributes(
		observe.Attr("persona", personaLabel(persona)),
		observe.Attr("degraded", strconv.FormatBool(out.Degraded)),
	))

	if r.hits != nil {
		ids := make([]string, 0, len(out.Turns)+len(out.Documents))
		for _, it := range out.Turns {
			ids = append(ids, it.ID)
		}
		for _, it := range out.Documents {
			ids = append(ids, it.ID)
		}
		r.hits.Record(ids...)
	}
	log.Debug("context retrieved",
		"turns", len(out.Turns),
		"documents", len(out.Documents),
		"chars", out.Len(),
		"degraded", out.Degraded,
		"duration", out.Duration,
	)
	return out, nil
}

func personaLabel(p agent.Persona) string {
	if p == "" {
		return "any"
	}
	return string(p)
}

// query runs one top-k lookup and absorbs its failure.
func (r *Retriever) query(ctx context.Context, c memory.Collection, vec []float32, k int, filter memory.Filter, degraded *atomic.Bool) []memory.Match {
	matches, err := r.store.Query(ctx, c, vec, k, filter)
	r.metrics.RecordStoreOp(ctx, string(c), "query", err)
	if err != nil {
		observe.Logger(ctx).Warn("context lookup failed",
			"collection", c,
			"error", fmt.Errorf("%w: %w", types.ErrRetrievalFailure, err),
		)
		degraded.Store(true)
		return nil
	}
	return matches
}

// fitBudget keeps the summary, then the highest-similarity items that still
// fit. Turns win similarity ties against documents.
func fitBudget(summary string, turns, docs []memory.Match, budget int) *Context {
	out := &Context{Turns: []Item{}, Documents: []Item{}}
	used := 0
	if n := utf8.RuneCountInString(summary); n <= budget {
		out.ProfileSummary = summary
		used = n
	}

	type candidate struct {
		m     memory.Match
		isDoc bool
	}
	cands := make([]candidate, 0, len(turns)+len(docs))
	for _, m := range turns {
		cands = append(cands, candidate{m: m})
	}
	for _, m := range docs {
		cands = append(cands, candidate{m: m, isDoc: true})
	}
	slices.SortStableFunc(cands, func(a, b candidate) int {
		switch {
		case a.m.Similarity > b.m.Similarity:
			return -1
		case a.m.Similarity < b.m.Similarity:
			return 1
		}
		return 0
	})

	for _, c := range cands {
		n := utf8.RuneCountInString(c.m.Text)
		if used+n > budget {
			continue
		}
		used += n
		if c.isDoc {
			out.Documents = append(out.Documents, itemFrom(c.m))
		} else {
			out.Turns = append(out.Turns, itemFrom(c.m))
		}
	}
	return out
}
