package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/internal/observe"
	"github.com/MrWong99/sarathi/internal/recorder"
	"github.com/MrWong99/sarathi/pkg/memory"
	"github.com/MrWong99/sarathi/pkg/types"
)

// Consolidation defaults.
const (
	DefaultThreshold             = 100
	DefaultRetention             = 30 * 24 * time.Hour
	defaultConsolidationInterval = time.Hour
)

// HitCounter reports how often an entry was used as grounding.
type HitCounter interface {
	Hits(id string) int
	Forget(ids ...string)
}

// TurnWriter stores a conversation turn. [recorder.Writer] implements it.
type TurnWriter interface {
	RecordTurn(ctx context.Context, in recorder.TurnInput) ([]string, error)
}

// Consolidator keeps the per-user conversation_turns and interaction_log
// collections bounded. For every user above the threshold it prunes entries
// older than the retention window, least used first and then oldest, until
// the user is back at the threshold. With a summariser configured the pruned
// entries are condensed into one summary turn before anything is deleted; if
// that summary cannot be written nothing is deleted for that user.
//
// All methods are safe for concurrent use. Runs never overlap.
type Consolidator struct {
	store      memory.VectorStore
	hits       HitCounter
	summariser Summariser
	writer     TurnWriter
	metrics    *observe.Metrics
	threshold  int
	retention  time.Duration
	interval   time.Duration
	now        func() time.Time

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// ConsolidatorConfig configures a [Consolidator].
type ConsolidatorConfig struct {
	// Store is the vector store to consolidate.
	Store memory.VectorStore

	// Hits ranks candidates. Nil treats every entry as never used.
	Hits HitCounter

	// Summariser and Writer together enable summary turns. Either nil
	// disables summarisation.
	Summariser Summariser
	Writer     TurnWriter

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Threshold is the per-user entry count above which pruning starts.
	// Defaults to 100 if zero.
	Threshold int

	// Retention protects entries younger than this. Defaults to 30 days if
	// zero.
	Retention time.Duration

	// Interval is how often Start consolidates. Defaults to 1 hour if zero.
	Interval time.Duration

	// Now overrides time.Now, for tests.
	Now func() time.Time
}

// Report summarises one consolidation run.
type Report struct {
	// Users is the number of users above the threshold.
	Users int

	// Pruned counts deleted entries per collection.
	Pruned map[memory.Collection]int

	// Summaries is the number of summary turns written.
	Summaries int
}

// Total returns the number of pruned entries across collections.
func (r Report) Total() int {
	n := 0
	for _, v := range r.Pruned {
		n += v
	}
	return n
}

// NewConsolidator creates a new [Consolidator] with the given configuration.
func NewConsolidator(cfg ConsolidatorConfig) *Consolidator {
	c := &Consolidator{
		store:      cfg.Store,
		hits:       cfg.Hits,
		summariser: cfg.Summariser,
		writer:     cfg.Writer,
		metrics:    cfg.Metrics,
		threshold:  cmp.Or(cfg.Threshold, DefaultThreshold),
		retention:  cmp.Or(cfg.Retention, DefaultRetention),
		interval:   cmp.Or(cfg.Interval, defaultConsolidationInterval),
		now:        cfg.Now,
		done:       make(chan struct{}),
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Start begins periodic consolidation in a background goroutine.
// The goroutine runs until [Consolidator.Stop] is called or ctx is cancelled.
func (c *Consolidator) Start(ctx context.Context) {
	go c.loop(ctx)
}

// Stop halts the consolidation loop. Safe to call multiple times.
func (c *Consolidator) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// ConsolidateNow runs one consolidation pass over both collections.
// Per-user failures are joined into the returned error; the report covers
// everything that did succeed.
func (c *Consolidator) ConsolidateNow(ctx context.Context) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session.consolidate")
	rep := Report{Pruned: make(map[memory.Collection]int)}
	var errs []error
	for _, col := range []memory.Collection{memory.ConversationTurns, memory.InteractionLog} {
		if err := c.consolidate(ctx, col, &rep); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	observe.EndSpan(span, err)
	return rep, err
}

// loop runs the periodic consolidation ticker.
func (c *Consolidator) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			rep, err := c.ConsolidateNow(ctx)
			if err != nil {
				observe.Logger(ctx).Warn("periodic consolidation failed", "error", err)
			}
			if rep.Total() > 0 {
				observe.Logger(ctx).Info("memory consolidated",
					"users", rep.Users,
					"pruned", rep.Total(),
					"summaries", rep.Summaries,
				)
			}
		}
	}
}

func (c *Consolidator) consolidate(ctx context.Context, col memory.Collection, rep *Report) error {
	all, err := c.store.List(ctx, col, nil)
	c.metrics.RecordStoreOp(ctx, string(col), "list", err)
	if err != nil {
		return fmt.Errorf("session: consolidate %s: %w: %w", col, types.ErrRetrievalFailure, err)
	}

	byUser := make(map[string][]memory.Entry)
	for _, e := range all {
		if u := e.Metadata[memory.KeyUserID]; u != "" {
			byUser[u] = append(byUser[u], e)
		}
	}
	users := make([]string, 0, len(byUser))
	for u, es := range byUser {
		if len(es) > c.threshold {
			users = append(users, u)
		}
	}
	slices.Sort(users)

	var errs []error
	for _, u := range users {
		rep.Users++
		n, summaries, err := c.consolidateUser(ctx, col, u, byUser[u])
		rep.Pruned[col] += n
		rep.Summaries += summaries
		if err != nil {
			observe.Logger(ctx).Warn("consolidation incomplete for user",
				"user_id", u,
				"collection", string(col),
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Prune returns the entries that would be removed for a user holding
// entries when the limit is threshold: entries older than cutoff, fewest
// hits first, then oldest, then by id.
func Prune(entries []memory.Entry, threshold int, cutoff time.Time, hits HitCounter) []memory.Entry {
	excess := len(entries) - threshold
	if excess <= 0 {
		return nil
	}
	var cands []memory.Entry
	for _, e := range entries {
		if e.Timestamp().Before(cutoff) {
			cands = append(cands, e)
		}
	}
	count := func(id string) int {
		if hits == nil {
			return 0
		}
		return hits.Hits(id)
	}
	slices.SortFunc(cands, func(a, b memory.Entry) int {
		return cmp.Or(
			cmp.Compare(count(a.ID), count(b.ID)),
			a.Timestamp().Compare(b.Timestamp()),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return cands[:min(excess, len(cands))]
}

// consolidateUser prunes one user's entries and returns how many were
// deleted and how many summary turns were written. With summarising on,
// pruned turns are summarised per persona so each summary stays visible to
// persona-filtered retrieval; a group whose summary fails is kept.
func (c *Consolidator) consolidateUser(ctx context.Context, col memory.Collection, userID string, entries []memory.Entry) (int, int, error) {
	threshold := c.threshold
	summarise := c.summariser != nil && c.writer != nil && col == memory.ConversationTurns
	groups := personaGroups(entries)
	if summarise {
		// Leave room for the summary turns themselves.
		threshold -= groups
	}
	pruned := Prune(entries, max(threshold, 0), c.now().Add(-c.retention), c.hits)
	if len(pruned) == 0 {
		return 0, 0, nil
	}

	var (
		del       []string
		summaries int
		errs      []error
	)
	if !summarise {
		for _, e := range pruned {
			del = append(del, e.ID)
		}
	} else {
		byPersona := make(map[string][]memory.Entry)
		for _, e := range pruned {
			p := e.Metadata[memory.KeyPersona]
			byPersona[p] = append(byPersona[p], e)
		}
		for _, p := range slices.Sorted(maps.Keys(byPersona)) {
			group := byPersona[p]
			if err := c.writeSummary(ctx, userID, agent.Persona(p), group); err != nil {
				errs = append(errs, err)
				continue
			}
			summaries++
			for _, e := range group {
				del = append(del, e.ID)
			}
		}
	}
	if len(del) == 0 {
		return 0, summaries, errors.Join(errs...)
	}

	err := c.store.Delete(ctx, col, del...)
	c.metrics.RecordStoreOp(ctx, string(col), "delete", err)
	if err != nil {
		errs = append(errs, fmt.Errorf("session: prune %q: %w: %w", userID, types.ErrPersistenceFailure, err))
		return 0, summaries, errors.Join(errs...)
	}
	if c.hits != nil {
		c.hits.Forget(del...)
	}
	c.metrics.ConsolidationPruned.Add(ctx, int64(len(del)),
		metric.WithAttributes(observe.Attr("collection", string(col))))
	return len(del), summaries, errors.Join(errs...)
}

// personaGroups counts the distinct personas among entries, the empty
// persona included.
func personaGroups(entries []memory.Entry) int {
	seen := make(map[string]struct{})
	for _, e := range entries {
		seen[e.Metadata[memory.KeyPersona]] = struct{}{}
	}
	return len(seen)
}

func (c *Consolidator) writeSummary(ctx context.Context, userID string, persona agent.Persona, pruned []memory.Entry) error {
	msgs := make([]types.Message, 0, len(pruned))
	for _, e := range slices.SortedFunc(slices.Values(pruned), func(a, b memory.Entry) int {
		return a.Timestamp().Compare(b.Timestamp())
	}) {
		role := types.Role(e.Metadata[memory.KeyRole])
		if !role.IsValid() {
			role = types.RoleUser
		}
		msgs = append(msgs, types.Message{Role: role, Content: e.Text})
	}
	text, err := c.summariser.Summarise(ctx, msgs)
	if err != nil {
		return fmt.Errorf("session: summarise %q: %w", userID, err)
	}
	if text == "" {
		return fmt.Errorf("session: summarise %q: empty summary", userID)
	}
	_, err = c.writer.RecordTurn(ctx, recorder.TurnInput{
		UserID:   userID,
		Persona:  persona,
		Role:     types.RoleSummary,
		Content:  text,
		Metadata: map[string]string{"consolidated": fmt.Sprint(len(pruned))},
		At:       c.now(),
	})
	if err != nil {
		return fmt.Errorf("session: write summary %q: %w", userID, err)
	}
	return nil
}
