// Package orchestrator turns one user message into one persona reply.
//
// The [IntentRouter] picks the persona, the [Orchestrator] then grounds the
// request in the user's memory, asks the LLM for a completion and records the
// exchange. Every turn walks the same states:
//
//	RECEIVED → ROUTED → GROUNDED → RESPONDED → PERSISTED
//
// Backend failures never fail a turn. Retrieval problems yield an ungrounded
// prompt, completion problems yield the persona's canned fallback and
// persistence problems are logged. Only [types.ErrValidation] reaches the
// caller.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/internal/hotctx"
	"github.com/MrWong99/sarathi/internal/observe"
	"github.com/MrWong99/sarathi/internal/recorder"
	"github.com/MrWong99/sarathi/internal/session"
	"github.com/MrWong99/sarathi/pkg/provider/llm"
	"github.com/MrWong99/sarathi/pkg/provider/tts"
	"github.com/MrWong99/sarathi/pkg/types"
)

// Default per-stage timeouts.
const (
	DefaultRetrievalTimeout   = 8 * time.Second
	DefaultCompletionTimeout  = 30 * time.Second
	DefaultPersistenceTimeout = 8 * time.Second
)

// State is a step of turn processing.
type State int

const (
	StateReceived State = iota
	StateRouted
	StateGrounded
	StateResponded
	StatePersisted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateRouted:
		return "routed"
	case StateGrounded:
		return "grounded"
	case StateResponded:
		return "responded"
	case StatePersisted:
		return "persisted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Retriever assembles grounding context. [hotctx.Retriever] implements it.
type Retriever interface {
	GetContext(ctx context.Context, userID, query string, persona agent.Persona, lim hotctx.Limits) (*hotctx.Context, error)
}

// Recorder persists turns and interactions. [recorder.Writer] implements it.
type Recorder interface {
	RecordTurn(ctx context.Context, in recorder.TurnInput) ([]string, error)
	RecordInteraction(ctx context.Context, in recorder.InteractionInput) (string, error)
}

// Request is one incoming user message.
type Request struct {
	UserID  string
	Message string

	// SessionID is optional. When set the session's history is sent to the
	// LLM and its pinned persona overrides routing.
	SessionID string

	// Persona is an explicit override. Empty means route automatically.
	Persona agent.Persona
}

// Reply is the answer to a [Request].
type Reply struct {
	Persona   agent.Persona
	Name      string
	Text      string
	SessionID string

	// Degraded is set when the text is the persona's fallback.
	Degraded bool

	// Route explains why Persona was chosen.
	Route Decision

	// Grounding is what the prompt was grounded on. Never nil.
	Grounding *hotctx.Context
}

// Completion is the outcome of asking the LLM. A failed completion still
// carries the text to send, which is the persona fallback.
type Completion struct {
	Text     string
	Degraded bool
	Err      error
}

// Timeouts bounds the blocking stages of a turn. Zero fields use the
// defaults.
type Timeouts struct {
	Retrieval   time.Duration `yaml:"retrieval"`
	Completion  time.Duration `yaml:"completion"`
	Persistence time.Duration `yaml:"persistence"`
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Retrieval <= 0 {
		t.Retrieval = DefaultRetrievalTimeout
	}
	if t.Completion <= 0 {
		t.Completion = DefaultCompletionTimeout
	}
	if t.Persistence <= 0 {
		t.Persistence = DefaultPersistenceTimeout
	}
	return t
}

// Orchestrator handles turns. It holds no lock across provider calls and is
// safe for concurrent use. The router can be swapped at runtime with
// [Orchestrator.SetRouter].
type Orchestrator struct {
	router    atomic.Pointer[IntentRouter]
	retriever Retriever
	llm       llm.Provider
	recorder  Recorder
	sessions  *session.Store
	compactor *session.Compactor
	tts       tts.Provider
	metrics   *observe.Metrics
	timeouts  Timeouts
	now       func() time.Time
}

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithSessions enables session history. c may be nil to disable compaction.
func WithSessions(s *session.Store, c *session.Compactor) Option {
	return func(o *Orchestrator) {
		o.sessions = s
		o.compactor = c
	}
}

// WithTTS enables [Orchestrator.Speak].
func WithTTS(p tts.Provider) Option {
	return func(o *Orchestrator) { o.tts = p }
}

// WithMetrics overrides observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTimeouts sets the stage timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(o *Orchestrator) { o.timeouts = t.withDefaults() }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(router *IntentRouter, retriever Retriever, provider llm.Provider, rec Recorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		retriever: retriever,
		llm:       provider,
		recorder:  rec,
		metrics:   observe.DefaultMetrics(),
		timeouts:  Timeouts{}.withDefaults(),
		now:       time.Now,
	}
	o.router.Store(router)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Router returns the router in use.
func (o *Orchestrator) Router() *IntentRouter { return o.router.Load() }

// SetRouter replaces the router and with it the persona catalog. Turns in
// flight finish with the router they started with.
func (o *Orchestrator) SetRouter(r *IntentRouter) { o.router.Store(r) }

// turn carries the state of one Handle call.
type turn struct {
	req     Request
	router  *IntentRouter
	sess    *session.Session
	def     agent.Definition
	reply   Reply
	started time.Time
}

// Handle processes one message. The returned error is always a validation
// error; every other failure is absorbed into the reply.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (reply Reply, err error) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.handle")
	defer func() { observe.EndSpan(span, err) }()
	ctx = observe.WithUser(ctx, req.UserID)

	t := &turn{req: req, router: o.router.Load(), started: o.now()}
	log := observe.Logger(ctx)

	if strings.TrimSpace(req.UserID) == "" {
		return Reply{}, fmt.Errorf("orchestrator: handle: empty user id: %w", types.ErrValidation)
	}
	if strings.TrimSpace(req.Message) == "" {
		return Reply{}, fmt.Errorf("orchestrator: handle: empty message: %w", types.ErrValidation)
	}
	o.advance(ctx, t, StateReceived)

	override := req.Persona
	if req.SessionID != "" && o.sessions != nil {
		sess, err := o.sessions.Open(ctx, req.UserID, req.SessionID)
		switch {
		case errors.Is(err, types.ErrValidation):
			return Reply{}, err
		case err != nil:
			log.Warn("session unavailable, continuing without history",
				"session_id", req.SessionID,
				"error", err,
			)
		default:
			t.sess = &sess
			if override == "" {
				override = sess.Pinned
			}
		}
	}

	d, err := t.router.Explain(req.Message, override)
	if err != nil {
		return Reply{}, err
	}
	t.def = t.router.catalog.Get(d.Persona)
	t.reply = Reply{Persona: d.Persona, Name: t.def.Name, SessionID: req.SessionID, Route: d}
	o.metrics.RecordRoute(ctx, string(d.Persona), d.Reason)
	span.SetAttributes(attribute.String("persona", string(d.Persona)))
	o.advance(ctx, t, StateRouted)

	t.reply.Grounding = o.ground(ctx, t)
	o.advance(ctx, t, StateGrounded)

	c := o.complete(ctx, t)
	t.reply.Text = c.Text
	t.reply.Degraded = c.Degraded
	if c.Err != nil {
		o.metrics.RecordDegraded(ctx, string(d.Persona), "completion")
		log.Warn("completion failed, using fallback reply",
			"persona", d.Persona,
			"error", c.Err,
		)
	}
	o.advance(ctx, t, StateResponded)

	o.persist(ctx, t)
	o.advance(ctx, t, StatePersisted)

	return t.reply, nil
}

// advance logs and measures the transition into s.
func (o *Orchestrator) advance(ctx context.Context, t *turn, s State) {
	now := o.now()
	o.metrics.RecordStage(ctx, s.String(), now.Sub(t.started))
	observe.Logger(ctx).Debug("turn state",
		"state", s.String(),
		"user_id", t.req.UserID,
		"persona", t.reply.Persona,
	)
	t.started = now
}

func (o *Orchestrator) ground(ctx context.Context, t *turn) *hotctx.Context {
	empty := &hotctx.Context{Turns: []hotctx.Item{}, Documents: []hotctx.Item{}}
	if o.retriever == nil {
		return empty
	}
	rctx, cancel := context.WithTimeout(ctx, o.timeouts.Retrieval)
	defer cancel()

	gc, err := o.retriever.GetContext(rctx, t.req.UserID, t.req.Message, t.reply.Persona, hotctx.Limits{})
	if err != nil {
		o.metrics.RecordDegraded(ctx, string(t.reply.Persona), "retrieval")
		observe.Logger(ctx).Warn("grounding failed, answering ungrounded",
			"user_id", t.req.UserID,
			"persona", t.reply.Persona,
			"error", err,
		)
		empty.Degraded = true
		return empty
	}
	if gc.Degraded {
		o.metrics.RecordDegraded(ctx, string(t.reply.Persona), "retrieval")
	}
	return gc
}

// Complete asks the LLM for the reply to req given the persona definition
// and grounding text. It never returns an error: failures are reported in
// [Completion.Err] next to the fallback text.
func (o *Orchestrator) Complete(ctx context.Context, def agent.Definition, grounding string, history []types.Message, message string) Completion {
	msgs := make([]types.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: message})
	req := llm.CompletionRequest{
		SystemPrompt: def.SystemPrompt(grounding),
		Messages:     msgs,
		Temperature:  def.Temperature,
		MaxTokens:    def.MaxTokens,
	}

	cctx, cancel := context.WithTimeout(ctx, o.timeouts.Completion)
	defer cancel()

	if o.llm == nil {
		return Completion{Text: def.Fallback, Degraded: true, Err: llm.Failure("orchestrator", errors.New("no llm configured"))}
	}
	start := o.now()
	resp, err := o.llm.Complete(cctx, req)
	o.metrics.LLMDuration.Record(ctx, o.now().Sub(start).Seconds(),
		metric.WithAttributes(observe.Attr("persona", string(def.Persona))))
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = llm.Failure("orchestrator", errors.New("empty completion"))
	}
	if err != nil {
		return Completion{Text: def.Fallback, Degraded: true, Err: err}
	}
	return Completion{Text: strings.TrimSpace(resp.Content)}
}

func (o *Orchestrator) complete(ctx context.Context, t *turn) Completion {
	var history []types.Message
	if t.sess != nil {
		history = session.History(*t.sess, t.def.HistoryTurns)
	}
	return o.Complete(ctx, t.def, hotctx.FormatGrounding(t.def, t.reply.Grounding), history, t.req.Message)
}

// persist records the exchange. Every write is attempted within the
// persistence timeout; failures are logged and counted, never returned.
func (o *Orchestrator) persist(ctx context.Context, t *turn) {
	log := observe.Logger(ctx).With("user_id", t.req.UserID, "persona", t.reply.Persona)
	mctx := ctx
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Persistence)
	defer cancel()
	failed := false
	fail := func(what string, err error) {
		failed = true
		log.Warn("persistence failed", "what", what, "error", err)
	}

	at := o.now()
	if o.recorder != nil {
		turns := []recorder.TurnInput{
			{Role: types.RoleUser, Content: t.req.Message},
			{Role: types.RoleAssistant, Content: t.reply.Text},
		}
		for _, in := range turns {
			in.UserID = t.req.UserID
			in.Persona = t.reply.Persona
			in.SessionID = t.req.SessionID
			in.At = at
			if _, err := o.recorder.RecordTurn(ctx, in); err != nil {
				fail("turn", err)
			}
		}
		_, err := o.recorder.RecordInteraction(ctx, recorder.InteractionInput{
			UserID:      t.req.UserID,
			Persona:     t.reply.Persona,
			UserMessage: t.req.Message,
			Response:    t.reply.Text,
			Context:     snapshot(t.reply),
			At:          at,
		})
		if err != nil {
			fail("interaction", err)
		}
	}

	if t.sess != nil {
		sess := o.sessions.Append(*t.sess, t.reply.Persona,
			types.Message{Role: types.RoleUser, Content: t.req.Message},
			types.Message{Role: types.RoleAssistant, Name: t.reply.Name, Content: t.reply.Text},
		)
		if o.compactor != nil {
			compacted, _, err := o.compactor.Compact(ctx, sess)
			if err != nil {
				log.Warn("session compaction failed", "session_id", sess.ID, "error", err)
			}
			sess = compacted
		}
		if err := o.sessions.Save(ctx, sess); err != nil {
			fail("session", err)
		}
	}

	if failed {
		o.metrics.RecordDegraded(mctx, string(t.reply.Persona), "persistence")
	}
}

// snapshot is the grounding summary stored with each interaction.
func snapshot(r Reply) map[string]any {
	m := map[string]any{
		"route":    r.Route.Reason,
		"degraded": r.Degraded,
	}
	if g := r.Grounding; g != nil {
		m["profile_summary"] = g.ProfileSummary
		m["turns"] = itemIDs(g.Turns)
		m["documents"] = itemIDs(g.Documents)
		m["retrieval_degraded"] = g.Degraded
	}
	return m
}

func itemIDs(items []hotctx.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// Speak synthesises r.Text with the voice of r.Persona.
func (o *Orchestrator) Speak(ctx context.Context, r Reply) ([]byte, error) {
	if o.tts == nil {
		return nil, fmt.Errorf("orchestrator: speak: no tts provider configured: %w", types.ErrValidation)
	}
	if strings.TrimSpace(r.Text) == "" {
		return nil, fmt.Errorf("orchestrator: speak: empty text: %w", types.ErrValidation)
	}
	voice := o.router.Load().catalog.Get(r.Persona).Voice

	ctx, span := observe.StartSpan(ctx, "orchestrator.speak")
	start := o.now()
	audio, err := o.tts.Synthesize(ctx, r.Text, voice)
	o.metrics.TTSDuration.Record(ctx, o.now().Sub(start).Seconds(),
		metric.WithAttributes(observe.Attr("persona", string(r.Persona))))
	observe.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: speak as %s: %w", r.Persona, err)
	}
	return audio, nil
}
