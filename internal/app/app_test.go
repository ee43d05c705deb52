package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/internal/agent/orchestrator"
	"github.com/MrWong99/sarathi/internal/app"
	"github.com/MrWong99/sarathi/internal/config"
	"github.com/MrWong99/sarathi/internal/resilience"
	"github.com/MrWong99/sarathi/pkg/provider/embeddings"
	embmock "github.com/MrWong99/sarathi/pkg/provider/embeddings/mock"
	"github.com/MrWong99/sarathi/pkg/provider/llm"
	llmmock "github.com/MrWong99/sarathi/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/sarathi/pkg/provider/tts/mock"
)

var now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

// newApp builds an App on the default config: memstore and hash embeddings.
func newApp(t *testing.T, providers *app.Providers) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), config.Default(), providers,
		app.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestNew_OfflineDefaults(t *testing.T) {
	t.Parallel()

	a := newApp(t, nil)
	reply, err := a.Orchestrator().Handle(context.Background(), orchestrator.Request{
		UserID:  "u1",
		Message: "I feel stressed about my family",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	def := agent.DefaultCatalog().Get(agent.Companion)
	if reply.Persona != agent.Companion || reply.Text != def.Fallback {
		t.Errorf("reply = %s %q, want companion fallback without an LLM", reply.Persona, reply.Text)
	}
	if !reply.Degraded {
		t.Error("Degraded = false without an LLM")
	}

	p, err := a.Profiles().Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get profile: %v", err)
	}
	if p.InteractionCounts[string(agent.Companion)] != 1 {
		t.Errorf("interaction counts = %v, want the turn recorded", p.InteractionCounts)
	}
}

func TestNew_DimensionMismatch(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), config.Default(), &app.Providers{
		Embeddings: &embmock.Provider{DimensionsValue: 16},
	})
	if err == nil {
		t.Fatal("expected error for 16-dim embeddings against a 384-dim store")
	}
}

func TestHandler_Chat(t *testing.T) {
	t.Parallel()

	model := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Tell me about a project you led."}}
	a := newApp(t, &app.Providers{LLM: model})
	h := a.Handler(nil)

	rec := do(t, h, http.MethodPost, "/v1/chat", map[string]string{
		"user_id": "u1",
		"message": "Parikshak, can we practise?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	got := decodeBody[struct {
		Persona agent.Persona `json:"persona"`
		Text    string        `json:"text"`
		Route   struct {
			Reason string `json:"reason"`
		} `json:"route"`
	}](t, rec)
	if got.Persona != agent.Interviewer || got.Route.Reason != orchestrator.ReasonAlias {
		t.Errorf("routed to %s via %s", got.Persona, got.Route.Reason)
	}
	if got.Text != "Tell me about a project you led." {
		t.Errorf("text = %q", got.Text)
	}

	names := []struct {
		persona string
		want    agent.Persona
		reason  string
	}{
		{persona: "guru", want: agent.Mentor, reason: orchestrator.ReasonOverride},
		{persona: "Mitra", want: agent.Companion, reason: orchestrator.ReasonOverride},
		{persona: "auto", want: agent.Interviewer, reason: orchestrator.ReasonAlias},
	}
	for _, tt := range names {
		t.Run("persona "+tt.persona, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/chat", map[string]string{
				"user_id": "u1",
				"message": "Parikshak, can we practise?",
				"persona": tt.persona,
			})
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			got := decodeBody[struct {
				Persona agent.Persona `json:"persona"`
				Route   struct {
					Reason string `json:"reason"`
				} `json:"route"`
			}](t, rec)
			if got.Persona != tt.want || got.Route.Reason != tt.reason {
				t.Errorf("routed to %s via %s, want %s via %s", got.Persona, got.Route.Reason, tt.want, tt.reason)
			}
		})
	}

	tests := []struct {
		name string
		body any
	}{
		{name: "empty message", body: map[string]string{"user_id": "u1"}},
		{name: "unknown field", body: map[string]string{"user_id": "u1", "message": "hi", "mood": "ok"}},
		{name: "unknown persona", body: map[string]string{"user_id": "u1", "message": "hi", "persona": "oracle"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPost, "/v1/chat", tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandler_RouteAndSpeak(t *testing.T) {
	t.Parallel()

	speech := &ttsmock.Provider{Audio: []byte("pcm")}
	a := newApp(t, &app.Providers{TTS: speech})
	h := a.Handler(nil)

	rec := do(t, h, http.MethodPost, "/v1/route", map[string]string{"message": "hello", "persona": "mentor"})
	if rec.Code != http.StatusOK {
		t.Fatalf("route status = %d", rec.Code)
	}
	route := decodeBody[struct {
		Persona agent.Persona `json:"persona"`
		Reason  string        `json:"reason"`
	}](t, rec)
	if route.Persona != agent.Mentor || route.Reason != orchestrator.ReasonOverride {
		t.Errorf("route = %+v", route)
	}

	rec = do(t, h, http.MethodPost, "/v1/speak", map[string]string{"persona": "mentor", "text": "Practice daily."})
	if rec.Code != http.StatusOK || rec.Body.String() != "pcm" {
		t.Errorf("speak = %d %q", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/v1/speak", map[string]string{"persona": "oracle", "text": "x"}); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown persona status = %d, want 400", rec.Code)
	}
}

func TestHandler_ProfileDocumentsInsights(t *testing.T) {
	t.Parallel()

	a := newApp(t, nil)
	h := a.Handler(nil)

	rec := do(t, h, http.MethodPatch, "/v1/users/u1/profile", map[string]any{"name": "Asha", "career_goal": "backend engineer"})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/v1/users/u1/profile", nil)
	prof := decodeBody[struct {
		Summary string `json:"summary"`
	}](t, rec)
	if prof.Summary == "" {
		t.Error("empty profile summary after patch")
	}

	rec = do(t, h, http.MethodPost, "/v1/users/u1/documents", map[string]string{
		"document_id": "resume",
		"text":        "Five years of Go services and on-call leadership.",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d, body %s", rec.Code, rec.Body)
	}
	if ids := decodeBody[struct{ IDs []string }](t, rec).IDs; len(ids) != 1 {
		t.Errorf("chunk ids = %v, want one chunk", ids)
	}

	rec = do(t, h, http.MethodGet, "/v1/users/u1/insights?days=7", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("insights status = %d, body %s", rec.Code, rec.Body)
	}
	ins := decodeBody[struct {
		Knowledge struct {
			Documents int `json:"documents"`
		} `json:"knowledge"`
		Progress struct {
			UserID                     string   `json:"user_id"`
			Engagement                 string   `json:"engagement"`
			NextMilestone              string   `json:"next_milestone"`
			InterviewerRecommendations []string `json:"interviewer_recommendations"`
		} `json:"progress"`
	}](t, rec)
	if ins.Knowledge.Documents != 1 {
		t.Errorf("documents = %d, want 1", ins.Knowledge.Documents)
	}
	if pr := ins.Progress; pr.UserID != "u1" || pr.Engagement == "" || pr.NextMilestone == "" || len(pr.InterviewerRecommendations) == 0 {
		t.Errorf("progress = %+v", pr)
	}
	if rec := do(t, h, http.MethodGet, "/v1/users/u1/insights?days=soon", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad days status = %d, want 400", rec.Code)
	}

	rec = do(t, h, http.MethodDelete, "/v1/users/u1/documents/resume", nil)
	if got := decodeBody[map[string]int](t, rec)["deleted"]; got != 1 {
		t.Errorf("deleted = %d, want 1", got)
	}
	if rec := do(t, h, http.MethodDelete, "/v1/users/u1/profile", nil); rec.Code != http.StatusNoContent {
		t.Errorf("reset status = %d, want 204", rec.Code)
	}
}

func TestHandler_SharedKnowledge(t *testing.T) {
	t.Parallel()

	a := newApp(t, nil)
	h := a.Handler(nil)

	rec := do(t, h, http.MethodPost, "/v1/knowledge", map[string]string{
		"content":  "STAR answers describe situation, task, action and result.",
		"category": "interviews",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d, body %s", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodGet, "/v1/knowledge?q=STAR+answers&category=interviews", nil)
	items := decodeBody[[]struct{ Text string }](t, rec)
	if len(items) != 1 {
		t.Fatalf("items = %+v, want the one entry", items)
	}
	if rec := do(t, h, http.MethodGet, "/v1/knowledge", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("empty query status = %d, want 400", rec.Code)
	}
}

func TestHandler_Health(t *testing.T) {
	t.Parallel()

	a := newApp(t, nil)
	h := a.Handler(nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		if rec := do(t, h, http.MethodGet, path, nil); rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, body %s", path, rec.Code, rec.Body)
		}
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	a := newApp(t, nil)
	before := a.Orchestrator().Router()

	next := *a.Config()
	next.Retrieval.Turns = 3
	next.Router.TieDefault = agent.Mentor
	next.Chunking.Size, next.Chunking.Overlap = 100, 10
	next.Memory.Backend = config.BackendChromem

	d, err := a.ApplyConfig(&next)
	if err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if !d.RouterChanged || !d.RetrievalChanged || !d.ChunkingChanged {
		t.Errorf("diff = %+v", d)
	}
	if !slices.Contains(d.RestartRequired, "memory") {
		t.Errorf("RestartRequired = %v, want memory", d.RestartRequired)
	}
	if a.Orchestrator().Router() == before {
		t.Error("router not replaced")
	}
	if got := a.Retriever().Limits().Turns; got != 3 {
		t.Errorf("retrieval turns = %d, want 3", got)
	}
	if got := a.Writer().Chunking().Size; got != 100 {
		t.Errorf("chunk size = %d, want 100", got)
	}
	if a.Config().Memory.Backend != config.BackendMemstore {
		t.Error("restart-only section applied live")
	}

	dec, err := a.Orchestrator().Router().Explain("hello", "")
	if err != nil || dec.Persona != agent.Mentor {
		t.Errorf("Explain = %+v, %v; want the new tie default", dec, err)
	}
}

func TestApplyConfig_RejectsInvalid(t *testing.T) {
	t.Parallel()

	a := newApp(t, nil)
	next := *a.Config()
	next.Retrieval.Turns = 9
	next.Chunking.Overlap = next.Chunking.Size

	if _, err := a.ApplyConfig(&next); err == nil {
		t.Fatal("expected error for overlap >= size")
	}
	if got := a.Retriever().Limits().Turns; got == 9 {
		t.Error("partial config applied")
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)
	primary := &llmmock.Provider{CompleteErr: errors.New("503 from vendor")}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from the backup model"}}
	reg.RegisterLLM("primary", func(config.ProviderEntry) (llm.Provider, error) { return primary, nil })
	reg.RegisterLLM("backup", func(config.ProviderEntry) (llm.Provider, error) { return backup, nil })
	reg.RegisterEmbeddings("remote", func(_ config.ProviderEntry, dims int) (embeddings.Provider, error) {
		return &embmock.Provider{DimensionsValue: dims}, nil
	})

	cfg := config.Default()
	cfg.Providers.LLM = config.ProviderEntry{Name: "primary"}
	cfg.Providers.LLMFallbacks = []config.ProviderEntry{{Name: "backup"}}
	cfg.Providers.Embeddings = config.ProviderEntry{Name: "remote"}
	cfg.Providers.EmbeddingCache.MaxBytes = 1 << 20
	cfg.Providers.EmbeddingRate = config.RateConfig{PerSecond: 100, Burst: 10}

	ps, err := app.BuildProviders(context.Background(), cfg, reg, nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if _, ok := ps.LLM.(*resilience.LLMFallback); !ok {
		t.Errorf("LLM is %T, want a fallback group", ps.LLM)
	}
	if _, ok := ps.Embeddings.(*resilience.EmbeddingsFallback); !ok {
		t.Errorf("Embeddings is %T, want a fallback group", ps.Embeddings)
	}
	if ps.Store == nil {
		t.Fatal("no store opened")
	}

	a, err := app.New(context.Background(), cfg, ps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reply, err := a.Orchestrator().Handle(context.Background(), orchestrator.Request{UserID: "u1", Message: "hello"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.Text != "from the backup model" {
		t.Errorf("reply = %q, want the fallback model's answer", reply.Text)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestBuildProviders_Unregistered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)
	cfg := config.Default()
	cfg.Providers.LLM = config.ProviderEntry{Name: "nope"}

	_, err := app.BuildProviders(context.Background(), cfg, reg, nil)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestBuildProviders_HashOnly(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)
	ps, err := app.BuildProviders(context.Background(), config.Default(), reg, nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if ps.LLM != nil || ps.TTS != nil {
		t.Errorf("unexpected providers: %+v", ps)
	}
	if got := ps.Embeddings.ModelID(); got == "" {
		t.Error("no embeddings model")
	}
	if _, ok := ps.Embeddings.(*resilience.EmbeddingsFallback); ok {
		t.Error("hash-only config wrapped in a fallback group")
	}
	if ps.Store == nil {
		t.Error("no store opened")
	}
}
