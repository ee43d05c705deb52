package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/MrWong99/sarathi/internal/agent"
	"github.com/MrWong99/sarathi/internal/agent/orchestrator"
	"github.com/MrWong99/sarathi/internal/hotctx"
	"github.com/MrWong99/sarathi/internal/observe"
	"github.com/MrWong99/sarathi/internal/profile"
	"github.com/MrWong99/sarathi/internal/progress"
	"github.com/MrWong99/sarathi/pkg/memory"
	"github.com/MrWong99/sarathi/pkg/types"
)

// maxBody bounds request bodies. Documents are plain text, so this is
// generous.
const maxBody = 4 << 20

// Handler returns the HTTP API wrapped in the observe middleware. telemetry
// may be nil, in which case /metrics is not served.
func (a *App) Handler(telemetry *observe.Telemetry) http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if telemetry != nil {
		mux.Handle("GET /metrics", telemetry.Handler())
	}

	mux.HandleFunc("POST /v1/chat", a.handleChat)
	mux.HandleFunc("POST /v1/speak", a.handleSpeak)
	mux.HandleFunc("POST /v1/route", a.handleRoute)

	mux.HandleFunc("GET /v1/users/{user}/profile", a.handleGetProfile)
	mux.HandleFunc("PATCH /v1/users/{user}/profile", a.handlePatchProfile)
	mux.HandleFunc("DELETE /v1/users/{user}/profile", a.handleResetProfile)
	mux.HandleFunc("GET /v1/users/{user}/insights", a.handleInsights)
	mux.HandleFunc("GET /v1/users/{user}/sessions", a.handleSessions)
	mux.HandleFunc("POST /v1/users/{user}/documents", a.handleIngest)
	mux.HandleFunc("DELETE /v1/users/{user}/documents/{doc}", a.handleDeleteDocument)

	mux.HandleFunc("POST /v1/knowledge", a.handleAddKnowledge)
	mux.HandleFunc("GET /v1/knowledge", a.handleSearchKnowledge)

	return observe.Middleware(a.metrics)(mux)
}

type chatRequest struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`

	// Persona accepts a tag, a legacy name such as "guru", or "auto".
	Persona string `json:"persona,omitempty"`
}

type chatResponse struct {
	Persona   agent.Persona `json:"persona"`
	Name      string        `json:"name"`
	Text      string        `json:"text"`
	SessionID string        `json:"session_id,omitempty"`
	Degraded  bool          `json:"degraded,omitempty"`
	Route     routeResponse `json:"route"`
}

type routeResponse struct {
	Persona agent.Persona         `json:"persona"`
	Reason  string                `json:"reason"`
	Matched string                `json:"matched,omitempty"`
	Scores  map[agent.Persona]int `json:"scores,omitempty"`
}

func toRoute(d orchestrator.Decision) routeResponse {
	return routeResponse{Persona: d.Persona, Reason: d.Reason, Matched: d.Matched, Scores: d.Scores}
}

func (a *App) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	persona, err := agent.Parse(req.Persona)
	if err != nil {
		writeError(w, err)
		return
	}
	reply, err := a.orch.Handle(r.Context(), orchestrator.Request{
		UserID:    req.UserID,
		Message:   req.Message,
		SessionID: req.SessionID,
		Persona:   persona,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Persona:   reply.Persona,
		Name:      reply.Name,
		Text:      reply.Text,
		SessionID: reply.SessionID,
		Degraded:  reply.Degraded,
		Route:     toRoute(reply.Route),
	})
}

type speakRequest struct {
	Persona string `json:"persona"`
	Text    string `json:"text"`
}

func (a *App) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if !decode(w, r, &req) {
		return
	}
	persona, err := agent.Parse(req.Persona)
	if err == nil && persona == "" {
		err = errors.Join(errors.New("persona required"), types.ErrValidation)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	audio, err := a.orch.Speak(r.Context(), orchestrator.Reply{Persona: persona, Text: req.Text})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

type routeRequest struct {
	Message string `json:"message"`
	Persona string `json:"persona,omitempty"`
}

func (a *App) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if !decode(w, r, &req) {
		return
	}
	persona, err := agent.Parse(req.Persona)
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := a.orch.Router().Explain(req.Message, persona)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoute(d))
}

type profileResponse struct {
	Profile     profile.Profile `json:"profile"`
	Summary     string          `json:"summary"`
	Suggestions []string        `json:"suggestions,omitempty"`
}

func (a *App) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := a.profiles.Get(r.Context(), r.PathValue("user"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		Profile:     p,
		Summary:     profile.Summarize(p),
		Suggestions: profile.Suggestions(p),
	})
}

func (a *App) handlePatchProfile(w http.ResponseWriter, r *http.Request) {
	var patch profile.Profile
	if !decode(w, r, &patch) {
		return
	}
	p, err := a.profiles.Patch(r.Context(), r.PathValue("user"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{Profile: p, Summary: profile.Summarize(p)})
}

func (a *App) handleResetProfile(w http.ResponseWriter, r *http.Request) {
	if err := a.profiles.Reset(r.Context(), r.PathValue("user")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type insightsResponse struct {
	Interactions hotctx.InteractionSummary `json:"interactions"`
	Knowledge    hotctx.KnowledgeSummary   `json:"knowledge"`
	Progress     progress.Progress         `json:"progress"`
}

func (a *App) handleInsights(w http.ResponseWriter, r *http.Request) {
	days := 7
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, errors.Join(err, types.ErrValidation))
			return
		}
		days = n
	}
	user := r.PathValue("user")
	is, err := a.retriever.InteractionSummary(r.Context(), user, days)
	if err != nil {
		writeError(w, err)
		return
	}
	ks, err := a.retriever.KnowledgeSummary(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	pr, err := a.progress.Progress(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, insightsResponse{Interactions: is, Knowledge: ks, Progress: pr})
}

func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.sessions.ListForUser(r.Context(), r.PathValue("user"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type ingestRequest struct {
	DocumentID string            `json:"document_id"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type idsResponse struct {
	IDs []string `json:"ids"`
}

func (a *App) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decode(w, r, &req) {
		return
	}
	ids, err := a.writer.RecordDocument(r.Context(), r.PathValue("user"), req.DocumentID, req.Text, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idsResponse{IDs: ids})
}

func (a *App) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	n, err := a.writer.DeleteDocument(r.Context(), r.PathValue("user"), r.PathValue("doc"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type knowledgeRequest struct {
	Content  string            `json:"content"`
	Category string            `json:"category"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (a *App) handleAddKnowledge(w http.ResponseWriter, r *http.Request) {
	var req knowledgeRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := a.writer.AddSharedKnowledge(r.Context(), req.Content, req.Category, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idsResponse{IDs: []string{id}})
}

type knowledgeItem struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	Similarity float32           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (a *App) handleSearchKnowledge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	k := 0
	if s := q.Get("k"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, errors.Join(err, types.ErrValidation))
			return
		}
		k = n
	}
	items, err := a.retriever.SearchShared(r.Context(), q.Get("q"), q.Get("category"), k)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]knowledgeItem, len(items))
	for i, it := range items {
		out[i] = knowledgeItem{ID: it.ID, Text: it.Text, Similarity: it.Similarity, Metadata: it.Metadata}
	}
	writeJSON(w, http.StatusOK, out)
}

// decode reads a JSON body into v and answers 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusOf maps the error taxonomy to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrEmbeddingUnavailable),
		errors.Is(err, types.ErrRetrievalFailure),
		errors.Is(err, types.ErrPersistenceFailure),
		errors.Is(err, types.ErrCompletionFailure):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
