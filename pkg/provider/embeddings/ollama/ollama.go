// Package ollama provides an embeddings provider backed by a local Ollama server.
//
// It talks to Ollama's native /api/embed endpoint, which accepts a batch of
// inputs per request. Models such as all-minilm (384 dims) make a good
// offline match for the hash fallback dimension.
//
//	p, err := ollama.New("", "all-minilm") // http://localhost:11434
//	vec, err := p.Embed(ctx, "How do I prepare for a system design round?")
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/sarathi/pkg/provider/embeddings"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using a local Ollama server.
//
// The vector length comes from WithDimensions, then the table of known
// models, and finally from a single detection request issued on the first
// Dimensions call.
//
// Provider is safe for concurrent use.
type Provider struct {
	baseURL    string
	model      string
	keepAlive  string
	truncate   bool
	httpClient *http.Client

	dimMu      sync.Mutex
	dimensions int
	detected   bool
}

type config struct {
	timeout    time.Duration
	dimensions int
	keepAlive  string
	truncate   bool
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithDimensions pre-sets the embedding dimension and skips the detection request.
func WithDimensions(dims int) Option {
	return func(c *config) { c.dimensions = dims }
}

// WithKeepAlive controls how long Ollama keeps the model loaded after a
// request (e.g., "10m", "-1" for forever).
func WithKeepAlive(d string) Option {
	return func(c *config) { c.keepAlive = d }
}

// WithTruncate makes the server truncate inputs longer than the model's
// context instead of failing the request.
func WithTruncate(on bool) Option {
	return func(c *config) { c.truncate = on }
}

// New constructs a new Ollama Provider. An empty baseURL selects
// [DefaultBaseURL]; model must not be empty.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		keepAlive:  cfg.keepAlive,
		truncate:   cfg.truncate,
		httpClient: &http.Client{Timeout: cfg.timeout},
		dimensions: cfg.dimensions,
	}
	if p.dimensions == 0 {
		p.dimensions = knownDimensions(model)
	}
	return p, nil
}

type embedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	KeepAlive string   `json:"keep_alive,omitempty"`
	Truncate  *bool    `json:"truncate,omitempty"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := embeddings.CheckInput(text); err != nil {
		return nil, err
	}
	vecs, err := p.callEmbed(ctx, []string{text})
	if err != nil {
		return nil, embeddings.Unavailable("ollama", err)
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. All texts go out in one request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := embeddings.CheckBatch(texts); err != nil {
		return nil, err
	}
	vecs, err := p.callEmbed(ctx, texts)
	if err != nil {
		return nil, embeddings.Unavailable("ollama", err)
	}
	if len(vecs) != len(texts) {
		return nil, embeddings.Unavailable("ollama", fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vecs)))
	}
	return vecs, nil
}

// Dimensions implements embeddings.Provider. For unknown models the first
// call asks the server; if that request fails, 0 is returned and it is
// retried on the next call.
func (p *Provider) Dimensions() int {
	p.dimMu.Lock()
	defer p.dimMu.Unlock()
	if p.dimensions != 0 || p.detected {
		return p.dimensions
	}
	vecs, err := p.callEmbed(context.Background(), []string{"dimensions"})
	if err != nil {
		return 0
	}
	p.detected = true
	p.dimensions = len(vecs[0])
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

func (p *Provider) callEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := embedRequest{Model: p.model, Input: texts, KeepAlive: p.keepAlive}
	if p.truncate {
		reqBody.Truncate = &p.truncate
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, errors.New("empty embeddings in response")
	}
	return result.Embeddings, nil
}

// knownDimensions returns the output dimension of recognised embedding
// models, or 0 when the model must be detected.
func knownDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "nomic-embed-text"):
		return 768
	case strings.Contains(lower, "mxbai-embed-large"):
		return 1024
	case strings.Contains(lower, "all-minilm"), strings.Contains(lower, "paraphrase-multilingual"):
		return 384
	case strings.Contains(lower, "bge-m3"):
		return 1024
	default:
		return 0
	}
}
