package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/sarathi/pkg/provider/tts"
	"github.com/MrWong99/sarathi/pkg/types"
)

// fakeServer speaks the stream-input protocol: it collects text messages
// until the empty flush, then answers with two audio frames and a final
// marker. Received messages are sent to got.
func fakeServer(t *testing.T, got chan<- []textMessage) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/voices" {
			if r.Header.Get("xi-api-key") != "key" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"voices":[{"voice_id":"v1","name":"Rachel","category":"premade","labels":{"accent":"indian"}}]}`))
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/stream-input") {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		var msgs []textMessage
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m textMessage
			_ = json.Unmarshal(data, &m)
			msgs = append(msgs, m)
			if m.Text == "" {
				break
			}
		}
		got <- msgs

		for _, frame := range []string{"abc", "def"} {
			b, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString([]byte(frame))})
			_ = conn.Write(ctx, websocket.MessageText, b)
		}
		b, _ := json.Marshal(audioResponse{IsFinal: true})
		_ = conn.Write(ctx, websocket.MessageText, b)
		conn.Close(websocket.StatusNormalClosure, "")
	}))
}

func TestSynthesize(t *testing.T) {
	t.Parallel()
	got := make(chan []textMessage, 1)
	srv := fakeServer(t, got)
	defer srv.Close()

	p, err := New("key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	audio, err := p.Synthesize(ctx, "Namaste!", types.VoiceProfile{ID: "v1", SpeedFactor: 1.1})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "abcdef" {
		t.Errorf("audio = %q, want abcdef", audio)
	}

	msgs := <-got
	if len(msgs) != 3 {
		t.Fatalf("want open, text, flush; got %d messages", len(msgs))
	}
	if msgs[0].XiAPIKey != "key" || msgs[0].VoiceSettings == nil || msgs[0].VoiceSettings.Speed != 1.1 {
		t.Errorf("unexpected open message %+v", msgs[0])
	}
	if strings.TrimSpace(msgs[1].Text) != "Namaste!" {
		t.Errorf("text message = %q", msgs[1].Text)
	}
}

func TestSynthesize_Validation(t *testing.T) {
	t.Parallel()
	p, _ := New("key", WithBaseURL("http://127.0.0.1:1"))

	if _, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{}); !errors.Is(err, tts.ErrNoVoice) {
		t.Errorf("want ErrNoVoice, got %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "  ", types.VoiceProfile{ID: "v"}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("want ErrValidation, got %v", err)
	}
}

func TestSynthesize_DialFailure(t *testing.T) {
	t.Parallel()
	p, _ := New("key", WithBaseURL("http://127.0.0.1:1"))
	if _, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{ID: "v"}); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestStreamURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base       string
		wantPrefix string
	}{
		{"https://api.elevenlabs.io", "wss://api.elevenlabs.io/v1/text-to-speech/voice-1/stream-input?"},
		{"http://localhost:8080/", "ws://localhost:8080/v1/text-to-speech/voice-1/stream-input?"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			t.Parallel()
			p, _ := New("key", WithBaseURL(tt.base), WithModel("eleven_flash_v2_5"))
			u, err := p.streamURL("voice-1")
			if err != nil {
				t.Fatalf("streamURL: %v", err)
			}
			if !strings.HasPrefix(u, tt.wantPrefix) {
				t.Errorf("url = %s, want prefix %s", u, tt.wantPrefix)
			}
			if !strings.Contains(u, "model_id=eleven_flash_v2_5") {
				t.Errorf("url missing model: %s", u)
			}
		})
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()
	srv := fakeServer(t, nil)
	defer srv.Close()

	p, _ := New("key", WithBaseURL(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 {
		t.Fatalf("want 1 voice, got %d", len(voices))
	}
	v := voices[0]
	if v.ID != "v1" || v.Provider != "elevenlabs" || v.Metadata["category"] != "premade" || v.Metadata["accent"] != "indian" {
		t.Errorf("unexpected voice %+v", v)
	}

	bad, _ := New("wrong", WithBaseURL(srv.URL))
	if _, err := bad.ListVoices(context.Background()); err == nil {
		t.Error("expected error for unauthorized key")
	}
}

func TestToProfiles_NoLabels(t *testing.T) {
	t.Parallel()
	profiles := toProfiles(voicesResponse{Voices: []elevenLabsVoice{{VoiceID: "x1", Name: "Ghost"}}})
	if len(profiles) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(profiles))
	}
	if _, ok := profiles[0].Metadata["category"]; ok {
		t.Error("expected no category key when category is empty")
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	p, err := New("key", WithModel("eleven_flash_v2_5"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_flash_v2_5" || p.outputFormat != "pcm_24000" || p.baseURL != defaultBaseURL {
		t.Errorf("unexpected provider %+v", p)
	}
}
