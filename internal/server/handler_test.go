package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropic-gateway/core/internal/canonical"
	"github.com/anthropic-gateway/core/internal/core"
)

func newTestServer(t *testing.T, upstream *httptest.Server) *Server {
	t.Helper()
	binding := &canonical.ProviderBinding{
		Name:        "anthropic",
		Kind:        canonical.KindAnthropicPassThrough,
		Endpoint:    upstream.URL,
		Credentials: []*canonical.Credential{{AccessToken: "tok", RefreshToken: "tok"}},
		Rotation:    canonical.DefaultRotationPolicy(),
	}
	gw, _, err := core.New([]core.BindingSetup{{Binding: binding, HTTP: upstream.Client()}})
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	return New(gw, map[string]string{"claude-3-5-sonnet": "anthropic"})
}

func TestHandleMessages_NonStreamingRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"msg_1","content":[{"type":"text","text":"hi there"}],"stop_reason":"end_turn"}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream)

	body := `{"model":"claude-3-5-sonnet","max_tokens":100,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp canonical.CanonicalResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Content[0].Text != "hi there" {
		t.Errorf("content = %+v", resp.Content)
	}
}

func TestHandleMessages_UnknownModelReturnsBadRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should never be called for an unknown model")
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream)

	body := `{"model":"no-such-model","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", w.Code, w.Body.String())
	}
}

func TestHandleMessages_BlockContentShape(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"msg_2","content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn"}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream)

	body := `{"model":"claude-3-5-sonnet","max_tokens":100,"messages":[{"role":"user","content":[{"type":"text","text":"hello"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	s := newTestServer(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
