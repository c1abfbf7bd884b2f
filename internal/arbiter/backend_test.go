package arbiter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOllamaBackendChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "llama3.1:8b" || req.Stream {
			t.Fatalf("request=%+v", req)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Fatalf("messages=%+v", req.Messages)
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"  {\"ok\":true}  "}}`))
	}))
	defer srv.Close()

	b := NewOllamaBackend(srv.URL, "llama3.1:8b", 0.2, time.Second)
	got, err := b.Chat(context.Background(), "system text", map[string]any{"alert": "a"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got != `{"ok":true}` {
		t.Fatalf("content=%q", got)
	}
}

func TestOllamaBackendNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	b := NewOllamaBackend(srv.URL, "m", 0, time.Second)
	if _, err := b.Chat(context.Background(), "s", nil); err == nil {
		t.Fatalf("expected error on 503")
	}
}
