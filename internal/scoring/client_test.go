package scoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"riskpipe/internal/model"
)

func TestScoreRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method=%s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"score":0.87,"explain":{"bias":-1.2,"top_factors":["amount"]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	got, err := c.Score(context.Background(), model.FeatureVector{Amount: 100})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if got.Score != 0.87 {
		t.Fatalf("score=%v", got.Score)
	}
	if got.Explain == nil || got.Explain.Bias != -1.2 {
		t.Fatalf("explain=%+v", got.Explain)
	}
}

func TestScoreErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, time.Second)
	if _, err := c.Score(context.Background(), model.FeatureVector{}); err == nil {
		t.Fatalf("expected error on 500")
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"score":7.5}`))
	}))
	defer bad.Close()
	c = NewClient(bad.URL, time.Second)
	if _, err := c.Score(context.Background(), model.FeatureVector{}); err == nil {
		t.Fatalf("expected error for out-of-range score")
	}
}

func TestScoreTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write([]byte(`{"score":0.1}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, 50*time.Millisecond)
	if _, err := c.Score(context.Background(), model.FeatureVector{}); err == nil {
		t.Fatalf("expected timeout error")
	}
}
