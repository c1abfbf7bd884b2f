package rules

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"riskpipe/internal/model"
)

func TestRemoteEval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Features map[string]float64 `json:"features"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if in.Features["amount"] != 700 {
			t.Fatalf("features=%v", in.Features)
		}
		_, _ = w.Write([]byte(`{"fired":["high_amount"]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	fired, err := c.Eval(context.Background(), model.FeatureVector{Amount: 700})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !reflect.DeepEqual(fired, []string{"high_amount"}) {
		t.Fatalf("fired=%v", fired)
	}
}

func TestRemoteEvalErrorSurfacesForFailOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, time.Second)
	if _, err := c.Eval(context.Background(), model.FeatureVector{}); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestRemoteEvalEmptyFiredList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, time.Second)
	fired, err := c.Eval(context.Background(), model.FeatureVector{})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if fired == nil || len(fired) != 0 {
		t.Fatalf("fired=%v", fired)
	}
}
