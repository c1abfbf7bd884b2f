package policy

import (
	"os"
	"path/filepath"
	"testing"

	"riskpipe/internal/model"
)

func TestDecideTable(t *testing.T) {
	th := Thresholds{Tau: 0.75, TauHigh: 0.90}
	cases := []struct {
		score float64
		fired int
		want  model.Decision
	}{
		{0.95, 0, model.DecisionBlock},
		{0.50, 2, model.DecisionBlock},
		{0.90, 0, model.DecisionBlock},
		{0.80, 0, model.DecisionStepUp},
		{0.75, 0, model.DecisionStepUp},
		{0.20, 1, model.DecisionStepUp},
		{0.20, 0, model.DecisionAllow},
		{0.0, 0, model.DecisionAllow},
	}
	for _, tc := range cases {
		if got := Decide(tc.score, tc.fired, th); got != tc.want {
			t.Fatalf("decide(%v, %d) = %s want %s", tc.score, tc.fired, got, tc.want)
		}
	}
}

func TestDecideMonotonicInScore(t *testing.T) {
	th := Defaults()
	for fired := 0; fired <= 3; fired++ {
		prev := model.DecisionAllow
		for score := 0.0; score <= 1.0; score += 0.01 {
			got := Decide(score, fired, th)
			if got < prev {
				t.Fatalf("decision regressed at score=%v fired=%d: %s -> %s", score, fired, prev, got)
			}
			prev = got
		}
	}
}

func TestDecideMonotonicInFiredRules(t *testing.T) {
	th := Defaults()
	for _, score := range []float64{0.0, 0.5, 0.8, 0.95} {
		prev := model.DecisionAllow
		for fired := 0; fired <= 4; fired++ {
			got := Decide(score, fired, th)
			if got < prev {
				t.Fatalf("decision regressed at score=%v fired=%d: %s -> %s", score, fired, prev, got)
			}
			prev = got
		}
	}
}

func TestManagerMissingDocumentKeepsDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope.json"), Thresholds{Tau: 0.6, TauHigh: 0.8}, nil)
	th := m.Current()
	if th.Tau != 0.6 || th.TauHigh != 0.8 {
		t.Fatalf("thresholds=%+v", th)
	}
}

func TestManagerLoadsAndKeepsLastKnownGood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(`{"thresholds":{"tau":0.5,"tau_high":0.7}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(path, Defaults(), nil)
	if th := m.Current(); th.Tau != 0.5 || th.TauHigh != 0.7 {
		t.Fatalf("thresholds=%+v", th)
	}
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.Reload()
	if th := m.Current(); th.Tau != 0.5 || th.TauHigh != 0.7 {
		t.Fatalf("corrupt doc should keep last known good, got %+v", th)
	}
}

func TestManagerRejectsInvertedThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("thresholds:\n  tau: 0.9\n  tau_high: 0.5\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(path, Defaults(), nil)
	if th := m.Current(); th != Defaults() {
		t.Fatalf("inverted thresholds should fall back to defaults, got %+v", th)
	}
}
