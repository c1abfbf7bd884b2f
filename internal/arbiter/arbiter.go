package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"riskpipe/internal/model"
	"riskpipe/internal/policy"
)

const maxKeySignals = 5

const systemInstruction = `You are a fraud-operations analyst. You receive a JSON payload with an escalated transaction alert and recent alert history for its user and merchant. Respond with a single JSON object and nothing else, with exactly these fields: "decision_recommendation" (one of "allow", "step_up", "block"), "rationale" (string), "key_signals" (array of {"name": string, "value": number}, at most 5), "actions" (array of strings).`

// Source records which path produced a recommendation.
type Source string

const (
	SourceBackend      Source = "backend"
	SourceFallback     Source = "fallback"
	SourceShortCircuit Source = "short_circuit"
	SourceLastResort   Source = "last_resort"
)

// ContextStore supplies recent alert history for the arbitration payload.
type ContextStore interface {
	RecentAlerts(ctx context.Context, userID, merchant string, limit int) (model.AlertHistory, error)
}

// Arbiter turns an Alert into exactly one Recommendation. It is total:
// backend failure, malformed output and schema violations all degrade to
// the deterministic policy fallback, and a defect anywhere below that
// still yields the fixed last-resort object.
type Arbiter struct {
	backend      Backend
	policy       *policy.Manager
	store        ContextStore
	minScore     float64
	historyLimit int
	logger       *slog.Logger
}

func New(backend Backend, policyMgr *policy.Manager, store ContextStore, minScore float64, historyLimit int, logger *slog.Logger) *Arbiter {
	if minScore <= 0 {
		minScore = 0.001
	}
	if historyLimit <= 0 {
		historyLimit = 5
	}
	return &Arbiter{
		backend:      backend,
		policy:       policyMgr,
		store:        store,
		minScore:     minScore,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

func (a *Arbiter) Recommend(ctx context.Context, alert model.Alert) (rec model.Recommendation, src Source) {
	defer func() {
		if r := recover(); r != nil {
			if a.logger != nil {
				a.logger.Error("arbiter recovered, using last resort", "txn_id", alert.TxnID, "panic", r)
			}
			rec = LastResort()
			src = SourceLastResort
		}
	}()

	if alert.Score <= a.minScore {
		return a.fallback(alert), SourceShortCircuit
	}
	if a.backend == nil {
		return a.fallback(alert), SourceFallback
	}

	var hist model.AlertHistory
	if a.store != nil {
		h, err := a.store.RecentAlerts(ctx, alert.UserID, alert.Merchant, a.historyLimit)
		if err != nil {
			if a.logger != nil {
				a.logger.Warn("alert history unavailable", "txn_id", alert.TxnID, "err", err)
			}
		} else {
			hist = h
		}
	}

	payload := map[string]any{"alert": alert, "history": hist}
	text, err := a.backend.Chat(ctx, systemInstruction, payload)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("reasoning backend failed, using fallback", "txn_id", alert.TxnID, "err", err)
		}
		return a.fallback(alert), SourceFallback
	}
	candidate, err := parseCandidate(text, alert)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("backend output rejected, using fallback", "txn_id", alert.TxnID, "err", err)
		}
		return a.fallback(alert), SourceFallback
	}
	return candidate, SourceBackend
}

// fallback reproduces the decision policy over the alert's own score and
// fired rules, independent of any collaborator.
func (a *Arbiter) fallback(alert model.Alert) model.Recommendation {
	t := policy.Defaults()
	if a.policy != nil {
		t = a.policy.Current()
	}
	dec := policy.Decide(alert.Score, len(alert.Reasons), t)
	signals := alert.Features.Pairs()
	if len(signals) > 3 {
		signals = signals[:3]
	}
	actions := []string{"none"}
	if dec >= model.DecisionStepUp {
		actions = []string{"manual_review_queue"}
	}
	return model.Recommendation{
		DecisionRecommendation: dec.String(),
		Rationale: fmt.Sprintf("score=%.2f; rules=%v; tau=%.2f tau_high=%.2f",
			alert.Score, alert.Reasons, t.Tau, t.TauHigh),
		KeySignals: signals,
		Actions:    actions,
	}
}

// LastResort is the fixed recommendation returned when even the fallback
// path cannot produce a value.
func LastResort() model.Recommendation {
	return model.Recommendation{
		DecisionRecommendation: model.DecisionStepUp.String(),
		Rationale:              "no LLM/invalid JSON",
		KeySignals:             []model.Signal{},
		Actions:                []string{"manual_review_queue"},
	}
}

type rawSignal struct {
	Name  *string `json:"name"`
	Value any     `json:"value"`
}

// parseCandidate decodes and validates backend output. key_signals are
// normalized before validation: booleans coerce to 1/0, non-numeric
// values are backfilled from the alert's features or fired rules when the
// name matches, unmatched entries are dropped, and the list is truncated
// to five entries.
func parseCandidate(text string, alert model.Alert) (model.Recommendation, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return model.Recommendation{}, fmt.Errorf("non-JSON backend output: %w", err)
	}
	for _, key := range []string{"decision_recommendation", "rationale", "key_signals", "actions"} {
		if _, ok := obj[key]; !ok {
			return model.Recommendation{}, fmt.Errorf("missing required field %q", key)
		}
	}

	var decisionStr string
	if err := json.Unmarshal(obj["decision_recommendation"], &decisionStr); err != nil {
		return model.Recommendation{}, errors.New("decision_recommendation is not a string")
	}
	if _, err := model.ParseDecision(decisionStr); err != nil {
		return model.Recommendation{}, err
	}

	var rationale string
	if err := json.Unmarshal(obj["rationale"], &rationale); err != nil {
		return model.Recommendation{}, errors.New("rationale is not a string")
	}

	var rawSignals []rawSignal
	if err := json.Unmarshal(obj["key_signals"], &rawSignals); err != nil {
		return model.Recommendation{}, errors.New("key_signals is not an array of objects")
	}
	// null decodes into a nil slice without error; only a real array is valid
	if rawSignals == nil {
		return model.Recommendation{}, errors.New("key_signals is not an array of objects")
	}
	signals, err := normalizeSignals(rawSignals, alert)
	if err != nil {
		return model.Recommendation{}, err
	}

	var actions []string
	if err := json.Unmarshal(obj["actions"], &actions); err != nil {
		return model.Recommendation{}, errors.New("actions is not an array of strings")
	}
	if actions == nil {
		return model.Recommendation{}, errors.New("actions is not an array of strings")
	}

	return model.Recommendation{
		DecisionRecommendation: decisionStr,
		Rationale:              rationale,
		KeySignals:             signals,
		Actions:                actions,
	}, nil
}

func normalizeSignals(raw []rawSignal, alert model.Alert) ([]model.Signal, error) {
	out := []model.Signal{}
	for _, rs := range raw {
		if rs.Name == nil || *rs.Name == "" {
			return nil, errors.New("key_signals entry missing name")
		}
		name := *rs.Name
		switch v := rs.Value.(type) {
		case float64:
			out = append(out, model.Signal{Name: name, Value: v})
			continue
		case bool:
			val := 0.0
			if v {
				val = 1.0
			}
			out = append(out, model.Signal{Name: name, Value: val})
			continue
		}
		if val, ok := alert.Features.Lookup(name); ok {
			out = append(out, model.Signal{Name: name, Value: val})
			continue
		}
		if containsString(alert.Reasons, name) {
			out = append(out, model.Signal{Name: name, Value: 1.0})
			continue
		}
		// unbacked non-numeric signal: dropped
	}
	if len(out) > maxKeySignals {
		out = out[:maxKeySignals]
	}
	return out, nil
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}
