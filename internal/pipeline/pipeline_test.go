package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"riskpipe/internal/alerts"
	"riskpipe/internal/arbiter"
	"riskpipe/internal/config"
	"riskpipe/internal/features"
	"riskpipe/internal/metrics"
	"riskpipe/internal/model"
	"riskpipe/internal/policy"
	"riskpipe/internal/rules"
)

type published struct {
	topic string
	key   string
	body  []byte
}

type capturePublisher struct {
	msgs []published
}

func (c *capturePublisher) Publish(_ context.Context, topic, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.msgs = append(c.msgs, published{topic: topic, key: key, body: body})
	return nil
}

func (c *capturePublisher) byTopic(topic string) []published {
	var out []published
	for _, m := range c.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type stubScorer struct {
	score float64
	err   error
}

func (s stubScorer) Score(context.Context, model.FeatureVector) (model.ScoreResult, error) {
	if s.err != nil {
		return model.ScoreResult{}, s.err
	}
	return model.ScoreResult{Score: s.score}, nil
}

type stubRules struct {
	fired []string
	err   error
}

func (s stubRules) Eval(context.Context, model.FeatureVector) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.fired, nil
}

var testTopics = config.TopicsConfig{
	Transactions:    "transactions.raw",
	Scores:          "fraud.scores",
	Alerts:          "alerts.high_risk",
	Recommendations: "analyst.recommendations",
}

func newTestPipeline(t *testing.T, scorer Scorer, evaluator RuleEvaluator) (*Pipeline, *capturePublisher) {
	t.Helper()
	computer, err := features.NewComputer(10, 1000, "2025-08-01")
	if err != nil {
		t.Fatalf("new computer: %v", err)
	}
	policyMgr := policy.NewManager("", policy.Thresholds{Tau: 0.75, TauHigh: 0.90}, nil)
	recent := alerts.NewStore(100)
	// nil backend: the arbitrator always takes its deterministic path
	arb := arbiter.New(nil, policyMgr, recent, 0.001, 5, nil)
	pub := &capturePublisher{}
	pipe := New(Deps{
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Features:  computer,
		Scorer:    scorer,
		Rules:     evaluator,
		Policy:    policyMgr,
		Arbiter:   arb,
		Recent:    recent,
		Publisher: pub,
		Topics:    testTopics,
	})
	return pipe, pub
}

func event(txnID string, amount float64) []byte {
	return []byte(fmt.Sprintf(`{"txn_id":%q,"user_id":"u1","merchant":"m1","amount":%v,"ts_step":5,"ip":"10.0.0.9"}`, txnID, amount))
}

func TestMalformedPayloadDropped(t *testing.T) {
	pipe, pub := newTestPipeline(t, stubScorer{score: 0.99}, stubRules{})
	pipe.Handle(context.Background(), []byte("not json"))
	if len(pub.msgs) != 0 {
		t.Fatalf("dropped payload should publish nothing, got %d messages", len(pub.msgs))
	}
}

func TestAllowPublishesTelemetryOnly(t *testing.T) {
	pipe, pub := newTestPipeline(t, stubScorer{score: 0.20}, stubRules{})
	pipe.Handle(context.Background(), event("t1", 10))
	if n := len(pub.byTopic(testTopics.Scores)); n != 1 {
		t.Fatalf("scores published %d times", n)
	}
	if n := len(pub.byTopic(testTopics.Alerts)); n != 0 {
		t.Fatalf("allow should not publish alerts, got %d", n)
	}
	if n := len(pub.byTopic(testTopics.Recommendations)); n != 0 {
		t.Fatalf("allow should not publish recommendations, got %d", n)
	}
}

func TestEscalationPublishesAlertAndRecommendation(t *testing.T) {
	pipe, pub := newTestPipeline(t, stubScorer{score: 0.95}, stubRules{})
	pipe.Handle(context.Background(), event("t2", 700))

	alertMsgs := pub.byTopic(testTopics.Alerts)
	if len(alertMsgs) != 1 {
		t.Fatalf("alerts published %d times", len(alertMsgs))
	}
	var alert model.Alert
	if err := json.Unmarshal(alertMsgs[0].body, &alert); err != nil {
		t.Fatalf("alert decode: %v", err)
	}
	if alert.TxnID != "t2" || alert.Decision != model.DecisionBlock {
		t.Fatalf("alert=%+v", alert)
	}
	if alert.Tau != 0.75 || alert.TauHigh != 0.90 {
		t.Fatalf("threshold snapshot missing: %+v", alert)
	}

	recMsgs := pub.byTopic(testTopics.Recommendations)
	if len(recMsgs) != 1 {
		t.Fatalf("recommendations published %d times", len(recMsgs))
	}
	var rec recommendationEvent
	if err := json.Unmarshal(recMsgs[0].body, &rec); err != nil {
		t.Fatalf("recommendation decode: %v", err)
	}
	if rec.TxnID != "t2" || rec.Recommendation.DecisionRecommendation != "block" {
		t.Fatalf("rec=%+v", rec)
	}
}

func TestDecisionTableEndToEnd(t *testing.T) {
	cases := []struct {
		score     float64
		fired     []string
		escalated bool
		decision  model.Decision
	}{
		{0.95, nil, true, model.DecisionBlock},
		{0.50, []string{"r1", "r2"}, true, model.DecisionBlock},
		{0.80, nil, true, model.DecisionStepUp},
		{0.20, nil, false, model.DecisionAllow},
	}
	for i, tc := range cases {
		pipe, pub := newTestPipeline(t, stubScorer{score: tc.score}, stubRules{fired: tc.fired})
		pipe.Handle(context.Background(), event(fmt.Sprintf("t%d", i), 100))
		alertMsgs := pub.byTopic(testTopics.Alerts)
		if tc.escalated != (len(alertMsgs) == 1) {
			t.Fatalf("case %d: escalated=%v alerts=%d", i, tc.escalated, len(alertMsgs))
		}
		if !tc.escalated {
			continue
		}
		var alert model.Alert
		if err := json.Unmarshal(alertMsgs[0].body, &alert); err != nil {
			t.Fatalf("case %d: decode: %v", i, err)
		}
		if alert.Decision != tc.decision {
			t.Fatalf("case %d: decision=%s want=%s", i, alert.Decision, tc.decision)
		}
	}
}

func TestCollaboratorFailuresFailOpen(t *testing.T) {
	pipe, pub := newTestPipeline(t,
		stubScorer{err: errors.New("model down")},
		stubRules{err: errors.New("rules down")})
	pipe.Handle(context.Background(), event("t9", 100))

	scoreMsgs := pub.byTopic(testTopics.Scores)
	if len(scoreMsgs) != 1 {
		t.Fatalf("telemetry should still publish, got %d", len(scoreMsgs))
	}
	var se scoreEvent
	if err := json.Unmarshal(scoreMsgs[0].body, &se); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if se.Score != 0.0 || len(se.Fired) != 0 {
		t.Fatalf("fail-open defaults not applied: %+v", se)
	}
	if n := len(pub.byTopic(testTopics.Alerts)); n != 0 {
		t.Fatalf("default score should not escalate, got %d alerts", n)
	}
}

func TestRedeliveredTransactionDeduped(t *testing.T) {
	pipe, pub := newTestPipeline(t, stubScorer{score: 0.95}, stubRules{})
	pipe.Handle(context.Background(), event("dup", 100))
	pipe.Handle(context.Background(), event("dup", 100))
	if n := len(pub.byTopic(testTopics.Alerts)); n != 1 {
		t.Fatalf("redelivery should be suppressed, got %d alerts", n)
	}
}

func TestEventWithoutTxnIDGetsSyntheticID(t *testing.T) {
	pipe, pub := newTestPipeline(t, stubScorer{score: 0.95}, stubRules{})
	pipe.Handle(context.Background(), []byte(`{"user_id":"u1","merchant":"m1","amount":42}`))
	alertMsgs := pub.byTopic(testTopics.Alerts)
	if len(alertMsgs) != 1 {
		t.Fatalf("alerts published %d times", len(alertMsgs))
	}
	var alert model.Alert
	if err := json.Unmarshal(alertMsgs[0].body, &alert); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if alert.TxnID == "" {
		t.Fatalf("expected synthetic txn id")
	}
}

func TestHandleWithoutMetricSet(t *testing.T) {
	computer, err := features.NewComputer(10, 1000, "2025-08-01")
	if err != nil {
		t.Fatalf("new computer: %v", err)
	}
	policyMgr := policy.NewManager("", policy.Thresholds{Tau: 0.75, TauHigh: 0.90}, nil)
	pub := &capturePublisher{}
	pipe := New(Deps{
		Features:  computer,
		Scorer:    stubScorer{score: 0.95},
		Rules:     stubRules{},
		Policy:    policyMgr,
		Arbiter:   arbiter.New(nil, policyMgr, nil, 0.001, 5, nil),
		Publisher: pub,
		Topics:    testTopics,
	})
	pipe.Handle(context.Background(), event("t11", 100))
	if n := len(pub.byTopic(testTopics.Alerts)); n != 1 {
		t.Fatalf("pipeline without an explicit metric set should still escalate, got %d alerts", n)
	}
}

func TestLocalRuleEvaluatorWiredIn(t *testing.T) {
	set := rules.Compile([]rules.Rule{{ID: "origin_mismatch_spend", If: "ip_country_mismatch == 1 and amount > 500"}}, nil)
	pipe, pub := newTestPipeline(t, stubScorer{score: 0.10}, set)
	pipe.Handle(context.Background(), event("t10", 700))
	alertMsgs := pub.byTopic(testTopics.Alerts)
	if len(alertMsgs) != 1 {
		t.Fatalf("fired rule should escalate, got %d alerts", len(alertMsgs))
	}
	var alert model.Alert
	if err := json.Unmarshal(alertMsgs[0].body, &alert); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if alert.Decision != model.DecisionStepUp || len(alert.Reasons) != 1 {
		t.Fatalf("alert=%+v", alert)
	}
}
