package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"riskpipe/internal/alerts"
	"riskpipe/internal/arbiter"
	"riskpipe/internal/config"
	"riskpipe/internal/features"
	"riskpipe/internal/metrics"
	"riskpipe/internal/model"
	"riskpipe/internal/policy"
	"riskpipe/internal/storage"
)

// Publisher emits self-describing JSON records onto a bus topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, v any) error
}

// Scorer is the external scoring collaborator. Errors are fail-open.
type Scorer interface {
	Score(ctx context.Context, features model.FeatureVector) (model.ScoreResult, error)
}

// RuleEvaluator yields fired rule ids for a feature vector, either from
// the local sandboxed evaluator or the remote rules service. Errors are
// fail-open.
type RuleEvaluator interface {
	Eval(ctx context.Context, features model.FeatureVector) ([]string, error)
}

// Recommender arbitrates a recommendation for an escalated alert.
type Recommender interface {
	Recommend(ctx context.Context, alert model.Alert) (model.Recommendation, arbiter.Source)
}

// Pipeline wires feature computation, scoring, rule evaluation, the
// decision policy and recommendation arbitration together per inbound
// event. Handle is called from the gateway's single-flight consume loop
// and never reports failure upward: every outcome, including drops, ends
// in an acknowledgment.
type Pipeline struct {
	logger   *slog.Logger
	metrics  *metrics.Set
	features *features.Computer
	scorer   Scorer
	rules    RuleEvaluator
	policy   *policy.Manager
	arbiter  Recommender
	store    storage.Store
	recent   *alerts.Store
	pub      Publisher
	topics   config.TopicsConfig
	dedupe   *dedupeCache
}

type Deps struct {
	Logger    *slog.Logger
	Metrics   *metrics.Set
	Features  *features.Computer
	Scorer    Scorer
	Rules     RuleEvaluator
	Policy    *policy.Manager
	Arbiter   Recommender
	Store     storage.Store
	Recent    *alerts.Store
	Publisher Publisher
	Topics    config.TopicsConfig
	DedupeTTL time.Duration
}

func New(d Deps) *Pipeline {
	if d.DedupeTTL <= 0 {
		d.DedupeTTL = 10 * time.Minute
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return &Pipeline{
		logger:   d.Logger,
		metrics:  d.Metrics,
		features: d.Features,
		scorer:   d.Scorer,
		rules:    d.Rules,
		policy:   d.Policy,
		arbiter:  d.Arbiter,
		store:    d.Store,
		recent:   d.Recent,
		pub:      d.Publisher,
		topics:   d.Topics,
		dedupe:   newDedupeCache(d.DedupeTTL),
	}
}

type scoreEvent struct {
	TxnID    string              `json:"txn_id"`
	UserID   string              `json:"user_id"`
	Merchant string              `json:"merchant"`
	Amount   float64             `json:"amount"`
	Features model.FeatureVector `json:"features"`
	Score    float64             `json:"score"`
	Fired    []string            `json:"fired"`
	Explain  *model.Explanation  `json:"explain,omitempty"`
	Labels   map[string]any      `json:"labels,omitempty"`
}

type recommendationEvent struct {
	TxnID          string               `json:"txn_id"`
	Recommendation model.Recommendation `json:"recommendation"`
}

func (p *Pipeline) Handle(ctx context.Context, payload []byte) {
	p.metrics.Events.Inc()

	ev, err := decodeEvent(payload)
	if err != nil {
		p.metrics.Dropped.Inc()
		if p.logger != nil {
			p.logger.Warn("dropping malformed event payload", "err", err)
		}
		return
	}
	if p.dedupe.Seen(ev.TxnID, time.Now().UTC()) {
		p.metrics.Dropped.Inc()
		if p.logger != nil {
			p.logger.Debug("dropping redelivered event", "txn_id", ev.TxnID)
		}
		return
	}

	feats := p.features.Compute(ev)

	result, err := p.scorer.Score(ctx, feats)
	if err != nil {
		p.metrics.CollaboratorFailures.WithLabelValues("scoring").Inc()
		if p.logger != nil {
			p.logger.Warn("scoring unavailable, using default score", "txn_id", ev.TxnID, "err", err)
		}
		result = model.ScoreResult{Score: 0.0}
	}

	fired, err := p.rules.Eval(ctx, feats)
	if err != nil {
		p.metrics.CollaboratorFailures.WithLabelValues("rules").Inc()
		if p.logger != nil {
			p.logger.Warn("rule evaluation unavailable, using empty set", "txn_id", ev.TxnID, "err", err)
		}
		fired = []string{}
	}
	if fired == nil {
		fired = []string{}
	}

	p.publish(ctx, p.topics.Scores, ev.TxnID, scoreEvent{
		TxnID:    ev.TxnID,
		UserID:   ev.UserID,
		Merchant: ev.Merchant,
		Amount:   ev.Amount,
		Features: feats,
		Score:    result.Score,
		Fired:    fired,
		Explain:  result.Explain,
		Labels:   ev.Labels,
	})

	thresholds := p.policy.Current()
	decision := policy.Decide(result.Score, len(fired), thresholds)
	p.metrics.Decisions.WithLabelValues(decision.String()).Inc()
	if decision < model.DecisionStepUp {
		return
	}

	alert := model.Alert{
		TxnID:    ev.TxnID,
		TS:       ev.TS,
		UserID:   ev.UserID,
		Merchant: ev.Merchant,
		Amount:   ev.Amount,
		Score:    result.Score,
		Reasons:  fired,
		Features: feats,
		Decision: decision,
		Tau:      thresholds.Tau,
		TauHigh:  thresholds.TauHigh,
		Context:  alertContext(ev),
	}
	if p.logger != nil {
		p.logger.Warn("transaction escalated",
			"txn_id", alert.TxnID,
			"decision", decision.String(),
			"score", alert.Score,
			"rules", alert.Reasons,
		)
	}

	if p.store != nil {
		if err := p.store.UpsertAlert(ctx, alert); err != nil && p.logger != nil {
			p.logger.Warn("alert persist failed", "txn_id", alert.TxnID, "err", err)
		}
	}
	if p.recent != nil {
		p.recent.Add(alert)
	}
	p.publish(ctx, p.topics.Alerts, alert.TxnID, alert)

	rec, source := p.arbiter.Recommend(ctx, alert)
	if source != arbiter.SourceBackend {
		p.metrics.ArbiterFallbacks.Inc()
	}
	if p.store != nil {
		if err := p.store.UpsertRecommendation(ctx, alert.TxnID, rec); err != nil && p.logger != nil {
			p.logger.Warn("recommendation persist failed", "txn_id", alert.TxnID, "err", err)
		}
	}
	p.publish(ctx, p.topics.Recommendations, alert.TxnID, recommendationEvent{
		TxnID:          alert.TxnID,
		Recommendation: rec,
	})
}

func (p *Pipeline) publish(ctx context.Context, topic, key string, v any) {
	if err := p.pub.Publish(ctx, topic, key, v); err != nil {
		if p.logger != nil {
			p.logger.Warn("publish failed", "topic", topic, "key", key, "err", err)
		}
		return
	}
	p.metrics.Published.WithLabelValues(topic).Inc()
}

func alertContext(ev model.TransactionEvent) map[string]any {
	out := make(map[string]any)
	if ev.CardID != "" {
		out["card_id"] = ev.CardID
	}
	if ev.DeviceID != "" {
		out["device_id"] = ev.DeviceID
	}
	if ev.IP != "" {
		out["ip"] = ev.IP
	}
	if ev.TxnType != "" {
		out["txn_type"] = ev.TxnType
	}
	for k, v := range ev.Labels {
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
