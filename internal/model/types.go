package model

import (
	"encoding/json"
	"fmt"
)

// Decision is the ordinal outcome of the decision policy,
// ordered allow < step_up < block.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionStepUp
	DecisionBlock
)

func (d Decision) String() string {
	switch d {
	case DecisionStepUp:
		return "step_up"
	case DecisionBlock:
		return "block"
	default:
		return "allow"
	}
}

func ParseDecision(s string) (Decision, error) {
	switch s {
	case "allow":
		return DecisionAllow, nil
	case "step_up":
		return DecisionStepUp, nil
	case "block":
		return DecisionBlock, nil
	}
	return DecisionAllow, fmt.Errorf("unknown decision %q", s)
}

func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Decision) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDecision(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

type TransactionEvent struct {
	TxnID    string         `json:"txn_id"`
	UserID   string         `json:"user_id"`
	Merchant string         `json:"merchant"`
	CardID   string         `json:"card_id,omitempty"`
	DeviceID string         `json:"device_id,omitempty"`
	IP       string         `json:"ip,omitempty"`
	TS       string         `json:"ts,omitempty"`
	TSStep   int64          `json:"ts_step,omitempty"`
	TxnType  string         `json:"txn_type,omitempty"`
	Amount   float64        `json:"amount"`
	Labels   map[string]any `json:"labels,omitempty"`
}

type FeatureVector struct {
	Amount            float64 `json:"amount"`
	LogAmount         float64 `json:"log_amount"`
	HourMod24         float64 `json:"hour_mod_24"`
	UserTxnPrev10     float64 `json:"user_txn_prev10"`
	MerchantTxnPrev10 float64 `json:"merchant_txn_prev10"`
	IPCountryMismatch float64 `json:"ip_country_mismatch"`
}

// Signal is one named numeric entry of a recommendation's key_signals.
type Signal struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Pairs returns the features in canonical declaration order so that
// "first N features" is deterministic across the pipeline.
func (f FeatureVector) Pairs() []Signal {
	return []Signal{
		{Name: "amount", Value: f.Amount},
		{Name: "log_amount", Value: f.LogAmount},
		{Name: "hour_mod_24", Value: f.HourMod24},
		{Name: "user_txn_prev10", Value: f.UserTxnPrev10},
		{Name: "merchant_txn_prev10", Value: f.MerchantTxnPrev10},
		{Name: "ip_country_mismatch", Value: f.IPCountryMismatch},
	}
}

func (f FeatureVector) Map() map[string]float64 {
	out := make(map[string]float64, 6)
	for _, p := range f.Pairs() {
		out[p.Name] = p.Value
	}
	return out
}

func (f FeatureVector) Lookup(name string) (float64, bool) {
	for _, p := range f.Pairs() {
		if p.Name == name {
			return p.Value, true
		}
	}
	return 0, false
}

// Explanation is the optional best-effort explanation attached to a score.
type Explanation struct {
	Bias       float64            `json:"bias"`
	Contribs   map[string]float64 `json:"contribs,omitempty"`
	TopFactors []string           `json:"top_factors,omitempty"`
}

type ScoreResult struct {
	Score   float64      `json:"score"`
	Explain *Explanation `json:"explain,omitempty"`
}

// Alert is the immutable record of an escalated transaction.
type Alert struct {
	TxnID    string         `json:"txn_id"`
	TS       string         `json:"ts,omitempty"`
	UserID   string         `json:"user_id"`
	Merchant string         `json:"merchant"`
	Amount   float64        `json:"amount"`
	Score    float64        `json:"score"`
	Reasons  []string       `json:"reasons"`
	Features FeatureVector  `json:"features"`
	Decision Decision       `json:"decision"`
	Tau      float64        `json:"tau"`
	TauHigh  float64        `json:"tau_high"`
	Context  map[string]any `json:"context,omitempty"`
}

// Recommendation is the arbitrator's output, exactly one per Alert.
type Recommendation struct {
	DecisionRecommendation string   `json:"decision_recommendation"`
	Rationale              string   `json:"rationale"`
	KeySignals             []Signal `json:"key_signals"`
	Actions                []string `json:"actions"`
}

// AlertSummary is the compact form used as arbitrator context.
type AlertSummary struct {
	TxnID   string   `json:"txn_id"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
	TS      string   `json:"ts,omitempty"`
}

type AlertHistory struct {
	UserRecent     []AlertSummary `json:"user_recent"`
	MerchantRecent []AlertSummary `json:"merchant_recent"`
}
