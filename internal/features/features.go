package features

import (
	"math"
	"strings"
	"time"

	"riskpipe/internal/history"
	"riskpipe/internal/model"
)

// originMismatchPrefix marks source IPs treated as an origin/country
// mismatch signal.
const originMismatchPrefix = "10."

// Computer derives the fixed six-feature vector from a transaction plus
// the per-user and per-merchant activity histories it maintains.
type Computer struct {
	users     *history.Store
	merchants *history.Store
	epoch     time.Time
}

func NewComputer(capacity, maxEntities int, epoch string) (*Computer, error) {
	users, err := history.NewStore(capacity, maxEntities)
	if err != nil {
		return nil, err
	}
	merchants, err := history.NewStore(capacity, maxEntities)
	if err != nil {
		return nil, err
	}
	base, err := time.Parse("2006-01-02", epoch)
	if err != nil {
		base = time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Computer{users: users, merchants: merchants, epoch: base.UTC()}, nil
}

// Compute derives the feature vector for ev and records the event's
// time-step in both entity histories. The velocity features are read
// before the append, so they count strictly prior activity.
func (c *Computer) Compute(ev model.TransactionEvent) model.FeatureVector {
	step := ev.TSStep
	if step == 0 {
		step = c.stepFromTimestamp(ev.TS)
	}
	amount := ev.Amount

	userID := ev.UserID
	if userID == "" {
		userID = "u?"
	}
	merchant := ev.Merchant
	if merchant == "" {
		merchant = "m?"
	}
	userPrev := c.users.Observe(userID, step)
	merchantPrev := c.merchants.Observe(merchant, step)

	return model.FeatureVector{
		Amount:            amount,
		LogAmount:         math.Log1p(math.Max(0, amount)),
		HourMod24:         float64(((step % 24) + 24) % 24),
		UserTxnPrev10:     float64(userPrev),
		MerchantTxnPrev10: float64(merchantPrev),
		IPCountryMismatch: boolFeature(strings.HasPrefix(ev.IP, originMismatchPrefix)),
	}
}

// stepFromTimestamp converts a timestamp into hours since the epoch.
// Any parse failure, or a timestamp before the epoch, yields step 0.
func (c *Computer) stepFromTimestamp(ts string) int64 {
	if ts == "" {
		return 0
	}
	t, ok := parseTimestamp(ts)
	if !ok {
		return 0
	}
	hours := int64(t.Sub(c.epoch) / time.Hour)
	if hours < 0 {
		return 0
	}
	return hours
}

func parseTimestamp(ts string) (time.Time, bool) {
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func boolFeature(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
