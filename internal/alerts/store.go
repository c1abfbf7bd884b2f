package alerts

import (
	"context"
	"sync"

	"riskpipe/internal/model"
)

// Store is a bounded in-memory record of recent alerts. It stands in for
// the persistence collaborator when storage is disabled, so the
// arbitrator's recent-history context degrades instead of disappearing.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Alert
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, alert)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = alert
}

func (s *Store) List(limit int) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Alert, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

// RecentAlerts returns up to limit most-recent alert summaries for the
// given user and merchant, newest first.
func (s *Store) RecentAlerts(_ context.Context, userID, merchant string, limit int) (model.AlertHistory, error) {
	hist := model.AlertHistory{UserRecent: []model.AlertSummary{}, MerchantRecent: []model.AlertSummary{}}
	if limit <= 0 {
		return hist, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.buf) - 1; i >= 0; i-- {
		a := s.buf[i]
		if userID != "" && a.UserID == userID && len(hist.UserRecent) < limit {
			hist.UserRecent = append(hist.UserRecent, summarize(a))
		}
		if merchant != "" && a.Merchant == merchant && len(hist.MerchantRecent) < limit {
			hist.MerchantRecent = append(hist.MerchantRecent, summarize(a))
		}
		if len(hist.UserRecent) >= limit && len(hist.MerchantRecent) >= limit {
			break
		}
	}
	return hist, nil
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}

func summarize(a model.Alert) model.AlertSummary {
	reasons := a.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	return model.AlertSummary{TxnID: a.TxnID, Score: a.Score, Reasons: reasons, TS: a.TS}
}
