package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"riskpipe/internal/config"
	"riskpipe/internal/model"
)

// Store is the persistence collaborator: append-only upserts keyed by
// transaction id plus the recent-history query the arbitrator uses as
// context.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	UpsertAlert(ctx context.Context, alert model.Alert) error
	UpsertRecommendation(ctx context.Context, txnID string, rec model.Recommendation) error
	RecentAlerts(ctx context.Context, userID, merchant string, limit int) (model.AlertHistory, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeReasons(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
