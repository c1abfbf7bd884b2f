package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"riskpipe/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/riskpipe?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			txn_id TEXT PRIMARY KEY,
			ts TEXT,
			user_id TEXT NOT NULL,
			merchant TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			decision TEXT NOT NULL,
			reasons_json JSONB NOT NULL,
			features_json JSONB NOT NULL,
			tau DOUBLE PRECISION NOT NULL,
			tau_high DOUBLE PRECISION NOT NULL,
			context_json JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_merchant ON alerts(merchant, created_at)`,
		`CREATE TABLE IF NOT EXISTS recommendations (
			txn_id TEXT PRIMARY KEY,
			recommendation_json JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) UpsertAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts
		(txn_id, ts, user_id, merchant, amount, score, decision, reasons_json, features_json, tau, tau_high, context_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (txn_id) DO UPDATE SET
			ts = EXCLUDED.ts,
			user_id = EXCLUDED.user_id,
			merchant = EXCLUDED.merchant,
			amount = EXCLUDED.amount,
			score = EXCLUDED.score,
			decision = EXCLUDED.decision,
			reasons_json = EXCLUDED.reasons_json,
			features_json = EXCLUDED.features_json,
			tau = EXCLUDED.tau,
			tau_high = EXCLUDED.tau_high,
			context_json = EXCLUDED.context_json,
			created_at = EXCLUDED.created_at`,
		alert.TxnID,
		alert.TS,
		alert.UserID,
		alert.Merchant,
		alert.Amount,
		alert.Score,
		alert.Decision.String(),
		encodeJSON(alert.Reasons),
		encodeJSON(alert.Features),
		alert.Tau,
		alert.TauHigh,
		encodeJSON(alert.Context),
		nowUTC(),
	)
	return err
}

func (s *postgresStore) UpsertRecommendation(ctx context.Context, txnID string, rec model.Recommendation) error {
	if s.db == nil || txnID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recommendations (txn_id, recommendation_json, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (txn_id) DO UPDATE SET
			recommendation_json = EXCLUDED.recommendation_json,
			created_at = EXCLUDED.created_at`,
		txnID,
		encodeJSON(rec),
		nowUTC(),
	)
	return err
}

func (s *postgresStore) RecentAlerts(ctx context.Context, userID, merchant string, limit int) (model.AlertHistory, error) {
	hist := model.AlertHistory{UserRecent: []model.AlertSummary{}, MerchantRecent: []model.AlertSummary{}}
	if s.db == nil || limit <= 0 {
		return hist, nil
	}
	if userID != "" {
		rows, err := s.db.QueryContext(ctx,
			`SELECT txn_id, score, reasons_json::text, ts FROM alerts WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
			userID, limit)
		if err != nil {
			return hist, err
		}
		hist.UserRecent, err = scanSummaries(rows)
		if err != nil {
			return hist, err
		}
	}
	if merchant != "" {
		rows, err := s.db.QueryContext(ctx,
			`SELECT txn_id, score, reasons_json::text, ts FROM alerts WHERE merchant = $1 ORDER BY created_at DESC LIMIT $2`,
			merchant, limit)
		if err != nil {
			return hist, err
		}
		hist.MerchantRecent, err = scanSummaries(rows)
		if err != nil {
			return hist, err
		}
	}
	return hist, nil
}
