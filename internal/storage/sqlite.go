package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"riskpipe/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:riskpipe.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			txn_id TEXT PRIMARY KEY,
			ts TEXT,
			user_id TEXT NOT NULL,
			merchant TEXT NOT NULL,
			amount REAL NOT NULL,
			score REAL NOT NULL,
			decision TEXT NOT NULL,
			reasons_json TEXT NOT NULL,
			features_json TEXT NOT NULL,
			tau REAL NOT NULL,
			tau_high REAL NOT NULL,
			context_json TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_merchant ON alerts(merchant, created_at)`,
		`CREATE TABLE IF NOT EXISTS recommendations (
			txn_id TEXT PRIMARY KEY,
			recommendation_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) UpsertAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO alerts
		(txn_id, ts, user_id, merchant, amount, score, decision, reasons_json, features_json, tau, tau_high, context_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (s *sqliteStore) UpsertRecommendation(ctx context.Context, txnID string, rec model.Recommendation) error {
	if s.db == nil || txnID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO recommendations (txn_id, recommendation_json, created_at) VALUES (?, ?, ?)`,
		txnID,
		encodeJSON(rec),
		nowUTC(),
	)
	return err
}

func (s *sqliteStore) RecentAlerts(ctx context.Context, userID, merchant string, limit int) (model.AlertHistory, error) {
	hist := model.AlertHistory{UserRecent: []model.AlertSummary{}, MerchantRecent: []model.AlertSummary{}}
	if s.db == nil || limit <= 0 {
		return hist, nil
	}
	if userID != "" {
		rows, err := s.db.QueryContext(ctx,
			`SELECT txn_id, score, reasons_json, ts FROM alerts WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
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
			`SELECT txn_id, score, reasons_json, ts FROM alerts WHERE merchant = ? ORDER BY created_at DESC LIMIT ?`,
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

func scanSummaries(rows *sql.Rows) ([]model.AlertSummary, error) {
	defer rows.Close()
	out := []model.AlertSummary{}
	for rows.Next() {
		var s model.AlertSummary
		var reasons string
		if err := rows.Scan(&s.TxnID, &s.Score, &reasons, &s.TS); err != nil {
			return out, err
		}
		s.Reasons = decodeReasons(reasons)
		out = append(out, s)
	}
	return out, rows.Err()
}
