package params

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbd888/riskengine/internal/risk"
)

// PostgresStore persists parameter batches in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed parameter store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, b *Batch) error {
	paramsJSON, err := json.Marshal(b.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO parameter_batches (id, user_id, category, sub_score, parameters, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING received_at
	`, b.ID, b.UserID, string(b.Category), b.SubScore, paramsJSON, b.ObservedAt).Scan(&b.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to append parameter batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context, userID string, category risk.Category) (map[string]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (sub_score)
			id, user_id, category, sub_score, parameters, observed_at, received_at
		FROM parameter_batches
		WHERE user_id = $1 AND category = $2
		ORDER BY sub_score, observed_at DESC, seq DESC
	`, userID, string(category))
	if err != nil {
		return nil, fmt.Errorf("failed to load latest batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	batches, err := scanBatches(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Batch, len(batches))
	for _, b := range batches {
		out[b.SubScore] = b
	}
	return out, nil
}

func (s *PostgresStore) History(ctx context.Context, userID string, category risk.Category, subScore string, limit int) ([]*Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, category, sub_score, parameters, observed_at, received_at
		FROM parameter_batches
		WHERE user_id = $1 AND category = $2 AND sub_score = $3
		ORDER BY seq DESC
		LIMIT $4
	`, userID, string(category), subScore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list parameter batches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanBatches(rows)
}

func scanBatches(rows *sql.Rows) ([]*Batch, error) {
	var out []*Batch
	for rows.Next() {
		var (
			b          Batch
			category   string
			paramsJSON []byte
		)
		if err := rows.Scan(&b.ID, &b.UserID, &category, &b.SubScore, &paramsJSON, &b.ObservedAt, &b.ReceivedAt); err != nil {
			return nil, err
		}
		b.Category = risk.Category(category)
		if err := json.Unmarshal(paramsJSON, &b.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode parameters of batch %s: %w", b.ID, err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}
