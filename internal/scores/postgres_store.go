package scores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbd888/riskengine/internal/risk"
)

// PostgresStore persists category scores in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed score store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, score *risk.CategoryScore) error {
	subJSON, err := json.Marshal(score.SubScores)
	if err != nil {
		return fmt.Errorf("failed to marshal sub-scores: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO category_scores (id, user_id, category, value, recommended_action, sub_scores, config_version, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		score.ID,
		score.UserID,
		string(score.Category),
		score.Value,
		string(score.Recommended),
		subJSON,
		score.ConfigVersion,
		score.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record category score: %w", err)
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context, userID string, category risk.Category) (*risk.CategoryScore, error) {
	list, err := s.ListByKey(ctx, userID, category, 1)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, risk.ErrScoreNotFound
	}
	return list[0], nil
}

func (s *PostgresStore) ListByKey(ctx context.Context, userID string, category risk.Category, limit int) ([]*risk.CategoryScore, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, category, value, recommended_action, sub_scores, config_version, scored_at
		FROM category_scores
		WHERE user_id = $1 AND category = $2
		ORDER BY seq DESC
		LIMIT $3
	`, userID, string(category), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list category scores: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*risk.CategoryScore
	for rows.Next() {
		var (
			sc       risk.CategoryScore
			cat, rec string
			subJSON  []byte
		)
		if err := rows.Scan(&sc.ID, &sc.UserID, &cat, &sc.Value, &rec, &subJSON, &sc.ConfigVersion, &sc.Timestamp); err != nil {
			return nil, err
		}
		sc.Category = risk.Category(cat)
		sc.Recommended = risk.Action(rec)
		if err := json.Unmarshal(subJSON, &sc.SubScores); err != nil {
			return nil, fmt.Errorf("failed to decode sub-scores of %s: %w", sc.ID, err)
		}
		result = append(result, &sc)
	}
	return result, rows.Err()
}
