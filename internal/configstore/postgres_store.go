package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/riskengine/internal/risk"
)

// PostgresStore persists configuration versions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed configuration store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const configColumns = `c.category, c.version, c.version_id, c.sub_scores,
	c.review_threshold, c.flag_threshold, c.auto_block_threshold,
	c.created_by, c.comment, c.created_at`

func (s *PostgresStore) Activate(ctx context.Context, cfg *risk.CategoryConfig) error {
	subJSON, err := json.Marshal(cfg.SubScores)
	if err != nil {
		return fmt.Errorf("failed to marshal sub-scores: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize version assignment per category.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(cfg.Category)); err != nil {
		return fmt.Errorf("failed to lock category: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM category_configs WHERE category = $1
	`, string(cfg.Category)).Scan(&cfg.Version); err != nil {
		return fmt.Errorf("failed to allocate version: %w", err)
	}
	cfg.VersionID = risk.VersionLabel(cfg.Category, cfg.Version)

	err = tx.QueryRowContext(ctx, `
		INSERT INTO category_configs
			(category, version, version_id, sub_scores, review_threshold, flag_threshold,
			 auto_block_threshold, created_by, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`,
		string(cfg.Category), cfg.Version, cfg.VersionID, subJSON,
		cfg.Thresholds.Review, cfg.Thresholds.Flag, cfg.Thresholds.AutoBlock,
		cfg.CreatedBy, cfg.Comment,
	).Scan(&cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert config version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO active_category_configs (category, version, activated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (category) DO UPDATE SET version = EXCLUDED.version, activated_at = EXCLUDED.activated_at
	`, string(cfg.Category), cfg.Version, cfg.CreatedAt); err != nil {
		return fmt.Errorf("failed to mark config active: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Active(ctx context.Context, category risk.Category) (*risk.CategoryConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+configColumns+`
		FROM active_category_configs a
		JOIN category_configs c ON c.category = a.category AND c.version = a.version
		WHERE a.category = $1
	`, string(category))
	return scanOne(row)
}

func (s *PostgresStore) Get(ctx context.Context, category risk.Category, version int64) (*risk.CategoryConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+configColumns+`
		FROM category_configs c
		WHERE c.category = $1 AND c.version = $2
	`, string(category), version)
	return scanOne(row)
}

func (s *PostgresStore) Versions(ctx context.Context, category risk.Category) ([]*risk.CategoryConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+configColumns+`
		FROM category_configs c
		WHERE c.category = $1
		ORDER BY c.version DESC
	`, string(category))
	if err != nil {
		return nil, fmt.Errorf("failed to list config versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*risk.CategoryConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Categories(ctx context.Context) ([]risk.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category FROM active_category_configs ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []risk.Category
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, risk.Category(c))
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOne(row rowScanner) (*risk.CategoryConfig, error) {
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, risk.ErrConfigNotFound
	}
	return cfg, err
}

func scanConfig(row rowScanner) (*risk.CategoryConfig, error) {
	var (
		cfg      risk.CategoryConfig
		category string
		subJSON  []byte
	)
	if err := row.Scan(&category, &cfg.Version, &cfg.VersionID, &subJSON,
		&cfg.Thresholds.Review, &cfg.Thresholds.Flag, &cfg.Thresholds.AutoBlock,
		&cfg.CreatedBy, &cfg.Comment, &cfg.CreatedAt); err != nil {
		return nil, err
	}
	cfg.Category = risk.Category(category)
	if err := json.Unmarshal(subJSON, &cfg.SubScores); err != nil {
		return nil, fmt.Errorf("failed to decode sub-scores of %s: %w", cfg.VersionID, err)
	}
	return &cfg, nil
}
