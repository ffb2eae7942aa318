package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/riskengine/internal/audit"
	"github.com/mbd888/riskengine/internal/risk"
)

// PostgresStore persists profiles in risk_profiles and writes transitions to
// state_transitions in the same database transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const profileColumns = `user_id, category, current_status, current_score, status_since,
	whitelisted, whitelist_notes, whitelist_expires_at, config_version, last_scored_at,
	revision, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, userID string, category risk.Category) (*risk.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+`
		FROM risk_profiles WHERE user_id = $1 AND category = $2`, userID, string(category))
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, risk.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Create(ctx context.Context, p *risk.Profile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt
	p.Revision = 1
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, profileArgs(p)...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrProfileExists
	}
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, p *risk.Profile, expectedRevision int64, t *risk.StateTransition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE risk_profiles SET
			current_status = $3, current_score = $4, status_since = $5,
			whitelisted = $6, whitelist_notes = $7, whitelist_expires_at = $8,
			config_version = $9, last_scored_at = $10,
			revision = revision + 1, updated_at = $11
		WHERE user_id = $1 AND category = $2 AND revision = $12
	`,
		p.UserID, string(p.Category), string(p.CurrentStatus), p.CurrentScore, p.StatusSince,
		p.Whitelisted, p.WhitelistNotes, nullTime(p.WhitelistExpiresAt),
		p.ConfigVersion, nullTime(&p.LastScoredAt), now, expectedRevision,
	)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM risk_profiles WHERE user_id = $1 AND category = $2)`,
			p.UserID, string(p.Category)).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return risk.ErrProfileNotFound
		}
		return risk.ErrConcurrentModification
	}

	if t != nil {
		if err := audit.InsertTx(ctx, tx, t); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit profile update: %w", err)
	}
	p.Revision = expectedRevision + 1
	p.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ListKeys(ctx context.Context, category risk.Category) ([]risk.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM risk_profiles WHERE category = $1 ORDER BY user_id
	`, string(category))
	if err != nil {
		return nil, fmt.Errorf("failed to list profile keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []risk.Key
	for rows.Next() {
		k := risk.Key{Category: category}
		if err := rows.Scan(&k.UserID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) ListExpiredWhitelists(ctx context.Context, now time.Time, limit int) ([]risk.Key, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, category FROM risk_profiles
		WHERE whitelisted AND current_status = 'whitelisted'
		  AND whitelist_expires_at IS NOT NULL AND whitelist_expires_at <= $1
		ORDER BY whitelist_expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired whitelists: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []risk.Key
	for rows.Next() {
		var k risk.Key
		var category string
		if err := rows.Scan(&k.UserID, &category); err != nil {
			return nil, err
		}
		k.Category = risk.Category(category)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context, category risk.Category) (map[risk.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT current_status, COUNT(*) FROM risk_profiles WHERE category = $1 GROUP BY current_status
	`, string(category))
	if err != nil {
		return nil, fmt.Errorf("failed to count profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[risk.Status]int, len(risk.AllStatuses))
	for _, st := range risk.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[risk.Status(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*risk.Profile, error) {
	var (
		p           risk.Profile
		category    string
		status      string
		expiresAt   sql.NullTime
		lastScoreAt sql.NullTime
	)
	err := row.Scan(&p.UserID, &category, &status, &p.CurrentScore, &p.StatusSince,
		&p.Whitelisted, &p.WhitelistNotes, &expiresAt, &p.ConfigVersion, &lastScoreAt,
		&p.Revision, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Category = risk.Category(category)
	p.CurrentStatus = risk.Status(status)
	if expiresAt.Valid {
		t := expiresAt.Time
		p.WhitelistExpiresAt = &t
	}
	if lastScoreAt.Valid {
		p.LastScoredAt = lastScoreAt.Time
	}
	return &p, nil
}

func profileArgs(p *risk.Profile) []any {
	return []any{
		p.UserID, string(p.Category), string(p.CurrentStatus), p.CurrentScore, p.StatusSince,
		p.Whitelisted, p.WhitelistNotes, nullTime(p.WhitelistExpiresAt), p.ConfigVersion,
		nullTime(&p.LastScoredAt), p.Revision, p.CreatedAt, p.UpdatedAt,
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
