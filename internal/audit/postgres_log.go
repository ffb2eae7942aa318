package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/riskengine/internal/idgen"
	"github.com/mbd888/riskengine/internal/risk"
)

// PostgresLog persists transitions in the state_transitions table, which a
// trigger keeps append-only.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates a PostgreSQL-backed audit log.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *PostgresLog) Append(ctx context.Context, t *risk.StateTransition) error {
	return insert(ctx, l.db, t)
}

// InsertTx appends t inside an existing transaction so it commits or rolls
// back together with the profile write.
func InsertTx(ctx context.Context, tx *sql.Tx, t *risk.StateTransition) error {
	return insert(ctx, tx, t)
}

func insert(ctx context.Context, q queryRower, t *risk.StateTransition) error {
	if t.ID == "" {
		t.ID = idgen.WithPrefix("tr_")
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	err := q.QueryRowContext(ctx, `
		INSERT INTO state_transitions
			(id, user_id, category, previous_status, new_status, event,
			 triggering_score, changed_by, comment, config_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING sequence
	`,
		t.ID, t.UserID, string(t.Category),
		string(t.PreviousStatus), string(t.NewStatus), t.Event,
		nullFloat(t.TriggeringScore), t.ChangedBy, t.Comment, t.ConfigVersion, t.Timestamp,
	).Scan(&t.Sequence)
	if err != nil {
		return fmt.Errorf("failed to append state transition: %w", err)
	}
	return nil
}

func (l *PostgresLog) List(ctx context.Context, q Query) ([]*risk.StateTransition, int, error) {
	where := "WHERE user_id = $1"
	args := []any{q.UserID}
	if q.Category != "" {
		where += " AND category = $2"
		args = append(args, string(q.Category))
	}

	var total int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM state_transitions "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count state transitions: %w", err)
	}

	page := q.Page.Normalize()
	n := len(args)
	query := fmt.Sprintf(`
		SELECT sequence, id, user_id, category, previous_status, new_status, event,
		       triggering_score, changed_by, comment, config_version, created_at
		FROM state_transitions
		%s
		ORDER BY created_at DESC, sequence DESC
		LIMIT $%d OFFSET $%d`, where, n+1, n+2)
	args = append(args, page.PageSize, page.Offset())

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list state transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*risk.StateTransition
	for rows.Next() {
		var (
			t                    risk.StateTransition
			category, prev, next string
			score                sql.NullFloat64
		)
		if err := rows.Scan(&t.Sequence, &t.ID, &t.UserID, &category, &prev, &next, &t.Event,
			&score, &t.ChangedBy, &t.Comment, &t.ConfigVersion, &t.Timestamp); err != nil {
			return nil, 0, err
		}
		t.Category = risk.Category(category)
		t.PreviousStatus = risk.Status(prev)
		t.NewStatus = risk.Status(next)
		if score.Valid {
			v := score.Float64
			t.TriggeringScore = &v
		}
		out = append(out, &t)
	}
	return out, total, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
