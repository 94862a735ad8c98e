package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowdesk/apperr"
	"escrowdesk/db"
)

var ErrNotFound = apperr.New(apperr.KindNotFound, "settings: key not found")

// Repository handles system_settings persistence.
type Repository interface {
	Get(ctx context.Context, key string) (Setting, error)
	All(ctx context.Context) ([]Setting, error)
	Upsert(ctx context.Context, q db.Querier, s Setting) error
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	q db.Querier
}

func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{q: q}
}

func (r *PGRepository) Get(ctx context.Context, key string) (Setting, error) {
	var s Setting
	err := r.q.QueryRow(ctx, `SELECT key, value, updated_by, updated_at FROM system_settings WHERE key = $1`, key).
		Scan(&s.Key, &s.Value, &s.UpdatedBy, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Setting{}, ErrNotFound
		}
		return Setting{}, fmt.Errorf("settings: get %s: %w", key, err)
	}
	return s, nil
}

func (r *PGRepository) All(ctx context.Context) ([]Setting, error) {
	rows, err := r.q.Query(ctx, `SELECT key, value, updated_by, updated_at FROM system_settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("settings: all: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Setting, error) {
		var s Setting
		err := row.Scan(&s.Key, &s.Value, &s.UpdatedBy, &s.UpdatedAt)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("settings: scan: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Upsert(ctx context.Context, q db.Querier, s Setting) error {
	const upsertSQL = `
		INSERT INTO system_settings (key, value, updated_by, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`

	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	if _, err := q.Exec(ctx, upsertSQL, s.Key, s.Value, s.UpdatedBy, s.UpdatedAt); err != nil {
		return fmt.Errorf("settings: upsert %s: %w", s.Key, err)
	}
	return nil
}
