package dedup

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// PostgresFlagStore keeps in-progress flags in a single keyed table so every
// worker process shares the same view.
type PostgresFlagStore struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

// NewPostgresFlagStore returns a FlagStore backed by the given pool.
func NewPostgresFlagStore(pool *pgxpool.Pool, clock clockwork.Clock) *PostgresFlagStore {
	return &PostgresFlagStore{pool: pool, clock: clock}
}

func (s *PostgresFlagStore) SetFlag(ctx context.Context, key, executionID string) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO in_progress_flags (flag_key, execution_id, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (flag_key)
        DO UPDATE SET execution_id = EXCLUDED.execution_id, updated_at = EXCLUDED.updated_at
    `, key, executionID, s.clock.Now())
	return err
}

func (s *PostgresFlagStore) RemoveFlag(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM in_progress_flags WHERE flag_key = $1`, key)
	return err
}

func (s *PostgresFlagStore) GetFlag(ctx context.Context, key string) (*Flag, error) {
	var flag Flag
	err := s.pool.QueryRow(ctx, `
        SELECT execution_id, updated_at FROM in_progress_flags WHERE flag_key = $1
    `, key).Scan(&flag.ExecutionID, &flag.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &flag, nil
}
