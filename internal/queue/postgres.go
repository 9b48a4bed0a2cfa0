package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the durable MessageChannel. Delivery claims race-safely via
// SKIP LOCKED; invisibility is a future visible_at, so a crashed worker's
// message reappears on its own once the visibility timeout lapses.
type Postgres struct {
	pool              *pgxpool.Pool
	visibilityTimeout time.Duration
	pollInterval      time.Duration
}

func NewPostgres(pool *pgxpool.Pool, visibilityTimeout time.Duration) *Postgres {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	return &Postgres{
		pool:              pool,
		visibilityTimeout: visibilityTimeout,
		pollInterval:      time.Second,
	}
}

func (q *Postgres) Send(ctx context.Context, msg *BackfillMessage, delay time.Duration) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}
	_, err = q.pool.Exec(ctx, `
        INSERT INTO backfill_queue (id, payload, visible_at)
        VALUES ($1, $2, now() + $3)
    `, uuid.New(), payload, delay)
	return err
}

func (q *Postgres) Receive(ctx context.Context) (*Delivery, error) {
	for {
		d, err := q.tryReceive(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *Postgres) tryReceive(ctx context.Context) (*Delivery, error) {
	var (
		id           uuid.UUID
		payload      []byte
		receiveCount int
	)
	err := q.pool.QueryRow(ctx, `
        UPDATE backfill_queue
        SET visible_at = now() + $1, receive_count = receive_count + 1
        WHERE id = (
            SELECT id FROM backfill_queue
            WHERE visible_at <= now()
            ORDER BY visible_at
            FOR UPDATE SKIP LOCKED
            LIMIT 1
        )
        RETURNING id, payload, receive_count
    `, q.visibilityTimeout).Scan(&id, &payload, &receiveCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msg BackfillMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		// A poison message would otherwise redeliver forever.
		_, _ = q.pool.Exec(ctx, `DELETE FROM backfill_queue WHERE id = $1`, id)
		return nil, fmt.Errorf("queue: unmarshal message %s: %w", id, err)
	}
	return &Delivery{ID: id, Message: &msg, ReceiveCount: receiveCount}, nil
}

func (q *Postgres) Done(ctx context.Context, d *Delivery) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM backfill_queue WHERE id = $1`, d.ID)
	return err
}

func (q *Postgres) Release(ctx context.Context, d *Delivery, delay time.Duration) error {
	_, err := q.pool.Exec(ctx, `
        UPDATE backfill_queue SET visible_at = now() + $2 WHERE id = $1
    `, d.ID, delay)
	return err
}

func (q *Postgres) ChangeVisibility(ctx context.Context, d *Delivery, timeout time.Duration) error {
	_, err := q.pool.Exec(ctx, `
        UPDATE backfill_queue SET visible_at = now() + $2 WHERE id = $1
    `, d.ID, timeout)
	return err
}
