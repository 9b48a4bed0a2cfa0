package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Delivery is one received message. The same message may be delivered more
// than once; ReceiveCount tells the handler how many times.
type Delivery struct {
	ID           uuid.UUID
	Message      *BackfillMessage
	ReceiveCount int
}

// MessageChannel is the transport for backfill messages.
//
// Semantics are at-least-once: a received message stays invisible for the
// channel's visibility timeout and reappears unless Done is called.
// ChangeVisibility defers a delivery without consuming a retry attempt.
type MessageChannel interface {
	Send(ctx context.Context, msg *BackfillMessage, delay time.Duration) error
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	// Done acknowledges d; it will not be delivered again.
	Done(ctx context.Context, d *Delivery) error
	// Release makes d visible again after delay.
	Release(ctx context.Context, d *Delivery, delay time.Duration) error
	// ChangeVisibility extends d's invisibility window to timeout from now.
	ChangeVisibility(ctx context.Context, d *Delivery, timeout time.Duration) error
}
