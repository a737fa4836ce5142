// Package notify wakes a waiting worker loop when new feed data has
// landed, instead of making every loop poll on a fixed tick. Notifier
// has two implementations: Postgres, built on pgx's raw-connection
// LISTEN/NOTIFY the way internal/feedstore and internal/predictionstore
// use pgx for everything else, and Memory, an in-process analogue
// grounded on the teacher's internal/eventbus.Bus drop-if-full delivery
// discipline — for single-process deployments that don't need a second
// postgres connection just to coordinate with themselves.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

// Notifier is the capability cmd/predict_worker and cmd/score_worker
// depend on: announce that new data arrived, and wait (with a timeout)
// for someone else to announce it.
type Notifier interface {
	// Notify announces that new data is available. Implementations must
	// not block the caller on slow or absent listeners.
	Notify(ctx context.Context) error
	// Wait blocks until either a notification arrives or timeout elapses,
	// returning true iff a notification was observed. A zero or negative
	// timeout waits indefinitely for ctx to decide the outcome.
	Wait(ctx context.Context, timeout time.Duration) bool
}

// Postgres is a Notifier backed by a dedicated LISTEN/NOTIFY connection,
// exactly the coordination primitive the original Python coordinator
// used via its database driver's pub/sub support. It needs its own
// *pgx.Conn rather than a pooled connection because a pooled connection
// can be handed to a different caller between the LISTEN and the wait.
type Postgres struct {
	conn    *pgx.Conn
	channel string
}

// NewPostgres opens a raw connection to dbURL and issues LISTEN
// channel. The caller owns the returned Postgres and must call Close
// when done.
func NewPostgres(ctx context.Context, dbURL, channel string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("notify: connect: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("notify: listen %s: %w", channel, err)
	}
	return &Postgres{conn: conn, channel: channel}, nil
}

// Close releases the underlying connection.
func (p *Postgres) Close(ctx context.Context) error {
	return p.conn.Close(ctx)
}

// Notify issues NOTIFY channel on the same connection that holds the
// LISTEN, returning any error to the caller.
func (p *Postgres) Notify(ctx context.Context) error {
	if _, err := p.conn.Exec(ctx, fmt.Sprintf("NOTIFY %s", p.channel)); err != nil {
		return fmt.Errorf("notify: notify %s: %w", p.channel, err)
	}
	return nil
}

// Wait blocks on the connection's notification queue until one arrives,
// timeout elapses, or ctx is cancelled.
func (p *Postgres) Wait(ctx context.Context, timeout time.Duration) bool {
	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	_, err := p.conn.WaitForNotification(waitCtx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[notify] wait for %s: %v", p.channel, err)
		}
		return false
	}
	return true
}

// Memory is an in-process Notifier for single-binary deployments
// (cmd/coordinator running every loop in one process): a single
// coalescing signal channel, the same drop-if-full discipline as
// internal/eventbus.Bus.Publish, so a burst of Notify calls between two
// Wait calls collapses to one wakeup instead of queuing.
type Memory struct {
	signal chan struct{}
}

// NewMemory returns a ready-to-use Memory notifier.
func NewMemory() *Memory {
	return &Memory{signal: make(chan struct{}, 1)}
}

// Notify sends a non-blocking wakeup signal; a pending, un-consumed
// signal means this is a no-op, the same "drop if the subscriber
// hasn't caught up yet" rule eventbus.Bus applies per-channel.
func (m *Memory) Notify(ctx context.Context) error {
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

// Wait blocks until a signal arrives, timeout elapses, or ctx is
// cancelled.
func (m *Memory) Wait(ctx context.Context, timeout time.Duration) bool {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-m.signal:
		return true
	case <-timeoutCh:
		return false
	case <-ctx.Done():
		return false
	}
}
