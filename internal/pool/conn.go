package pool

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Conn is the surface the pool requires from a backing connection. The
// pool treats the store as a generic connection-oriented service: it only
// ever asks "are you still ready" and "close".
type Conn interface {
	Ready(ctx context.Context) error
	Close() error
}

// Factory creates a new backing connection. The context carries the
// bring-up timeout, which is separate from the acquire timeout.
type Factory func(ctx context.Context) (Conn, error)

// PooledConn wraps one live backing connection with pool bookkeeping.
// A PooledConn is in exactly one of the pool's two sets at any moment:
// available (idle) or active (handed out).
type PooledConn struct {
	id           string
	conn         Conn
	createdAt    time.Time
	lastUsedAt   time.Time
	acquireCount uint64
}

func newPooledConn(conn Conn) *PooledConn {
	now := time.Now()
	return &PooledConn{
		id:         uuid.NewString(),
		conn:       conn,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// ID returns the process-unique identifier of this connection.
func (pc *PooledConn) ID() string { return pc.id }

// Conn exposes the underlying backing connection.
func (pc *PooledConn) Conn() Conn { return pc.conn }

// CreatedAt reports when the connection was established.
func (pc *PooledConn) CreatedAt() time.Time { return pc.createdAt }

// LastUsedAt reports the last acquire or release touch.
func (pc *PooledConn) LastUsedAt() time.Time { return pc.lastUsedAt }

// AcquireCount reports how many times this connection has been handed out.
func (pc *PooledConn) AcquireCount() uint64 { return pc.acquireCount }
