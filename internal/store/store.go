package store

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/planly/notifier/internal/pool"
)

const (
	keyPrefix        = "notifier:"
	defaultOpTimeout = 250 * time.Millisecond
)

// redisConn adapts one redis client to the pool's Conn surface.
type redisConn struct {
	client *redis.Client
}

func (c *redisConn) Ready(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisConn) Close() error {
	return c.client.Close()
}

// NewFactory returns a pool factory dialing the shared store. The factory
// verifies readiness before handing the connection to the pool.
func NewFactory(addr, password string, db int) pool.Factory {
	return func(ctx context.Context) (pool.Conn, error) {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
		return &redisConn{client: client}, nil
	}
}

// Store brokers all cross-instance traffic: the relay channel and the
// presence registry. Commands go through the connection pool; the relay
// subscriber keeps a dedicated client because pub/sub pins a connection.
type Store struct {
	pool       *pool.Pool
	sub        *redis.Client
	instanceID string
	log        *slog.Logger
	opTimeout  time.Duration
}

// New constructs a Store on top of an already-warmed pool.
func New(pl *pool.Pool, addr, password string, db int, logger *slog.Logger) *Store {
	return &Store{
		pool:       pl,
		sub:        redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		instanceID: uuid.NewString(),
		log:        logger,
		opTimeout:  defaultOpTimeout,
	}
}

// InstanceID identifies this process in relay envelopes and presence
// leases.
func (s *Store) InstanceID() string { return s.instanceID }

// Ready reports store connectivity by round-tripping a pooled connection.
func (s *Store) Ready(ctx context.Context) error {
	return s.withConn(ctx, func(ctx context.Context, c *redis.Client) error {
		return c.Ping(ctx).Err()
	})
}

// Close releases the dedicated subscriber client. The pool is drained by
// its owner.
func (s *Store) Close() {
	if s.sub != nil {
		_ = s.sub.Close()
	}
}

// withConn runs one store command on a pooled connection with a short
// per-command timeout.
func (s *Store) withConn(ctx context.Context, fn func(context.Context, *redis.Client) error) error {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(pc)

	rc, ok := pc.Conn().(*redisConn)
	if !ok {
		return errors.New("store: pooled connection is not a redis connection")
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return fn(opCtx, rc.client)
}
