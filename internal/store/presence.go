package store

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Presence is a per-user sorted set of instance leases: member is the
// instance id, score the lease expiry. A user is online when any lease
// has not expired. This is the only sanctioned cross-process signal for
// "is this user connected anywhere".

func presenceKey(userID string) string {
	return keyPrefix + "presence:" + userID
}

// HeartbeatUser renews this instance's lease for a user. Called on
// authenticate and on a periodic heartbeat while the user holds at least
// one local session.
func (s *Store) HeartbeatUser(ctx context.Context, userID string, lease time.Duration) error {
	now := time.Now()
	return s.withConn(ctx, func(ctx context.Context, c *redis.Client) error {
		key := presenceKey(userID)
		pipe := c.TxPipeline()
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(now.Add(lease).Unix()),
			Member: s.instanceID,
		})
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Unix(), 10))
		pipe.Expire(ctx, key, lease*2)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ClearUser drops this instance's lease after the user's last local
// session disconnects. Leases on other instances are untouched.
func (s *Store) ClearUser(ctx context.Context, userID string) error {
	return s.withConn(ctx, func(ctx context.Context, c *redis.Client) error {
		return c.ZRem(ctx, presenceKey(userID), s.instanceID).Err()
	})
}

// IsUserOnline reports whether any instance in the cluster holds a live
// lease for the user.
func (s *Store) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	var online bool
	err := s.withConn(ctx, func(ctx context.Context, c *redis.Client) error {
		count, err := c.ZCount(ctx, presenceKey(userID),
			strconv.FormatInt(time.Now().Unix(), 10), "+inf").Result()
		if err != nil {
			return err
		}
		online = count > 0
		return nil
	})
	return online, err
}
