package store

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

const relayChannel = keyPrefix + "relay"

// GroupKind distinguishes the two broadcast group namespaces.
type GroupKind string

const (
	GroupUser GroupKind = "user"
	GroupTeam GroupKind = "team"
)

// Envelope is one "emit to group X" message replicated to every instance
// through the shared store.
type Envelope struct {
	Origin   string          `json:"origin"`
	Group    GroupKind       `json:"group"`
	TargetID string          `json:"target_id"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
}

// PublishGroup replicates a group emit to sibling instances. The origin
// is stamped so subscribers can skip their own messages (the local emit
// already happened through the registry).
func (s *Store) PublishGroup(ctx context.Context, group GroupKind, targetID, event string, payload []byte) error {
	env := Envelope{
		Origin:   s.instanceID,
		Group:    group,
		TargetID: targetID,
		Event:    event,
		Payload:  payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("store: marshal relay envelope: %w", err)
	}
	return s.withConn(ctx, func(ctx context.Context, c *redis.Client) error {
		return c.Publish(ctx, relayChannel, data).Err()
	})
}

// Subscribe consumes the relay channel until the context ends, invoking
// handler for every envelope published by a sibling instance. Malformed
// payloads are logged and skipped, never fatal.
func (s *Store) Subscribe(ctx context.Context, handler func(Envelope)) error {
	sub := s.sub.Subscribe(ctx, relayChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.dispatch([]byte(msg.Payload), handler)
		}
	}
}

func (s *Store) dispatch(data []byte, handler func(Envelope)) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("dropping malformed relay message", "error", err)
		return
	}
	if env.Origin == s.instanceID {
		return
	}
	handler(env)
}
