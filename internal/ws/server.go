package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/planly/notifier/internal/domain"
	"github.com/planly/notifier/internal/metrics"
	"github.com/planly/notifier/internal/store"
)

var (
	// ErrMissingUserID means a client tried to authenticate without a
	// user id. The session stays open, unauthenticated.
	ErrMissingUserID = errors.New("ws: missing user id")
	// ErrNotAuthenticated means a team operation arrived before
	// authenticate.
	ErrNotAuthenticated = errors.New("ws: session not authenticated")
)

const relayRetryDelay = time.Second

// RelayStore is the slice of the shared store the server depends on.
type RelayStore interface {
	PublishGroup(ctx context.Context, group store.GroupKind, targetID, event string, payload []byte) error
	Subscribe(ctx context.Context, handler func(store.Envelope)) error
	HeartbeatUser(ctx context.Context, userID string, lease time.Duration) error
	ClearUser(ctx context.Context, userID string) error
	IsUserOnline(ctx context.Context, userID string) (bool, error)
}

// ReadStore applies client read acknowledgments. Backed by the
// persistence collaborator; a nil ReadStore turns acknowledgments into
// echo-only events.
type ReadStore interface {
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) error
}

// Options configures a Server.
type Options struct {
	ConnRateLimit   int
	ConnRateWindow  time.Duration
	EventsPerSecond int
	BanDuration     time.Duration
	PresenceLease   time.Duration
	Logger          *slog.Logger
}

// SendOptions modifies a user send.
type SendOptions struct {
	// PersistIfOffline asks for cluster-wide offline detection so the
	// caller can fall back to storage.
	PersistIfOffline bool
}

// DeliveryOutcome reports what a user send reached.
type DeliveryOutcome struct {
	Delivered     bool
	LocalSessions int
}

// Server terminates realtime client connections, tracks group
// membership, and fans events out across the cluster via the store
// relay.
type Server struct {
	registry     *Registry
	relay        RelayStore
	reads        ReadStore
	connLimiter  *ConnLimiter
	eventLimiter *EventLimiter
	lease        time.Duration
	log          *slog.Logger
}

// NewServer constructs a socket server.
func NewServer(relay RelayStore, reads ReadStore, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnRateLimit < 1 {
		opts.ConnRateLimit = 100
	}
	if opts.ConnRateWindow <= 0 {
		opts.ConnRateWindow = time.Minute
	}
	if opts.EventsPerSecond < 1 {
		opts.EventsPerSecond = 50
	}
	if opts.BanDuration <= 0 {
		opts.BanDuration = time.Minute
	}
	if opts.PresenceLease <= 0 {
		opts.PresenceLease = 30 * time.Second
	}
	return &Server{
		registry:     NewRegistry(),
		relay:        relay,
		reads:        reads,
		connLimiter:  NewConnLimiter(opts.ConnRateLimit, opts.ConnRateWindow, opts.BanDuration),
		eventLimiter: NewEventLimiter(opts.EventsPerSecond),
		lease:        opts.PresenceLease,
		log:          opts.Logger,
	}
}

// AllowConnection is consulted at connect time: banned addresses and
// addresses over the connection-attempt threshold are refused.
func (s *Server) AllowConnection(addr string) bool {
	return s.connLimiter.Allow(addr)
}

// Attach registers a freshly connected, unauthenticated session.
func (s *Server) Attach(sess *Session) {
	s.registry.Add(sess)
	metrics.ActiveSessions.Inc()
}

// Detach unwinds every membership of a disconnecting session and, when
// it was the user's last local session, drops the presence lease.
func (s *Server) Detach(ctx context.Context, sess *Session) {
	sess.markDisconnected()
	userID, last := s.registry.Remove(sess)
	metrics.ActiveSessions.Dec()
	if last && userID != "" {
		if err := s.relay.ClearUser(ctx, userID); err != nil {
			s.log.Warn("clearing presence lease failed", "user_id", userID, "error", err)
		}
	}
}

// Authenticate binds the pre-validated identity onto the session and
// joins its groups.
func (s *Server) Authenticate(ctx context.Context, sess *Session, userID, teamID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrMissingUserID
	}
	sess.bind(userID, strings.TrimSpace(teamID))
	s.registry.Bind(sess)
	if err := s.relay.HeartbeatUser(ctx, userID, s.lease); err != nil {
		s.log.Warn("presence heartbeat failed", "user_id", userID, "error", err)
	}
	return nil
}

// JoinTeam moves an authenticated session into a team group, leaving any
// previous team first.
func (s *Server) JoinTeam(sess *Session, teamID string) error {
	if sess.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return errors.New("ws: missing team id")
	}
	if prev := sess.TeamID(); prev != "" && prev != teamID {
		s.registry.LeaveTeam(sess, prev)
	}
	sess.setTeam(teamID)
	s.registry.JoinTeam(sess, teamID)
	return nil
}

// LeaveTeam removes the session from its team group.
func (s *Server) LeaveTeam(sess *Session) {
	if teamID := sess.TeamID(); teamID != "" {
		s.registry.LeaveTeam(sess, teamID)
		sess.setTeam("")
	}
}

// SendToUser emits a notification to the user's group on every instance.
// With PersistIfOffline set, an unreachable user is reported through the
// outcome so the caller can fall back to storage; a store error during
// that check propagates.
func (s *Server) SendToUser(ctx context.Context, userID string, n domain.Notification, opts SendOptions) (DeliveryOutcome, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return DeliveryOutcome{}, err
	}
	frame := marshalFrame(Frame{Type: EventNotification, Payload: payload})

	local := s.registry.EmitToUser(userID, frame)
	out := DeliveryOutcome{Delivered: local > 0, LocalSessions: local}

	if err := s.relay.PublishGroup(ctx, store.GroupUser, userID, EventNotification, payload); err != nil {
		s.log.Warn("relay publish failed", "user_id", userID, "error", err)
		if local == 0 {
			return out, err
		}
	}

	if !out.Delivered && opts.PersistIfOffline {
		online, err := s.relay.IsUserOnline(ctx, userID)
		if err != nil {
			return out, err
		}
		out.Delivered = online
	}
	return out, nil
}

// SendToTeam emits to the team group, best-effort. No outcome: team
// delivery is inherently partial and callers must not assume
// confirmation.
func (s *Server) SendToTeam(ctx context.Context, teamID string, n domain.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		s.log.Warn("marshal team notification failed", "team_id", teamID, "error", err)
		return
	}
	frame := marshalFrame(Frame{Type: EventNotification, Payload: payload})
	s.registry.EmitToTeam(teamID, frame)
	if err := s.relay.PublishGroup(ctx, store.GroupTeam, teamID, EventNotification, payload); err != nil {
		s.log.Warn("relay publish failed", "team_id", teamID, "error", err)
	}
}

// Stats summarizes this instance's registry.
func (s *Server) Stats() domain.SessionStats {
	return s.registry.Stats()
}

// HandleEvent processes one client frame. Rate-limit and protocol
// violations are answered on the same session, never raised to the
// transport loop.
func (s *Server) HandleEvent(ctx context.Context, sess *Session, data []byte) {
	if !s.eventLimiter.Allow(sess.RemoteAddr()) {
		_ = sess.Send(marshalFrame(Frame{Type: EventRateLimited}))
		return
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		_ = sess.Send(marshalFrame(Frame{Type: EventError, Error: "malformed frame"}))
		return
	}
	metrics.EventsReceived.WithLabelValues(frame.Type).Inc()

	switch frame.Type {
	case EventAuthenticate:
		if err := s.Authenticate(ctx, sess, frame.UserID, frame.TeamID); err != nil {
			_ = sess.Send(marshalFrame(Frame{Type: EventError, Error: "user_id is required"}))
			return
		}
		_ = sess.Send(marshalFrame(Frame{Type: EventAuthOK, UserID: sess.UserID(), TeamID: sess.TeamID()}))

	case EventJoinTeam:
		if err := s.JoinTeam(sess, frame.TeamID); err != nil {
			_ = sess.Send(marshalFrame(Frame{Type: EventError, Error: err.Error()}))
		}

	case EventLeaveTeam:
		s.LeaveTeam(sess)

	case EventNotificationRead:
		s.handleRead(ctx, sess, frame.NotificationID)

	case EventMarkAllRead:
		s.handleMarkAllRead(ctx, sess)

	case EventPing:
		_ = sess.Send(marshalFrame(Frame{Type: EventPong}))

	case EventHeartbeat:
		if userID := sess.UserID(); userID != "" {
			if err := s.relay.HeartbeatUser(ctx, userID, s.lease); err != nil {
				s.log.Warn("presence heartbeat failed", "user_id", userID, "error", err)
			}
		}

	default:
		_ = sess.Send(marshalFrame(Frame{Type: EventError, Error: "unknown event type"}))
	}
}

// handleRead applies a single read acknowledgment and echoes it to the
// user's other sessions, local and remote.
func (s *Server) handleRead(ctx context.Context, sess *Session, notificationID string) {
	userID := sess.UserID()
	if userID == "" {
		_ = sess.Send(marshalFrame(Frame{Type: EventError, Error: "authenticate first"}))
		return
	}
	if notificationID == "" {
		_ = sess.Send(marshalFrame(Frame{Type: EventError, Error: "notification_id is required"}))
		return
	}
	if s.reads != nil {
		if err := s.reads.MarkRead(ctx, userID, notificationID); err != nil {
			s.log.Warn("mark read failed", "user_id", userID, "notification_id", notificationID, "error", err)
		}
	}
	echo := marshalFrame(Frame{Type: EventNotificationRead, NotificationID: notificationID})
	s.registry.EmitToUserExcept(userID, sess.ID(), echo)
	if err := s.relay.PublishGroup(ctx, store.GroupUser, userID, EventNotificationRead, echoPayload(notificationID)); err != nil {
		s.log.Warn("relay publish failed", "user_id", userID, "error", err)
	}
}

func (s *Server) handleMarkAllRead(ctx context.Context, sess *Session) {
	userID := sess.UserID()
	if userID == "" {
		_ = sess.Send(marshalFrame(Frame{Type: EventError, Error: "authenticate first"}))
		return
	}
	if s.reads != nil {
		if err := s.reads.MarkAllRead(ctx, userID); err != nil {
			s.log.Warn("mark all read failed", "user_id", userID, "error", err)
		}
	}
	echo := marshalFrame(Frame{Type: EventMarkAllRead})
	s.registry.EmitToUserExcept(userID, sess.ID(), echo)
	if err := s.relay.PublishGroup(ctx, store.GroupUser, userID, EventMarkAllRead, nil); err != nil {
		s.log.Warn("relay publish failed", "user_id", userID, "error", err)
	}
}

func echoPayload(notificationID string) []byte {
	data, _ := json.Marshal(map[string]string{"notification_id": notificationID})
	return data
}

// ServeConn runs the read loop for one websocket connection until the
// client goes away.
func (s *Server) ServeConn(ctx context.Context, conn *websocket.Conn, remoteAddr string) {
	client := NewClient(conn, s.log)
	sess := NewSession(client, remoteAddr)
	s.Attach(sess)

	// Context cancellation closes the transport so the read loop
	// unblocks during shutdown.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	defer func() {
		close(done)
		s.Detach(context.WithoutCancel(ctx), sess)
		client.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.HandleEvent(ctx, sess, data)
	}
}

// RunRelay consumes group emits from sibling instances until the context
// ends, resubscribing after transient store failures.
func (s *Server) RunRelay(ctx context.Context) {
	for {
		err := s.relay.Subscribe(ctx, s.applyEnvelope)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("relay subscription lost, retrying", "error", err)
		select {
		case <-time.After(relayRetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) applyEnvelope(env store.Envelope) {
	var frame []byte
	switch env.Event {
	case EventNotificationRead:
		var echo struct {
			NotificationID string `json:"notification_id"`
		}
		_ = json.Unmarshal(env.Payload, &echo)
		frame = marshalFrame(Frame{Type: EventNotificationRead, NotificationID: echo.NotificationID})
	default:
		frame = marshalFrame(Frame{Type: env.Event, Payload: env.Payload})
	}

	switch env.Group {
	case store.GroupUser:
		s.registry.EmitToUser(env.TargetID, frame)
	case store.GroupTeam:
		s.registry.EmitToTeam(env.TargetID, frame)
	}
}

// RunPresence renews presence leases for every locally connected user.
func (s *Server) RunPresence(ctx context.Context) {
	interval := s.lease / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, userID := range s.registry.Users() {
				if err := s.relay.HeartbeatUser(ctx, userID, s.lease); err != nil {
					s.log.Warn("presence heartbeat failed", "user_id", userID, "error", err)
				}
			}
		}
	}
}

// Close stops the limiter sweep loops.
func (s *Server) Close() {
	s.connLimiter.Close()
	s.eventLimiter.Close()
}
