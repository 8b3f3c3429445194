package ws

import (
	"sync"

	"github.com/planly/notifier/internal/domain"
)

// Registry maps logical identities to the sessions of this instance.
// Sessions are process-local; cross-instance visibility goes through the
// store's relay and presence, never by reading another registry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	users    map[string]map[string]*Session
	teams    map[string]map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		users:    make(map[string]map[string]*Session),
		teams:    make(map[string]map[string]*Session),
	}
}

// Add tracks a freshly connected, unauthenticated session.
func (r *Registry) Add(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.id] = sess
}

// Bind joins an authenticated session to its user group and, when a team
// is bound, the team group.
func (r *Registry) Bind(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID := sess.UserID()
	if userID == "" {
		return
	}
	if _, ok := r.users[userID]; !ok {
		r.users[userID] = make(map[string]*Session)
	}
	r.users[userID][sess.id] = sess

	if teamID := sess.TeamID(); teamID != "" {
		r.joinTeamLocked(sess, teamID)
	}
}

// JoinTeam adds the session to a team group.
func (r *Registry) JoinTeam(sess *Session, teamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinTeamLocked(sess, teamID)
}

func (r *Registry) joinTeamLocked(sess *Session, teamID string) {
	if _, ok := r.teams[teamID]; !ok {
		r.teams[teamID] = make(map[string]*Session)
	}
	r.teams[teamID][sess.id] = sess
}

// LeaveTeam removes the session from a team group.
func (r *Registry) LeaveTeam(sess *Session, teamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveTeamLocked(sess, teamID)
}

func (r *Registry) leaveTeamLocked(sess *Session, teamID string) {
	if members, ok := r.teams[teamID]; ok {
		delete(members, sess.id)
		if len(members) == 0 {
			delete(r.teams, teamID)
		}
	}
}

// Remove unwinds every membership of a disconnected session under one
// write lock, so no concurrent emit can observe a half-removed session.
// It reports the user the session belonged to and whether it was that
// user's last session on this instance.
func (r *Registry) Remove(sess *Session) (userID string, lastForUser bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sess.id)
	userID = sess.UserID()
	if userID != "" {
		if members, ok := r.users[userID]; ok {
			delete(members, sess.id)
			if len(members) == 0 {
				delete(r.users, userID)
				lastForUser = true
			}
		}
	}
	if teamID := sess.TeamID(); teamID != "" {
		r.leaveTeamLocked(sess, teamID)
	}
	return userID, lastForUser
}

// EmitToUser sends a frame to every session of a user and reports how
// many sends succeeded. Failed transports are closed; their read loops
// unwind membership.
func (r *Registry) EmitToUser(userID string, payload []byte) int {
	return r.emit(r.snapshotUser(userID, ""), payload)
}

// EmitToUserExcept behaves like EmitToUser but skips one session, used
// to echo acknowledgments to the user's other sessions.
func (r *Registry) EmitToUserExcept(userID, exceptSessionID string, payload []byte) int {
	return r.emit(r.snapshotUser(userID, exceptSessionID), payload)
}

// EmitToTeam sends a frame to every session in a team group.
func (r *Registry) EmitToTeam(teamID string, payload []byte) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.teams[teamID]))
	for _, sess := range r.teams[teamID] {
		targets = append(targets, sess)
	}
	r.mu.RUnlock()
	return r.emit(targets, payload)
}

func (r *Registry) snapshotUser(userID, exceptSessionID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]*Session, 0, len(r.users[userID]))
	for id, sess := range r.users[userID] {
		if id == exceptSessionID {
			continue
		}
		targets = append(targets, sess)
	}
	return targets
}

func (r *Registry) emit(targets []*Session, payload []byte) int {
	sent := 0
	for _, sess := range targets {
		if err := sess.Send(payload); err != nil {
			sess.Close()
			continue
		}
		sent++
	}
	return sent
}

// Users lists the users with at least one session on this instance.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.users))
	for userID := range r.users {
		users = append(users, userID)
	}
	return users
}

// Stats summarizes the local registry. Local on purpose: see SessionStats.
func (r *Registry) Stats() domain.SessionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	perUser := make(map[string]int, len(r.users))
	for userID, members := range r.users {
		perUser[userID] = len(members)
	}
	return domain.SessionStats{
		TotalSessions:      len(r.sessions),
		AuthenticatedUsers: len(r.users),
		TeamsJoined:        len(r.teams),
		SessionsPerUser:    perUser,
	}
}
