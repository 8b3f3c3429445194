package ws

import (
	"errors"
	"testing"
)

var errTransportDown = errors.New("transport down")

func newBoundSession(r *Registry, userID, teamID string) (*Session, *fakeTransport) {
	transport := &fakeTransport{}
	sess := NewSession(transport, "10.0.0.1")
	r.Add(sess)
	sess.bind(userID, teamID)
	r.Bind(sess)
	return sess, transport
}

func TestRegistryBindJoinsUserAndTeam(t *testing.T) {
	r := NewRegistry()
	_, transport := newBoundSession(r, "u1", "t1")

	if got := r.EmitToUser("u1", []byte("hello")); got != 1 {
		t.Fatalf("expected 1 user delivery, got %d", got)
	}
	if got := r.EmitToTeam("t1", []byte("hello")); got != 1 {
		t.Fatalf("expected 1 team delivery, got %d", got)
	}
	if len(transport.frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(transport.frames))
	}
}

func TestRegistryRemoveUnwindsAllMemberships(t *testing.T) {
	r := NewRegistry()
	sess, _ := newBoundSession(r, "u1", "t1")

	userID, last := r.Remove(sess)
	if userID != "u1" || !last {
		t.Fatalf("expected last session for u1, got user=%q last=%v", userID, last)
	}
	if got := r.EmitToUser("u1", []byte("x")); got != 0 {
		t.Fatalf("removed session still in user group: %d", got)
	}
	if got := r.EmitToTeam("t1", []byte("x")); got != 0 {
		t.Fatalf("removed session still in team group: %d", got)
	}

	stats := r.Stats()
	if stats.TotalSessions != 0 || stats.AuthenticatedUsers != 0 || stats.TeamsJoined != 0 {
		t.Fatalf("registry not empty after remove: %+v", stats)
	}
}

func TestRegistryRemoveKeepsOtherSessionsOfUser(t *testing.T) {
	r := NewRegistry()
	sessA, _ := newBoundSession(r, "u1", "")
	_, transportB := newBoundSession(r, "u1", "")

	_, last := r.Remove(sessA)
	if last {
		t.Fatal("u1 still has a session, remove must not report last")
	}
	if got := r.EmitToUser("u1", []byte("x")); got != 1 {
		t.Fatalf("surviving session unreachable: %d", got)
	}
	if len(transportB.frames) != 1 {
		t.Fatalf("expected frame on surviving session, got %d", len(transportB.frames))
	}
}

func TestRegistryEmitSkipsExceptedSession(t *testing.T) {
	r := NewRegistry()
	sessA, transportA := newBoundSession(r, "u1", "")
	_, transportB := newBoundSession(r, "u1", "")

	if got := r.EmitToUserExcept("u1", sessA.ID(), []byte("echo")); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if len(transportA.frames) != 0 {
		t.Fatal("excepted session received the frame")
	}
	if len(transportB.frames) != 1 {
		t.Fatal("sibling session missed the frame")
	}
}

func TestRegistryEmitClosesFailedTransports(t *testing.T) {
	r := NewRegistry()
	_, transport := newBoundSession(r, "u1", "")
	transport.sendErr = errTransportDown

	if got := r.EmitToUser("u1", []byte("x")); got != 0 {
		t.Fatalf("failed send counted as delivery: %d", got)
	}
	if !transport.isClosed() {
		t.Fatal("failed transport should be closed")
	}
}

func TestRegistryStatsCountsPerUser(t *testing.T) {
	r := NewRegistry()
	newBoundSession(r, "u1", "t1")
	newBoundSession(r, "u1", "")
	newBoundSession(r, "u2", "t1")

	stats := r.Stats()
	if stats.TotalSessions != 3 {
		t.Fatalf("expected 3 sessions, got %d", stats.TotalSessions)
	}
	if stats.AuthenticatedUsers != 2 {
		t.Fatalf("expected 2 users, got %d", stats.AuthenticatedUsers)
	}
	if stats.SessionsPerUser["u1"] != 2 || stats.SessionsPerUser["u2"] != 1 {
		t.Fatalf("unexpected per-user counts: %v", stats.SessionsPerUser)
	}
	if stats.TeamsJoined != 1 {
		t.Fatalf("expected 1 team group, got %d", stats.TeamsJoined)
	}
}
