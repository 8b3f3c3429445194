package store

import (
	"encoding/json"
	"io"
	"testing"

	"log/slog"
)

func testStore() *Store {
	return &Store{
		instanceID: "instance-a",
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestDispatchSkipsOwnOrigin(t *testing.T) {
	s := testStore()
	env := Envelope{
		Origin:   "instance-a",
		Group:    GroupUser,
		TargetID: "u1",
		Event:    "notification",
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	called := false
	s.dispatch(data, func(Envelope) { called = true })
	if called {
		t.Fatal("handler invoked for own-origin envelope")
	}
}

func TestDispatchDeliversSiblingEnvelope(t *testing.T) {
	s := testStore()
	env := Envelope{
		Origin:   "instance-b",
		Group:    GroupTeam,
		TargetID: "t9",
		Event:    "notification",
		Payload:  json.RawMessage(`{"id":"n1"}`),
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Envelope
	s.dispatch(data, func(e Envelope) { got = e })
	if got.TargetID != "t9" || got.Group != GroupTeam || got.Event != "notification" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if string(got.Payload) != `{"id":"n1"}` {
		t.Fatalf("payload not preserved: %s", got.Payload)
	}
}

func TestDispatchDropsMalformedMessage(t *testing.T) {
	s := testStore()
	called := false
	s.dispatch([]byte("{not json"), func(Envelope) { called = true })
	if called {
		t.Fatal("handler invoked for malformed message")
	}
}

func TestPresenceKeyShape(t *testing.T) {
	if got := presenceKey("u1"); got != "notifier:presence:u1" {
		t.Fatalf("unexpected presence key: %q", got)
	}
}
