package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/planly/notifier/internal/domain"
	"github.com/planly/notifier/internal/service/delivery"
	"github.com/planly/notifier/internal/store"
	"github.com/planly/notifier/internal/ws"
)

type stubRelay struct{}

func (stubRelay) PublishGroup(context.Context, store.GroupKind, string, string, []byte) error {
	return nil
}

func (stubRelay) Subscribe(context.Context, func(store.Envelope)) error { return nil }

func (stubRelay) HeartbeatUser(context.Context, string, time.Duration) error { return nil }

func (stubRelay) ClearUser(context.Context, string) error { return nil }

func (stubRelay) IsUserOnline(context.Context, string) (bool, error) { return false, nil }

type stubSender struct {
	delivered bool
	teamCalls int
}

func (s *stubSender) SendToUser(context.Context, string, domain.Notification, ws.SendOptions) (ws.DeliveryOutcome, error) {
	return ws.DeliveryOutcome{Delivered: s.delivered, LocalSessions: 1}, nil
}

func (s *stubSender) SendToTeam(context.Context, string, domain.Notification) {
	s.teamCalls++
}

type stubRepo struct {
	unread  []domain.Notification
	inserts int
	listErr error
}

func (s *stubRepo) InsertNotification(context.Context, domain.Notification) error {
	s.inserts++
	return nil
}

func (s *stubRepo) ListUnread(context.Context, string, int) ([]domain.Notification, error) {
	return s.unread, s.listErr
}

func (s *stubRepo) MarkRead(context.Context, string, string) error { return nil }

func (s *stubRepo) MarkAllRead(context.Context, string) error { return nil }

type denyLimiter struct{}

func (denyLimiter) Allow(string, int, time.Duration) rateDecision {
	return rateDecision{allowed: false, count: 999, windowEnd: time.Now().Add(time.Minute)}
}

func (denyLimiter) Close() {}

type routerFixture struct {
	router  *Router
	sockets *ws.Server
	sender  *stubSender
	repo    *stubRepo
	streams *ws.SSEHub
}

func newTestRouter(t *testing.T, limiter RateLimiter, storeReady func(context.Context) error) *routerFixture {
	t.Helper()
	return newTestRouterLifetime(t, limiter, storeReady, nil)
}

func newTestRouterLifetime(t *testing.T, limiter RateLimiter, storeReady func(context.Context) error, lifetime context.Context) *routerFixture {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	sockets := ws.NewServer(stubRelay{}, nil, ws.Options{Logger: quiet})
	t.Cleanup(sockets.Close)
	streams := ws.NewSSEHub()
	sender := &stubSender{delivered: true}
	repo := &stubRepo{}
	deliverer := delivery.NewRouter(sender, streams, repo, quiet)
	router := NewRouter(quiet, sockets, streams, deliverer, repo, limiter, Config{
		AdminToken:   "secret",
		Workers:      4,
		SSEHeartbeat: 10 * time.Millisecond,
		StoreReady:   storeReady,
		Lifetime:     lifetime,
	})
	t.Cleanup(router.Close)
	return &routerFixture{router: router, sockets: sockets, sender: sender, repo: repo, streams: streams}
}

func postNotify(t *testing.T, router *Router, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/notify", bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestNotifyRequiresAdminToken(t *testing.T) {
	f := newTestRouter(t, nil, nil)

	recorder := postNotify(t, f.router, "", map[string]any{"type": "user", "userId": "u-1"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusUnauthorized)
	}

	recorder = postNotify(t, f.router, "wrong", map[string]any{"type": "user", "userId": "u-1"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong token = %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
}

func TestNotifyDeliversToUser(t *testing.T) {
	f := newTestRouter(t, nil, nil)

	recorder := postNotify(t, f.router, "secret", map[string]any{
		"type":   "user",
		"userId": "u-1",
		"notification": map[string]any{
			"type":    "mention",
			"title":   "hello",
			"message": "you were mentioned",
		},
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", recorder.Code, recorder.Body.String())
	}
	var resp struct {
		Success bool                    `json:"success"`
		Reports []domain.DeliveryReport `json:"reports"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected success")
	}
	if len(resp.Reports) != 1 || resp.Reports[0].Tier != domain.TierRealtimeUser {
		t.Fatalf("unexpected reports: %+v", resp.Reports)
	}
}

func TestNotifyTeamFansOut(t *testing.T) {
	f := newTestRouter(t, nil, nil)

	recorder := postNotify(t, f.router, "secret", map[string]any{"type": "team", "teamId": "team-1"})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", recorder.Code, recorder.Body.String())
	}
	if f.sender.teamCalls != 1 {
		t.Fatalf("team sends = %d, want 1", f.sender.teamCalls)
	}
}

func TestNotifyValidatesPayload(t *testing.T) {
	f := newTestRouter(t, nil, nil)

	recorder := postNotify(t, f.router, "secret", map[string]any{"type": "broadcast"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unknown type status = %d, want %d", recorder.Code, http.StatusBadRequest)
	}

	recorder = postNotify(t, f.router, "secret", map[string]any{"type": "user"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("missing userId status = %d, want %d", recorder.Code, http.StatusBadRequest)
	}

	req := httptest.NewRequest(http.MethodPost, "/notify", bytes.NewReader([]byte("{not json")))
	req.Header.Set("X-Admin-Token", "secret")
	recorder2 := httptest.NewRecorder()
	f.router.ServeHTTP(recorder2, req)
	if recorder2.Code != http.StatusBadRequest {
		t.Fatalf("bad JSON status = %d, want %d", recorder2.Code, http.StatusBadRequest)
	}

	req = httptest.NewRequest(http.MethodGet, "/notify", nil)
	recorder3 := httptest.NewRecorder()
	f.router.ServeHTTP(recorder3, req)
	if recorder3.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want %d", recorder3.Code, http.StatusMethodNotAllowed)
	}
}

func TestHealthzReflectsStoreState(t *testing.T) {
	f := newTestRouter(t, nil, func(context.Context) error { return nil })
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("healthy status = %d, want %d", recorder.Code, http.StatusOK)
	}

	down := newTestRouter(t, nil, func(context.Context) error { return errors.New("redis unreachable") })
	recorder = httptest.NewRecorder()
	down.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d, want %d", recorder.Code, http.StatusServiceUnavailable)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if payload["status"] != "degraded" {
		t.Fatalf("status field = %v, want degraded", payload["status"])
	}
}

func TestNotificationsEndpoint(t *testing.T) {
	f := newTestRouter(t, nil, nil)
	f.repo.unread = []domain.Notification{{ID: "n-1", UserID: "u-1", Type: "mention"}}

	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/notifications", nil))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("missing user_id status = %d, want %d", recorder.Code, http.StatusBadRequest)
	}

	recorder = httptest.NewRecorder()
	f.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/notifications?user_id=u-1", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusOK)
	}
	var got []domain.Notification
	if err := json.Unmarshal(recorder.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode notifications: %v", err)
	}
	if len(got) != 1 || got[0].ID != "n-1" {
		t.Fatalf("unexpected notifications: %+v", got)
	}
}

func TestEventsStreamLifecycle(t *testing.T) {
	f := newTestRouter(t, nil, nil)

	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/events", nil))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("missing user_id status = %d, want %d", recorder.Code, http.StatusBadRequest)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?user_id=u-1", nil).WithContext(ctx)
	recorder = httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	if ct := recorder.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	if f.streams.Count() != 0 {
		t.Fatalf("stream count after close = %d, want 0", f.streams.Count())
	}
}

func TestRateLimitDeniesWithHeaders(t *testing.T) {
	f := newTestRouter(t, denyLimiter{}, nil)

	recorder := postNotify(t, f.router, "secret", map[string]any{"type": "user", "userId": "u-1"})
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusTooManyRequests)
	}
	if recorder.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatal("expected rate limit headers")
	}
}

func TestShutdownClosesSocketSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newTestRouterLifetime(t, nil, nil, ctx)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	waitFor(t, "session attach", func() bool {
		return f.sockets.Stats().TotalSessions == 1
	})

	cancel()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to close the connection on shutdown")
	}
	waitFor(t, "session detach", func() bool {
		return f.sockets.Stats().TotalSessions == 0
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryRateLimiterWindows(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if d := rl.Allow("ip:1.2.3.4", 3, 50*time.Millisecond); !d.allowed {
			t.Fatalf("request %d unexpectedly denied", i+1)
		}
	}
	if d := rl.Allow("ip:1.2.3.4", 3, 50*time.Millisecond); d.allowed {
		t.Fatal("fourth request should be denied")
	}
	if d := rl.Allow("ip:5.6.7.8", 3, 50*time.Millisecond); !d.allowed {
		t.Fatal("other keys must not share the window")
	}

	time.Sleep(60 * time.Millisecond)
	if d := rl.Allow("ip:1.2.3.4", 3, 50*time.Millisecond); !d.allowed {
		t.Fatal("window expiry should reset the counter")
	}
}
