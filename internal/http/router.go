package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/planly/notifier/internal/domain"
	"github.com/planly/notifier/internal/pool"
	"github.com/planly/notifier/internal/repository"
	"github.com/planly/notifier/internal/service/delivery"
	"github.com/planly/notifier/internal/ws"
)

// Router wires HTTP endpoints to the socket server, stream hub and
// delivery router.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	sockets    *ws.Server
	streams    *ws.SSEHub
	deliverer  *delivery.Router
	repo       repository.NotificationRepository
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	adminToken string
	workers    int
	heartbeat  time.Duration
	storeReady func(context.Context) error
	poolStats  func() pool.Metrics
	lifetime   context.Context
	started    time.Time

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// Config carries the router knobs that come from the environment.
type Config struct {
	AdminToken   string
	Workers      int
	SSEHeartbeat time.Duration
	StoreReady   func(context.Context) error
	PoolStats    func() pool.Metrics
	// Lifetime bounds accepted socket sessions; cancelling it closes
	// them so graceful shutdown can detach and clear presence.
	Lifetime context.Context
}

const (
	rateWindowDefault  = time.Minute
	rateLimitNotify    = 120
	rateLimitRead      = 240
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, sockets *ws.Server, streams *ws.SSEHub, deliverer *delivery.Router, repo repository.NotificationRepository, limiter RateLimiter, cfg Config) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		sockets:   sockets,
		streams:   streams,
		deliverer: deliverer,
		repo:      repo,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    limiter,
		adminToken: strings.TrimSpace(cfg.AdminToken),
		workers:    cfg.Workers,
		heartbeat:  cfg.SSEHeartbeat,
		storeReady: cfg.StoreReady,
		poolStats:  cfg.PoolStats,
		lifetime:   cfg.Lifetime,
		started:    time.Now().UTC(),
	}
	if r.lifetime == nil {
		r.lifetime = context.Background()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.heartbeat <= 0 {
		r.heartbeat = 25 * time.Second
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/statusz", r.audit(r.handleStatusz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/notify", r.audit(r.withRateLimit("/notify", rateLimitNotify, rateWindowDefault, r.handleNotify)))
	r.mux.HandleFunc("/notifications", r.audit(r.withRateLimit("/notifications", rateLimitRead, rateWindowDefault, r.handleNotifications)))
	r.mux.HandleFunc("/ws", r.audit(r.handleSocket))
	r.mux.HandleFunc("/events", r.handleEvents)
}

// notifyPayload is the admin ingress body. Type selects the recipient
// scope: "user" requires userId, "team" requires teamId, "system"
// broadcasts to a user list.
type notifyPayload struct {
	Type         string          `json:"type"`
	UserID       string          `json:"userId"`
	TeamID       string          `json:"teamId"`
	UserIDs      []string        `json:"userIds"`
	Notification json.RawMessage `json:"notification"`
}

type notificationBody struct {
	Type    string          `json:"type"`
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (r *Router) handleNotify(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyAdminToken(w, req) {
		return
	}
	var payload notifyPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var body notificationBody
	if len(payload.Notification) > 0 {
		if err := json.Unmarshal(payload.Notification, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid notification body")
			return
		}
	}
	if body.Type == "" {
		body.Type = "system"
	}

	build := func(userID, teamID string) domain.Notification {
		return domain.Notification{
			ID:        uuid.NewString(),
			UserID:    userID,
			TeamID:    teamID,
			Type:      body.Type,
			Title:     body.Title,
			Message:   body.Message,
			Data:      body.Data,
			Timestamp: time.Now().UTC(),
		}
	}

	var reports []domain.DeliveryReport
	switch payload.Type {
	case "user":
		if payload.UserID == "" {
			writeError(w, http.StatusBadRequest, "userId required for type user")
			return
		}
		reports = append(reports, r.deliverer.Deliver(req.Context(), build(payload.UserID, "")))
	case "team":
		if payload.TeamID == "" {
			writeError(w, http.StatusBadRequest, "teamId required for type team")
			return
		}
		reports = append(reports, r.deliverer.Deliver(req.Context(), build("", payload.TeamID)))
	case "system":
		if len(payload.UserIDs) == 0 {
			writeError(w, http.StatusBadRequest, "userIds required for type system")
			return
		}
		for _, userID := range payload.UserIDs {
			if userID == "" {
				continue
			}
			reports = append(reports, r.deliverer.Deliver(req.Context(), build(userID, "")))
		}
	default:
		writeError(w, http.StatusBadRequest, "type must be user, team or system")
		return
	}

	failed := 0
	for _, report := range reports {
		if report.Tier == domain.TierFailed {
			failed++
		}
	}
	if failed == len(reports) && len(reports) > 0 {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"message": "delivery failed",
			"reports": reports,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "notification accepted",
		"reports": reports,
	})
}

func (r *Router) handleNotifications(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	userID := req.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}
	if r.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	notifications, err := r.repo.ListUnread(req.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if notifications == nil {
		notifications = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (r *Router) handleSocket(w http.ResponseWriter, req *http.Request) {
	addr := clientIP(req)
	if !r.sockets.AllowConnection(addr) {
		writeError(w, http.StatusTooManyRequests, "connection rate limit exceeded")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	go r.sockets.ServeConn(r.lifetime, conn, addr)
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	userID := req.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.streams.Register(userID, client)
	defer func() {
		r.streams.Unregister(userID, client)
		client.Close()
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.storeReady != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.storeReady(ctx); err != nil {
			status = "degraded"
			components["store"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["store"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"uptime_s":   int(time.Since(r.started).Seconds()),
		"workers":    r.workers,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleStatusz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	payload := map[string]any{
		"sessions":  r.sockets.Stats(),
		"streams":   r.streams.Count(),
		"workers":   r.workers,
		"uptime_s":  int(time.Since(r.started).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if r.poolStats != nil {
		payload["pool"] = r.poolStats()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyAdminToken ensures ingress calls include the configured secret.
func (r *Router) verifyAdminToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.adminToken
	if expected == "" {
		r.logger.Error("admin token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "ingress authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Admin-Token"))
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get("admin_token"))
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("admin token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid admin token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
