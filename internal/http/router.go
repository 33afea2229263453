// Package httpx is the thin request-handling surface over the bot service.
// Identity arrives via the X-User-ID header set by the session layer in
// front of this service; everything else is plain JSON over net/http.
package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/botdock/botdock/internal/domain"
	"github.com/botdock/botdock/internal/repository"
	"github.com/botdock/botdock/internal/service/bot"
	"github.com/botdock/botdock/internal/supervisor"
	"github.com/botdock/botdock/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	bots      *bot.Service
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	maxUpload int64
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitUserRead  = 120
	rateLimitUserWrite = 60
	rateLimitLifecycle = 30
	rateLimitUpload    = 10
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, bots *bot.Service, hub *ws.Hub, limiter RateLimiter, maxUpload int64, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		bots:   bots,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		maxUpload: maxUpload,
		dbHealth:  dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.maxUpload <= 0 {
		r.maxUpload = 64 << 20
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
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/projects", r.audit(r.handlerIdentityRate("projects", rateLimitUserWrite, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit(r.requireIdentity(r.handleProjectSubroutes)))
	r.mux.HandleFunc("/logs/", r.audit(r.handlerIdentityRate("logs", rateLimitUserRead, rateWindowDefault, r.handleLogs)))
	r.mux.HandleFunc("/ws/logs", r.audit(r.handlerIdentityRate("ws_logs", rateLimitWebsocket, rateWindowRealtime, r.handleLogsWS)))
}

// projectView is the JSON shape of a project record.
type projectView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	UserID     string    `json:"user_id"`
	TeamID     *string   `json:"team_id,omitempty"`
	Status     string    `json:"status"`
	PID        *int      `json:"pid,omitempty"`
	CPUPercent float64   `json:"cpu_percent"`
	RAMMb      float64   `json:"ram_mb"`
	CreatedAt  time.Time `json:"created_at"`
}

func viewOf(p *domain.Project) projectView {
	return projectView{
		ID:         p.ID,
		Name:       p.Name,
		UserID:     p.UserID,
		TeamID:     p.TeamID,
		Status:     p.Status,
		PID:        p.PID,
		CPUPercent: p.CPUPercent,
		RAMMb:      p.RAMMb,
		CreatedAt:  p.CreatedAt,
	}
}

type deploymentView struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	Status     string     `json:"status"`
	Message    string     `json:"message"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func deploymentViewOf(d *domain.Deployment) deploymentView {
	return deploymentView{
		ID:         d.ID,
		ProjectID:  d.ProjectID,
		Status:     d.Status,
		Message:    d.Message,
		StartedAt:  d.StartedAt,
		FinishedAt: d.FinishedAt,
	}
}

type logView struct {
	Stream    string    `json:"stream"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	info, ok := identityFromContext(req.Context())
	if !ok {
		r.logger.Error("identity context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "identity context missing")
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name   string  `json:"name"`
			TeamID *string `json:"team_id"`
		}
		if err := decodeJSON(req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		project, err := r.bots.Create(req.Context(), payload.Name, info.UserID, payload.TeamID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, viewOf(project))
	case http.MethodGet:
		projects, err := r.bots.ListForUser(req.Context(), info.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]projectView, 0, len(projects))
		for i := range projects {
			views = append(views, viewOf(&projects[i]))
		}
		writeJSON(w, http.StatusOK, views)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	info, ok := identityFromContext(req.Context())
	if !ok {
		r.logger.Error("identity context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "identity context missing")
		return
	}

	if len(parts) == 1 {
		r.handleProject(w, req, projectID, info.UserID)
		return
	}
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	switch parts[1] {
	case "upload":
		r.rated(w, req, "upload", rateLimitUpload, func() {
			r.handleUpload(w, req, projectID, info.UserID)
		})
	case "start", "stop", "restart":
		r.rated(w, req, "lifecycle", rateLimitLifecycle, func() {
			r.handleLifecycle(w, req, projectID, info.UserID, parts[1])
		})
	case "deployments":
		r.handleDeployments(w, req, projectID, info.UserID)
	case "env":
		r.rated(w, req, "env", rateLimitUserWrite, func() {
			r.handleEnv(w, req, projectID, info.UserID)
		})
	default:
		r.notFound(w)
	}
}

// rated applies a per-user rate limit to one subroute.
func (r *Router) rated(w http.ResponseWriter, req *http.Request, route string, limit int, next func()) {
	key := r.rateLimitKeyUser(req)
	if key == "" {
		key = rateLimitKeyIP(req)
	}
	decision := r.limiter.Allow(key+":"+route, limit, rateWindowDefault)
	r.applyRateHeaders(w, limit, decision)
	if !decision.allowed {
		r.recordRateLimitHit(route, rateMetricKey(key))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	next()
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID, userID string) {
	switch req.Method {
	case http.MethodGet:
		project, err := r.bots.Get(req.Context(), projectID, userID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(project))
	case http.MethodDelete:
		if err := r.bots.Delete(req.Context(), projectID, userID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleUpload(w http.ResponseWriter, req *http.Request, projectID, userID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxUpload))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "archive too large or unreadable")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty archive")
		return
	}
	deployment, err := r.bots.UploadArtifact(req.Context(), projectID, userID, body)
	if err != nil {
		var rejection *bot.RejectionError
		if errors.As(err, &rejection) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      "archive rejected",
				"warnings":   rejection.Warnings,
				"deployment": deploymentViewOf(deployment),
			})
			return
		}
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, deploymentViewOf(deployment))
}

func (r *Router) handleLifecycle(w http.ResponseWriter, req *http.Request, projectID, userID, action string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var (
		project *domain.Project
		err     error
	)
	switch action {
	case "start":
		project, err = r.bots.Start(req.Context(), projectID, userID)
	case "stop":
		project, err = r.bots.Stop(req.Context(), projectID, userID)
	case "restart":
		project, err = r.bots.Restart(req.Context(), projectID, userID)
	}
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(project))
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request, projectID, userID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	deployments, err := r.bots.Deployments(req.Context(), projectID, userID, limit)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	views := make([]deploymentView, 0, len(deployments))
	for i := range deployments {
		views = append(views, deploymentViewOf(&deployments[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handleEnv(w http.ResponseWriter, req *http.Request, projectID, userID string) {
	switch req.Method {
	case http.MethodGet:
		keys, err := r.bots.ListEnvVarKeys(req.Context(), projectID, userID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	case http.MethodPost:
		var payload struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := decodeJSON(req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.bots.SetEnvVar(req.Context(), projectID, userID, payload.Key, payload.Value); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
	case http.MethodDelete:
		key := strings.TrimSpace(req.URL.Query().Get("key"))
		if key == "" {
			writeError(w, http.StatusBadRequest, "key query parameter required")
			return
		}
		if err := r.bots.DeleteEnvVar(req.Context(), projectID, userID, key); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	projectID := strings.TrimPrefix(req.URL.Path, "/logs/")
	if projectID == "" || strings.Contains(projectID, "/") {
		r.notFound(w)
		return
	}
	info, ok := identityFromContext(req.Context())
	if !ok {
		r.logger.Error("identity context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "identity context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		entries, err := r.bots.Logs(req.Context(), projectID, info.UserID, limit)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		views := make([]logView, 0, len(entries))
		for _, entry := range entries {
			views = append(views, logView{Stream: entry.Stream, Content: entry.Content, CreatedAt: entry.CreatedAt})
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodDelete:
		if err := r.bots.ClearLogs(req.Context(), projectID, info.UserID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	info, ok := identityFromContext(req.Context())
	if !ok {
		r.logger.Error("identity context missing for logs websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "identity context missing")
		return
	}
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	if _, err := r.bots.Get(req.Context(), projectID, info.UserID); err != nil {
		r.writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(projectID, client)
	go func() {
		defer func() {
			r.hub.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps service failures onto HTTP statuses.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case repository.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, bot.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, supervisor.ErrInstallFailed),
		errors.Is(err, supervisor.ErrEntryMissing),
		errors.Is(err, supervisor.ErrSpawnFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
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
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
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
		if info, ok := identityFromContext(ctx); ok {
			fields = append(fields, "user_id", info.UserID)
		}

		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

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

// routeLabel collapses paths onto their route family so metric cardinality
// stays bounded regardless of how many projects exist.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/projects/"):
		return "/projects/{id}"
	case strings.HasPrefix(path, "/logs/"):
		return "/logs/{id}"
	default:
		return path
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
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

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
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

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
