package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/intake"
	"github.com/ntando/computer/internal/registry"
	"github.com/ntando/computer/internal/service/auth"
	"github.com/ntando/computer/internal/service/deploy"
	"github.com/ntando/computer/internal/service/project"
	"github.com/ntando/computer/internal/ws"
)

// RegistryHealth reports the state of the project registry.
type RegistryHealth interface {
	Mode() registry.Mode
	BreakerState() string
	Ping(ctx context.Context) error
}

// Deps are the collaborators a Router serves.
type Deps struct {
	Logger   *slog.Logger
	Auth     auth.Service
	Projects project.Service
	Deploy   deploy.Service
	Hub      *ws.Hub
	Registry RegistryHealth
	// InFlight reports running deployments for /healthz.
	InFlight    func() int
	Limiter     RateLimiter
	PublishRoot string
	// MaxUploadBytes caps the whole multipart body.
	MaxUploadBytes int64
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	auth        auth.Service
	projects    project.Service
	deploy      deploy.Service
	hub         *ws.Hub
	registry    RegistryHealth
	inFlight    func() int
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	publishRoot string
	maxUpload   int64
	metrics     httpMetrics
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRegister  = 5
	rateLimitLogin     = 12
	rateLimitDeploy    = 20
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	multipartMemory    = 32 << 20
	defaultMaxUpload   = 100 * 50 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(deps Deps) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      deps.Logger,
		auth:        deps.Auth,
		projects:    deps.Projects,
		deploy:      deps.Deploy,
		hub:         deps.Hub,
		registry:    deps.Registry,
		inFlight:    deps.InFlight,
		limiter:     deps.Limiter,
		publishRoot: deps.PublishRoot,
		maxUpload:   deps.MaxUploadBytes,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: routerMetrics(),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.maxUpload <= 0 {
		r.maxUpload = defaultMaxUpload
	}
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
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/register", r.audit("auth_register", r.withRateLimit(rateRule{route: "auth_register", limit: rateLimitRegister, window: rateWindowDefault}, rateLimitKeyIP, r.handleRegister)))
	r.mux.HandleFunc("/auth/login", r.audit("auth_login", r.withRateLimit(rateRule{route: "auth_login", limit: rateLimitLogin, window: rateWindowDefault}, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/auth/me", r.audit("auth_me", r.authRate(rateRule{route: "auth_me", limit: rateLimitUserRead, window: rateWindowDefault}, r.handleMe)))
	r.mux.HandleFunc("/deploy", r.audit("deploy", r.authRate(rateRule{route: "deploy", limit: rateLimitDeploy, window: rateWindowDefault}, r.handleDeploy)))
	r.mux.HandleFunc("/projects", r.audit("projects", r.authRate(rateRule{route: "projects", limit: rateLimitUserRead, window: rateWindowDefault}, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("project", r.authRate(rateRule{route: "project", limit: rateLimitUserRead, window: rateWindowDefault}, r.handleProject)))
	r.mux.HandleFunc("/deployments/", r.audit("deployment", r.authRate(rateRule{route: "deployment", limit: rateLimitUserRead, window: rateWindowDefault}, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/ws", r.audit("ws", r.authRate(rateRule{route: "ws", limit: rateLimitWebsocket, window: rateWindowRealtime}, r.handleWS)))
	if r.publishRoot != "" {
		sites := http.StripPrefix("/sites/", http.FileServer(http.Dir(r.publishRoot)))
		r.mux.HandleFunc("/sites/", r.audit("sites", sites.ServeHTTP))
	}
}

func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload auth.RegisterInput
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	session, err := r.auth.Register(req.Context(), payload)
	if err != nil {
		r.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload auth.LoginInput
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	session, err := r.auth.Login(req.Context(), payload)
	if err != nil {
		r.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	user, err := r.auth.Me(req.Context(), auth.Identity{UserID: info.UserID, Email: info.Email})
	if err != nil {
		r.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (r *Router) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "auth: invalid input: "))
	case errors.Is(err, auth.ErrEmailTaken):
		writeError(w, http.StatusConflict, "User already exists")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "Invalid token")
	case errors.Is(err, auth.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "user store unavailable")
	default:
		r.logger.Error("auth request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())

	req.Body = http.MaxBytesReader(w, req.Body, r.maxUpload)
	if err := req.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds "+humanize.IBytes(uint64(r.maxUpload)))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if err := req.MultipartForm.RemoveAll(); err != nil {
			r.logger.Warn("multipart cleanup failed", "error", err)
		}
	}()

	form := req.MultipartForm
	headers := append(form.File["files"], form.File["files[]"]...)
	parts := make([]intake.FilePart, 0, len(headers))
	for _, fh := range headers {
		parts = append(parts, filePart(fh))
	}
	submission, err := r.deploy.Submit(req.Context(), info.UserID, intake.Request{
		ProjectName: req.FormValue("projectName"),
		Description: req.FormValue("description"),
		Files:       parts,
	})
	if err != nil {
		r.writeDeployError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submission)
}

func filePart(fh *multipart.FileHeader) intake.FilePart {
	return intake.FilePart{
		Name:        fh.Filename,
		Size:        fh.Size,
		ContentType: fh.Header.Get("Content-Type"),
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

func (r *Router) writeDeployError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, intake.ErrEmptyUpload):
		writeError(w, http.StatusBadRequest, "No files uploaded")
	case errors.Is(err, intake.ErrInvalidMetadata), errors.Is(err, intake.ErrDuplicateFile):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, intake.ErrInvalidFileType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, intake.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, deploy.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
	default:
		r.logger.Error("deploy request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	list, err := r.projects.List(req.Context(), info.UserID)
	if err != nil {
		r.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/")
	if projectID == "" || strings.Contains(projectID, "/") {
		r.notFound(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	detail, err := r.projects.Get(req.Context(), info.UserID, projectID)
	if err != nil {
		r.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	parts := strings.Split(trimmed, "/")
	switch {
	case trimmed == "":
		r.notFound(w)
	case len(parts) == 1:
		r.handleDeployment(w, req, parts[0])
	case len(parts) == 2 && parts[1] == "events":
		r.handleDeploymentEvents(w, req, parts[0])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	deployment, err := r.projects.Deployment(req.Context(), info.UserID, deploymentID)
	if err != nil {
		r.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (r *Router) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, project.ErrNotFound) {
		r.notFound(w)
		return
	}
	r.logger.Error("lookup failed", "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// snapshotFor binds status lookups to the caller so streams only expose owned deployments.
func (r *Router) snapshotFor(ownerID string) ws.SnapshotFunc {
	return func(ctx context.Context, deploymentID string) (domain.StatusEvent, error) {
		ev, err := r.projects.Status(ctx, ownerID, deploymentID)
		if errors.Is(err, project.ErrNotFound) {
			return domain.StatusEvent{}, ws.ErrNotFound
		}
		return ev, err
	}
}

func (r *Router) handleDeploymentEvents(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	info, _ := authInfoFromContext(req.Context())
	snapshot := r.snapshotFor(info.UserID)
	if _, err := snapshot(req.Context(), deploymentID); err != nil {
		if errors.Is(err, ws.ErrNotFound) {
			r.notFound(w)
			return
		}
		r.writeLookupError(w, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer client.Close()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go func() {
		ticker := time.NewTicker(sseHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := client.Heartbeat(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	if err := ws.Follow(ctx, r.hub, deploymentID, snapshot, client.SendStatus); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Debug("event stream ended", "deployment_id", deploymentID, "error", err)
	}
}

func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	ws.NewClient(conn, r.logger).Serve(req.Context(), r.hub, r.snapshotFor(info.UserID))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.registry != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		reg := map[string]any{
			"mode":    r.registry.Mode(),
			"breaker": r.registry.BreakerState(),
		}
		if err := r.registry.Ping(ctx); err != nil {
			status = "degraded"
			reg["status"] = "down"
			reg["error"] = err.Error()
		} else if r.registry.Mode() == registry.ModeDegraded {
			status = "degraded"
			reg["status"] = "recovering"
		} else {
			reg["status"] = "up"
		}
		components["registry"] = reg
	}
	if r.inFlight != nil {
		components["deployments"] = map[string]any{"in_flight": r.inFlight()}
	}
	if r.hub != nil {
		components["bus"] = map[string]any{"dropped_events": r.hub.Dropped()}
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

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
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
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
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
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		case route == "sites":
			r.logger.Debug("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
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
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
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
