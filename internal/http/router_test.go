package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/intake"
	"github.com/ntando/computer/internal/packaging"
	"github.com/ntando/computer/internal/registry"
	"github.com/ntando/computer/internal/repository/memory"
	"github.com/ntando/computer/internal/service/auth"
	"github.com/ntando/computer/internal/service/deploy"
	"github.com/ntando/computer/internal/service/project"
	"github.com/ntando/computer/internal/workspace"
	"github.com/ntando/computer/internal/ws"
	"github.com/ntando/computer/pkg/config"
)

type testServer struct {
	router *Router
	orch   *deploy.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	staging, err := workspace.New(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	publish, err := workspace.New(filepath.Join(t.TempDir(), "deployments"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	cfg := config.APIConfig{JWTSecret: "router-test-secret", AccessTokenTTL: time.Hour}

	reg := registry.NewMemory(logger)
	hub := ws.NewHub(ws.DefaultBuffer, logger)
	orch := deploy.NewOrchestrator(reg, packaging.New(publish), hub, staging, logger, deploy.OrchestratorOptions{
		Timeout: 5 * time.Second,
		URLs:    deploy.URLBuilder{BaseURL: "http://localhost:4000"},
	})
	router := NewRouter(Deps{
		Logger:         logger,
		Auth:           auth.New(memory.New(), logger, cfg),
		Projects:       project.New(reg, logger),
		Deploy:         deploy.New(intake.New(staging, intake.Options{}, logger), reg, orch, logger),
		Hub:            hub,
		Registry:       reg,
		InFlight:       orch.InFlight,
		Limiter:        NewMemoryRateLimiter(),
		PublishRoot:    publish.Root(),
		MaxUploadBytes: 10 << 20,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
		router.Close()
	})
	return &testServer{router: router, orch: orch}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) register(t *testing.T, email string) string {
	t.Helper()
	body := `{"email":"` + email + `","password":"correct-horse","name":"Thandi"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(body))
	rec := s.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 from register, got %d: %s", rec.Code, rec.Body.String())
	}
	var session struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.Token == "" {
		t.Fatalf("expected token in session")
	}
	return session.Token
}

type upload struct {
	name string
	body string
}

func multipartRequest(t *testing.T, token string, fields map[string]string, files ...upload) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.name)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := io.WriteString(part, f.body); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/deploy", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func authed(method, target, token string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return payload["error"]
}

func (s *testServer) submit(t *testing.T, token string, files ...upload) deploy.Submission {
	t.Helper()
	rec := s.do(multipartRequest(t, token, map[string]string{"projectName": "Portfolio"}, files...))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 from deploy, got %d: %s", rec.Code, rec.Body.String())
	}
	var sub deploy.Submission
	if err := json.Unmarshal(rec.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode submission: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.orch.Wait(ctx, sub.DeploymentID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	return sub
}

func TestAuthFlow(t *testing.T) {
	srv := newTestServer(t)
	token := srv.register(t, "thandi@example.com")

	rec := srv.do(authed(http.MethodGet, "/auth/me", token))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from me, got %d", rec.Code)
	}
	var user domain.User
	if err := json.Unmarshal(rec.Body.Bytes(), &user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if user.Email != "thandi@example.com" {
		t.Fatalf("expected email thandi@example.com, got %q", user.Email)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Fatalf("password material leaked: %s", rec.Body.String())
	}

	login := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"thandi@example.com","password":"correct-horse"}`))
	if rec := srv.do(login); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d: %s", rec.Code, rec.Body.String())
	}

	wrong := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"thandi@example.com","password":"wrong-horse"}`))
	rec = srv.do(wrong)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "Invalid credentials" {
		t.Fatalf("expected Invalid credentials, got %q", msg)
	}

	dup := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(`{"email":"thandi@example.com","password":"correct-horse"}`))
	if rec := srv.do(dup); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d", rec.Code)
	}

	bad := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(`{"email":"not-an-email","password":"correct-horse"}`))
	rec = srv.do(bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad email, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); !strings.Contains(msg, "email") {
		t.Fatalf("expected message naming email, got %q", msg)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/auth/me", "/projects", "/projects/p1", "/deployments/d1", "/deployments/d1/events", "/ws"} {
		rec := srv.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
		if msg := decodeError(t, rec); msg != "Access token required" {
			t.Fatalf("%s: expected Access token required, got %q", path, msg)
		}
	}

	rec := srv.do(authed(http.MethodGet, "/projects", "not-a-jwt"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "Invalid token" {
		t.Fatalf("expected Invalid token, got %q", msg)
	}

	query := httptest.NewRequest(http.MethodGet, "/projects?token=whatever", nil)
	if rec := srv.do(query); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected query token to be ignored on /projects, got %d", rec.Code)
	}
}

func TestDeployPublishesSite(t *testing.T) {
	srv := newTestServer(t)
	token := srv.register(t, "site@example.com")

	sub := srv.submit(t, token,
		upload{name: "index.html", body: "<h1>hello</h1>"},
		upload{name: "style.css", body: "h1{color:red}"},
	)
	if sub.Message != deploy.SubmitMessage {
		t.Fatalf("expected submit message, got %q", sub.Message)
	}
	if len(sub.Files) != 2 || sub.Files[0].Name != "index.html" {
		t.Fatalf("unexpected files %+v", sub.Files)
	}

	rec := srv.do(authed(http.MethodGet, "/deployments/"+sub.DeploymentID, token))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for deployment, got %d", rec.Code)
	}
	var dep domain.Deployment
	if err := json.Unmarshal(rec.Body.Bytes(), &dep); err != nil {
		t.Fatalf("decode deployment: %v", err)
	}
	if dep.Status != domain.DeploymentSuccess {
		t.Fatalf("expected SUCCESS, got %s", dep.Status)
	}
	wantURL := "http://localhost:4000/sites/" + sub.ProjectID + "/"
	if dep.URL != wantURL {
		t.Fatalf("expected url %s, got %s", wantURL, dep.URL)
	}

	rec = srv.do(authed(http.MethodGet, "/projects/"+sub.ProjectID, token))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for project, got %d", rec.Code)
	}
	var detail domain.ProjectDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	if detail.Name != "Portfolio" || len(detail.Deployments) != 1 {
		t.Fatalf("unexpected project detail %+v", detail)
	}

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/sites/"+sub.ProjectID+"/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for site, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<h1>hello</h1>") {
		t.Fatalf("expected published index, got %q", rec.Body.String())
	}
}

func TestDeployRejectsInvalidUploads(t *testing.T) {
	srv := newTestServer(t)
	token := srv.register(t, "reject@example.com")

	cases := []struct {
		name   string
		files  []upload
		status int
	}{
		{name: "no files", status: http.StatusBadRequest},
		{name: "bad extension", files: []upload{{name: "run.exe", body: "MZ"}}, status: http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := srv.do(multipartRequest(t, token, nil, tc.files...))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}

	rec := srv.do(authed(http.MethodGet, "/projects", token))
	var list []domain.Project
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode projects: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected rejected uploads to create no projects, got %d", len(list))
	}

	plain := httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader("not multipart"))
	plain.Header.Set("Authorization", "Bearer "+token)
	if rec := srv.do(plain); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-multipart body, got %d", rec.Code)
	}
}

func TestForeignDeploymentIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	owner := srv.register(t, "owner@example.com")
	other := srv.register(t, "other@example.com")

	sub := srv.submit(t, owner, upload{name: "index.html", body: "<p>mine</p>"})

	for _, path := range []string{
		"/deployments/" + sub.DeploymentID,
		"/deployments/" + sub.DeploymentID + "/events",
		"/projects/" + sub.ProjectID,
	} {
		if rec := srv.do(authed(http.MethodGet, path, other)); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404 for foreign caller, got %d", path, rec.Code)
		}
	}

	rec := srv.do(authed(http.MethodGet, "/projects", other))
	if strings.Contains(rec.Body.String(), sub.ProjectID) {
		t.Fatalf("foreign project listed: %s", rec.Body.String())
	}
}

func TestDeploymentEventsStreamTerminalSnapshot(t *testing.T) {
	srv := newTestServer(t)
	token := srv.register(t, "stream@example.com")
	sub := srv.submit(t, token, upload{name: "index.html", body: "<p>ok</p>"})

	server := httptest.NewServer(srv.router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/deployments/" + sub.DeploymentID + "/events?token=" + token)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream, got %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	frames := strings.Count(string(body), "event: deployment-status")
	if frames != 1 {
		t.Fatalf("expected a single terminal frame, got %d in %q", frames, body)
	}
	if !strings.Contains(string(body), `"status":"SUCCESS"`) {
		t.Fatalf("expected SUCCESS frame, got %q", body)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Status     string                    `json:"status"`
		Components map[string]map[string]any `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("expected ok, got %q", payload.Status)
	}
	if mode := payload.Components["registry"]["mode"]; mode != string(registry.ModeMemory) {
		t.Fatalf("expected memory mode, got %v", mode)
	}
	if _, ok := payload.Components["deployments"]["in_flight"]; !ok {
		t.Fatalf("expected in_flight in health payload")
	}

	if rec := srv.do(httptest.NewRequest(http.MethodPost, "/healthz", nil)); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRegisterRateLimitedPerIP(t *testing.T) {
	srv := newTestServer(t)
	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader("{"))
		req.RemoteAddr = ip + ":4000"
		return srv.do(req)
	}
	for i := 0; i < rateLimitRegister; i++ {
		if rec := send("192.0.2.10"); rec.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d: expected 400, got %d", i+1, rec.Code)
		}
	}
	rec := send("192.0.2.10")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec := send("192.0.2.11"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected other IP to pass, got %d", rec.Code)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if ip := clientIP(req); ip != "10.0.0.1" {
		t.Fatalf("expected 10.0.0.1, got %s", ip)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if ip := clientIP(req); ip != "203.0.113.7" {
		t.Fatalf("expected 203.0.113.7, got %s", ip)
	}
}
