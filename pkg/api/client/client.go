package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultBaseURL is used when no API address is configured.
const DefaultBaseURL = "http://localhost:4000"

// Client provides typed access to the ntando API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		dialer:     websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, reader, contentType, token, v)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType, token string, v any) error {
	if c == nil {
		return errors.New("client is nil")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// User reflects API user payloads.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is the token payload returned by register and login.
type Session struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
	User      User   `json:"user"`
}

// Register creates an account and returns its first session.
func (c *Client) Register(ctx context.Context, email, password, name string) (Session, error) {
	body := map[string]string{"email": email, "password": password, "name": name}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "/auth/register", body, "", &resp); err != nil {
		return Session{}, err
	}
	return resp, nil
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	body := map[string]string{"email": email, "password": password}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return Session{}, err
	}
	return resp, nil
}

// Me returns the caller's profile.
func (c *Client) Me(ctx context.Context, token string) (User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, token, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// File is a local file to upload.
type File struct {
	Name string
	Path string
}

// UploadedFile is the server's view of an accepted file.
type UploadedFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// DeployInput describes a deploy request.
type DeployInput struct {
	ProjectName string
	Description string
	Files       []File
}

// Submission acknowledges an accepted upload. The build continues asynchronously.
type Submission struct {
	Message      string         `json:"message"`
	ProjectID    string         `json:"projectId"`
	DeploymentID string         `json:"deploymentId"`
	Files        []UploadedFile `json:"files"`
	Degraded     bool           `json:"degraded"`
}

// Deploy streams the files as a multipart upload.
func (c *Client) Deploy(ctx context.Context, token string, input DeployInput) (Submission, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeDeployForm(mw, input))
	}()
	var sub Submission
	if err := c.send(ctx, http.MethodPost, "/deploy", pr, mw.FormDataContentType(), token, &sub); err != nil {
		_ = pr.Close()
		return Submission{}, err
	}
	return sub, nil
}

func writeDeployForm(mw *multipart.Writer, input DeployInput) error {
	if input.ProjectName != "" {
		if err := mw.WriteField("projectName", input.ProjectName); err != nil {
			return err
		}
	}
	if input.Description != "" {
		if err := mw.WriteField("description", input.Description); err != nil {
			return err
		}
	}
	for _, f := range input.Files {
		if err := copyFile(mw, f); err != nil {
			return err
		}
	}
	return mw.Close()
}

func copyFile(mw *multipart.Writer, f File) error {
	src, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer src.Close()
	part, err := mw.CreateFormFile("files", f.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("upload %s: %w", f.Name, err)
	}
	return nil
}

// Project is a deployable site.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ProjectDetail is a project with its deployments, newest first.
type ProjectDetail struct {
	Project
	Deployments []Deployment `json:"deployments"`
}

// Deployment is one build of a project.
type Deployment struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"projectId"`
	Status      string         `json:"status"`
	Files       []UploadedFile `json:"files"`
	Message     string         `json:"message"`
	URL         string         `json:"url"`
	Error       string         `json:"error"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt"`
}

// Projects lists the caller's projects.
func (c *Client) Projects(ctx context.Context, token string) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, "/projects", nil, token, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// Project fetches a project with its deployments.
func (c *Client) Project(ctx context.Context, token, projectID string) (ProjectDetail, error) {
	var detail ProjectDetail
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, token, &detail); err != nil {
		return ProjectDetail{}, err
	}
	return detail, nil
}

// Deployment fetches a single deployment.
func (c *Client) Deployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	var dep Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(deploymentID), nil, token, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// StatusEvent is a lifecycle notification pushed over the websocket.
type StatusEvent struct {
	ProjectID    string    `json:"projectId"`
	DeploymentID string    `json:"deploymentId"`
	Status       string    `json:"status"`
	Message      string    `json:"message"`
	URL          string    `json:"url"`
	Error        string    `json:"error"`
	Timestamp    time.Time `json:"timestamp"`
}

// Terminal reports whether no further events will follow.
func (e StatusEvent) Terminal() bool {
	return e.Status == "SUCCESS" || e.Status == "FAILED"
}

type wsMessage struct {
	Type         string       `json:"type"`
	DeploymentID string       `json:"deploymentId,omitempty"`
	Data         *StatusEvent `json:"data,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// Watch joins the deployment's status room and calls fn for every event until
// a terminal status arrives or ctx ends. The terminal event is returned.
func (c *Client) Watch(ctx context.Context, token, deploymentID string, fn func(StatusEvent)) (StatusEvent, error) {
	endpoint, err := c.websocketURL(token)
	if err != nil {
		return StatusEvent{}, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return StatusEvent{}, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		}
		return StatusEvent{}, fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(wsMessage{Type: "join-deployment", DeploymentID: deploymentID}); err != nil {
		return StatusEvent{}, fmt.Errorf("join deployment: %w", err)
	}
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return StatusEvent{}, ctx.Err()
			}
			return StatusEvent{}, fmt.Errorf("read status: %w", err)
		}
		switch msg.Type {
		case "error":
			return StatusEvent{}, errors.New(msg.Error)
		case "deployment-status":
			if msg.Data == nil {
				continue
			}
			if fn != nil {
				fn(*msg.Data)
			}
			if msg.Data.Terminal() {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return *msg.Data, nil
			}
		}
	}
}

func (c *Client) websocketURL(token string) (string, error) {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return "", fmt.Errorf("websocket url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
