package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestDeployUploadsMultipart(t *testing.T) {
	dir := t.TempDir()
	index := filepath.Join(dir, "index.html")
	if err := os.WriteFile(index, []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deploy" || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		headers := r.MultipartForm.File["files"]
		if len(headers) != 1 || headers[0].Filename != "index.html" || r.FormValue("projectName") != "site" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":      "Files uploaded successfully. Deployment started.",
			"projectId":    "p1",
			"deploymentId": "d1",
			"files":        []map[string]any{{"name": "index.html", "size": headers[0].Size}},
		})
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sub, err := cli.Deploy(context.Background(), "tok", DeployInput{
		ProjectName: "site",
		Files:       []File{{Name: "index.html", Path: index}},
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if sub.DeploymentID != "d1" || len(sub.Files) != 1 || sub.Files[0].Size != int64(len("<h1>hi</h1>")) {
		t.Fatalf("unexpected submission %+v", sub)
	}
}

func TestAPIErrorCarriesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"Invalid credentials"}`)
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.Login(context.Background(), "a@example.com", "nope-nope")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "Invalid credentials" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestWatchStopsAtTerminal(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" || r.URL.Query().Get("token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var join wsMessage
		if err := conn.ReadJSON(&join); err != nil || join.Type != "join-deployment" {
			return
		}
		for _, status := range []string{"BUILDING", "SUCCESS"} {
			ev := StatusEvent{DeploymentID: join.DeploymentID, Status: status, URL: "http://localhost:4000/sites/p1/"}
			if err := conn.WriteJSON(wsMessage{Type: "deployment-status", DeploymentID: join.DeploymentID, Data: &ev}); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []string
	final, err := cli.Watch(ctx, "tok", "d1", func(ev StatusEvent) { seen = append(seen, ev.Status) })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if final.Status != "SUCCESS" || len(seen) != 2 || seen[0] != "BUILDING" {
		t.Fatalf("unexpected watch result %+v seen=%v", final, seen)
	}

	if _, err := cli.Watch(ctx, "bad", "d1", nil); err == nil {
		t.Fatalf("expected error for rejected token")
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New("example.com:4000/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.baseURL != "http://example.com:4000" {
		t.Fatalf("expected http://example.com:4000, got %s", cli.baseURL)
	}
	wsURL, err := cli.websocketURL("t k")
	if err != nil {
		t.Fatalf("websocket url: %v", err)
	}
	if wsURL != "ws://example.com:4000/ws?token=t+k" {
		t.Fatalf("unexpected websocket url %s", wsURL)
	}
}
