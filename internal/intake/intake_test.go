package intake

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ntando/computer/internal/workspace"
)

func part(name, body string) FilePart {
	return FilePart{
		Name: name,
		Size: int64(len(body)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(body)), nil },
	}
}

func newTestIntake(t *testing.T, opts Options) (*Intake, string) {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.New(root)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(ws, opts, logger), root
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	list, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	names := make([]string, 0, len(list))
	for _, e := range list {
		names = append(names, e.Name())
	}
	return names
}

func TestAcceptStagesFilesInOrder(t *testing.T) {
	in, _ := newTestIntake(t, Options{})
	m, err := in.Accept(context.Background(), Request{
		ProjectName: "  demo ",
		Files:       []FilePart{part("index.html", "<h1>hi</h1>"), part("style.css", "body{}")},
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if m.ProjectName != "demo" {
		t.Fatalf("expected trimmed project name, got %q", m.ProjectName)
	}
	if len(m.Files) != 2 || m.Files[0].Name != "index.html" || m.Files[1].Name != "style.css" {
		t.Fatalf("unexpected manifest files %+v", m.Files)
	}
	if m.Files[0].Size != int64(len("<h1>hi</h1>")) {
		t.Fatalf("unexpected size %d", m.Files[0].Size)
	}
	if !strings.HasPrefix(m.Files[1].ContentType, "text/css") {
		t.Fatalf("expected css content type, got %q", m.Files[1].ContentType)
	}
	data, err := os.ReadFile(filepath.Join(m.Dir, "style.css"))
	if err != nil || string(data) != "body{}" {
		t.Fatalf("staged content mismatch: %q %v", data, err)
	}
}

func TestAcceptEmptyUploadCreatesNothing(t *testing.T) {
	in, root := newTestIntake(t, Options{})
	_, err := in.Accept(context.Background(), Request{ProjectName: "demo"})
	if !errors.Is(err, ErrEmptyUpload) {
		t.Fatalf("expected ErrEmptyUpload, got %v", err)
	}
	if got := entries(t, root); len(got) != 0 {
		t.Fatalf("expected no staging directories, got %v", got)
	}
}

func TestAcceptRejectsDisallowedExtensionWithoutSideEffects(t *testing.T) {
	in, root := newTestIntake(t, Options{})
	opened := false
	notes := part("notes.txt", "todo")
	notes.Open = func() (io.ReadCloser, error) {
		opened = true
		return io.NopCloser(strings.NewReader("todo")), nil
	}
	_, err := in.Accept(context.Background(), Request{Files: []FilePart{part("index.html", "x"), notes}})
	if !errors.Is(err, ErrInvalidFileType) {
		t.Fatalf("expected ErrInvalidFileType, got %v", err)
	}
	if opened {
		t.Fatalf("file contents must not be read when validation fails")
	}
	if got := entries(t, root); len(got) != 0 {
		t.Fatalf("expected no staging directories, got %v", got)
	}
}

func TestAcceptLimits(t *testing.T) {
	in, root := newTestIntake(t, Options{MaxFiles: 2, MaxFileSize: 8})

	_, err := in.Accept(context.Background(), Request{Files: []FilePart{part("a.js", "1"), part("b.js", "2"), part("c.js", "3")}})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge for file count, got %v", err)
	}

	_, err = in.Accept(context.Background(), Request{Files: []FilePart{part("big.js", "0123456789")}})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge for declared size, got %v", err)
	}

	// size is enforced on bytes read even when the declared size lies
	liar := part("liar.js", "0123456789")
	liar.Size = 1
	_, err = in.Accept(context.Background(), Request{Files: []FilePart{liar}})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge for streamed size, got %v", err)
	}
	if got := entries(t, root); len(got) != 0 {
		t.Fatalf("expected failed staging to be removed, got %v", got)
	}
}

func TestAcceptSanitizesNamesAndRejectsDuplicates(t *testing.T) {
	in, _ := newTestIntake(t, Options{})
	m, err := in.Accept(context.Background(), Request{Files: []FilePart{part("../../etc/app.js", "x"), part(`assets\logo.svg`, "<svg/>")}})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if m.Files[0].Name != "app.js" || m.Files[1].Name != "logo.svg" {
		t.Fatalf("expected base names, got %+v", m.Files)
	}

	_, err = in.Accept(context.Background(), Request{Files: []FilePart{part("a/index.html", "1"), part("b/INDEX.html", "2")}})
	if !errors.Is(err, ErrDuplicateFile) {
		t.Fatalf("expected ErrDuplicateFile, got %v", err)
	}
}

func TestAcceptValidatesMetadata(t *testing.T) {
	in, _ := newTestIntake(t, Options{})
	_, err := in.Accept(context.Background(), Request{
		ProjectName: strings.Repeat("n", 101),
		Files:       []FilePart{part("index.html", "x")},
	})
	if !errors.Is(err, ErrInvalidMetadata) {
		t.Fatalf("expected ErrInvalidMetadata, got %v", err)
	}
}

func TestAcceptDefaultsProjectName(t *testing.T) {
	in, _ := newTestIntake(t, Options{})
	m, err := in.Accept(context.Background(), Request{Files: []FilePart{part("index.html", "x")}})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !strings.HasPrefix(m.ProjectName, "Project-") {
		t.Fatalf("expected generated project name, got %q", m.ProjectName)
	}
	if err := in.Discard(m); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := os.Stat(m.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected staging removed")
	}
}
