package packaging

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/workspace"
)

func stage(t *testing.T, files map[string]string, order ...string) (string, []domain.FileInfo) {
	t.Helper()
	dir := t.TempDir()
	infos := make([]domain.FileInfo, 0, len(order))
	for _, name := range order {
		body := files[name]
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("stage %s: %v", name, err)
		}
		infos = append(infos, domain.FileInfo{Name: name, Size: int64(len(body))})
	}
	return dir, infos
}

func newTestPackager(t *testing.T) *Packager {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	return New(ws)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestPackageKeepsUploadedIndex(t *testing.T) {
	p := newTestPackager(t)
	staging, files := stage(t, map[string]string{"index.html": "<h1>home</h1>", "style.css": "body{}"}, "index.html", "style.css")

	res, err := p.Package(context.Background(), Input{StagingDir: staging, Files: files, ProjectID: "proj-1", ProjectName: "demo"})
	if err != nil {
		t.Fatalf("package: %v", err)
	}
	if got := listDir(t, res.Dir); strings.Join(got, ",") != "index.html,style.css" {
		t.Fatalf("unexpected publish root %v", got)
	}
	if res.EntrySource != EntryUploaded {
		t.Fatalf("expected uploaded entry, got %s", res.EntrySource)
	}
	if read(t, filepath.Join(res.Dir, "index.html")) != "<h1>home</h1>" {
		t.Fatalf("uploaded index must be used as-is")
	}
}

func TestPackageDuplicatesFirstHTMLByInputOrder(t *testing.T) {
	p := newTestPackager(t)
	// page2 sorts after page1 but is uploaded first
	staging, files := stage(t, map[string]string{"page2.html": "two", "page1.html": "one", "app.js": "js"}, "app.js", "page2.html", "page1.html")

	res, err := p.Package(context.Background(), Input{StagingDir: staging, Files: files, ProjectID: "proj-2"})
	if err != nil {
		t.Fatalf("package: %v", err)
	}
	if res.EntrySource != EntryDuplicated || res.EntryFrom != "page2.html" {
		t.Fatalf("expected page2.html duplicated, got %s from %q", res.EntrySource, res.EntryFrom)
	}
	if read(t, filepath.Join(res.Dir, "index.html")) != "two" {
		t.Fatalf("entry document must copy the first html file")
	}
	if got := listDir(t, res.Dir); strings.Join(got, ",") != "app.js,index.html,page1.html,page2.html" {
		t.Fatalf("unexpected publish root %v", got)
	}

	again, err := p.Package(context.Background(), Input{StagingDir: staging, Files: files, ProjectID: "proj-2"})
	if err != nil {
		t.Fatalf("repackage: %v", err)
	}
	if again.EntryFrom != res.EntryFrom || read(t, filepath.Join(again.Dir, "index.html")) != "two" {
		t.Fatalf("packaging must be deterministic")
	}
}

func TestPackageGeneratesEscapedPlaceholder(t *testing.T) {
	p := newTestPackager(t)
	staging, files := stage(t, map[string]string{"logo.png": "png", "site.css": "css"}, "logo.png", "site.css")

	res, err := p.Package(context.Background(), Input{StagingDir: staging, Files: files, ProjectID: "proj-3", ProjectName: "<b>Shop</b>"})
	if err != nil {
		t.Fatalf("package: %v", err)
	}
	if res.EntrySource != EntryGenerated {
		t.Fatalf("expected generated entry, got %s", res.EntrySource)
	}
	body := read(t, filepath.Join(res.Dir, "index.html"))
	if !strings.Contains(body, "Welcome to &lt;b&gt;Shop&lt;/b&gt;") {
		t.Fatalf("expected escaped project name in placeholder, got %s", body)
	}
	if got := listDir(t, res.Dir); len(got) != 3 {
		t.Fatalf("expected uploaded files plus one entry document, got %v", got)
	}
}

func TestPackageCanonicalisesIndexCase(t *testing.T) {
	p := newTestPackager(t)
	staging, files := stage(t, map[string]string{"INDEX.HTML": "upper", "about.html": "about"}, "about.html", "INDEX.HTML")

	res, err := p.Package(context.Background(), Input{StagingDir: staging, Files: files, ProjectID: "proj-4"})
	if err != nil {
		t.Fatalf("package: %v", err)
	}
	if res.EntrySource != EntryUploaded || read(t, filepath.Join(res.Dir, "index.html")) != "upper" {
		t.Fatalf("expected uploaded index published as index.html")
	}
	if got := listDir(t, res.Dir); strings.Join(got, ",") != "about.html,index.html" {
		t.Fatalf("unexpected publish root %v", got)
	}
}

func TestPackageFailsWhenStagingMissing(t *testing.T) {
	p := newTestPackager(t)
	staging, files := stage(t, map[string]string{"index.html": "x"}, "index.html")
	if err := os.RemoveAll(staging); err != nil {
		t.Fatalf("remove staging: %v", err)
	}
	_, err := p.Package(context.Background(), Input{StagingDir: staging, Files: files, ProjectID: "proj-5"})
	if err == nil || !strings.Contains(err.Error(), "index.html") {
		t.Fatalf("expected copy error naming the file, got %v", err)
	}
}

func TestPackageReplacesPreviousContents(t *testing.T) {
	p := newTestPackager(t)
	first, files := stage(t, map[string]string{"old.html": "old"}, "old.html")
	if _, err := p.Package(context.Background(), Input{StagingDir: first, Files: files, ProjectID: "proj-6"}); err != nil {
		t.Fatalf("first package: %v", err)
	}
	second, files := stage(t, map[string]string{"index.html": "new"}, "index.html")
	res, err := p.Package(context.Background(), Input{StagingDir: second, Files: files, ProjectID: "proj-6"})
	if err != nil {
		t.Fatalf("second package: %v", err)
	}
	if got := listDir(t, res.Dir); strings.Join(got, ",") != "index.html" {
		t.Fatalf("stale files left behind: %v", got)
	}
}

func TestFailedPackageKeepsLiveSite(t *testing.T) {
	p := newTestPackager(t)
	first, files := stage(t, map[string]string{"index.html": "live"}, "index.html")
	res, err := p.Package(context.Background(), Input{StagingDir: first, Files: files, ProjectID: "proj-7"})
	if err != nil {
		t.Fatalf("first package: %v", err)
	}

	gone, files := stage(t, map[string]string{"index.html": "next", "app.js": "x"}, "index.html", "app.js")
	if err := os.Remove(filepath.Join(gone, "app.js")); err != nil {
		t.Fatalf("remove staged file: %v", err)
	}
	if _, err := p.Package(context.Background(), Input{StagingDir: gone, Files: files, ProjectID: "proj-7"}); err == nil {
		t.Fatalf("expected failure for missing staged file")
	}

	if got := read(t, filepath.Join(res.Dir, "index.html")); got != "live" {
		t.Fatalf("expected live site untouched, got %q", got)
	}
	root := filepath.Dir(res.Dir)
	if got := listDir(t, root); strings.Join(got, ",") != "proj-7" {
		t.Fatalf("expected scratch directories cleaned up, got %v", got)
	}
}
