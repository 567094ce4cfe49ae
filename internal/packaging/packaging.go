// Package packaging turns a staged upload into a servable site directory.
package packaging

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/workspace"
)

// EntryDocument is the file served as a site's root page.
const EntryDocument = "index.html"

const copyConcurrency = 4

var placeholder = template.Must(template.New("placeholder").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.}}</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; text-align: center; }
        h1 { color: #333; }
    </style>
</head>
<body>
    <h1>Welcome to {{.}}</h1>
    <p>Your website has been successfully deployed!</p>
</body>
</html>
`))

// EntrySource says where a site's entry document came from.
type EntrySource string

const (
	EntryUploaded   EntrySource = "uploaded"
	EntryDuplicated EntrySource = "duplicated"
	EntryGenerated  EntrySource = "generated"
)

// Input is everything needed to package one deployment.
type Input struct {
	StagingDir  string
	Files       []domain.FileInfo
	ProjectID   string
	ProjectName string
}

// Result describes a published site.
type Result struct {
	Dir         string
	Files       []string
	EntrySource EntrySource
	// EntryFrom is the uploaded file the entry document was taken from, if any.
	EntryFrom string
}

// Packager publishes sites into per-project directories.
type Packager struct {
	publish *workspace.Manager
}

// New returns a Packager writing under publish.
func New(publish *workspace.Manager) *Packager {
	return &Packager{publish: publish}
}

// Dir returns the publish directory for a project.
func (p *Packager) Dir(projectID string) (string, error) {
	return p.publish.Path(projectID)
}

// Package replaces the project's publish directory with the staged files and
// guarantees exactly one entry document. Entry selection depends only on the
// order of in.Files.
func (p *Packager) Package(ctx context.Context, in Input) (Result, error) {
	if len(in.Files) == 0 {
		return Result{}, fmt.Errorf("packaging: manifest has no files")
	}
	dir, err := p.publish.Path(in.ProjectID)
	if err != nil {
		return Result{}, fmt.Errorf("publish dir: %w", err)
	}
	// build beside the live site and swap at the end so a failed run leaves it intact
	scratch, err := p.publish.Stage(in.ProjectID)
	if err != nil {
		return Result{}, fmt.Errorf("prepare publish dir: %w", err)
	}
	res, err := p.fill(ctx, scratch, in)
	if err != nil {
		_ = p.publish.Cleanup(scratch)
		return Result{}, err
	}
	if err := p.publish.Commit(in.ProjectID, scratch); err != nil {
		_ = p.publish.Cleanup(scratch)
		return Result{}, err
	}
	res.Dir = dir
	return res, nil
}

// fill copies the manifest into dir and writes the entry document.
func (p *Packager) fill(ctx context.Context, dir string, in Input) (Result, error) {

	entryIdx := -1
	firstHTML := -1
	for i, f := range in.Files {
		if strings.EqualFold(f.Name, EntryDocument) {
			entryIdx = i
			break
		}
		if firstHTML < 0 && isHTML(f.Name) {
			firstHTML = i
		}
	}

	targets := make([]string, len(in.Files))
	for i, f := range in.Files {
		targets[i] = f.Name
	}
	if entryIdx >= 0 {
		// an uploaded INDEX.HTML is published under the canonical name
		targets[entryIdx] = EntryDocument
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(copyConcurrency)
	for i, f := range in.Files {
		src := filepath.Join(in.StagingDir, f.Name)
		dst := filepath.Join(dir, targets[i])
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return copyFile(src, dst)
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{Files: targets}
	switch {
	case entryIdx >= 0:
		res.EntrySource = EntryUploaded
		res.EntryFrom = in.Files[entryIdx].Name
	case firstHTML >= 0:
		src := filepath.Join(dir, targets[firstHTML])
		if err := copyFile(src, filepath.Join(dir, EntryDocument)); err != nil {
			return Result{}, err
		}
		res.EntrySource = EntryDuplicated
		res.EntryFrom = in.Files[firstHTML].Name
		res.Files = append(res.Files, EntryDocument)
	default:
		if err := writePlaceholder(filepath.Join(dir, EntryDocument), in.ProjectName); err != nil {
			return Result{}, err
		}
		res.EntrySource = EntryGenerated
		res.Files = append(res.Files, EntryDocument)
	}
	return res, nil
}

func isHTML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".html" || ext == ".htm"
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(dst), err)
	}
	return nil
}

func writePlaceholder(path, projectName string) error {
	name := strings.TrimSpace(projectName)
	if name == "" {
		name = "Your Website"
	}
	var buf bytes.Buffer
	if err := placeholder.Execute(&buf, name); err != nil {
		return fmt.Errorf("render placeholder: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write placeholder: %w", err)
	}
	return nil
}
