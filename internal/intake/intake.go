// Package intake validates an uploaded file set and stores it in a fresh
// staging directory.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/workspace"
)

const (
	DefaultMaxFiles    = 100
	DefaultMaxFileSize = 50 << 20
)

// DefaultExtensions is the allow-list of static asset types.
var DefaultExtensions = []string{"html", "css", "js", "json", "png", "jpg", "jpeg", "gif", "svg", "ico"}

var (
	ErrEmptyUpload     = errors.New("no files uploaded")
	ErrInvalidFileType = errors.New("invalid file type")
	ErrPayloadTooLarge = errors.New("upload too large")
	ErrDuplicateFile   = errors.New("duplicate file name")
	ErrInvalidMetadata = errors.New("invalid upload metadata")
)

// FilePart is one uploaded file. Open is called once, after validation passes.
type FilePart struct {
	Name        string
	Size        int64
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// Request is an upload awaiting validation.
type Request struct {
	ProjectName string `validate:"max=100"`
	Description string `validate:"max=500"`
	Files       []FilePart
}

// Manifest describes a staged upload. Files keep the order they were uploaded in.
type Manifest struct {
	ID          string
	Dir         string
	ProjectName string
	Description string
	Files       []domain.FileInfo
}

// Options configures limits. Zero values take the defaults.
type Options struct {
	MaxFiles          int
	MaxFileSize       int64
	AllowedExtensions []string
}

// Intake accepts uploads into a staging workspace.
type Intake struct {
	staging     *workspace.Manager
	maxFiles    int
	maxFileSize int64
	allowed     map[string]struct{}
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
}

// New constructs an Intake writing into staging.
func New(staging *workspace.Manager, opts Options, logger *slog.Logger) *Intake {
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = DefaultExtensions
	}
	allowed := make(map[string]struct{}, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	return &Intake{
		staging:     staging,
		maxFiles:    opts.MaxFiles,
		maxFileSize: opts.MaxFileSize,
		allowed:     allowed,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
		now:         time.Now,
	}
}

// MaxFiles returns the per-upload file cap.
func (in *Intake) MaxFiles() int { return in.maxFiles }

// MaxFileSize returns the per-file byte cap.
func (in *Intake) MaxFileSize() int64 { return in.maxFileSize }

// Accept validates req and, only if every part passes, writes the files into a
// new staging directory. Nothing touches the filesystem when validation fails.
func (in *Intake) Accept(ctx context.Context, req Request) (Manifest, error) {
	names, err := in.check(req)
	if err != nil {
		return Manifest{}, err
	}

	id := uuid.NewString()
	dir, err := in.staging.Prepare(id)
	if err != nil {
		return Manifest{}, fmt.Errorf("prepare staging: %w", err)
	}
	manifest := Manifest{
		ID:          id,
		Dir:         dir,
		ProjectName: strings.TrimSpace(req.ProjectName),
		Description: strings.TrimSpace(req.Description),
		Files:       make([]domain.FileInfo, 0, len(req.Files)),
	}
	if manifest.ProjectName == "" {
		manifest.ProjectName = fmt.Sprintf("Project-%d", in.now().UnixMilli())
	}

	for i, part := range req.Files {
		if err := ctx.Err(); err != nil {
			in.discard(dir)
			return Manifest{}, err
		}
		size, err := in.store(dir, names[i], part)
		if err != nil {
			in.discard(dir)
			return Manifest{}, err
		}
		manifest.Files = append(manifest.Files, domain.FileInfo{
			Name:        names[i],
			Size:        size,
			ContentType: contentType(names[i], part.ContentType),
		})
	}

	in.logger.Info("upload staged", "upload_id", id, "files", len(manifest.Files))
	return manifest, nil
}

// Discard removes a staged upload.
func (in *Intake) Discard(m Manifest) error {
	if m.ID == "" {
		return nil
	}
	return in.staging.CleanupByID(m.ID)
}

// check validates the whole request and returns the sanitized file names.
func (in *Intake) check(req Request) ([]string, error) {
	if len(req.Files) == 0 {
		return nil, ErrEmptyUpload
	}
	if len(req.Files) > in.maxFiles {
		return nil, fmt.Errorf("%w: %d files exceeds the limit of %d", ErrPayloadTooLarge, len(req.Files), in.maxFiles)
	}
	if err := in.validate.Struct(req); err != nil {
		return nil, metadataError(err)
	}

	names := make([]string, len(req.Files))
	seen := make(map[string]struct{}, len(req.Files))
	for i, part := range req.Files {
		name := sanitizeName(part.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty file name", ErrInvalidFileType)
		}
		if !in.allowedExt(name) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidFileType, name)
		}
		if part.Size > in.maxFileSize {
			return nil, in.tooLarge(name)
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFile, name)
		}
		seen[key] = struct{}{}
		if part.Open == nil {
			return nil, fmt.Errorf("file %s has no content", name)
		}
		names[i] = name
	}
	return names, nil
}

func (in *Intake) store(dir, name string, part FilePart) (int64, error) {
	src, err := part.Open()
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", name, err)
	}
	n, copyErr := io.Copy(dst, io.LimitReader(src, in.maxFileSize+1))
	closeErr := dst.Close()
	if copyErr != nil {
		return 0, fmt.Errorf("write %s: %w", name, copyErr)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("close %s: %w", name, closeErr)
	}
	if n > in.maxFileSize {
		return 0, in.tooLarge(name)
	}
	return n, nil
}

func (in *Intake) discard(dir string) {
	if err := in.staging.Cleanup(dir); err != nil {
		in.logger.Warn("discard staging failed", "dir", dir, "error", err)
	}
}

func (in *Intake) allowedExt(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	_, ok := in.allowed[ext]
	return ok
}

func (in *Intake) tooLarge(name string) error {
	return fmt.Errorf("%w: %s exceeds %s", ErrPayloadTooLarge, name, humanize.IBytes(uint64(in.maxFileSize)))
}

// sanitizeName strips any directory components a client may have sent.
func sanitizeName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}

func contentType(name, declared string) string {
	if ct := strings.TrimSpace(declared); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func metadataError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	fe := verrs[0]
	return fmt.Errorf("%w: %s must be at most %s characters", ErrInvalidMetadata, fe.Field(), fe.Param())
}
