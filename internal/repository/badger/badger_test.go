package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProjectDeploymentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, time.May, 4, 9, 0, 0, 0, time.UTC)
	p := &domain.Project{ID: "p1", Name: "demo", OwnerID: "u1", Status: domain.ProjectCreated, CreatedAt: created}
	d := &domain.Deployment{
		ID: "d1", ProjectID: "p1", OwnerID: "u1", Status: domain.DeploymentProcessing,
		Files:     []domain.FileInfo{{Name: "index.html", Size: 12, ContentType: "text/html"}},
		CreatedAt: created,
	}
	if err := s.CreateProjectWithDeployment(ctx, p, d); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetDeploymentByID(ctx, "d1")
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if len(got.Files) != 1 || got.Files[0].Name != "index.html" {
		t.Fatalf("files not persisted: %+v", got.Files)
	}

	deps, err := s.ListDeploymentsByProject(ctx, "p1")
	if err != nil || len(deps) != 1 {
		t.Fatalf("expected one deployment, got %d (%v)", len(deps), err)
	}

	projects, err := s.ListProjectsByOwner(ctx, "u1")
	if err != nil || len(projects) != 1 || projects[0].Name != "demo" {
		t.Fatalf("unexpected projects %+v (%v)", projects, err)
	}
	if others, _ := s.ListProjectsByOwner(ctx, "u2"); len(others) != 0 {
		t.Fatalf("expected owner scoping, got %+v", others)
	}
}

func TestUpdateDeploymentStatusGuardsLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := &domain.Deployment{ID: "d1", ProjectID: "p1", OwnerID: "u1", Status: domain.DeploymentProcessing, CreatedAt: time.Now()}
	if err := s.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}
	done := time.Now().UTC()
	if _, err := s.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "d1", Status: domain.DeploymentFailed, Error: "boom", CompletedAt: &done}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	_, err := s.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "d1", Status: domain.DeploymentSuccess})
	if !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := s.GetDeploymentByID(ctx, "d1")
	if got.Status != domain.DeploymentFailed || got.Error != "boom" || got.CompletedAt == nil {
		t.Fatalf("unexpected terminal record %+v", got)
	}
}

func TestUsersKeepPasswordHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := &domain.User{ID: "u1", Email: "Dev@Example.com", PasswordHash: []byte("hash")}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateUser(ctx, &domain.User{ID: "u2", Email: "dev@example.com"}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, err := s.GetUserByEmail(ctx, "dev@example.com")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if string(got.PasswordHash) != "hash" {
		t.Fatalf("password hash lost: %q", got.PasswordHash)
	}
	if _, err := s.GetUserByID(ctx, "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
