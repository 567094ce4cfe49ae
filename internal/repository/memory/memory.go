// Package memory is a process-local registry backend. It serves as the
// in-memory registry mode and as the shadow the registry falls back to when the
// durable store is unreachable.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/repository"
)

// Store keeps users, projects and deployments in mutex-guarded maps.
type Store struct {
	mu          sync.RWMutex
	now         func() time.Time
	users       map[string]domain.User
	emails      map[string]string
	projects    map[string]domain.Project
	deployments map[string]domain.Deployment
	byProject   map[string][]string
}

var (
	_ repository.Store          = (*Store)(nil)
	_ repository.UserRepository = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		now:         func() time.Time { return time.Now().UTC() },
		users:       make(map[string]domain.User),
		emails:      make(map[string]string),
		projects:    make(map[string]domain.Project),
		deployments: make(map[string]domain.Deployment),
		byProject:   make(map[string][]string),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// CreateUser stores a user keyed by id and lower-cased email.
func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(user.Email)
	if _, ok := s.emails[email]; ok {
		return fmt.Errorf("email %s: %w", email, repository.ErrConflict)
	}
	s.users[user.ID] = *user
	s.emails[email] = user.ID
	return nil
}

// GetUserByEmail looks a user up by email, case-insensitively.
func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	user := s.users[id]
	return &user, nil
}

// GetUserByID looks a user up by id.
func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &user, nil
}

// CreateProject stores a project, replacing any record with the same id.
func (s *Store) CreateProject(_ context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = *project
	return nil
}

// UpdateProject applies update to a stored project.
func (s *Store) UpdateProject(_ context.Context, update domain.ProjectUpdate) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.projects[update.ProjectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	next := update.Apply(current, s.now())
	s.projects[next.ID] = next
	return &next, nil
}

// GetProjectByID returns a project.
func (s *Store) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &project, nil
}

// ListProjectsByOwner returns the owner's projects, newest first.
func (s *Store) ListProjectsByOwner(_ context.Context, ownerID string) ([]domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	projects := make([]domain.Project, 0)
	for _, p := range s.projects {
		if p.OwnerID == ownerID {
			projects = append(projects, p)
		}
	}
	sort.SliceStable(projects, func(i, j int) bool {
		if projects[i].CreatedAt.Equal(projects[j].CreatedAt) {
			return projects[i].ID > projects[j].ID
		}
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})
	return projects, nil
}

// CreateDeployment stores a deployment and indexes it under its project.
func (s *Store) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putDeployment(deployment.Clone())
	return nil
}

// CreateProjectWithDeployment stores both records under a single lock.
func (s *Store) CreateProjectWithDeployment(_ context.Context, project *domain.Project, deployment *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = *project
	s.putDeployment(deployment.Clone())
	return nil
}

func (s *Store) putDeployment(d domain.Deployment) {
	if _, exists := s.deployments[d.ID]; !exists {
		s.byProject[d.ProjectID] = append(s.byProject[d.ProjectID], d.ID)
	}
	s.deployments[d.ID] = d
}

// UpdateDeploymentStatus applies update when the lifecycle permits it.
func (s *Store) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.deployments[update.DeploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	target := update.Status
	if target == "" {
		target = current.Status
	}
	if !domain.CanTransition(current.Status, target) {
		return nil, fmt.Errorf("%s -> %s: %w", current.Status, target, repository.ErrInvalidTransition)
	}
	next := update.Apply(current, s.now())
	s.deployments[next.ID] = next
	out := next.Clone()
	return &out, nil
}

// GetDeploymentByID returns a deployment.
func (s *Store) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := d.Clone()
	return &out, nil
}

// ListDeploymentsByProject returns a project's deployments, newest first.
func (s *Store) ListDeploymentsByProject(_ context.Context, projectID string) ([]domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byProject[projectID]
	out := make([]domain.Deployment, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.deployments[ids[i]].Clone())
	}
	return out, nil
}
