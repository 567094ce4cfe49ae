package project

import (
	"context"
	"errors"
	"strings"

	"log/slog"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/registry"
	"github.com/ntando/computer/internal/repository"
)

var (
	// ErrNotFound covers both missing records and records owned by someone else.
	ErrNotFound         = errors.New("not found")
	errMissingOwnerID   = errors.New("owner id required")
	errMissingProjectID = errors.New("project id required")
)

// Reader is the read side of the registry.
type Reader interface {
	ListProjects(ctx context.Context, ownerID string) (registry.Result[[]domain.Project], error)
	GetProject(ctx context.Context, projectID, ownerID string) (registry.Result[domain.ProjectDetail], error)
	GetDeployment(ctx context.Context, deploymentID, ownerID string) (registry.Result[domain.Deployment], error)
}

// Service answers ownership-scoped project and deployment queries.
type Service struct {
	registry Reader
	logger   *slog.Logger
}

// New returns a project service.
func New(reg Reader, logger *slog.Logger) Service {
	return Service{registry: reg, logger: logger}
}

// List returns the owner's projects, newest first. During a store outage the
// list only holds what this process recorded.
func (s Service) List(ctx context.Context, ownerID string) ([]domain.Project, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, errMissingOwnerID
	}
	res, err := s.registry.ListProjects(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if res.Degraded {
		s.logger.Warn("project list served from memory", "owner_id", ownerID)
	}
	return res.Value, nil
}

// Get returns a project and its deployments.
func (s Service) Get(ctx context.Context, ownerID, projectID string) (domain.ProjectDetail, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.ProjectDetail{}, errMissingProjectID
	}
	res, err := s.registry.GetProject(ctx, projectID, ownerID)
	if err != nil {
		return domain.ProjectDetail{}, notFound(err)
	}
	if res.Value.Deployments == nil {
		res.Value.Deployments = []domain.Deployment{}
	}
	return res.Value, nil
}

// Deployment returns a single deployment.
func (s Service) Deployment(ctx context.Context, ownerID, deploymentID string) (domain.Deployment, error) {
	res, err := s.registry.GetDeployment(ctx, deploymentID, ownerID)
	if err != nil {
		return domain.Deployment{}, notFound(err)
	}
	return res.Value, nil
}

// Status returns the event describing a deployment's current state.
func (s Service) Status(ctx context.Context, ownerID, deploymentID string) (domain.StatusEvent, error) {
	d, err := s.Deployment(ctx, ownerID, deploymentID)
	if err != nil {
		return domain.StatusEvent{}, err
	}
	return domain.EventFromDeployment(d), nil
}

func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
