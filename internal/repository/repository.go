package repository

import (
	"context"

	"github.com/ntando/computer/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ProjectRepository persists projects.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	UpdateProject(ctx context.Context, update domain.ProjectUpdate) (*domain.Project, error)
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error)
}

// DeploymentRepository stores deployment history.
// UpdateDeploymentStatus returns ErrInvalidTransition when the requested status
// would move the deployment backwards or out of a terminal state.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error)
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string) ([]domain.Deployment, error)
}

// Store is a complete registry backend.
type Store interface {
	ProjectRepository
	DeploymentRepository
	// CreateProjectWithDeployment persists both records atomically.
	CreateProjectWithDeployment(ctx context.Context, project *domain.Project, deployment *domain.Deployment) error
	Ping(ctx context.Context) error
}
