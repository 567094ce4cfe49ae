package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/intake"
	"github.com/ntando/computer/internal/registry"
)

// SubmitMessage acknowledges an accepted upload.
const SubmitMessage = "Files uploaded successfully. Deployment started."

// Uploads stages incoming file sets.
type Uploads interface {
	Accept(ctx context.Context, req intake.Request) (intake.Manifest, error)
	Discard(m intake.Manifest) error
}

// Records creates the project and deployment for a submission.
type Records interface {
	Registry
	CreateProjectDeployment(ctx context.Context, p domain.Project, d domain.Deployment) (registry.Result[registry.Created], error)
}

// Starter launches background runs.
type Starter interface {
	Start(job Job) error
}

// SubmittedFile is the per-file summary returned to the uploader.
type SubmittedFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Submission acknowledges a started deployment.
type Submission struct {
	Message      string          `json:"message"`
	ProjectID    string          `json:"projectId"`
	DeploymentID string          `json:"deploymentId"`
	Files        []SubmittedFile `json:"files"`
	Degraded     bool            `json:"degraded,omitempty"`
}

// Service accepts uploads and hands them to the orchestrator.
type Service struct {
	uploads Uploads
	records Records
	starter Starter
	logger  *slog.Logger
	newID   func() string
	now     func() time.Time
}

// New returns a deployment submission service.
func New(uploads Uploads, records Records, starter Starter, logger *slog.Logger) Service {
	return Service{
		uploads: uploads,
		records: records,
		starter: starter,
		logger:  logger,
		newID:   uuid.NewString,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates and stages req, records a PROCESSING deployment owned by
// ownerID and starts it. Validation errors leave nothing behind.
func (s Service) Submit(ctx context.Context, ownerID string, req intake.Request) (Submission, error) {
	manifest, err := s.uploads.Accept(ctx, req)
	if err != nil {
		return Submission{}, err
	}

	now := s.now()
	project := domain.Project{
		ID:          s.newID(),
		Name:        manifest.ProjectName,
		Description: manifest.Description,
		OwnerID:     ownerID,
		Status:      domain.ProjectUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	deployment := domain.Deployment{
		ID:        s.newID(),
		ProjectID: project.ID,
		OwnerID:   ownerID,
		Status:    domain.DeploymentProcessing,
		Files:     manifest.Files,
		Message:   MessageProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := s.records.CreateProjectDeployment(ctx, project, deployment)
	if err != nil {
		s.discard(manifest)
		return Submission{}, fmt.Errorf("record deployment: %w", err)
	}
	if created.Degraded {
		s.logger.Warn("deployment recorded in degraded mode", "deployment_id", deployment.ID, "project_id", project.ID)
	}

	job := Job{
		DeploymentID: deployment.ID,
		ProjectID:    project.ID,
		ProjectName:  project.Name,
		UploadID:     manifest.ID,
		StagingDir:   manifest.Dir,
		Files:        manifest.Files,
	}
	if err := s.starter.Start(job); err != nil {
		s.discard(manifest)
		s.abandon(project.ID, deployment.ID, err)
		return Submission{}, fmt.Errorf("start deployment: %w", err)
	}

	files := make([]SubmittedFile, 0, len(manifest.Files))
	for _, f := range manifest.Files {
		files = append(files, SubmittedFile{Name: f.Name, Size: f.Size})
	}
	s.logger.Info("deployment submitted", "deployment_id", deployment.ID, "project_id", project.ID, "owner_id", ownerID, "files", len(files))
	return Submission{
		Message:      SubmitMessage,
		ProjectID:    project.ID,
		DeploymentID: deployment.ID,
		Files:        files,
		Degraded:     created.Degraded,
	}, nil
}

func (s Service) discard(m intake.Manifest) {
	if err := s.uploads.Discard(m); err != nil {
		s.logger.Warn("discard staged upload failed", "upload_id", m.ID, "error", err)
	}
}

// abandon marks a deployment that never started as failed.
func (s Service) abandon(projectID, deploymentID string, cause error) {
	ctx := context.Background()
	completed := s.now()
	reason := cause.Error()
	if _, err := s.records.UpdateDeployment(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       domain.DeploymentFailed,
		Message:      messageFailed + reason,
		Error:        reason,
		CompletedAt:  &completed,
	}); err != nil {
		s.logger.Warn("mark deployment failed", "deployment_id", deploymentID, "error", err)
	}
	if _, err := s.records.UpdateProject(ctx, domain.ProjectUpdate{ProjectID: projectID, Status: domain.ProjectFailed}); err != nil {
		s.logger.Warn("mark project failed", "project_id", projectID, "error", err)
	}
}
