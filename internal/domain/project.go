package domain

import "time"

// ProjectStatus summarises the outcome of a project's latest deployment.
type ProjectStatus string

const (
	ProjectCreated   ProjectStatus = "CREATED"
	ProjectUploading ProjectStatus = "UPLOADING"
	ProjectBuilding  ProjectStatus = "BUILDING"
	ProjectDeployed  ProjectStatus = "DEPLOYED"
	ProjectFailed    ProjectStatus = "FAILED"
)

// Valid reports whether s is a known project status.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectCreated, ProjectUploading, ProjectBuilding, ProjectDeployed, ProjectFailed:
		return true
	}
	return false
}

// Project describes a deployable static site.
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	OwnerID     string        `json:"ownerId"`
	Status      ProjectStatus `json:"status"`
	URL         string        `json:"url,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// ProjectUpdate captures mutable project fields. Empty fields are left unchanged.
type ProjectUpdate struct {
	ProjectID string
	Status    ProjectStatus
	URL       string
}

// Apply returns p with the update's non-empty fields written over it.
func (u ProjectUpdate) Apply(p Project, now time.Time) Project {
	if u.Status != "" {
		p.Status = u.Status
	}
	if u.URL != "" {
		p.URL = u.URL
	}
	p.UpdatedAt = now
	return p
}

// ProjectDetail is a project together with its deployments, newest first.
type ProjectDetail struct {
	Project
	Deployments []Deployment `json:"deployments"`
}
