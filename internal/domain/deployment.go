package domain

import "time"

// DeploymentStatus is a stage in a deployment's lifecycle.
type DeploymentStatus string

const (
	DeploymentProcessing DeploymentStatus = "PROCESSING"
	DeploymentBuilding   DeploymentStatus = "BUILDING"
	DeploymentSuccess    DeploymentStatus = "SUCCESS"
	DeploymentFailed     DeploymentStatus = "FAILED"
)

// rank orders statuses along the lifecycle; both terminal states share the last rank.
var rank = map[DeploymentStatus]int{
	DeploymentProcessing: 0,
	DeploymentBuilding:   1,
	DeploymentSuccess:    2,
	DeploymentFailed:     2,
}

// Valid reports whether s is a known status.
func (s DeploymentStatus) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Terminal reports whether no further transition is permitted out of s.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentSuccess || s == DeploymentFailed
}

// Rank returns the position of s in the lifecycle, or -1 when unknown.
func (s DeploymentStatus) Rank() int {
	if r, ok := rank[s]; ok {
		return r
	}
	return -1
}

// CanTransition reports whether a deployment in status from may move to status to.
// Staying in the same non-terminal status is allowed so progress messages can be updated.
func CanTransition(from, to DeploymentStatus) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	return to.Rank() >= from.Rank()
}

// FileInfo describes one uploaded file.
type FileInfo struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// Deployment captures a single attempt to publish a file set for a project.
type Deployment struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"projectId"`
	OwnerID     string           `json:"ownerId"`
	Status      DeploymentStatus `json:"status"`
	Files       []FileInfo       `json:"files"`
	Message     string           `json:"message,omitempty"`
	URL         string           `json:"url,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// Clone returns a copy that shares no mutable state with d.
func (d Deployment) Clone() Deployment {
	out := d
	if d.Files != nil {
		out.Files = append([]FileInfo(nil), d.Files...)
	}
	if d.CompletedAt != nil {
		ts := *d.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

// DeploymentStatusUpdate captures mutable fields for a deployment.
// Empty fields are left unchanged.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       DeploymentStatus
	Message      string
	URL          string
	Error        string
	CompletedAt  *time.Time
}

// Apply returns d with the update's non-empty fields written over it.
func (u DeploymentStatusUpdate) Apply(d Deployment, now time.Time) Deployment {
	out := d.Clone()
	if u.Status != "" {
		out.Status = u.Status
	}
	if u.Message != "" {
		out.Message = u.Message
	}
	if u.URL != "" {
		out.URL = u.URL
	}
	if u.Error != "" {
		out.Error = u.Error
	}
	if u.CompletedAt != nil {
		ts := *u.CompletedAt
		out.CompletedAt = &ts
	}
	out.UpdatedAt = now
	return out
}
