package domain

import "time"

// StatusEvent is broadcast to observers of a deployment on every transition.
type StatusEvent struct {
	ProjectID    string           `json:"projectId"`
	DeploymentID string           `json:"deploymentId"`
	Status       DeploymentStatus `json:"status"`
	Message      string           `json:"message"`
	URL          string           `json:"url,omitempty"`
	Error        string           `json:"error,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// EventFromDeployment builds the event describing d's current state.
func EventFromDeployment(d Deployment) StatusEvent {
	ts := d.UpdatedAt
	if ts.IsZero() {
		ts = d.CreatedAt
	}
	return StatusEvent{
		ProjectID:    d.ProjectID,
		DeploymentID: d.ID,
		Status:       d.Status,
		Message:      d.Message,
		URL:          d.URL,
		Error:        d.Error,
		Timestamp:    ts,
	}
}
