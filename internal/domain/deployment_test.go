package domain

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to DeploymentStatus
		want     bool
	}{
		{DeploymentProcessing, DeploymentBuilding, true},
		{DeploymentProcessing, DeploymentFailed, true},
		{DeploymentBuilding, DeploymentBuilding, true},
		{DeploymentBuilding, DeploymentSuccess, true},
		{DeploymentBuilding, DeploymentFailed, true},
		{DeploymentBuilding, DeploymentProcessing, false},
		{DeploymentSuccess, DeploymentFailed, false},
		{DeploymentFailed, DeploymentSuccess, false},
		{DeploymentSuccess, DeploymentSuccess, false},
		{DeploymentProcessing, DeploymentStatus("DONE"), false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusUpdateApplyKeepsUnsetFields(t *testing.T) {
	created := time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)
	dep := Deployment{
		ID:        "dep-1",
		Status:    DeploymentBuilding,
		Files:     []FileInfo{{Name: "index.html", Size: 10}},
		Message:   "building",
		CreatedAt: created,
	}
	done := created.Add(time.Minute)
	out := DeploymentStatusUpdate{Status: DeploymentSuccess, URL: "https://x", CompletedAt: &done}.Apply(dep, done)

	if out.Message != "building" {
		t.Fatalf("expected message untouched, got %q", out.Message)
	}
	if out.Status != DeploymentSuccess || out.URL != "https://x" {
		t.Fatalf("unexpected deployment %+v", out)
	}
	if out.CompletedAt == nil || !out.CompletedAt.Equal(done) {
		t.Fatalf("expected completedAt set")
	}
	out.Files[0].Name = "changed"
	if dep.Files[0].Name != "index.html" {
		t.Fatalf("apply must not alias the original files slice")
	}
}
