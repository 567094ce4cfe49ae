package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/packaging"
	"github.com/ntando/computer/internal/registry"
	"github.com/ntando/computer/internal/repository"
)

// Status messages carried on deployment records and events.
const (
	MessageProcessing = "Processing upload..."
	MessageBuilding   = "Building deployment package..."
	MessageSuccess    = "Deployment completed successfully!"
	messageFailed     = "Deployment failed: "
)

// DefaultTimeout bounds a single run when none is configured.
const DefaultTimeout = 5 * time.Minute

var (
	ErrAlreadyRunning = errors.New("deployment already running")
	ErrShuttingDown   = errors.New("deployments are shutting down")
	// ErrFinished stops a run whose deployment already reached a terminal state.
	ErrFinished = errors.New("deployment already finished")
)

// Job is one deployment handed to the orchestrator.
type Job struct {
	DeploymentID string
	ProjectID    string
	ProjectName  string
	UploadID     string
	StagingDir   string
	Files        []domain.FileInfo
}

// Registry is the subset of the registry the orchestrator writes through.
type Registry interface {
	UpdateDeployment(ctx context.Context, update domain.DeploymentStatusUpdate) (registry.Result[domain.Deployment], error)
	UpdateProject(ctx context.Context, update domain.ProjectUpdate) (registry.Result[domain.Project], error)
}

// Packager publishes a staged upload.
type Packager interface {
	Package(ctx context.Context, in packaging.Input) (packaging.Result, error)
}

// Publisher delivers status events to observers.
type Publisher interface {
	Publish(deploymentID string, event domain.StatusEvent)
}

// Staging removes staged uploads once a run is over.
type Staging interface {
	CleanupByID(id string) error
}

// URLBuilder synthesises the public address of a published project.
type URLBuilder struct {
	// DomainSuffix yields https://<projectId><suffix> when set.
	DomainSuffix string
	BaseURL      string
}

// For returns the site URL for projectID.
func (u URLBuilder) For(projectID string) string {
	if suffix := strings.TrimSpace(u.DomainSuffix); suffix != "" {
		if !strings.HasPrefix(suffix, ".") {
			suffix = "." + suffix
		}
		return "https://" + projectID + suffix
	}
	base := strings.TrimRight(strings.TrimSpace(u.BaseURL), "/")
	if base == "" {
		base = "http://localhost:4000"
	}
	return base + "/sites/" + projectID + "/"
}

// OrchestratorOptions tunes run behaviour.
type OrchestratorOptions struct {
	Timeout time.Duration
	URLs    URLBuilder
}

// Orchestrator drives each deployment through its lifecycle in the background.
// At most one run per deployment id is active at a time.
type Orchestrator struct {
	registry Registry
	packager Packager
	bus      Publisher
	staging  Staging
	logger   *slog.Logger
	timeout  time.Duration
	urls     URLBuilder
	metrics  *metrics
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]chan struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewOrchestrator wires an orchestrator. staging may be nil.
func NewOrchestrator(reg Registry, pkg Packager, bus Publisher, staging Staging, logger *slog.Logger, opts OrchestratorOptions) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Orchestrator{
		registry: reg,
		packager: pkg,
		bus:      bus,
		staging:  staging,
		logger:   logger,
		timeout:  opts.Timeout,
		urls:     opts.URLs,
		metrics:  deploymentMetrics(),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]chan struct{}),
	}
}

// Start launches the run for job and returns immediately.
func (o *Orchestrator) Start(job Job) error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := o.inflight[job.DeploymentID]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, job.DeploymentID)
	}
	done := make(chan struct{})
	o.inflight[job.DeploymentID] = done
	o.wg.Add(1)
	o.mu.Unlock()

	o.metrics.inFlight.Inc()
	go o.run(job, done)
	return nil
}

// Wait blocks until the run for deploymentID finishes or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, deploymentID string) error {
	o.mu.Lock()
	done, ok := o.inflight[deploymentID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight reports how many runs are active.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// Shutdown refuses new runs and waits for the active ones.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d deployments: %w", o.InFlight(), ctx.Err())
	}
}

func (o *Orchestrator) run(job Job, done chan struct{}) {
	started := time.Now()
	logger := o.logger.With("deployment_id", job.DeploymentID, "project_id", job.ProjectID)
	defer func() {
		o.mu.Lock()
		delete(o.inflight, job.DeploymentID)
		o.mu.Unlock()
		close(done)
		o.metrics.inFlight.Dec()
		o.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	defer o.cleanupStaging(job, logger)

	status := domain.DeploymentSuccess
	url, err := o.build(ctx, job)
	switch {
	case errors.Is(err, ErrFinished):
		logger.Warn("run skipped, deployment already terminal")
		return
	case err != nil:
		status = domain.DeploymentFailed
		logger.Error("deployment failed", "error", err)
		o.fail(ctx, job, err)
	default:
		o.succeed(ctx, job, url)
		logger.Info("deployment succeeded", "url", url, "duration_ms", time.Since(started).Milliseconds())
	}
	o.metrics.total.WithLabelValues(string(status)).Inc()
	o.metrics.duration.WithLabelValues(string(status)).Observe(time.Since(started).Seconds())
}

func (o *Orchestrator) cleanupStaging(job Job, logger *slog.Logger) {
	if o.staging == nil || job.UploadID == "" {
		return
	}
	if err := o.staging.CleanupByID(job.UploadID); err != nil {
		logger.Warn("staging cleanup failed", "upload_id", job.UploadID, "error", err)
	}
}

// build covers the BUILDING stage. A panic is reported as an error so the run
// still reaches a terminal state.
func (o *Orchestrator) build(ctx context.Context, job Job) (url string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while packaging: %v", r)
		}
	}()

	err = o.transition(ctx, job,
		domain.DeploymentStatusUpdate{DeploymentID: job.DeploymentID, Status: domain.DeploymentBuilding, Message: MessageBuilding},
		domain.ProjectUpdate{ProjectID: job.ProjectID, Status: domain.ProjectBuilding},
	)
	if err != nil {
		// packaging would replace the site a finished deployment already published
		return "", fmt.Errorf("%w: %s", ErrFinished, job.DeploymentID)
	}

	res, err := o.packager.Package(ctx, packaging.Input{
		StagingDir:  job.StagingDir,
		Files:       job.Files,
		ProjectID:   job.ProjectID,
		ProjectName: job.ProjectName,
	})
	if err != nil {
		return "", err
	}
	o.logger.Debug("site packaged", "deployment_id", job.DeploymentID, "dir", res.Dir, "entry", res.EntrySource, "files", len(res.Files))
	return o.urls.For(job.ProjectID), nil
}

func (o *Orchestrator) succeed(ctx context.Context, job Job, url string) {
	completed := o.now()
	o.transition(ctx, job,
		domain.DeploymentStatusUpdate{
			DeploymentID: job.DeploymentID,
			Status:       domain.DeploymentSuccess,
			Message:      MessageSuccess,
			URL:          url,
			CompletedAt:  &completed,
		},
		domain.ProjectUpdate{ProjectID: job.ProjectID, Status: domain.ProjectDeployed, URL: url},
	)
}

func (o *Orchestrator) fail(ctx context.Context, job Job, cause error) {
	completed := o.now()
	reason := cause.Error()
	o.transition(ctx, job,
		domain.DeploymentStatusUpdate{
			DeploymentID: job.DeploymentID,
			Status:       domain.DeploymentFailed,
			Message:      messageFailed + reason,
			Error:        reason,
			CompletedAt:  &completed,
		},
		domain.ProjectUpdate{ProjectID: job.ProjectID, Status: domain.ProjectFailed},
	)
}

// transition records the new state and then announces it. Registry outages
// are already absorbed by the registry; an illegal transition suppresses the
// event and is returned.
func (o *Orchestrator) transition(ctx context.Context, job Job, update domain.DeploymentStatusUpdate, project domain.ProjectUpdate) error {
	// terminal writes must land even after the run deadline passed
	ctx = context.WithoutCancel(ctx)
	logger := o.logger.With("deployment_id", job.DeploymentID, "status", update.Status)

	res, err := o.registry.UpdateDeployment(ctx, update)
	switch {
	case errors.Is(err, repository.ErrInvalidTransition):
		logger.Warn("deployment transition rejected", "error", err)
		return err
	case err != nil:
		logger.Warn("deployment update failed", "error", err)
	case res.Degraded:
		logger.Warn("deployment update recorded in degraded mode")
	}
	if _, err := o.registry.UpdateProject(ctx, project); err != nil {
		logger.Warn("project update failed", "project_id", job.ProjectID, "error", err)
	}

	event := domain.StatusEvent{
		ProjectID:    job.ProjectID,
		DeploymentID: job.DeploymentID,
		Status:       update.Status,
		Message:      update.Message,
		URL:          update.URL,
		Error:        update.Error,
		Timestamp:    o.now(),
	}
	if err == nil && !res.Value.UpdatedAt.IsZero() {
		event.Timestamp = res.Value.UpdatedAt
	}
	o.bus.Publish(job.DeploymentID, event)
	return nil
}
