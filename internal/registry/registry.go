// Package registry creates and mutates projects and deployments on top of a
// repository.Store while tolerating an unreachable store.
//
// Every write is mirrored into an in-memory shadow. When the durable store
// fails for a reason other than a domain error, the registry logs, applies the
// write to the shadow and reports the result as degraded instead of failing.
// Reads fall back to the shadow the same way.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/repository"
	"github.com/ntando/computer/internal/repository/memory"
)

// Mode describes where the registry is currently reading and writing.
type Mode string

const (
	ModeDurable  Mode = "durable"
	ModeDegraded Mode = "degraded"
	ModeMemory   Mode = "memory"
)

// Result carries a value and whether it came from the in-memory fallback
// rather than the durable store.
type Result[T any] struct {
	Value    T
	Degraded bool
}

// Created is the pair of records written when an upload is accepted.
type Created struct {
	Project    domain.Project
	Deployment domain.Deployment
}

// Options tunes the circuit breaker guarding the durable store.
type Options struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Registry is the single entry point for project and deployment bookkeeping.
type Registry struct {
	primary repository.Store
	shadow  *memory.Store
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
	now     func() time.Time
	outage  atomic.Bool
}

// NewDurable returns a registry backed by primary with an in-memory fallback.
func NewDurable(primary repository.Store, logger *slog.Logger, opts Options) *Registry {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 3
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	r := &Registry{
		primary: primary,
		shadow:  memory.New(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	r.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "registry",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || repository.IsDomainError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("registry breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return r
}

// NewMemory returns a registry that only ever uses process memory.
func NewMemory(logger *slog.Logger) *Registry {
	return &Registry{
		shadow: memory.New(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Mode reports the registry's current operating mode.
func (r *Registry) Mode() Mode {
	if r.primary == nil {
		return ModeMemory
	}
	if r.outage.Load() || r.breaker.State() != gobreaker.StateClosed {
		return ModeDegraded
	}
	return ModeDurable
}

// BreakerState reports the circuit breaker state, or "none" in memory mode.
func (r *Registry) BreakerState() string {
	if r.breaker == nil {
		return "none"
	}
	return r.breaker.State().String()
}

// Ping checks the durable store directly, bypassing the breaker.
func (r *Registry) Ping(ctx context.Context) error {
	if r.primary == nil {
		return nil
	}
	return r.primary.Ping(ctx)
}

// Check pings the durable store and records the outcome, so a store that is
// down before any traffic arrives is already reported as degraded.
func (r *Registry) Check(ctx context.Context) error {
	if r.primary == nil {
		return nil
	}
	if err := r.primary.Ping(ctx); err != nil {
		r.noteOutage("ping", err)
		return err
	}
	r.noteHealthy()
	return nil
}

// guarded runs fn through the breaker.
func guarded[T any](r *Registry, fn func() (T, error)) (T, error) {
	out, err := r.breaker.Execute(func() (any, error) { return fn() })
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

func (r *Registry) noteOutage(op string, err error, attrs ...any) {
	r.outage.Store(true)
	fields := append([]any{"op", op, "error", err}, attrs...)
	r.logger.Warn("registry store unavailable, using in-memory state", fields...)
}

func (r *Registry) noteHealthy() {
	if r.outage.Swap(false) {
		r.logger.Info("registry store reachable again")
	}
}

type writeOp[T any] struct {
	name    string
	attrs   []any
	primary func() (T, error)
	shadow  func() (T, error)
	mirror  func(T)
	echo    func() T
}

func write[T any](r *Registry, op writeOp[T]) (Result[T], error) {
	if r.primary == nil {
		v, err := op.shadow()
		if err != nil {
			return Result[T]{}, err
		}
		return Result[T]{Value: v}, nil
	}
	v, err := guarded(r, op.primary)
	switch {
	case err == nil:
		r.noteHealthy()
		if op.mirror != nil {
			op.mirror(v)
		}
		return Result[T]{Value: v}, nil
	case errors.Is(err, repository.ErrNotFound):
		// records created during an outage exist only in the shadow
		if sv, serr := op.shadow(); serr == nil {
			return Result[T]{Value: sv, Degraded: true}, nil
		}
		return Result[T]{}, err
	case repository.IsDomainError(err):
		return Result[T]{}, err
	}

	r.noteOutage(op.name, err, op.attrs...)
	sv, serr := op.shadow()
	if serr == nil {
		return Result[T]{Value: sv, Degraded: true}, nil
	}
	if errors.Is(serr, repository.ErrInvalidTransition) {
		return Result[T]{}, serr
	}
	if op.echo != nil {
		return Result[T]{Value: op.echo(), Degraded: true}, nil
	}
	return Result[T]{}, serr
}

func read[T any](r *Registry, name string, primary, shadow func() (T, error), attrs ...any) (Result[T], error) {
	if r.primary == nil {
		v, err := shadow()
		return Result[T]{Value: v}, err
	}
	v, err := guarded(r, primary)
	switch {
	case err == nil:
		r.noteHealthy()
		return Result[T]{Value: v}, nil
	case errors.Is(err, repository.ErrNotFound):
		if sv, serr := shadow(); serr == nil {
			return Result[T]{Value: sv, Degraded: true}, nil
		}
		return Result[T]{}, err
	case repository.IsDomainError(err):
		return Result[T]{}, err
	}
	r.noteOutage(name, err, attrs...)
	sv, serr := shadow()
	return Result[T]{Value: sv, Degraded: true}, serr
}

// CreateProject stores a new project.
func (r *Registry) CreateProject(ctx context.Context, p domain.Project) (Result[domain.Project], error) {
	r.stampProject(&p)
	return write(r, writeOp[domain.Project]{
		name:    "create project",
		attrs:   []any{"project_id", p.ID},
		primary: func() (domain.Project, error) { return p, r.primary.CreateProject(ctx, &p) },
		shadow:  func() (domain.Project, error) { return p, r.shadow.CreateProject(ctx, &p) },
		mirror:  func(v domain.Project) { _ = r.shadow.CreateProject(ctx, &v) },
	})
}

// CreateDeployment stores a new deployment.
func (r *Registry) CreateDeployment(ctx context.Context, d domain.Deployment) (Result[domain.Deployment], error) {
	r.stampDeployment(&d)
	return write(r, writeOp[domain.Deployment]{
		name:    "create deployment",
		attrs:   []any{"deployment_id", d.ID},
		primary: func() (domain.Deployment, error) { return d, r.primary.CreateDeployment(ctx, &d) },
		shadow:  func() (domain.Deployment, error) { return d, r.shadow.CreateDeployment(ctx, &d) },
		mirror:  func(v domain.Deployment) { _ = r.shadow.CreateDeployment(ctx, &v) },
	})
}

// CreateProjectDeployment stores a project and its first deployment atomically.
func (r *Registry) CreateProjectDeployment(ctx context.Context, p domain.Project, d domain.Deployment) (Result[Created], error) {
	r.stampProject(&p)
	r.stampDeployment(&d)
	created := Created{Project: p, Deployment: d}
	return write(r, writeOp[Created]{
		name:  "create project deployment",
		attrs: []any{"project_id", p.ID, "deployment_id", d.ID},
		primary: func() (Created, error) {
			return created, r.primary.CreateProjectWithDeployment(ctx, &p, &d)
		},
		shadow: func() (Created, error) {
			return created, r.shadow.CreateProjectWithDeployment(ctx, &p, &d)
		},
		mirror: func(v Created) { _ = r.shadow.CreateProjectWithDeployment(ctx, &v.Project, &v.Deployment) },
	})
}

// UpdateDeployment applies update, refusing transitions the lifecycle forbids.
func (r *Registry) UpdateDeployment(ctx context.Context, update domain.DeploymentStatusUpdate) (Result[domain.Deployment], error) {
	return write(r, writeOp[domain.Deployment]{
		name:  "update deployment",
		attrs: []any{"deployment_id", update.DeploymentID, "status", update.Status},
		primary: func() (domain.Deployment, error) {
			return deref(r.primary.UpdateDeploymentStatus(ctx, update))
		},
		shadow: func() (domain.Deployment, error) {
			return deref(r.shadow.UpdateDeploymentStatus(ctx, update))
		},
		mirror: func(v domain.Deployment) { _ = r.shadow.CreateDeployment(ctx, &v) },
		echo: func() domain.Deployment {
			return update.Apply(domain.Deployment{ID: update.DeploymentID}, r.now())
		},
	})
}

// UpdateProject applies update to a project.
func (r *Registry) UpdateProject(ctx context.Context, update domain.ProjectUpdate) (Result[domain.Project], error) {
	return write(r, writeOp[domain.Project]{
		name:    "update project",
		attrs:   []any{"project_id", update.ProjectID, "status", update.Status},
		primary: func() (domain.Project, error) { return deref(r.primary.UpdateProject(ctx, update)) },
		shadow:  func() (domain.Project, error) { return deref(r.shadow.UpdateProject(ctx, update)) },
		mirror:  func(v domain.Project) { _ = r.shadow.CreateProject(ctx, &v) },
		echo: func() domain.Project {
			return update.Apply(domain.Project{ID: update.ProjectID}, r.now())
		},
	})
}

// ListProjects returns the owner's projects, newest first. It never fails on an outage.
func (r *Registry) ListProjects(ctx context.Context, ownerID string) (Result[[]domain.Project], error) {
	list := func(store repository.ProjectRepository) func() ([]domain.Project, error) {
		return func() ([]domain.Project, error) { return store.ListProjectsByOwner(ctx, ownerID) }
	}
	res, err := read(r, "list projects", list(r.primary), list(r.shadow), "owner_id", ownerID)
	if res.Value == nil {
		res.Value = []domain.Project{}
	}
	return res, err
}

// GetProject returns a project with its deployments. Projects owned by someone
// else are reported as repository.ErrNotFound.
func (r *Registry) GetProject(ctx context.Context, projectID, ownerID string) (Result[domain.ProjectDetail], error) {
	load := func(store repository.Store) func() (domain.ProjectDetail, error) {
		return func() (domain.ProjectDetail, error) {
			p, err := store.GetProjectByID(ctx, projectID)
			if err != nil {
				return domain.ProjectDetail{}, err
			}
			if p.OwnerID != ownerID {
				return domain.ProjectDetail{}, repository.ErrNotFound
			}
			deployments, err := store.ListDeploymentsByProject(ctx, projectID)
			if err != nil {
				return domain.ProjectDetail{}, err
			}
			return domain.ProjectDetail{Project: *p, Deployments: deployments}, nil
		}
	}
	var primary func() (domain.ProjectDetail, error)
	if r.primary != nil {
		primary = load(r.primary)
	}
	return read(r, "get project", primary, load(r.shadow), "project_id", projectID)
}

// GetDeployment returns a deployment owned by ownerID.
func (r *Registry) GetDeployment(ctx context.Context, deploymentID, ownerID string) (Result[domain.Deployment], error) {
	load := func(store repository.DeploymentRepository) func() (domain.Deployment, error) {
		return func() (domain.Deployment, error) {
			d, err := deref(store.GetDeploymentByID(ctx, deploymentID))
			if err != nil {
				return domain.Deployment{}, err
			}
			if d.OwnerID != ownerID {
				return domain.Deployment{}, repository.ErrNotFound
			}
			return d, nil
		}
	}
	var primary func() (domain.Deployment, error)
	if r.primary != nil {
		primary = load(r.primary)
	}
	return read(r, "get deployment", primary, load(r.shadow), "deployment_id", deploymentID)
}

func (r *Registry) stampProject(p *domain.Project) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if p.Status == "" {
		p.Status = domain.ProjectCreated
	}
}

func (r *Registry) stampDeployment(d *domain.Deployment) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.now()
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	if d.Status == "" {
		d.Status = domain.DeploymentProcessing
	}
}

func deref[T any](v *T, err error) (T, error) {
	if err != nil || v == nil {
		var zero T
		if err == nil {
			err = repository.ErrNotFound
		}
		return zero, err
	}
	return *v, nil
}
