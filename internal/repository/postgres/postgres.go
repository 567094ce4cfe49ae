package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository = (*Repository)(nil)
	_ repository.Store          = (*Repository)(nil)
)

// queryer is satisfied by both the pool and a transaction.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, user.ID, strings.ToLower(user.Email), user.Name, user.PasswordHash, user.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("email %s: %w", user.Email, repository.ErrConflict)
	}
	return err
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, name, password_hash, created_at FROM users WHERE email = $1`
	return scanUser(r.pool.QueryRow(ctx, query, strings.ToLower(email)))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, name, password_hash, created_at FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	return insertProject(ctx, r.pool, project)
}

func insertProject(ctx context.Context, q queryer, project *domain.Project) error {
	const query = `INSERT INTO projects (id, owner_id, name, description, status, url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := q.Exec(ctx, query,
		project.ID,
		project.OwnerID,
		project.Name,
		project.Description,
		string(project.Status),
		project.URL,
		project.CreatedAt,
		updatedOrCreated(project.UpdatedAt, project.CreatedAt),
	)
	return err
}

const projectColumns = `id, owner_id, name, description, status, url, created_at, updated_at`

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	var status string
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &status, &p.URL, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	p.Status = domain.ProjectStatus(status)
	return &p, nil
}

// UpdateProject applies non-empty fields of update.
func (r *Repository) UpdateProject(ctx context.Context, update domain.ProjectUpdate) (*domain.Project, error) {
	const query = `UPDATE projects
		SET status = COALESCE($2, status),
			url = COALESCE($3, url),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + projectColumns
	return scanProject(r.pool.QueryRow(ctx, query,
		update.ProjectID,
		emptyToNil(string(update.Status)),
		emptyToNil(update.URL),
	))
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// ListProjectsByOwner lists the owner's projects, newest first.
func (r *Repository) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return insertDeployment(ctx, r.pool, deployment)
}

func insertDeployment(ctx context.Context, q queryer, deployment *domain.Deployment) error {
	files, err := json.Marshal(deployment.Files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}
	const query = `INSERT INTO deployments (id, project_id, owner_id, status, files, message, url, error, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = q.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		deployment.OwnerID,
		string(deployment.Status),
		files,
		deployment.Message,
		deployment.URL,
		deployment.Error,
		deployment.CreatedAt,
		updatedOrCreated(deployment.UpdatedAt, deployment.CreatedAt),
		timePtrToNil(deployment.CompletedAt),
	)
	return err
}

// CreateProjectWithDeployment inserts both records in one transaction.
func (r *Repository) CreateProjectWithDeployment(ctx context.Context, project *domain.Project, deployment *domain.Deployment) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertProject(ctx, tx, project); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := insertDeployment(ctx, tx, deployment); err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	return tx.Commit(ctx)
}

const deploymentColumns = `id, project_id, owner_id, status, files, message, url, error, created_at, updated_at, completed_at`

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var status string
	var files []byte
	if err := row.Scan(&d.ID, &d.ProjectID, &d.OwnerID, &status, &files, &d.Message, &d.URL, &d.Error, &d.CreatedAt, &d.UpdatedAt, &d.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	if len(files) > 0 {
		if err := json.Unmarshal(files, &d.Files); err != nil {
			return nil, fmt.Errorf("decode files: %w", err)
		}
	}
	return &d, nil
}

// UpdateDeploymentStatus locks the row, checks the lifecycle and applies update.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var current string
	if err := tx.QueryRow(ctx, `SELECT status FROM deployments WHERE id = $1 FOR UPDATE`, update.DeploymentID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	from := domain.DeploymentStatus(current)
	target := update.Status
	if target == "" {
		target = from
	}
	if !domain.CanTransition(from, target) {
		return nil, fmt.Errorf("%s -> %s: %w", from, target, repository.ErrInvalidTransition)
	}

	const query = `UPDATE deployments
		SET status = COALESCE($2, status),
			message = COALESCE($3, message),
			url = COALESCE($4, url),
			error = COALESCE($5, error),
			completed_at = COALESCE($6, completed_at),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + deploymentColumns
	d, err := scanDeployment(tx.QueryRow(ctx, query,
		update.DeploymentID,
		emptyToNil(string(update.Status)),
		emptyToNil(update.Message),
		emptyToNil(update.URL),
		emptyToNil(update.Error),
		timePtrToNil(update.CompletedAt),
	))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// ListDeploymentsByProject fetches a project's deployments, newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE project_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func timePtrToNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func updatedOrCreated(updated, created time.Time) time.Time {
	if updated.IsZero() {
		return created
	}
	return updated
}
