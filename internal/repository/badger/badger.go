// Package badger is an embedded durable registry backend for single-node installs
// that do not run PostgreSQL.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/repository"
)

const conflictRetries = 3

// Store persists registry records as JSON values in Badger.
//
// Key layout:
//
//	user:<id>                          -> User
//	user-email:<email>                 -> user id
//	project:<id>                       -> Project
//	owner:<ownerId>:project:<id>       -> empty (listing index)
//	deployment:<id>                    -> Deployment
//	project-deployment:<pid>:<id>      -> empty (listing index)
type Store struct {
	db  *badgerdb.DB
	now func() time.Time
}

var (
	_ repository.Store          = (*Store)(nil)
	_ repository.UserRepository = (*Store)(nil)
)

// Open opens (or creates) a store under dir.
func Open(dir string) (*Store, error) {
	opts := badgerdb.DefaultOptions(filepath.Clean(dir))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(16 << 20)
	return open(opts)
}

// OpenInMemory returns a store that keeps everything in memory; used by tests.
func OpenInMemory() (*Store, error) {
	opts := badgerdb.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badgerdb.Options) (*Store, error) {
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is still open.
func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

func userKey(id string) []byte        { return []byte("user:" + id) }
func emailKey(email string) []byte    { return []byte("user-email:" + strings.ToLower(email)) }
func projectKey(id string) []byte     { return []byte("project:" + id) }
func deploymentKey(id string) []byte  { return []byte("deployment:" + id) }
func ownerPrefix(owner string) []byte { return []byte("owner:" + owner + ":project:") }
func ownerKey(owner, id string) []byte {
	return append(ownerPrefix(owner), id...)
}
func projectDeploymentPrefix(projectID string) []byte {
	return []byte("project-deployment:" + projectID + ":")
}
func projectDeploymentKey(projectID, id string) []byte {
	return append(projectDeploymentPrefix(projectID), id...)
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *Store) update(fn func(txn *badgerdb.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badgerdb.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return repository.ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func setJSON(txn *badgerdb.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// CreateUser stores a user and its email index.
func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	return s.update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(emailKey(user.Email)); err == nil {
			return fmt.Errorf("email %s: %w", user.Email, repository.ErrConflict)
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, userKey(user.ID), storedUser{User: *user, Hash: user.PasswordHash}); err != nil {
			return err
		}
		return txn.Set(emailKey(user.Email), []byte(user.ID))
	})
}

// storedUser keeps the password hash, which domain.User hides from JSON.
type storedUser struct {
	domain.User
	Hash []byte `json:"passwordHash"`
}

func (s *Store) loadUser(txn *badgerdb.Txn, id string) (*domain.User, error) {
	var stored storedUser
	if err := getJSON(txn, userKey(id), &stored); err != nil {
		return nil, err
	}
	user := stored.User
	user.PasswordHash = stored.Hash
	return &user, nil
}

// GetUserByEmail looks a user up by email, case-insensitively.
func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	var user *domain.User
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(emailKey(email))
		if err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return repository.ErrNotFound
			}
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		user, err = s.loadUser(txn, string(id))
		return err
	})
	return user, err
}

// GetUserByID looks a user up by id.
func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	var user *domain.User
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		user, err = s.loadUser(txn, id)
		return err
	})
	return user, err
}

func putProject(txn *badgerdb.Txn, project *domain.Project) error {
	if err := setJSON(txn, projectKey(project.ID), project); err != nil {
		return err
	}
	return txn.Set(ownerKey(project.OwnerID, project.ID), nil)
}

func putDeployment(txn *badgerdb.Txn, deployment *domain.Deployment) error {
	if err := setJSON(txn, deploymentKey(deployment.ID), deployment); err != nil {
		return err
	}
	return txn.Set(projectDeploymentKey(deployment.ProjectID, deployment.ID), nil)
}

// CreateProject stores a project.
func (s *Store) CreateProject(_ context.Context, project *domain.Project) error {
	return s.update(func(txn *badgerdb.Txn) error {
		return putProject(txn, project)
	})
}

// CreateDeployment stores a deployment.
func (s *Store) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	return s.update(func(txn *badgerdb.Txn) error {
		return putDeployment(txn, deployment)
	})
}

// CreateProjectWithDeployment stores both records in one transaction.
func (s *Store) CreateProjectWithDeployment(_ context.Context, project *domain.Project, deployment *domain.Deployment) error {
	return s.update(func(txn *badgerdb.Txn) error {
		if err := putProject(txn, project); err != nil {
			return err
		}
		return putDeployment(txn, deployment)
	})
}

// UpdateProject applies update to a stored project.
func (s *Store) UpdateProject(_ context.Context, update domain.ProjectUpdate) (*domain.Project, error) {
	var out domain.Project
	err := s.update(func(txn *badgerdb.Txn) error {
		var current domain.Project
		if err := getJSON(txn, projectKey(update.ProjectID), &current); err != nil {
			return err
		}
		out = update.Apply(current, s.now())
		return setJSON(txn, projectKey(out.ID), out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProjectByID returns a project.
func (s *Store) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	var out domain.Project
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, projectKey(projectID), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProjectsByOwner returns the owner's projects, newest first.
func (s *Store) ListProjectsByOwner(_ context.Context, ownerID string) ([]domain.Project, error) {
	projects := make([]domain.Project, 0)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		prefix := ownerPrefix(ownerID)
		ids := keysWithPrefix(txn, prefix)
		for _, id := range ids {
			var p domain.Project
			if err := getJSON(txn, projectKey(id), &p); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					continue
				}
				return err
			}
			projects = append(projects, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(projects, func(i, j int) bool {
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})
	return projects, nil
}

// keysWithPrefix returns the key suffixes under prefix.
func keysWithPrefix(txn *badgerdb.Txn, prefix []byte) []string {
	opts := badgerdb.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	var out []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		out = append(out, string(key[len(prefix):]))
	}
	return out
}

// UpdateDeploymentStatus applies update when the lifecycle permits it.
func (s *Store) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) (*domain.Deployment, error) {
	var out domain.Deployment
	err := s.update(func(txn *badgerdb.Txn) error {
		var current domain.Deployment
		if err := getJSON(txn, deploymentKey(update.DeploymentID), &current); err != nil {
			return err
		}
		target := update.Status
		if target == "" {
			target = current.Status
		}
		if !domain.CanTransition(current.Status, target) {
			return fmt.Errorf("%s -> %s: %w", current.Status, target, repository.ErrInvalidTransition)
		}
		out = update.Apply(current, s.now())
		return setJSON(txn, deploymentKey(out.ID), out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDeploymentByID returns a deployment.
func (s *Store) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	var out domain.Deployment
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, deploymentKey(deploymentID), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDeploymentsByProject returns a project's deployments, newest first.
func (s *Store) ListDeploymentsByProject(_ context.Context, projectID string) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		for _, id := range keysWithPrefix(txn, projectDeploymentPrefix(projectID)) {
			var d domain.Deployment
			if err := getJSON(txn, deploymentKey(id), &d); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					continue
				}
				return err
			}
			deployments = append(deployments, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(deployments, func(i, j int) bool {
		return deployments[i].CreatedAt.After(deployments[j].CreatedAt)
	})
	return deployments, nil
}
