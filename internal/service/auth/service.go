package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/repository"
	"github.com/ntando/computer/pkg/config"
	"github.com/ntando/computer/pkg/crypto"
	jwtpkg "github.com/ntando/computer/pkg/jwt"
)

var (
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrEmailTaken         = errors.New("auth: email already registered")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrUnavailable        = errors.New("auth: user store unavailable")
)

// Service handles authentication workflows.
type Service struct {
	users    repository.UserRepository
	logger   *slog.Logger
	cfg      config.APIConfig
	validate *validator.Validate
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, logger: logger, cfg: cfg, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// RegisterInput is a signup request.
type RegisterInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"max=100"`
}

// LoginInput is a login request.
type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Session is an issued access token.
type Session struct {
	Token     string       `json:"token"`
	ExpiresIn int64        `json:"expiresIn"`
	User      *domain.User `json:"user"`
}

// Identity is what a valid token proves about its bearer.
type Identity struct {
	UserID string
	Email  string
}

// Register creates an account and signs the user in.
func (s Service) Register(ctx context.Context, in RegisterInput) (Session, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	if err := s.validate.Struct(in); err != nil {
		return Session{}, inputError(err)
	}
	hash, err := crypto.HashPassword(in.Password)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return Session{}, ErrEmailTaken
		}
		s.logger.Error("create user failed", "error", err)
		return Session{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return s.session(user)
}

// Login authenticates a user by email and password.
func (s Service) Login(ctx context.Context, in LoginInput) (Session, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := s.validate.Struct(in); err != nil {
		return Session{}, inputError(err)
	}
	user, err := s.users.GetUserByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Session{}, ErrInvalidCredentials
		}
		s.logger.Error("load user failed", "error", err)
		return Session{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := crypto.ComparePassword(user.PasswordHash, in.Password); err != nil {
		if errors.Is(err, crypto.ErrPasswordMismatch) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return s.session(user)
}

// Authorize validates a bearer token. It needs no store access so it keeps
// working while the user store is down.
func (s Service) Authorize(token string) (Identity, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Identity{}, fmt.Errorf("%w: token required", ErrUnauthorized)
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return Identity{UserID: claims.UserID, Email: claims.Email}, nil
}

// Me returns the account behind id.
func (s Service) Me(ctx context.Context, id Identity) (*domain.User, error) {
	user, err := s.users.GetUserByID(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return user, nil
}

func (s Service) session(user *domain.User) (Session, error) {
	token, err := jwtpkg.GenerateToken(user.ID, user.Email, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresIn: int64(s.cfg.AccessTokenTTL.Seconds()), User: user}, nil
}

func inputError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	case "email":
		return fmt.Errorf("%w: %s must be a valid email address", ErrInvalidInput, field)
	case "min":
		return fmt.Errorf("%w: %s must be at least %s characters", ErrInvalidInput, field, fe.Param())
	case "max":
		return fmt.Errorf("%w: %s must be at most %s characters", ErrInvalidInput, field, fe.Param())
	}
	return fmt.Errorf("%w: %s is invalid", ErrInvalidInput, field)
}
