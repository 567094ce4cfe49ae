package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ntando/computer/internal/domain"
	"github.com/ntando/computer/internal/repository"
	"github.com/ntando/computer/internal/repository/memory"
	"github.com/ntando/computer/pkg/config"
	jwtpkg "github.com/ntando/computer/pkg/jwt"
)

var errDown = errors.New("connection refused")

type downUsers struct{}

func (downUsers) CreateUser(context.Context, *domain.User) error { return errDown }
func (downUsers) GetUserByEmail(context.Context, string) (*domain.User, error) {
	return nil, errDown
}
func (downUsers) GetUserByID(context.Context, string) (*domain.User, error) { return nil, errDown }

func newTestService(users repository.UserRepository) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(users, logger, config.APIConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Hour})
}

func TestRegisterLoginAuthorize(t *testing.T) {
	svc := newTestService(memory.New())
	ctx := context.Background()

	session, err := svc.Register(ctx, RegisterInput{Email: " Ada@Example.com ", Password: "correct horse", Name: "Ada"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if session.Token == "" || session.User.Email != "ada@example.com" || session.ExpiresIn != 3600 {
		t.Fatalf("unexpected session %+v", session)
	}

	login, err := svc.Login(ctx, LoginInput{Email: "ADA@example.com", Password: "correct horse"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	id, err := svc.Authorize(login.Token)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if id.UserID != session.User.ID || id.Email != "ada@example.com" {
		t.Fatalf("unexpected identity %+v", id)
	}
	me, err := svc.Me(ctx, id)
	if err != nil || me.Name != "Ada" {
		t.Fatalf("me: %+v %v", me, err)
	}
}

func TestRegisterRejectsDuplicatesAndBadInput(t *testing.T) {
	svc := newTestService(memory.New())
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@b.co", Password: "password1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Email: "A@B.co", Password: "password2"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	cases := []RegisterInput{
		{Email: "", Password: "password1"},
		{Email: "not-an-email", Password: "password1"},
		{Email: "c@d.co", Password: "short"},
	}
	for _, in := range cases {
		if _, err := svc.Register(ctx, in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %+v, got %v", in, err)
		}
	}
}

func TestLoginRejectsWrongCredentials(t *testing.T) {
	svc := newTestService(memory.New())
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@b.co", Password: "password1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Email: "a@b.co", Password: "password2"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Email: "x@b.co", Password: "password1"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestStoreOutage(t *testing.T) {
	svc := newTestService(downUsers{})
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@b.co", Password: "password1"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on register, got %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Email: "a@b.co", Password: "password1"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on login, got %v", err)
	}

	// tokens stay valid without the store
	token, err := jwtpkg.GenerateToken("user-9", "u@b.co", "test-secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if id, err := svc.Authorize(token); err != nil || id.UserID != "user-9" {
		t.Fatalf("expected stateless authorize, got %+v %v", id, err)
	}
}

func TestAuthorizeRejectsBadTokens(t *testing.T) {
	svc := newTestService(memory.New())
	foreign, _ := jwtpkg.GenerateToken("user-1", "", "other-secret", time.Minute)
	expired, _ := jwtpkg.GenerateToken("user-1", "", "test-secret", -time.Minute)
	for name, token := range map[string]string{"empty": "", "garbage": "abc.def.ghi", "foreign": foreign, "expired": expired} {
		if _, err := svc.Authorize(token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
}
