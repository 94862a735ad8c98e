package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"escrowdesk/apperr"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", time.Hour)

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "supersafe",
		Name:     "Alice Seller",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Role != RoleUser {
		t.Fatalf("register: expected default role %s got %s", RoleUser, user.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: "Alice@Example.com", Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" || resp.SessionID == "" {
		t.Fatalf("login: expected token and session id, got %+v", resp)
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %d got %d", user.ID, resp.User.ID)
	}

	principal, err := svc.Authenticate(ctx, resp.Token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.UserID != user.ID || principal.Role != RoleUser {
		t.Fatalf("authenticate: unexpected principal %+v", principal)
	}
	if principal.SessionID != resp.SessionID {
		t.Fatalf("authenticate: expected session %q got %q", resp.SessionID, principal.SessionID)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret", 0)

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		Name:     "Alice",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	_, err = svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		Name:     "",
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := apperr.FieldsOf(err)
	if fields["email"] == "" || fields["name"] == "" {
		t.Fatalf("expected field errors for email and name, got %v", fields)
	}

	_, err = svc.Register(context.Background(), RegisterRequest{
		Email:    "bob@example.com",
		Password: "strongpassword",
		Name:     "Bob",
		Role:     "superuser",
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for unknown role, got %v", err)
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret", 0)

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		Name:     "Alice",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", 0)

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{Email: "a@b.c", Password: "longenough", Name: "A"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = svc.Login(context.Background(), LoginRequest{Email: "a@b.c", Password: "wrongpassword"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
}

func TestService_SuspendedUser(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", 0)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{Email: "s@example.com", Password: "longenough", Name: "S"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := svc.Login(ctx, LoginRequest{Email: "s@example.com", Password: "longenough"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	repo.suspend(user.ID)

	if _, err := svc.Authenticate(ctx, res.Token); !errors.Is(err, ErrSuspended) {
		t.Fatalf("expected ErrSuspended for existing session, got %v", err)
	}
	if _, err := svc.Login(ctx, LoginRequest{Email: "s@example.com", Password: "longenough"}); !errors.Is(err, ErrSuspended) {
		t.Fatalf("expected ErrSuspended on login, got %v", err)
	}
}

func TestService_VerifyTokenRejectsExpiredAndForeign(t *testing.T) {
	repo := newFakeRepository()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(repo, "test-secret", time.Hour).WithClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{Email: "e@example.com", Password: "longenough", Name: "E"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := svc.Login(ctx, LoginRequest{Email: "e@example.com", Password: "longenough"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := svc.VerifyToken(res.Token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	later := NewService(repo, "test-secret", time.Hour).WithClock(func() time.Time { return now.Add(2 * time.Hour) })
	if _, err := later.VerifyToken(res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	other := NewService(repo, "another-secret", time.Hour).WithClock(func() time.Time { return now })
	if _, err := other.VerifyToken(res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected token signed with another secret to be rejected, got %v", err)
	}
}

func TestRequireRole(t *testing.T) {
	admin := Principal{UserID: 1, Role: RoleAdmin}
	user := Principal{UserID: 2, Role: RoleUser}

	if err := RequireRole(admin, RoleAdmin, RoleSupport); err != nil {
		t.Fatalf("admin rejected: %v", err)
	}
	if err := RequireRole(user, RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := RequireRole(Principal{}, RoleUser); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	ctx := WithPrincipal(context.Background(), user)
	got, err := Require(ctx)
	if err != nil || got.UserID != 2 {
		t.Fatalf("expected principal from context, got %+v, %v", got, err)
	}
	if _, err := Require(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty context, got %v", err)
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID    map[int64]User
	nextID       int64
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[int64]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	email := strings.ToLower(params.Email)
	if _, exists := f.usersByEmail[email]; exists {
		return User{}, ErrDuplicateEmail
	}

	user := User{
		ID:           f.nextID,
		Email:        email,
		Name:         params.Name,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		Status:       StatusActive,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	f.nextID++

	f.usersByEmail[email] = user
	f.usersByID[user.ID] = user
	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID int64) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) CountUsers(ctx context.Context) (int, error) {
	return len(f.usersByID), nil
}

func (f *fakeRepository) suspend(id int64) {
	user := f.usersByID[id]
	user.Status = StatusSuspended
	f.usersByID[id] = user
	f.usersByEmail[user.Email] = user
}
