package service

import (
	"context"
	"fmt"
	"testing"

	"mediamill/internal/domain"
)

type memoryUsers struct {
	byName map[string]*domain.User
	nextID int64
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{byName: make(map[string]*domain.User)}
}

func (m *memoryUsers) Init(ctx context.Context) error { return nil }

func (m *memoryUsers) Create(ctx context.Context, user *domain.User) (int64, error) {
	if _, ok := m.byName[user.Username]; ok {
		return 0, fmt.Errorf("user already exists")
	}
	m.nextID++
	user.ID = m.nextID
	copied := *user
	m.byName[user.Username] = &copied
	return user.ID, nil
}

func (m *memoryUsers) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	user, ok := m.byName[username]
	if !ok {
		return nil, fmt.Errorf("user not found")
	}
	copied := *user
	return &copied, nil
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := NewUserService(newMemoryUsers(), "letmein")

	user, err := svc.Register(context.Background(), "admin", "longenough", "letmein")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.PasswordHash != "" {
		t.Fatal("register leaked the password hash")
	}

	if _, err := svc.Authenticate(context.Background(), "admin", "longenough"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "admin", "wrongpass"); err != ErrInvalidCredentials {
		t.Fatalf("bad password error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Authenticate(context.Background(), "nobody", "longenough"); err != ErrInvalidCredentials {
		t.Fatalf("unknown user error = %v, want ErrInvalidCredentials", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := NewUserService(newMemoryUsers(), "letmein")

	if _, err := svc.Register(context.Background(), "", "longenough", "letmein"); err == nil {
		t.Fatal("empty username accepted")
	}
	if _, err := svc.Register(context.Background(), "admin", "short", "letmein"); err == nil {
		t.Fatal("short password accepted")
	}
	if _, err := svc.Register(context.Background(), "admin", "longenough", "wrong"); err != ErrInvalidRegistrationPassword {
		t.Fatal("wrong registration secret accepted")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc := NewUserService(newMemoryUsers(), "letmein")

	if _, err := svc.Register(context.Background(), "admin", "longenough", "letmein"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(context.Background(), "admin", "otherpassword", "letmein"); err != ErrUserAlreadyExists {
		t.Fatalf("duplicate register error = %v, want ErrUserAlreadyExists", err)
	}
}
