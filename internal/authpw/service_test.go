package authpw

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"lexicontract/api/internal/store"
)

// mockUserStore is an in-memory UserStore keyed by email.
type mockUserStore struct {
	users map[string]store.User
	orgs  map[string]string
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users: make(map[string]store.User),
		orgs:  make(map[string]string),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if user, ok := m.users[email]; ok {
		return user, nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) CreateUser(ctx context.Context, orgName string, user store.User) (store.User, error) {
	user.Role = "member"
	orgID, ok := m.orgs[orgName]
	if !ok {
		orgID = "org-" + orgName
		m.orgs[orgName] = orgID
		user.Role = "admin"
	}
	user.ID = "user-" + user.Email
	user.OrgID = orgID
	user.IsActive = true
	m.users[user.Email] = user
	return user, nil
}

func newTestService() (*Service, *mockUserStore) {
	users := newMockUserStore()
	svc := NewService(users)
	svc.cost = bcrypt.MinCost
	return svc, users
}

func TestSignUp(t *testing.T) {
	ctx := context.Background()
	svc, users := newTestService()

	t.Run("first user becomes admin", func(t *testing.T) {
		user, err := svc.SignUp(ctx, SignUpRequest{
			Email:            " Avery@Acme.test ",
			Password:         "password123",
			DisplayName:      "Avery",
			OrganizationName: "Acme",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.Email != "avery@acme.test" || user.Role != "admin" {
			t.Errorf("unexpected user %+v", user)
		}
		if user.PasswordHash == "password123" || user.PasswordHash == "" {
			t.Error("expected password to be hashed")
		}
	})

	t.Run("second user joins as member", func(t *testing.T) {
		user, err := svc.SignUp(ctx, SignUpRequest{
			Email:            "jamie@acme.test",
			Password:         "password123",
			OrganizationName: "Acme",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.Role != "member" || user.OrgID != users.orgs["Acme"] {
			t.Errorf("unexpected user %+v", user)
		}
		if user.DisplayName != "jamie" {
			t.Errorf("display name = %q, want local part of email", user.DisplayName)
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Email:            "avery@acme.test",
			Password:         "password123",
			OrganizationName: "Acme",
		})
		if !errors.Is(err, ErrEmailTaken) {
			t.Errorf("expected ErrEmailTaken, got %v", err)
		}
	})

	cases := []struct {
		name string
		req  SignUpRequest
	}{
		{name: "missing fields", req: SignUpRequest{}},
		{name: "short password", req: SignUpRequest{Email: "a@b.test", Password: "short", OrganizationName: "Acme"}},
		{name: "bad email", req: SignUpRequest{Email: "not-an-email", Password: "password123", OrganizationName: "Acme"}},
		{name: "missing organization", req: SignUpRequest{Email: "a@b.test", Password: "password123"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SignUp(ctx, tc.req)
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	svc, users := newTestService()

	if _, err := svc.SignUp(ctx, SignUpRequest{
		Email:            "test@example.com",
		Password:         "password123",
		DisplayName:      "Test User",
		OrganizationName: "Example",
	}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}

	t.Run("successful sign in", func(t *testing.T) {
		user, err := svc.SignIn(ctx, SignInRequest{Email: "TEST@example.com", Password: "password123"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.Email != "test@example.com" {
			t.Errorf("expected email test@example.com, got %s", user.Email)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.SignIn(ctx, SignInRequest{Email: "test@example.com", Password: "wrongpassword"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("unknown email", func(t *testing.T) {
		_, err := svc.SignIn(ctx, SignInRequest{Email: "nobody@example.com", Password: "password123"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("passwordless account", func(t *testing.T) {
		users.users["dev@example.com"] = store.User{ID: "dev", Email: "dev@example.com", IsActive: true}
		_, err := svc.SignIn(ctx, SignInRequest{Email: "dev@example.com", Password: "anything"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("disabled account", func(t *testing.T) {
		user := users.users["test@example.com"]
		user.IsActive = false
		users.users["test@example.com"] = user
		_, err := svc.SignIn(ctx, SignInRequest{Email: "test@example.com", Password: "password123"})
		if !errors.Is(err, ErrAccountDisabled) {
			t.Errorf("expected ErrAccountDisabled, got %v", err)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := svc.SignIn(ctx, SignInRequest{})
		var validation *ValidationError
		if !errors.As(err, &validation) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})
}
