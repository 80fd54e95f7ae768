// Package authpw provides email/password authentication for organization members.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"lexicontract/api/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrAccountDisabled    = errors.New("account disabled")
)

const minPasswordLength = 8

// Service provides email/password authentication
type Service struct {
	store UserStore
	cost  int
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, orgName string, user store.User) (store.User, error)
}

func NewService(users UserStore) *Service {
	return &Service{store: users, cost: bcrypt.DefaultCost}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email            string
	Password         string
	DisplayName      string
	OrganizationName string
}

// ValidationError reports a malformed sign-up or sign-in request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// SignUp registers a user. Joining an organization that does not exist yet
// creates it with the new user as admin.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	req.OrganizationName = strings.TrimSpace(req.OrganizationName)

	if req.Email == "" || req.Password == "" || req.OrganizationName == "" {
		return store.User{}, &ValidationError{Message: "email, password, and organization name are required"}
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return store.User{}, &ValidationError{Message: "email is not a valid address"}
	}
	if len(req.Password) < minPasswordLength {
		return store.User{}, &ValidationError{Message: fmt.Sprintf("password must be at least %d characters", minPasswordLength)}
	}
	if req.DisplayName == "" {
		req.DisplayName = strings.SplitN(req.Email, "@", 2)[0]
	}

	_, err := s.store.GetUserByEmail(ctx, req.Email)
	if err == nil {
		return store.User{}, ErrEmailTaken
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, req.OrganizationName, store.User{
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		PasswordHash: string(hash),
	})
	if err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a user. Unknown emails and wrong passwords both
// yield ErrInvalidCredentials.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return store.User{}, &ValidationError{Message: "email and password are required"}
	}

	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if user.PasswordHash == "" {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return store.User{}, ErrAccountDisabled
	}
	return user, nil
}
