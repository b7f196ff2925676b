package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/atinyakov/bicicletario/internal/auth"
	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/repository"
	"go.uber.org/zap"
)

// ErrInvalidCredentials is returned for an unknown user, an inactive user
// or a wrong password alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

// UserRepository defines the persistence operations required by the
// authentication service.
type UserRepository interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetAllUsers(ctx context.Context) ([]models.User, error)
	SaveUser(ctx context.Context, u *models.User) error
}

// AuthService verifies credentials and issues session tokens.
type AuthService struct {
	repo   UserRepository
	hasher auth.PasswordHasher
	tokens auth.TokenIssuer
	log    *zap.Logger
}

// NewAuthService constructs a new AuthService.
func NewAuthService(repo UserRepository, hasher auth.PasswordHasher, tokens auth.TokenIssuer, log *zap.Logger) *AuthService {
	return &AuthService{repo: repo, hasher: hasher, tokens: tokens, log: log}
}

// LoginResult is returned on a successful login. User carries no password
// hash.
type LoginResult struct {
	Token     string           `json:"token"`
	ExpiresAt models.Timestamp `json:"expiresAt"`
	User      models.User      `json:"user"`
}

// Login checks username and password against an active user and issues a
// token.
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	u, err := s.repo.GetUserByUsername(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !u.Active || !s.hasher.Verify(u.PasswordHash, password) {
		s.log.Info("login rejected", zap.String("username", username))
		return nil, ErrInvalidCredentials
	}

	token, claims, err := s.tokens.Issue(u)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = ""
	return &LoginResult{Token: token, ExpiresAt: models.At(claims.ExpiresAt), User: *u}, nil
}

// Validate resolves a bearer token.
func (s *AuthService) Validate(token string) (auth.Claims, error) {
	return s.tokens.Validate(token)
}

// CreateUser hashes password, when given, into u and saves it. The hash is
// cleared from u afterwards.
func (s *AuthService) CreateUser(ctx context.Context, u *models.User, password string) error {
	if password != "" {
		hash, err := s.hasher.Hash(password)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		u.PasswordHash = hash
	}
	if err := s.repo.SaveUser(ctx, u); err != nil {
		return err
	}
	u.PasswordHash = ""
	return nil
}

// SeedAdmin creates the default admin user when no user exists. It
// reports whether a user was created.
func (s *AuthService) SeedAdmin(ctx context.Context, password string) (bool, error) {
	users, err := s.repo.GetAllUsers(ctx)
	if err != nil {
		return false, err
	}
	if len(users) > 0 {
		return false, nil
	}
	admin := &models.User{
		Username: "admin",
		Name:     "Administrador",
		Role:     models.RoleAdmin,
		Active:   true,
	}
	if err := s.CreateUser(ctx, admin, password); err != nil {
		return false, fmt.Errorf("seed admin: %w", err)
	}
	s.log.Info("default admin user created")
	return true, nil
}
