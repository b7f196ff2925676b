package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/service"
)

// AuthService defines the interface for authentication operations
// required by the HTTP handlers.
type AuthService interface {
	// Login verifies the credentials and issues a session token.
	Login(ctx context.Context, username, password string) (*service.LoginResult, error)
	// CreateUser hashes password and stores u.
	CreateUser(ctx context.Context, u *models.User, password string) error
}

// UserLister lists operator accounts.
type UserLister interface {
	GetAllUsers(ctx context.Context) ([]models.User, error)
}

// AuthHandler handles login and user management.
type AuthHandler struct {
	// AuthService performs the underlying authentication operations.
	AuthService AuthService
	// Users lists stored accounts.
	Users UserLister
}

// LoginRequest represents the JSON payload for login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login handles login requests. It expects a JSON body with non-empty
// username and password and responds with a bearer token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil || req.Username == "" || req.Password == "" {
		respondMessage(w, http.StatusBadRequest, "invalid request")
		return
	}

	res, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{
		"token":     res.Token,
		"expiresAt": res.ExpiresAt,
		"user":      res.User,
	})
}

// ListUsers returns every account without password hashes.
func (h *AuthHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Users.GetAllUsers(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]models.User, 0, len(users))
	for _, u := range users {
		u.PasswordHash = ""
		out = append(out, u)
	}
	respondJSON(w, http.StatusOK, out)
}

// CreateUser stores the account in the body. The plaintext "password"
// field is hashed before it is saved.
func (h *AuthHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	var u models.User
	var creds struct {
		Password string `json:"password"`
	}
	if json.Unmarshal(body, &u) != nil || json.Unmarshal(body, &creds) != nil {
		respondMessage(w, http.StatusBadRequest, errInvalidBody.Error())
		return
	}
	if creds.Password == "" && u.PasswordHash == "" {
		respondMessage(w, http.StatusBadRequest, "password is required")
		return
	}

	if creds.Password != "" {
		u.PasswordHash = ""
	}
	if err := h.AuthService.CreateUser(r.Context(), &u, creds.Password); err != nil {
		respondError(w, err)
		return
	}
	u.PasswordHash = ""
	respondOK(w, map[string]any{"usuario": u})
}
