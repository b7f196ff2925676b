package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for unknown, malformed or expired tokens.
var ErrInvalidToken = errors.New("invalid token")

// Claims identify the holder of a token.
type Claims struct {
	Username  string
	Role      models.Role
	ExpiresAt time.Time
}

// TokenIssuer issues and validates session tokens.
type TokenIssuer interface {
	Issue(u *models.User) (string, Claims, error)
	Validate(token string) (Claims, error)
}

// NewIssuer returns the issuer named by kind: "jwt" or "opaque".
func NewIssuer(kind, secret string, ttl time.Duration) (TokenIssuer, error) {
	switch kind {
	case "", "jwt":
		if secret == "" {
			return nil, errors.New("jwt issuer requires a secret key")
		}
		return NewJWTIssuer([]byte(secret), ttl), nil
	case "opaque":
		return NewOpaqueIssuer(ttl), nil
	default:
		return nil, fmt.Errorf("unknown token issuer %q", kind)
	}
}

type jwtClaims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTIssuer signs HS256 tokens carrying sub, role and exp.
type JWTIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTIssuer(secret []byte, ttl time.Duration) *JWTIssuer {
	return &JWTIssuer{secret: secret, ttl: ttl, now: time.Now}
}

func (i *JWTIssuer) Issue(u *models.User) (string, Claims, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		Role: u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, Claims{Username: u.Username, Role: u.Role, ExpiresAt: exp}, nil
}

func (i *JWTIssuer) Validate(token string) (Claims, error) {
	var c jwtClaims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	out := Claims{Username: c.Subject, Role: c.Role}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

// OpaqueIssuer hands out random tokens backed by an in-memory session
// table. Sessions do not survive a restart.
type OpaqueIssuer struct {
	mu       sync.Mutex
	sessions map[string]Claims
	ttl      time.Duration
	now      func() time.Time
}

func NewOpaqueIssuer(ttl time.Duration) *OpaqueIssuer {
	return &OpaqueIssuer{sessions: make(map[string]Claims), ttl: ttl, now: time.Now}
}

func (i *OpaqueIssuer) Issue(u *models.User) (string, Claims, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", Claims{}, fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(b)
	c := Claims{Username: u.Username, Role: u.Role, ExpiresAt: i.now().Add(i.ttl)}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.sessions[token] = c
	return token, c, nil
}

func (i *OpaqueIssuer) Validate(token string) (Claims, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	c, ok := i.sessions[token]
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	if !i.now().Before(c.ExpiresAt) {
		delete(i.sessions, token)
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}
