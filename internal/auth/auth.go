// Package auth issues and validates bearer tokens and enforces roles.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pifleet/panel/internal/config"
)

var (
	ErrMissingToken       = errors.New("missing bearer token")
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token expired")
	ErrForbidden          = errors.New("insufficient permissions")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotConfigured      = errors.New("JWT secret not configured")
)

// Role orders what a caller may do.
type Role string

const (
	RoleReadonly Role = "readonly"
	RoleAdmin    Role = "admin"
)

var roleLevel = map[Role]int{RoleReadonly: 0, RoleAdmin: 1}

// Allows reports whether r satisfies required.
func (r Role) Allows(required Role) bool {
	have, ok := roleLevel[r]
	if !ok {
		return false
	}
	return have >= roleLevel[required]
}

// Identity is an authenticated caller.
type Identity struct {
	Subject string `json:"sub"`
	Role    Role   `json:"role"`
}

// Claims is the JWT payload.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Manager validates static and signed tokens and checks local accounts.
type Manager struct {
	secret       []byte
	ttl          time.Duration
	appToken     string
	adminUser    string
	adminPass    string
	readonlyUser string
	readonlyPass string
	now          func() time.Time
}

// NewManager creates a Manager from configuration.
func NewManager(cfg config.AuthConfig) *Manager {
	ttl := cfg.JWTTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Manager{
		secret:       []byte(cfg.JWTSecret),
		ttl:          ttl,
		appToken:     strings.TrimSpace(cfg.AppToken),
		adminUser:    cfg.AdminUser,
		adminPass:    cfg.AdminPass,
		readonlyUser: cfg.ReadonlyUser,
		readonlyPass: cfg.ReadonlyPass,
		now:          time.Now,
	}
}

// TTL is the lifetime of issued tokens.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue signs a token for subject with role.
func (m *Manager) Issue(subject string, role Role) (string, error) {
	if len(m.secret) == 0 {
		return "", ErrNotConfigured
	}
	if _, ok := roleLevel[role]; !ok {
		return "", fmt.Errorf("unknown role %q", role)
	}

	now := m.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Authenticate resolves a raw token to an identity. The configured static
// app token maps to an admin identity named "legacy".
func (m *Manager) Authenticate(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrMissingToken
	}
	if m.appToken != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(m.appToken)) == 1 {
		return Identity{Subject: "legacy", Role: RoleAdmin}, nil
	}
	if len(m.secret) == 0 {
		return Identity{}, ErrNotConfigured
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	role := claims.Role
	if role == "" {
		role = RoleReadonly
	}
	if _, ok := roleLevel[role]; !ok {
		return Identity{}, fmt.Errorf("%w: role %q", ErrForbidden, role)
	}
	return Identity{Subject: claims.Subject, Role: role}, nil
}

// Authorize authenticates raw and checks it carries at least required.
func (m *Manager) Authorize(raw string, required Role) (Identity, error) {
	id, err := m.Authenticate(raw)
	if err != nil {
		return Identity{}, err
	}
	if !id.Role.Allows(required) {
		return Identity{}, ErrForbidden
	}
	return id, nil
}

// Validate reports whether raw authenticates with at least required.
func (m *Manager) Validate(raw string, required Role) bool {
	_, err := m.Authorize(raw, required)
	return err == nil
}

// CheckCredentials matches a username and password against the local accounts.
func (m *Manager) CheckCredentials(username, password string) (Identity, error) {
	if m.adminUser != "" && equal(username, m.adminUser) && equal(password, m.adminPass) {
		return Identity{Subject: username, Role: RoleAdmin}, nil
	}
	if m.readonlyUser != "" && equal(username, m.readonlyUser) && equal(password, m.readonlyPass) {
		return Identity{Subject: username, Role: RoleReadonly}, nil
	}
	return Identity{}, ErrInvalidCredentials
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// ExtractToken normalises a token passed outside the Authorization header,
// such as a query parameter, where clients sometimes keep the "Bearer " prefix.
func ExtractToken(value string) string {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(value, "Bearer "))
	}
	return value
}
