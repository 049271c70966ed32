// Package identity issues and verifies signed guest sessions.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const MaxDisplayNameLength = 32

var ErrInvalidToken = errors.New("invalid session token")
var ErrInvalidProfile = errors.New("invalid profile")

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Provider answers who is using a controller. It fails closed: ok is false
// until a user has authenticated.
type Provider interface {
	CurrentUser() (User, bool)
}

// Anonymous is the provider before sign-in.
type Anonymous struct{}

func (Anonymous) CurrentUser() (User, bool) { return User{}, false }

// Authenticated is a provider for a verified user.
type Authenticated User

func (a Authenticated) CurrentUser() (User, bool) {
	u := User(a)
	return u, u.ID != ""
}

type Claims struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// Sessions signs HS256 guest tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	newID  func() string
}

func NewSessions(secret string, ttl time.Duration) (*Sessions, error) {
	if secret == "" {
		return nil, errors.New("session secret is empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	return &Sessions{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// Issue creates a new guest identity and its token.
func (s *Sessions) Issue(displayName, avatarURL string) (string, User, error) {
	name := strings.TrimSpace(displayName)
	if name == "" || utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return "", User{}, fmt.Errorf("%w: display name must be 1-%d characters", ErrInvalidProfile, MaxDisplayNameLength)
	}
	avatar := strings.TrimSpace(avatarURL)
	if avatar != "" && !strings.HasPrefix(avatar, "https://") && !strings.HasPrefix(avatar, "http://") {
		return "", User{}, fmt.Errorf("%w: avatar must be an http(s) url", ErrInvalidProfile)
	}

	u := User{ID: s.newID(), DisplayName: name, AvatarURL: avatar}
	now := s.now()
	claims := Claims{
		Name:   u.DisplayName,
		Avatar: u.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", User{}, err
	}
	return token, u, nil
}

func (s *Sessions) Parse(token string) (User, error) {
	t, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := t.Claims.(*Claims)
	if !ok || !t.Valid || c.Subject == "" {
		return User{}, ErrInvalidToken
	}
	return User{ID: c.Subject, DisplayName: c.Name, AvatarURL: c.Avatar}, nil
}

// TokenFromRequest reads a bearer token, falling back to the "token" query
// parameter because browsers cannot set headers on websocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

func FromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(ctxKey{}).(User)
	return u, ok
}

// RequireAuth rejects requests without a valid session token and stores the
// session's User in the request context.
func (s *Sessions) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := s.Parse(TokenFromRequest(r))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
	})
}
