// Package auth resolves the caller of a request to a stable user id.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/genproxy/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const SessionCookie = "session"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// SessionResolver returns the user id for a request, or an error wrapping
// domain.ErrUnauthenticated.
type SessionResolver interface {
	Resolve(ctx context.Context, r *http.Request) (string, error)
}

type SessionClaims struct {
	jwt.RegisteredClaims
}

// JWTResolver accepts HS256 tokens whose subject is the user id, from either
// a bearer Authorization header or the session cookie.
type JWTResolver struct {
	secret []byte
}

func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

// IssueToken signs a session token for userID.
func (j *JWTResolver) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

func (j *JWTResolver) parse(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return j.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (j *JWTResolver) Resolve(ctx context.Context, r *http.Request) (string, error) {
	tokenString := bearerToken(r)
	if tokenString == "" {
		if c, err := r.Cookie(SessionCookie); err == nil {
			tokenString = c.Value
		}
	}
	if tokenString == "" {
		return "", domain.ErrUnauthenticated
	}

	claims, err := j.parse(tokenString)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	return claims.Subject, nil
}

// APIKeyResolver maps static API keys to user ids. Keys are held only as
// SHA-256 digests.
type APIKeyResolver struct {
	users map[string]string
}

// NewAPIKeyResolver takes a map of raw key to user id.
func NewAPIKeyResolver(keys map[string]string) *APIKeyResolver {
	users := make(map[string]string, len(keys))
	for key, userID := range keys {
		users[HashAPIKey(key)] = userID
	}
	return &APIKeyResolver{users: users}
}

// ParseAPIKeys reads "key:user,key:user" pairs.
func ParseAPIKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, userID, ok := strings.Cut(pair, ":")
		if !ok || key == "" || userID == "" {
			return nil, fmt.Errorf("invalid api key entry %q", pair)
		}
		keys[key] = userID
	}
	return keys, nil
}

func (a *APIKeyResolver) Resolve(ctx context.Context, r *http.Request) (string, error) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = bearerToken(r)
	}
	if key == "" {
		return "", domain.ErrUnauthenticated
	}

	hashed := HashAPIKey(key)
	for h, userID := range a.users {
		if subtle.ConstantTimeCompare([]byte(h), []byte(hashed)) == 1 {
			return userID, nil
		}
	}
	return "", domain.ErrUnauthenticated
}

func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// ChainResolver tries each resolver in order and returns the first match.
type ChainResolver []SessionResolver

func (c ChainResolver) Resolve(ctx context.Context, r *http.Request) (string, error) {
	for _, res := range c {
		userID, err := res.Resolve(ctx, r)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, domain.ErrUnauthenticated) {
			return "", err
		}
	}
	return "", domain.ErrUnauthenticated
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type contextKey string

const userContextKey contextKey = "user_id"

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userContextKey).(string)
	return userID, ok && userID != ""
}

type Middleware struct {
	resolver SessionResolver
}

func NewMiddleware(resolver SessionResolver) *Middleware {
	return &Middleware{resolver: resolver}
}

// RequireSession rejects requests without a resolvable session before any
// further work is done.
func (m *Middleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := m.resolver.Resolve(r.Context(), r)
		if err != nil {
			if !errors.Is(err, domain.ErrUnauthenticated) {
				slog.Error("session resolution failed", "error", err)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized - No valid session"})
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}
