package middleware

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a session token fails verification.
var ErrInvalidToken = errors.New("auth: invalid token")

type contextKey string

const contextKeyUserID contextKey = "gridmesh.user"

const (
	sessionIssuer    = "gridmesh"
	defaultTTL       = 24 * time.Hour
	defaultClockSkew = 2 * time.Minute
)

// Sessions issues and verifies HMAC-signed session tokens. The subject claim
// carries the user id; there are no scopes, authorisation happens per resource.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewSessions constructs the session authority. ttl of zero uses the 24h
// default. An empty secret gets replaced with a random one so the API still
// works out of the box; tokens then stop verifying across restarts.
func NewSessions(secret string, ttl time.Duration, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	key := []byte(strings.TrimSpace(secret))
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("auth: read random secret: " + err.Error())
		}
		logger.Warn("no session secret configured, generated an ephemeral one; tokens will not survive a restart")
	}
	return &Sessions{
		secret: key,
		ttl:    ttl,
		logger: logger,
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the session clock. Intended for deterministic tests.
func (s *Sessions) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = time.Now
		return
	}
	s.nowFn = now
}

// Issue mints a signed session token for the user.
func (s *Sessions) Issue(userID string) (string, error) {
	if userID = strings.TrimSpace(userID); userID == "" {
		return "", errors.New("auth: user id required")
	}
	now := s.nowFn()
	claims := jwt.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses a session token and returns the user id it was issued for.
func (s *Sessions) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	},
		jwt.WithIssuer(sessionIssuer),
		jwt.WithLeeway(defaultClockSkew),
		jwt.WithTimeFunc(func() time.Time { return s.nowFn() }),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// authenticated user id on the request context.
func (s *Sessions) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}
			userID, err := s.Verify(tokenString)
			if err != nil {
				s.logger.Debug("session rejected", "error", err)
				writeUnauthorized(w, "invalid session token")
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the authenticated user id stored by Middleware, if any.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKeyUserID).(string)
	return id, ok && id != ""
}

// AdminKey gates a route group on the X-Admin-Key header. An empty configured
// key disables the group entirely.
func AdminKey(key string) func(http.Handler) http.Handler {
	key = strings.TrimSpace(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				http.Error(w, "admin interface disabled", http.StatusForbidden)
				return
			}
			presented := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
			if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				writeUnauthorized(w, "admin key required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
