package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/menudeck/menudeck/internal/apperr"
	"github.com/menudeck/menudeck/pkg/logger"
)

type ctxKey int

const (
	ctxUserKey ctxKey = iota
	ctxRoleKey
)

// Claims carries the authenticated identity through a request.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs a JWT for the given user.
func IssueToken(secret []byte, userID, role string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now().UTC()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Validation("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperr.Validation("invalid token")
	}
	return claims, nil
}

func userID(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserKey).(string)
	return id
}

func role(ctx context.Context) string {
	r, _ := ctx.Value(ctxRoleKey).(string)
	return r
}

func isAdmin(ctx context.Context) bool { return role(ctx) == "admin" }

// wrapWithAuth enforces bearer-token authentication on every path except the
// public ones.
func wrapWithAuth(next http.Handler, secret []byte, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi-auth")
	}
	public := map[string]bool{
		"/healthz":       true,
		"/metrics":       true,
		"/auth/login":    true,
		"/auth/register": true,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, apperr.Validation("missing or malformed Authorization header"))
			return
		}

		claims, err := parseToken(secret, parts[1])
		if err != nil {
			log.WithError(err).Warn("token validation failed")
			writeError(w, http.StatusUnauthorized, apperr.Validation("invalid token"))
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserKey, claims.UserID)
		ctx = context.WithValue(ctx, ctxRoleKey, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimiter applies a per-caller token bucket, keyed by user when
// authenticated and by remote address otherwise.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newRateLimiter(requestsPerSecond float64, burst int) *rateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 25
	}
	if burst <= 0 {
		burst = 50
	}
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

func (rl *rateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, ok := rl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

func (rl *rateLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := userID(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.limiterFor(key).Allow() {
			writeError(w, http.StatusTooManyRequests, apperr.Transient(nil, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withCORS answers preflight requests and stamps the permissive headers the
// dashboard needs.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
