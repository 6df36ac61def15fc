package api

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const ctxKeyRequestID contextKey = "request_id"

// requestIDMiddleware generates a unique request ID for each request.
// If the client sends an X-Request-ID header, it is used; otherwise one
// is generated.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each HTTP request with method, path, status, and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
	})
}

// recoveryMiddleware catches panics in handlers and returns a 500 response.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered in HTTP handler",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", r.Context().Value(ctxKeyRequestID),
				)
				writeInternalError(w, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// maxRequestBodySize is the maximum allowed request body size (1 MB);
// the interface is GET-only, but a client may still send a body we
// never read.
const maxRequestBodySize = 1 << 20

// bodySizeLimitMiddleware limits the size of incoming request bodies to
// prevent denial-of-service attacks via oversized payloads.
func (s *Server) bodySizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware applies baseline security headers.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0")
		next.ServeHTTP(w, r)
	})
}

// Rate limiting configuration: per-client-IP token bucket, refilled
// continuously rather than a fixed window, using x/time/rate.
const (
	rateLimitWindow = 15 * time.Minute
	rateLimitRPS    = 10
	rateLimitBurst  = 30
)

// rateLimiter hands out one token-bucket per client IP, evicting buckets
// that have gone idle for rateLimitWindow so long-running daemons don't
// accumulate one entry per ever-seen client forever.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateLimiterEntry
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{buckets: make(map[string]*rateLimiterEntry)}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	entry, ok := rl.buckets[key]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(rateLimitRPS, rateLimitBurst)}
		rl.buckets[key] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	rl.mu.Unlock()
	return limiter.Allow()
}

func (rl *rateLimiter) cleanupLoop(ctx context.Context, window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanupExpired(window, time.Now())
		}
	}
}

func (rl *rateLimiter) cleanupExpired(window time.Duration, now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, entry := range rl.buckets {
		if now.Sub(entry.lastSeen) >= window {
			delete(rl.buckets, key)
		}
	}
}

// rateLimitMiddleware rejects requests once a client IP exceeds its
// token-bucket rate.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil || s.limiter.allow(clientIP(r)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, ErrCodeTooManyRequests, "too many requests")
	})
}

// authMiddleware implements the `user`/`secret` query-flag auth, with an
// `Authorization: Bearer` JWT accepted as an alternative for programmatic
// clients. With neither HTTPConfig.Secret nor HTTPConfig.JWTKey
// configured, the endpoint is open — matching ebusd's own default of no
// --httpuser.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Secret == "" && s.cfg.JWTKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		if s.cfg.JWTKey != "" {
			if tok := bearerToken(r); tok != "" {
				if _, err := parseHTTPToken(tok, s.cfg.JWTKey); err == nil {
					next.ServeHTTP(w, r)
					return
				}
				writeError(w, http.StatusForbidden, ErrCodeNotAuthorized, "invalid or expired token")
				return
			}
		}

		if s.cfg.Secret != "" {
			user := r.URL.Query().Get("user")
			secret := r.URL.Query().Get("secret")
			if subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.User)) == 1 &&
				subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.Secret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}

		writeError(w, http.StatusForbidden, ErrCodeNotAuthorized, "not authorized")
	})
}

// httpClaims is the minimal claim set for the HTTP interface's optional
// bearer-token auth: just enough to prove possession of a token signed
// with HTTPConfig.JWTKey. The access model here is a single boolean
// (authorized/not), not the richer role system a device-registry-backed
// API would need.
type httpClaims struct {
	jwt.RegisteredClaims
}

func parseHTTPToken(tokenString, key string) (*httpClaims, error) {
	claims := &httpClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(key), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parsing http bearer token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("http bearer token not valid")
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// clientIP extracts the client IP from the TCP connection's RemoteAddr.
// X-Forwarded-For and X-Real-IP are intentionally ignored because they
// are trivially spoofable on a LAN deployment and would allow rate-limit
// bypass. If a trusted reverse proxy is added later, introduce a
// "trusted proxy" config to selectively honour forwarded headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.written {
		return
	}
	w.written = true
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	//nolint:wrapcheck // Passthrough: statusWriter is a transparent wrapper
	return w.ResponseWriter.Write(b)
}

// Hijack implements http.Hijacker, required for WebSocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack() //nolint:wrapcheck // thin pass-through to underlying http.Hijacker
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}

// requestIDBytes is the number of random bytes used for request IDs.
const requestIDBytes = 8

// generateRequestID creates a random hex request ID.
func generateRequestID() string {
	b := make([]byte, requestIDBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}
