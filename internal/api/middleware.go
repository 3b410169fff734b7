package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/passvault/internal/audit"
	"github.com/org/passvault/internal/auth"
	"github.com/org/passvault/internal/autherr"
	"github.com/rs/zerolog/log"
)

// requestIDMiddleware attaches a UUID request ID and the client details the
// audit log copies into entries.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		ctx = audit.WithRequestInfo(ctx, audit.RequestInfo{
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
			RequestID: id,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// authMiddleware validates the bearer access token and its session, then
// attaches the claims to the context.
func authMiddleware(svc *auth.Service, auditor audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeErr(w, r, autherr.ErrTokenNotProvided)
				return
			}
			claims, err := svc.Authenticate(r.Context(), token)
			if err != nil {
				if k := autherr.KindOf(err); k == autherr.KindTokenInvalid {
					auditor.Record(r.Context(), audit.Event{
						Type:        audit.Unauthorized,
						Description: err.Error(),
						Metadata:    map[string]any{"path": r.URL.Path},
					})
				}
				writeErr(w, r, err)
				return
			}
			ctx := withClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// rateLimiter is a simple per-IP token bucket rate limiter.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int // requests per second
	burst   int
	now     func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

func newRateLimiter(rps, burst int) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rps,
		burst:   burst,
		now:     time.Now,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastCheck: now}
		rl.buckets[ip] = b
	}
	b.tokens += now.Sub(b.lastCheck).Seconds() * float64(rl.rate)
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets that have refilled completely.
func (rl *rateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	full := time.Duration(float64(rl.burst)/float64(rl.rate)*float64(time.Second)) + time.Second
	now := rl.now()
	for ip, b := range rl.buckets {
		if now.Sub(b.lastCheck) > full {
			delete(rl.buckets, ip)
		}
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	var calls int
	var mu sync.Mutex
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			rateLimitedTotal.Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
			return
		}
		mu.Lock()
		calls++
		if calls%1000 == 0 {
			go rl.sweep()
		}
		mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop, then the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
