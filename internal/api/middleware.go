package api

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/qgate/internal/auth"
)

// Idle client limiters are dropped once the table grows past
// maxTrackedClients.
const (
	maxTrackedClients = 10000
	clientIdleTTL     = 10 * time.Minute
)

// authMiddleware resolves the bearer token to an identity and stores it in
// the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, err := s.resolver.Resolve(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) {
				s.logger.Error("resolve identity", "error", err)
			}
			s.writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

// identity returns the resolved identity for an authenticated route.
func identity(r *http.Request) string {
	id, _ := auth.IdentityFrom(r.Context())
	return id
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter is a token bucket per client address. It guards the HTTP
// surface as a whole; per-identity submission limits live in admission.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientEntry
	rate    rate.Limit
	burst   int
}

func newClientLimiter(r rate.Limit, burst int) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		clients: make(map[string]*clientEntry),
		rate:    r,
		burst:   burst,
	}
}

func (cl *clientLimiter) get(key string, now time.Time) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	e, ok := cl.clients[key]
	if !ok {
		if len(cl.clients) >= maxTrackedClients {
			cl.evictIdle(now)
		}
		e = &clientEntry{limiter: rate.NewLimiter(cl.rate, cl.burst)}
		cl.clients[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (cl *clientLimiter) evictIdle(now time.Time) {
	for k, e := range cl.clients {
		if now.Sub(e.lastSeen) > clientIdleTTL {
			delete(cl.clients, k)
		}
	}
}

func (cl *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(key); err == nil {
			key = host
		}
		now := time.Now()
		res := cl.get(key, now).ReserveN(now, 1)
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			apiThrottled.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(delay/time.Second)+1))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too many requests"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
