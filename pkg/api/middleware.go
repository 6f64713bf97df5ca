package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/lucks-13/foodtrace-capstone/pkg/observability"
)

const (
	requestIDHeader = "X-Request-ID"
	timeoutHeader   = "X-Request-Timeout"
)

// LimiterStore decides whether a client may make another request.
type LimiterStore interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiterStore keeps a token bucket per client in process memory.
type MemoryLimiterStore struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	rps       rate.Limit
	burst     int
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemoryLimiterStore(rps float64, burst int) *MemoryLimiterStore {
	return &MemoryLimiterStore{
		visitors:  make(map[string]*visitor),
		rps:       rate.Limit(rps),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (m *MemoryLimiterStore) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if now.Sub(m.lastSweep) > time.Minute {
		for k, v := range m.visitors {
			if now.Sub(v.lastSeen) > 3*time.Minute {
				delete(m.visitors, k)
			}
		}
		m.lastSweep = now
	}

	v, ok := m.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(m.rps, m.burst)}
		m.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.Allow(), nil
}

// clientIP is the remote address without port.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// withRateLimit rejects clients over their rate. Store errors fail open.
func withRateLimit(store LimiterStore, logger *slog.Logger, next http.Handler) http.Handler {
	if store == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, err := store.Allow(r.Context(), clientIP(r))
		if err != nil {
			logger.WarnContext(r.Context(), "rate limiter unavailable, allowing request", "error", err)
			allowed = true
		}
		if !allowed {
			WriteTooManyRequests(w, r, 1)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withConcurrencyLimit bounds in-flight requests; excess requests get 503
// instead of queueing.
func withConcurrencyLimit(max int, next http.Handler) http.Handler {
	if max <= 0 {
		return next
	}
	sem := semaphore.NewWeighted(int64(max))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sem.TryAcquire(1) {
			w.Header().Set("Retry-After", "1")
			WriteServiceUnavailable(w, r, "Server is at capacity; retry shortly.")
			return
		}
		defer sem.Release(1)
		next.ServeHTTP(w, r)
	})
}

// withRequestID propagates or assigns X-Request-ID.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// withAccessLog logs every request and feeds the request metrics.
func withAccessLog(logger *slog.Logger, obs *observability.Provider, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		elapsed := time.Since(start)

		level := slog.LevelInfo
		if rec.status >= 500 {
			level = slog.LevelError
		}
		logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", elapsed.Milliseconds(),
			"remote", clientIP(r),
			"request_id", w.Header().Get(requestIDHeader),
		)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.Pattern),
			attribute.Int("http.status_code", rec.status),
		}
		obs.RecordDuration(r.Context(), elapsed, attrs...)
	})
}

// withReadTimeout bounds a read by ?timeout= or X-Request-Timeout, never
// above max.
func withReadTimeout(max time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("timeout")
		if raw == "" {
			raw = r.Header.Get(timeoutHeader)
		}
		d := max
		if raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil || parsed <= 0 {
				WriteBadRequest(w, r, "timeout must be a positive duration such as 500ms or 2s")
				return
			}
			if max <= 0 || parsed < max {
				d = parsed
			}
		}
		if d <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
