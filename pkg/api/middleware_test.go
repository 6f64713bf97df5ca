package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucks-13/foodtrace-capstone/pkg/chain"
	"github.com/lucks-13/foodtrace-capstone/pkg/ledger"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	// 1 req/sec, burst 2
	h := withRateLimit(NewMemoryLimiterStore(1, 2), slog.Default(), okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code, "within burst")
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRateLimitFailsOpen(t *testing.T) {
	h := withRateLimit(failingLimiter{}, slog.Default(), okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerUsesConfiguredLimiter(t *testing.T) {
	h := newTestServer(t, Options{RateRPS: 1, RateBurst: 1})
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/health", "").Code)
}

func TestServerZeroRateIsUnlimited(t *testing.T) {
	h := newTestServer(t, Options{RateRPS: 0, RateBurst: 1})
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	h := withConcurrencyLimit(1, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	done := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		done <- rec.Code
	}()
	<-entered

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	close(release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestReadTimeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			writeLedgerError(w, r, r.Context().Err())
		case <-time.After(time.Second):
			w.WriteHeader(http.StatusOK)
		}
	})
	h := withReadTimeout(10*time.Second, slow)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?timeout=20ms", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(timeoutHeader, "20ms")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?timeout=soon", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadTimeoutIsCapped(t *testing.T) {
	var deadline time.Time
	h := withReadTimeout(50*time.Millisecond, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, _ = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/?timeout=1h", nil))
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 50*time.Millisecond)
}

func TestWriteLedgerErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", ledger.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: x", ledger.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", ledger.ErrDuplicateBatchID), http.StatusConflict},
		{fmt.Errorf("%w: x", ledger.ErrIndexCorruption), http.StatusInternalServerError},
		{fmt.Errorf("%w: %w", ledger.ErrStorageUnavailable, chain.ErrStorageUnavailable), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("surprise"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeLedgerError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), tt.err)
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())
	}
}

func TestInternalErrorHidesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInternal(rec, httptest.NewRequest(http.MethodGet, "/x", nil), errors.New("secret db password"))
	assert.NotContains(t, rec.Body.String(), "secret")
}

// Requires a running Redis; skipped otherwise.
func TestRedisLimiterStore_Integration(t *testing.T) {
	store := NewRedisLimiterStore("localhost:6379", 1, 1)
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := fmt.Sprintf("test-%d", time.Now().UnixNano())
	allowed, err := store.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, allowed, "fresh bucket")

	allowed, err = store.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, allowed, "bucket drained")

	time.Sleep(1100 * time.Millisecond)
	allowed, err = store.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, allowed, "refilled")
}

func TestRedisLimiterStore_UnreachableFailsOpen(t *testing.T) {
	store := NewRedisLimiterStore("127.0.0.1:1", 1, 1)
	defer func() { _ = store.Close() }()

	_, err := store.Allow(context.Background(), "k")
	require.Error(t, err)

	h := withRateLimit(store, slog.Default(), okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
