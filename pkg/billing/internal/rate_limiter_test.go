package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *time.Time) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(limit, window)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_LimitsPerIP(t *testing.T) {
	rl, now := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"), "request %d", i+1)
	}
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "other clients are unaffected")

	*now = now.Add(time.Minute + time.Second)
	assert.True(t, rl.Allow("10.0.0.1"), "window reset")
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl, now := newTestLimiter(10, time.Minute)
	for i := 0; i < 150; i++ {
		rl.Allow(fmt.Sprintf("192.168.0.%d", i))
	}
	require.Len(t, rl.requests, 150)

	*now = now.Add(2 * time.Minute)
	// The 100th request after the counter passes a multiple of cleanupEvery sweeps.
	for i := 0; i < 50; i++ {
		rl.Allow("10.0.0.1")
	}
	assert.Len(t, rl.requests, 1)
}

func TestRateLimiter_CleanupAtSize(t *testing.T) {
	rl, now := newTestLimiter(10, time.Minute)
	for i := 0; i < rl.cleanupAtSize; i++ {
		rl.Allow(fmt.Sprintf("10.1.%d.%d", i/256, i%256))
	}
	*now = now.Add(2 * time.Minute)
	rl.Allow("fresh-1")
	rl.Allow("fresh-2")
	assert.LessOrEqual(t, len(rl.requests), 2)
}

func TestRateLimiter_CounterResets(t *testing.T) {
	rl, _ := newTestLimiter(10000, time.Minute)
	for i := 0; i < rl.cleanupEvery*15; i++ {
		rl.Allow("192.168.1.1")
	}
	assert.LessOrEqual(t, rl.requestCount, rl.cleanupEvery*10)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(1, time.Minute)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
}

func TestReadBodyStrict(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		limit   int64
		wantErr error
	}{
		{"ok", `{"id":"evt_1"}`, 1024, nil},
		{"empty", "", 1024, ErrEmptyBody},
		{"too large", strings.Repeat("x", 100), 10, ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			body, err := ReadBodyStrict(httptest.NewRecorder(), req, tt.limit)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(body))
		})
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "198.51.100.4:5555"
	assert.Equal(t, "198.51.100.4:5555", GetClientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.1 ,10.0.0.1")
	assert.Equal(t, "203.0.113.1", GetClientIP(req))
}
