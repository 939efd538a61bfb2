package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestAllowBurstThenLimit(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("client-1"), "request %d should pass within burst", i)
	}
	assert.False(t, l.Allow("client-1"), "burst exhausted")

	// A different client has its own bucket.
	assert.True(t, l.Allow("client-2"))
}

func TestTokensRefill(t *testing.T) {
	// 600/min = 10 tokens per second.
	l := New(Config{RequestsPerMinute: 600, BurstSize: 2, CleanupInterval: time.Minute})
	defer l.Stop()

	assert.True(t, l.Allow("client-1"))
	assert.True(t, l.Allow("client-1"))
	assert.False(t, l.Allow("client-1"))

	time.Sleep(150 * time.Millisecond)
	assert.True(t, l.Allow("client-1"), "tokens should refill over time")
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
