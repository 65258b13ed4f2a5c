package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMultiLimiterPerKey(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newMultiLimiter(1, 2, time.Minute)
	m.now = func() time.Time { return now }

	assert.True(t, m.allow("a"))
	assert.True(t, m.allow("a"))
	assert.False(t, m.allow("a"))
	assert.True(t, m.allow("b"), "keys have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, m.allow("a"), "refilled")
}

func TestMultiLimiterForgetsIdleKeys(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newMultiLimiter(1, 1, time.Minute)
	m.now = func() time.Time { return now }

	m.allow("a")
	m.allow("b")
	assert.Equal(t, 2, m.size())

	now = now.Add(2 * time.Minute)
	m.allow("c")
	assert.Equal(t, 1, m.size())
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "198.51.100.4:4242"
	assert.Equal(t, "198.51.100.4", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))

	r.Header.Del("X-Forwarded-For")
	r.RemoteAddr = "unix"
	assert.Equal(t, "unix", clientIP(r))
}
