package keybridge

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewKeyedLimiter(1, 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("wallet:0xabc"))
	assert.True(t, l.Allow("wallet:0xabc"))
	assert.False(t, l.Allow("wallet:0xabc"), "burst exhausted")
	assert.True(t, l.Allow("wallet:0xdef"), "keys are independent")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("wallet:0xabc"), "refills over time")

	now = now.Add(time.Hour)
	l.Allow("relay:x")
	l.mu.Lock()
	_, kept := l.limiters["wallet:0xabc"]
	l.mu.Unlock()
	assert.False(t, kept, "idle buckets are swept")
}

func TestKeyedLimiterSweepsOnInterval(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewKeyedLimiter(1, 1)
	l.IdleTTL = time.Minute
	l.SweepEvery = time.Hour
	l.now = func() time.Time { return now }
	buckets := func() int {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.limiters)
	}

	l.Allow("a")
	now = now.Add(10 * time.Minute)
	l.Allow("b")
	assert.Equal(t, 2, buckets(), "idle bucket waits for the next sweep")

	now = now.Add(time.Hour)
	l.Allow("c")
	assert.Equal(t, 1, buckets())
}

func TestKeyBridgeAllow(t *testing.T) {
	k := New("test", nil)
	assert.NoError(t, k.Allow(MethodWallet, "0xabc"), "no limiter configured")

	k.RateLimiter = NewKeyedLimiter(0.001, 1)
	assert.NoError(t, k.Allow(MethodWallet, "0xABC"))
	err := k.Allow(MethodWallet, "0xabc")
	assert.True(t, errors.Is(err, ErrRateLimited), "identifier is normalized")
	assert.NoError(t, k.Allow(MethodRelay, "0xabc"), "methods are limited separately")
}
