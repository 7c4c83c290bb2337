package robot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter() (*ExpressionRateLimiter, *time.Time) {
	l := NewExpressionRateLimiter(DefaultLimiterConfig())
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterAllowsFreshSession(t *testing.T) {
	l, _ := newTestLimiter()
	for _, intensity := range []string{"low", "medium", "high"} {
		ok, reason := l.CanExpress(intensity)
		assert.True(t, ok, "%s: %s", intensity, reason)
	}
}

func TestLimiterExpressionCooldown(t *testing.T) {
	l, now := newTestLimiter()
	l.Record("low", false)

	ok, reason := l.CanExpress("low")
	assert.False(t, ok)
	assert.Equal(t, "too soon after last expression", reason)

	*now = now.Add(3 * time.Second)
	ok, _ = l.CanExpress("low")
	assert.True(t, ok)
}

func TestLimiterGestureCooldown(t *testing.T) {
	l, now := newTestLimiter()
	l.Record("medium", true)

	*now = now.Add(10 * time.Second)
	ok, reason := l.CanExpress("medium")
	assert.False(t, ok)
	assert.Equal(t, "gesture on cooldown", reason)

	// High intensity waits twice as long.
	*now = now.Add(10 * time.Second)
	ok, _ = l.CanExpress("medium")
	assert.True(t, ok)
	ok, reason = l.CanExpress("high")
	assert.False(t, ok)
	assert.Equal(t, "gesture on cooldown for high intensity", reason)

	*now = now.Add(15 * time.Second)
	ok, _ = l.CanExpress("high")
	assert.True(t, ok)
}

func TestLimiterSessionCaps(t *testing.T) {
	l, now := newTestLimiter()

	for i := 0; i < 2; i++ {
		ok, reason := l.CanExpress("high")
		assert.True(t, ok, reason)
		l.Record("high", true)
		*now = now.Add(time.Minute)
	}
	ok, reason := l.CanExpress("high")
	assert.False(t, ok)
	assert.Equal(t, "high intensity session limit reached", reason)

	l.ResetSession()
	ok, _ = l.CanExpress("high")
	assert.True(t, ok)
}

func TestLimiterUnknownIntensity(t *testing.T) {
	l, _ := newTestLimiter()
	ok, reason := l.CanExpress("extreme")
	assert.False(t, ok)
	assert.Equal(t, "unknown intensity", reason)
}
