package robot

import (
	"sync"
	"time"
)

// LimiterConfig bounds how often the expression tool may move servos. Eye
// changes are cheap; gestures wear hardware and get cooldowns plus per-session
// caps.
type LimiterConfig struct {
	MinExpressionInterval time.Duration
	MinGestureInterval    time.Duration
	MaxMediumPerSession   int
	MaxHighPerSession     int
}

func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MinExpressionInterval: 2 * time.Second,
		MinGestureInterval:    15 * time.Second,
		MaxMediumPerSession:   5,
		MaxHighPerSession:     2,
	}
}

// ExpressionRateLimiter gates expression intensity. A denied request is
// downgraded to eyes-only by the caller, never dropped.
type ExpressionRateLimiter struct {
	config LimiterConfig
	now    func() time.Time

	mu             sync.Mutex
	lastExpression time.Time
	lastGesture    time.Time
	mediumCount    int
	highCount      int
}

func NewExpressionRateLimiter(config LimiterConfig) *ExpressionRateLimiter {
	if config.MinExpressionInterval <= 0 {
		config.MinExpressionInterval = 2 * time.Second
	}
	if config.MinGestureInterval <= 0 {
		config.MinGestureInterval = 15 * time.Second
	}
	if config.MaxMediumPerSession <= 0 {
		config.MaxMediumPerSession = 5
	}
	if config.MaxHighPerSession <= 0 {
		config.MaxHighPerSession = 2
	}
	return &ExpressionRateLimiter{
		config: config,
		now:    time.Now,
	}
}

// CanExpress reports whether an expression at the given intensity may run now,
// with a human-readable reason when it may not.
func (l *ExpressionRateLimiter) CanExpress(intensity string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastExpression) < l.config.MinExpressionInterval {
		return false, "too soon after last expression"
	}
	switch intensity {
	case "low":
		return true, ""
	case "medium":
		if now.Sub(l.lastGesture) < l.config.MinGestureInterval {
			return false, "gesture on cooldown"
		}
		if l.mediumCount >= l.config.MaxMediumPerSession {
			return false, "medium intensity session limit reached"
		}
		return true, ""
	case "high":
		if now.Sub(l.lastGesture) < 2*l.config.MinGestureInterval {
			return false, "gesture on cooldown for high intensity"
		}
		if l.highCount >= l.config.MaxHighPerSession {
			return false, "high intensity session limit reached"
		}
		return true, ""
	}
	return false, "unknown intensity"
}

// Record notes a completed expression so the cooldowns start counting.
func (l *ExpressionRateLimiter) Record(intensity string, hadGesture bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.lastExpression = now
	if hadGesture {
		l.lastGesture = now
	}
	switch intensity {
	case "medium":
		l.mediumCount++
	case "high":
		l.highCount++
	}
}

// ResetSession clears the per-session intensity caps; cooldown timestamps
// survive so back-to-back sessions cannot burst gestures.
func (l *ExpressionRateLimiter) ResetSession() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mediumCount = 0
	l.highCount = 0
}
