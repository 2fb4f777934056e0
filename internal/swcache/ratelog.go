package swcache

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// throttledLogger emits each distinct message at most once per interval.
// Used for failures that repeat on every request while a backend is down.
type throttledLogger struct {
	log      *zap.Logger
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Sometimes
}

func newThrottledLogger(log *zap.Logger, interval time.Duration) *throttledLogger {
	return &throttledLogger{log: log, interval: interval, limiters: make(map[string]*rate.Sometimes)}
}

func (l *throttledLogger) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	every, ok := l.limiters[msg]
	if !ok {
		every = &rate.Sometimes{Interval: l.interval}
		l.limiters[msg] = every
	}
	l.mu.Unlock()

	every.Do(func() { l.log.Warn(msg, fields...) })
}
