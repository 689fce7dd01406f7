package crypto

import (
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
)

const (
	DefaultThrottleInterval = 10 * time.Second
	throttleMaxKeys         = 10000
)

// Throttle slows down repeated failed logins per username. Entries expire
// after the interval, so memory stays bounded however many names are tried.
type Throttle struct {
	interval time.Duration
	failures cache.Cache[string, time.Time]
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		failures: cache.NewCache[string, time.Time]().WithTTL(interval).WithMaxKeys(throttleMaxKeys),
	}
}

// Wait returns how long username has to wait before the next attempt.
func (t *Throttle) Wait(username string) time.Duration {
	last, found := t.failures.Get(username)
	if !found {
		return 0
	}
	if wait := t.interval - time.Since(last); wait > 0 {
		return wait
	}
	return 0
}

func (t *Throttle) Fail(username string) {
	t.failures.Set(username, time.Now(), 0)
}

func (t *Throttle) Clear(username string) {
	t.failures.Invalidate(username)
}
