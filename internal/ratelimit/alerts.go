package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// alertDeduper suppresses repeat degraded-mode alerts for the same
// reason+scope within a rolling window. One token-bucket limiter per scope;
// sync.Map keeps the hot path lock-free.
type alertDeduper struct {
	window   time.Duration
	limiters sync.Map // map[string]*rate.Limiter
}

func newAlertDeduper(window time.Duration) *alertDeduper {
	return &alertDeduper{window: window}
}

// shouldAlert reports whether an alert for reason+scope may fire now.
func (d *alertDeduper) shouldAlert(reason, scope string) bool {
	key := reason + ":" + scope
	v, ok := d.limiters.Load(key)
	if !ok {
		v, _ = d.limiters.LoadOrStore(key, rate.NewLimiter(rate.Every(d.window), 1))
	}
	return v.(*rate.Limiter).Allow()
}
