package channel

import (
	"sync"
	"time"
)

const (
	defaultCooldown   = 5 * time.Second
	maxCooldown       = 2 * time.Minute
	breakerResetAfter = 5 * time.Minute
)

// breaker is a consecutive-failure circuit breaker with exponential
// cooldown. Only transient provider failures count; permanent rejections
// say nothing about provider health.
type breaker struct {
	mu          sync.Mutex
	trip        int
	base        time.Duration
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newBreaker(trip int, cooldown time.Duration) *breaker {
	if trip <= 0 {
		return nil
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &breaker{trip: trip, base: cooldown}
}

// open reports whether calls are short-circuited at now.
func (b *breaker) open(now time.Time) (bool, time.Time) {
	if b == nil {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(now time.Time, failed bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	if !failed {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}
	b.fails++
	b.lastFailure = now
	if b.fails < b.trip {
		return
	}
	d := b.base
	for i := b.fails - b.trip; i > 0 && d < maxCooldown; i-- {
		d *= 2
	}
	b.openUntil = now.Add(min(d, maxCooldown))
}

// expireLocked forgets a failure streak that went quiet.
func (b *breaker) expireLocked(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > breakerResetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}
