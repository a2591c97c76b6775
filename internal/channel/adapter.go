// Package channel implements one delivery adapter per medium behind a
// uniform Send contract. Adapters never return Go errors for expected
// failures; they report a DeliveryResult with a stable code instead.
package channel

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

const DefaultSendTimeout = 30 * time.Second

type Adapter interface {
	Channel() domain.Channel
	Send(ctx context.Context, n domain.Notification, u domain.User) domain.DeliveryResult
}

// Limits configures an adapter's token bucket and circuit breaker.
// RPS <= 0 disables limiting. CircuitTrip > 0 short-circuits sends for a
// cooldown after that many consecutive transient provider failures.
type Limits struct {
	RPS   float64
	Burst int

	CircuitTrip     int
	CircuitCooldown time.Duration
}

// Options are shared by every adapter.
type Options struct {
	Timeout time.Duration
	Limits  Limits
	Log     logx.Logger
}

type base struct {
	ch  domain.Channel
	log logx.Logger

	mu      sync.RWMutex
	timeout time.Duration
	limiter *rate.Limiter
	circuit *breaker
}

func newBase(ch domain.Channel, opt Options) *base {
	b := &base{ch: ch, log: opt.Log}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	b.log = b.log.With(logx.String("channel", string(ch)))
	b.Configure(opt.Timeout, opt.Limits)
	return b
}

func (b *base) Channel() domain.Channel { return b.ch }

// Configure swaps the timeout, rate limiter and breaker. The new bucket
// starts full and the new circuit closed.
func (b *base) Configure(timeout time.Duration, l Limits) {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if l.RPS > 0 {
		lim = rate.NewLimiter(rate.Limit(l.RPS), max(l.Burst, 1))
	}
	br := newBreaker(l.CircuitTrip, l.CircuitCooldown)
	b.mu.Lock()
	b.timeout = timeout
	b.limiter = lim
	b.circuit = br
	b.mu.Unlock()
}

func (b *base) current() (time.Duration, *rate.Limiter, *breaker) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.timeout, b.limiter, b.circuit
}

// deliver runs one provider call under the rate limiter and send timeout.
func (b *base) deliver(ctx context.Context, n domain.Notification, call func(ctx context.Context) (string, error)) (res domain.DeliveryResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("provider call panicked",
				logx.String("notification_id", n.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = Failure(b.ch, &Error{Code: CodeInternal, Err: fmt.Errorf("panic: %v", r)})
		}
		b.log.Debug("provider call",
			logx.String("notification_id", n.ID),
			logx.Bool("ok", res.Success),
			logx.String("code", res.Error),
			logx.Duration("took", time.Since(started)))
	}()

	timeout, limiter, circuit := b.current()
	if open, until := circuit.open(time.Now()); open {
		return Failure(b.ch, &Error{Code: CodeCircuitOpen, Err: fmt.Errorf("provider paused until %s", until.Format(time.RFC3339))})
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := limiter.Wait(ctx); err != nil {
		return Failure(b.ch, &Error{Code: CodeRateLimited, Err: err})
	}
	resp, err := call(ctx)
	if err != nil {
		ce := Classify(ctx, err)
		circuit.record(time.Now(), !ce.Permanent)
		return Failure(b.ch, ce)
	}
	circuit.record(time.Now(), false)
	return domain.DeliveryResult{
		Success:          true,
		Channel:          b.ch,
		Message:          "delivered",
		ProviderResponse: resp,
	}
}

// Failure converts a channel error into a result. Error carries the code,
// Message the detail.
func Failure(ch domain.Channel, e *Error) domain.DeliveryResult {
	msg := e.Code
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return domain.DeliveryResult{
		Success:   false,
		Channel:   ch,
		Error:     e.Code,
		Message:   msg,
		Permanent: e.Permanent,
	}
}

// Set indexes adapters by channel.
type Set map[domain.Channel]Adapter

func NewSet(adapters ...Adapter) Set {
	s := make(Set, len(adapters))
	for _, a := range adapters {
		if a != nil {
			s[a.Channel()] = a
		}
	}
	return s
}

// Configurable adapters accept runtime timeout and rate-limit changes.
type Configurable interface {
	Configure(timeout time.Duration, l Limits)
}
