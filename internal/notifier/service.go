package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"notifyd/internal/domain"
	"notifyd/internal/eventbus"
	rtsup "notifyd/internal/runtime/supervisor"
	"notifyd/internal/storage"
	"notifyd/internal/task/scheduler"
	"notifyd/internal/validation"
	logx "notifyd/pkg/logx"
)

var (
	ErrQueueFull      = errors.New("notifier: queue full")
	ErrStopped        = errors.New("notifier: stopped")
	ErrInvalidRequest = errors.New("notifier: invalid request")
)

const (
	retrySweepName     = "notifier.retry"
	scheduledSweepName = "notifier.scheduled"
)

// Dispatcher is the part of the dispatch service the queue drives.
type Dispatcher interface {
	SendByID(ctx context.Context, id string) ([]domain.DeliveryResult, error)
	RetryFailed(ctx context.Context, maxAge time.Duration) (int, error)
}

type Options struct {
	Config     Config
	Dispatcher Dispatcher
	Store      storage.NotificationStore
	Scheduler  *scheduler.Service // optional; sweeps are registered on it in Start
	Bus        eventbus.Bus
	Registerer prometheus.Registerer
	Clock      func() time.Time
	Log        logx.Logger
}

// Service is the delivery queue. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	disp     Dispatcher
	store    storage.NotificationStore
	sched    *scheduler.Service
	bus      eventbus.Bus
	now      func() time.Time
	validate *validator.Validate
	metrics  *metrics

	cfg Config

	accepting bool
	enqWG     sync.WaitGroup
	high      chan item
	normal    chan item
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping
	startedAt time.Time

	queued sync.Map // id -> struct{}

	busy       atomic.Int64
	processed  atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	skipped    atomic.Uint64
	retried    atomic.Uint64
	rejected   atomic.Uint64
}

func New(opt Options) (*Service, error) {
	if opt.Dispatcher == nil {
		return nil, errors.New("notifier: dispatcher is required")
	}
	if opt.Store == nil {
		return nil, errors.New("notifier: store is required")
	}
	s := &Service{
		log:      opt.Log,
		disp:     opt.Dispatcher,
		store:    opt.Store,
		sched:    opt.Scheduler,
		bus:      opt.Bus,
		now:      opt.Clock,
		validate: validation.New(),
		cfg:      opt.Config.withDefaults(),
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.metrics = newMetrics(opt.Registerer, s)
	return s, nil
}

// Apply updates sweep settings. Worker count and lane size take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.high != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && (prev.RetrySchedule != cfg.RetrySchedule || prev.ScheduledSchedule != cfg.ScheduledSchedule || prev.SweepTimeout != cfg.SweepTimeout) {
		if err := s.registerSweeps(cfg); err != nil {
			s.log.Error("sweep re-registration failed", logx.Err(err))
		}
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the workers and registers the sweeps. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	if s.high != nil {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.high = make(chan item, cfg.QueueSize)
	s.normal = make(chan item, cfg.QueueSize)
	s.accepting = true
	s.startedAt = s.now()
	// Workers outlive ctx so Stop can drain; only Stop cancels them.
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup, high, normal := s.sup, s.high, s.normal
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.workerLoop(c, high, normal)
			if c.Err() != nil {
				return c.Err()
			}
			if s.stopping() {
				return nil
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	}

	if err := s.registerSweeps(cfg); err != nil {
		return err
	}
	s.log.Info("queue started", logx.Int("workers", cfg.Workers), logx.Int("queue_size", cfg.QueueSize))

	if cfg.ProcessPendingOnStart {
		n, err := s.ProcessPending(ctx)
		if err != nil {
			s.log.Warn("pending recovery incomplete", logx.Int("enqueued", n), logx.Err(err))
		} else if n > 0 {
			s.log.Info("pending notifications recovered", logx.Int("enqueued", n))
		}
	}
	return nil
}

func (s *Service) registerSweeps(cfg Config) error {
	if s.sched == nil {
		return nil
	}
	err := s.sched.Add(retrySweepName, cfg.RetrySchedule, cfg.SweepTimeout, func(ctx context.Context) error {
		_, err := s.SweepRetries(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("retry sweep: %w", err)
	}
	err = s.sched.Add(scheduledSweepName, cfg.ScheduledSchedule, cfg.SweepTimeout, func(ctx context.Context) error {
		_, err := s.SweepScheduled(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("scheduled sweep: %w", err)
	}
	return nil
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopDone != nil
}

// Stop refuses new work, lets workers drain both lanes, and cancels
// in-flight dispatches once ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.high == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	high, normal, sup := s.high, s.normal, s.sup
	s.mu.Unlock()

	if s.sched != nil {
		s.sched.Remove(retrySweepName)
		s.sched.Remove(scheduledSweepName)
	}

	start := time.Now()
	go func() {
		defer close(done)
		s.enqWG.Wait()
		close(high)
		close(normal)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.high, s.normal, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("queue drained", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		sup.Cancel()
		<-done
		s.log.Warn("queue stop deadline hit; in-flight work cancelled", logx.Duration("took", time.Since(start)))
	}
}

// Supervisor exposes worker health (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Enqueue queues one notification ID. Urgent and high priority use the
// priority lane. Queuing an ID that is already waiting is a no-op.
func (s *Service) Enqueue(ctx context.Context, id string, p domain.Priority) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		s.reject("stopped")
		return ErrStopped
	}
	lane := s.normal
	urgent := urgentLane(p)
	if urgent {
		lane = s.high
	}
	s.enqWG.Add(1)
	s.mu.Unlock()
	defer s.enqWG.Done()

	if _, dup := s.queued.LoadOrStore(id, struct{}{}); dup {
		return nil
	}
	select {
	case lane <- item{id: id, priority: p, queuedAt: s.now()}:
		s.metrics.enqueued.WithLabelValues(laneName(urgent)).Inc()
		return nil
	default:
		s.queued.Delete(id)
		s.reject("full")
		return ErrQueueFull
	}
}

// EnqueueBulk queues ids on the normal lane and returns how many were
// accepted. It stops at the first error and marks the rest due for the
// scheduled sweep.
func (s *Service) EnqueueBulk(ctx context.Context, ids []string) (int, error) {
	for i, id := range ids {
		if err := s.Enqueue(ctx, id, domain.PriorityNormal); err != nil {
			s.markDue(ctx, ids[i:]...)
			return i, err
		}
	}
	return len(ids), nil
}

func (s *Service) reject(reason string) {
	s.rejected.Add(1)
	s.metrics.rejected.WithLabelValues(reason).Inc()
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	high, normal := s.high, s.normal
	running := high != nil && s.stopDone == nil
	started := s.startedAt
	cfg := s.cfg
	s.mu.Unlock()

	st := Stats{
		Running:    running,
		Capacity:   2 * cfg.QueueSize,
		Workers:    cfg.Workers,
		Busy:       int(s.busy.Load()),
		Processed:  s.processed.Load(),
		Successful: s.successful.Load(),
		Failed:     s.failed.Load(),
		Skipped:    s.skipped.Load(),
		Retried:    s.retried.Load(),
		Rejected:   s.rejected.Load(),
	}
	if high != nil {
		st.PriorityDepth = len(high)
		st.QueueDepth = len(high) + len(normal)
	}
	if running {
		st.Uptime = s.now().Sub(started)
	}
	if done := st.Successful + st.Failed; done > 0 {
		st.SuccessRate = float64(st.Successful) / float64(done)
	}
	return st
}
