package broadcast

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/validation"
	logx "notifyd/pkg/logx"
)

var (
	ErrInvalidRequest = errors.New("broadcast: invalid request")
	ErrQueueFull      = errors.New("broadcast: job queue full")
	ErrStopped        = errors.New("broadcast: not running")
)

var validate = validation.New()

type Options struct {
	Config Config
	Sender BulkSender
	Store  Creator
	Bus    eventbus.Bus
	Clock  func() time.Time
	Log    logx.Logger
}

func New(opt Options) (*Service, error) {
	if opt.Sender == nil || opt.Store == nil {
		return nil, errors.New("broadcast: sender and store are required")
	}
	s := &Service{
		cfg:    opt.Config.withDefaults(),
		sender: opt.Sender,
		store:  opt.Store,
		bus:    opt.Bus,
		log:    opt.Log,
		now:    opt.Clock,
		status: map[string]*JobStatus{},
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Apply updates pacing and retention. Pool size applies on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.queue = make(chan job, s.cfg.QueueSize)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopCh, queue, workers := s.stopCh, s.queue, s.cfg.Workers

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in bulk worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	go func() {
		<-stopCh
		cancel()
	}()
	s.log.Info("bulk processor started", logx.Int("workers", workers))
}

// Stop stops accepting jobs. Running batches are cancelled; queued jobs are
// marked failed and their notifications are handed to the scheduled sweep.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
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
	stopCh, queue := s.stopCh, s.queue
	s.mu.Unlock()

	close(stopCh)
	go func() {
		s.workerWG.Wait()
		s.abandon(queue)
		s.mu.Lock()
		s.stopCh, s.queue, s.stopDone = nil, nil, nil
		s.mu.Unlock()
		close(done)
		s.log.Info("bulk processor stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) abandon(queue chan job) {
	for {
		select {
		case j := <-queue:
			s.fail(j.id, ErrStopped)
			s.handOff(j)
		default:
			return
		}
	}
}
