// Package app wires the notification engine together: config, storage,
// provider gateways, the delivery queue, bulk jobs, the HTTP API and the
// event intake. It owns start order, hot reload and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"notifyd/internal/api"
	"notifyd/internal/channel"
	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/domain"
	"notifyd/internal/eventbus"
	"notifyd/internal/intake"
	"notifyd/internal/notifier"
	"notifyd/internal/notifier/broadcast"
	rtsup "notifyd/internal/runtime/supervisor"
	"notifyd/internal/storage"
	"notifyd/internal/task/scheduler"
	"notifyd/internal/transport"
	logx "notifyd/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	mu  sync.Mutex
	cur settings

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	store    storage.Store
	adapters channel.Set
	disp     *dispatch.Service
	sched    *scheduler.Service
	queue    *notifier.Service
	bulk     *broadcast.Service
	intake   *intake.Consumer
	http     *api.Server

	intakeStop context.CancelFunc
	intakeDone chan struct{}
}

// New loads the config at cfgPath and builds every component without
// starting any of them.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := mapSettings(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(s.log)
	a, err := build(s, logSvc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

func build(s settings, logSvc *logx.Service, root logx.Logger) (*App, error) {
	log := root.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	store, err := storage.Open(s.storage, comp("storage"))
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}

	gw, err := transport.Open(s.gateways, comp("transport"))
	if err != nil {
		return fail(err)
	}
	adapterLog := comp("channel")
	opts := func(ch domain.Channel) channel.Options {
		cs := s.channels[ch]
		return channel.Options{Timeout: cs.timeout, Limits: cs.limits, Log: adapterLog}
	}
	adapters := channel.NewSet(
		channel.NewInApp(opts(domain.ChannelInApp)),
		channel.NewEmail(gw.Mail, opts(domain.ChannelEmail)),
		channel.NewSMS(gw.SMS, opts(domain.ChannelSMS)),
		channel.NewPush(gw.Push, opts(domain.ChannelPush)),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	bus := eventbus.New()

	disp, err := dispatch.New(dispatch.Options{
		Store:    store,
		Adapters: adapters,
		Bus:      bus,
		Log:      comp("dispatch"),
		Config:   s.dispatch,
	})
	if err != nil {
		return fail(err)
	}
	sched := scheduler.New(s.scheduler, comp("scheduler"))
	queue, err := notifier.New(notifier.Options{
		Config:     s.queue,
		Dispatcher: disp,
		Store:      store,
		Scheduler:  sched,
		Bus:        bus,
		Registerer: reg,
		Log:        comp("notifier"),
	})
	if err != nil {
		return fail(err)
	}
	bulk, err := broadcast.New(broadcast.Options{
		Config: s.batch,
		Sender: disp,
		Store:  store,
		Bus:    bus,
		Log:    comp("broadcast"),
	})
	if err != nil {
		return fail(err)
	}

	a := &App{
		cur:      s,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		reg:      reg,
		store:    store,
		adapters: adapters,
		disp:     disp,
		sched:    sched,
		queue:    queue,
		bulk:     bulk,
	}

	if s.intake.enabled {
		if a.intake, err = intake.New(intake.Options{
			Config:     s.intake.cfg,
			Sink:       queue,
			Users:      store,
			Registerer: reg,
			Log:        comp("intake"),
		}); err != nil {
			return fail(err)
		}
	}

	if s.http.enabled {
		ro := api.Options{
			Inbox:      disp,
			Queue:      queue,
			Bulk:       bulk,
			Users:      store,
			Health:     a.health,
			Registerer: reg,
			Profiler:   s.http.profiler,
			DebugToken: s.http.token,
			Log:        comp("api"),
		}
		if s.http.metrics {
			ro.Gatherer = reg
		}
		a.http = api.NewServer(s.http.server, api.NewRouter(ro), comp("http"))
	}
	return a, nil
}

// Done is closed when the app supervisor is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr returns the bound API address, or "" when the API is disabled.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			_, err := mapSettings(cfg)
			return err
		})
	}

	a.sched.Start(run)
	if err := a.queue.Start(run); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	a.bulk.Start(run)

	if a.http != nil {
		if err := a.http.Start(run); err != nil {
			return fmt.Errorf("start http: %w", err)
		}
	}

	if a.intake != nil {
		ictx, cancel := context.WithCancel(run)
		done := make(chan struct{})
		a.intakeStop, a.intakeDone = cancel, done
		a.sup.Go("intake", func(context.Context) error {
			defer close(done)
			return a.intake.Run(ictx)
		})
	}

	events, unsub := a.bus.Subscribe("", 128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event",
					logx.String("type", e.Type),
					logx.String("notification_id", e.NotificationID),
					logx.Int64("user_id", e.UserID))
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			last := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return
				case next, ok := <-sub:
					if !ok {
						return
					}
					next = drainLatest(sub, next)
					a.applyConfig(last, next)
					last = next
				}
			}
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started",
		logx.String("http", a.HTTPAddr()),
		logx.Bool("intake", a.intake != nil),
		logx.String("storage", a.settings().storage.Driver))
	return nil
}

func (a *App) settings() settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

// drainLatest coalesces a burst of reloads into the newest config.
func drainLatest(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig pushes live sections into running components. Sections that
// need a restart are only reported.
func (a *App) applyConfig(prev, next *config.Config) {
	change := config.Diff(prev, next)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	s, err := mapSettings(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	if err := a.logs.Apply(s.log); err != nil {
		a.log.Warn("logging sinks partially applied", logx.Err(err))
	}
	prevChannels := a.settings().channels
	for ch, ad := range a.adapters {
		cs := s.channels[ch]
		if c, ok := ad.(channel.Configurable); ok && cs != prevChannels[ch] {
			c.Configure(cs.timeout, cs.limits)
		}
	}
	a.disp.SetConfig(s.dispatch)
	a.bulk.Apply(s.batch)
	a.queue.Apply(s.queue)
	a.sched.Apply(s.scheduler)

	// Restart-only sections keep their boot values.
	a.mu.Lock()
	s.http, s.storage, s.gateways, s.intake = a.cur.http, a.cur.storage, a.cur.gateways, a.cur.intake
	a.cur = s
	a.mu.Unlock()

	if len(change.Restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(change.Restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
	a.log.Info("config reloaded", fields...)
}

type healthDetail struct {
	Queue      notifier.Stats  `json:"queue"`
	Supervisor *rtsup.Snapshot `json:"supervisor,omitempty"`
	Intake     *bool           `json:"intake_connected,omitempty"`
}

// health is ok while the queue accepts work. A disconnected intake is
// reported but does not fail the check; the consumer reconnects on its own.
func (a *App) health(context.Context) (bool, any) {
	d := healthDetail{Queue: a.queue.Stats()}
	if sup := a.queue.Supervisor(); sup != nil {
		snap := sup.Snapshot()
		d.Supervisor = &snap
	}
	if a.intake != nil {
		connected := a.intake.Connected()
		d.Intake = &connected
	}
	return d.Queue.Running, d
}

// Healthy reports whether the delivery queue is running.
func (a *App) Healthy() bool { return a.queue.Stats().Running }

// Stop shuts components down in dependency order: the API and intake stop
// producing work, bulk jobs and the queue drain, sweepers stop, then the
// store closes.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	cur := a.settings()
	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		if err := a.stopStep(ctx, name, limit, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("http", cur.http.shutdown, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	step("intake", 5*time.Second, func(c context.Context) error {
		if a.intakeStop == nil {
			return nil
		}
		a.intakeStop()
		select {
		case <-a.intakeDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("broadcast", 5*time.Second, func(c context.Context) error { a.bulk.Stop(c); return nil })
	step("notifier", cur.stopAfter, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// stopStep runs fn bounded by limit and the caller's deadline, whichever is
// sooner. A step that overruns is logged and left behind.
func (a *App) stopStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step: %v", r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return stepCtx.Err()
	}
}
