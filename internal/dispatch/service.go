// Package dispatch decides which channels a notification goes out on and
// records every attempt. It is the only writer of notification status and
// delivery rows; all mutations for one notification happen under that
// notification's lock.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"notifyd/internal/channel"
	"notifyd/internal/domain"
	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type Service struct {
	store    storage.Store
	users    UserDirectory
	adapters channel.Set
	now      Clock
	loadLoc  LocationLoader
	bus      eventbus.Bus
	log      logx.Logger

	cfgMu sync.RWMutex
	cfg   Config

	locks *keyedMutex
	zones sync.Map // name -> *time.Location
}

func New(opt Options) (*Service, error) {
	if opt.Store == nil {
		return nil, errors.New("dispatch: store is required")
	}
	s := &Service{
		store:    opt.Store,
		users:    opt.Users,
		adapters: opt.Adapters,
		now:      opt.Clock,
		loadLoc:  opt.Locations,
		bus:      opt.Bus,
		log:      opt.Log,
		cfg:      opt.Config.withDefaults(),
		locks:    newKeyedMutex(),
	}
	if s.users == nil {
		s.users = opt.Store
	}
	if s.adapters == nil {
		s.adapters = channel.Set{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.loadLoc == nil {
		s.loadLoc = time.LoadLocation
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s, nil
}

// SetConfig applies pacing and attempt-budget changes at runtime.
func (s *Service) SetConfig(c Config) {
	s.cfgMu.Lock()
	s.cfg = c.withDefaults()
	s.cfgMu.Unlock()
}

func (s *Service) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Send dispatches the stored notification with n.ID. Only pending, due,
// unexpired notifications are dispatched; anything else returns no results.
func (s *Service) Send(ctx context.Context, n domain.Notification) ([]domain.DeliveryResult, error) {
	return s.SendByID(ctx, n.ID)
}

func (s *Service) SendByID(ctx context.Context, id string) ([]domain.DeliveryResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	log := s.log.With(logx.String("notification_id", n.ID), logx.Int64("user_id", n.UserID))
	now := s.now()

	if n.Status != domain.StatusPending {
		log.Debug("skip: not pending", logx.String("status", string(n.Status)))
		return nil, nil
	}
	if n.Expired(now) {
		n.Status = domain.StatusFailed
		n.ScheduledAt = nil
		if err := s.store.SetDispatchState(ctx, n.ID, storage.DispatchState{Status: n.Status}); err != nil {
			return nil, err
		}
		log.Info("notification expired before dispatch")
		s.publish(eventbus.NotificationExpired, n, nil)
		return nil, nil
	}
	if !n.Due(now) {
		log.Debug("skip: scheduled in the future", logx.Time("scheduled_at", *n.ScheduledAt))
		return nil, nil
	}

	user := s.user(ctx, n.UserID, log)
	prefs, err := s.Preferences(ctx, n.UserID)
	if err != nil {
		return nil, err
	}

	eligible := EligibleChannels(n, prefs)
	if len(eligible) == 0 {
		log.Debug("no eligible channels", logx.Strs("requested", channelNames(n.Channels)))
		if n.ScheduledAt != nil {
			n.ScheduledAt = nil
			if err := s.store.SetDispatchState(ctx, n.ID, storage.DispatchState{Status: n.Status}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	if n.Priority != domain.PriorityUrgent {
		if until, ok := s.quietUntil(prefs, now); ok {
			n.ScheduledAt = domain.TimePtr(until)
			if err := s.store.SetDispatchState(ctx, n.ID, storage.DispatchState{Status: n.Status, ScheduledAt: n.ScheduledAt}); err != nil {
				return nil, err
			}
			log.Info("deferred by quiet hours", logx.Time("until", until))
			s.publish(eventbus.NotificationScheduled, n, map[string]any{"until": until})
			return nil, nil
		}
	}

	results := make([]domain.DeliveryResult, 0, len(eligible))
	for _, ch := range eligible {
		res, _, err := s.attempt(ctx, n, user, ch)
		if err != nil {
			// Store failure: stop here, the notification stays pending.
			return results, err
		}
		results = append(results, res)
	}
	if err := s.aggregate(ctx, &n); err != nil {
		return results, err
	}
	return results, nil
}

// EligibleChannels is requested ∩ enabled, empty when the type is disabled.
// Order follows the request with duplicates removed.
func EligibleChannels(n domain.Notification, p domain.Preferences) []domain.Channel {
	if !p.TypeEnabled(n.Type) {
		return nil
	}
	out := make([]domain.Channel, 0, len(n.Channels))
	seen := make(map[domain.Channel]bool, len(n.Channels))
	for _, ch := range n.Channels {
		if seen[ch] || !p.ChannelEnabled(ch) {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

// quietUntil reports whether now falls in the user's quiet window and when
// that window ends. The comparison uses the zone's offset at now.
func (s *Service) quietUntil(p domain.Preferences, now time.Time) (time.Time, bool) {
	if !p.HasQuietHours() {
		return time.Time{}, false
	}
	local := now.In(s.location(p.Timezone))
	start, end := *p.QuietStart, *p.QuietEnd
	if !domain.InWindow(domain.Of(local), start, end) {
		return time.Time{}, false
	}
	until := domain.WindowEnd(local, start, end)
	if !until.After(now) {
		// A DST gap can collapse the end onto or before now; dispatch then.
		return time.Time{}, false
	}
	return until, true
}

func (s *Service) location(name string) *time.Location {
	if name == "" || name == "UTC" {
		return time.UTC
	}
	if v, ok := s.zones.Load(name); ok {
		return v.(*time.Location)
	}
	loc, err := s.loadLoc(name)
	if err != nil {
		s.log.Warn("unknown timezone, using UTC", logx.String("timezone", name), logx.Err(err))
		loc = time.UTC
	}
	s.zones.Store(name, loc)
	return loc
}

// user returns contact details; a missing user yields an empty contact card
// so in-app delivery still works and other channels fail permanently.
func (s *Service) user(ctx context.Context, id int64, log logx.Logger) domain.User {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn("user lookup failed", logx.Err(err))
		}
		return domain.User{ID: id}
	}
	return u
}

// attempt runs one channel for n. The bool reports whether the adapter was
// invoked. Callers hold n's lock.
func (s *Service) attempt(ctx context.Context, n domain.Notification, u domain.User, ch domain.Channel) (domain.DeliveryResult, bool, error) {
	d, err := s.delivery(ctx, n, ch)
	if err != nil {
		return domain.DeliveryResult{}, false, err
	}
	switch d.Status {
	case domain.DeliverySent:
		return domain.DeliveryResult{Success: true, Channel: ch, Message: "already delivered", ProviderResponse: d.ProviderResponse}, false, nil
	case domain.DeliveryFailed:
		return domain.DeliveryResult{Channel: ch, Error: d.ErrorCode, Message: "attempts exhausted", Permanent: true}, false, nil
	}

	started := time.Now()
	res := s.invoke(ctx, n, u, ch)
	now := s.now()

	d.Attempts++
	d.LastAttemptAt = domain.TimePtr(now)
	d.ProviderResponse = res.ProviderResponse
	if res.Success {
		d.Status = domain.DeliverySent
		d.DeliveredAt = domain.TimePtr(now)
		d.ErrorCode, d.ErrorMessage = "", ""
	} else {
		d.ErrorCode, d.ErrorMessage = res.Error, res.Message
		if res.Permanent || d.Attempts >= d.MaxAttempts {
			d.Status = domain.DeliveryFailed
			d.FailedAt = domain.TimePtr(now)
		}
	}
	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		return res, true, err
	}

	entry := storage.AuditEntry{
		At:               now,
		NotificationID:   n.ID,
		UserID:           n.UserID,
		Channel:          ch,
		Attempt:          d.Attempts,
		OK:               res.Success,
		ErrorCode:        res.Error,
		ProviderResponse: res.ProviderResponse,
		TookMS:           time.Since(started).Milliseconds(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.log.Warn("audit append failed", logx.Err(err))
	}
	s.publish(eventbus.DeliveryAttempted, n, map[string]any{
		"channel":  string(ch),
		"success":  res.Success,
		"attempts": d.Attempts,
		"status":   string(d.Status),
		"error":    res.Error,
	})
	if !res.Success {
		s.log.Info("delivery attempt failed",
			logx.String("notification_id", n.ID),
			logx.String("channel", string(ch)),
			logx.String("code", res.Error),
			logx.Int("attempts", d.Attempts),
			logx.Bool("terminal", d.Status == domain.DeliveryFailed))
	}
	return res, true, nil
}

// delivery loads or creates the (notification, channel) row.
func (s *Service) delivery(ctx context.Context, n domain.Notification, ch domain.Channel) (domain.Delivery, error) {
	d, ok, err := s.store.GetDelivery(ctx, n.ID, ch)
	if err != nil || ok {
		return d, err
	}
	d = domain.Delivery{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Type:           n.Type,
		Channel:        ch,
		Status:         domain.DeliveryPending,
		MaxAttempts:    s.config().MaxAttempts,
		CreatedAt:      s.now(),
	}
	err = s.store.CreateDelivery(ctx, &d)
	if errors.Is(err, storage.ErrConflict) {
		d, _, err = s.store.GetDelivery(ctx, n.ID, ch)
	}
	return d, err
}

// invoke calls the adapter, containing panics as transient internal errors.
func (s *Service) invoke(ctx context.Context, n domain.Notification, u domain.User, ch domain.Channel) (res domain.DeliveryResult) {
	a, ok := s.adapters[ch]
	if !ok || a == nil {
		return channel.Failure(ch, &channel.Error{Code: channel.CodeUnsupported, Permanent: true, Err: fmt.Errorf("no adapter for %s", ch)})
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("channel adapter panicked",
				logx.String("notification_id", n.ID), logx.String("channel", string(ch)),
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = channel.Failure(ch, &channel.Error{Code: channel.CodeInternal, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	res = a.Send(ctx, n, u)
	res.Channel = ch
	return res
}

// aggregate derives n's status from all its deliveries and persists it.
// Only dispatcher-owned fields are written, so a read receipt stored while
// the provider call ran is kept.
func (s *Service) aggregate(ctx context.Context, n *domain.Notification) error {
	ds, err := s.store.ListDeliveries(ctx, storage.DeliveryFilter{NotificationID: n.ID})
	if err != nil {
		return err
	}
	prev := n.Status
	st := domain.Aggregate(ds)
	if prev != domain.StatusRead {
		n.Status = st
	}
	if st == domain.StatusSent && n.SentAt == nil {
		n.SentAt = domain.TimePtr(s.now())
	}
	n.ScheduledAt = nil
	if err := s.store.SetDispatchState(ctx, n.ID, storage.DispatchState{Status: n.Status, SentAt: n.SentAt}); err != nil {
		return err
	}
	if n.Status != prev {
		switch n.Status {
		case domain.StatusSent:
			s.publish(eventbus.NotificationSent, *n, nil)
		case domain.StatusFailed:
			s.publish(eventbus.NotificationFailed, *n, nil)
		}
	}
	return nil
}

func (s *Service) publish(typ string, n domain.Notification, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, NotificationID: n.ID, UserID: n.UserID, Data: data})
}

func channelNames(cs []domain.Channel) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}
