package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"notifyd/internal/domain"
	"notifyd/internal/storage"
)

// Preferences returns the user's preferences, persisting defaults on first access.
func (s *Service) Preferences(ctx context.Context, userID int64) (domain.Preferences, error) {
	p, ok, err := s.store.GetPreferences(ctx, userID)
	if err != nil {
		return domain.Preferences{}, err
	}
	if ok {
		return p, nil
	}
	p = domain.DefaultPreferences(userID, s.now())
	if err := s.store.PutPreferences(ctx, p); err != nil {
		return domain.Preferences{}, err
	}
	return p, nil
}

// UpdatePreferences applies a partial patch.
func (s *Service) UpdatePreferences(ctx context.Context, userID int64, patch domain.PreferencesPatch) (domain.Preferences, error) {
	unlock := s.locks.Lock("prefs:" + strconv.FormatInt(userID, 10))
	defer unlock()

	p, err := s.Preferences(ctx, userID)
	if err != nil {
		return domain.Preferences{}, err
	}
	if err := patch.Apply(&p); err != nil {
		return domain.Preferences{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	p.UpdatedAt = s.now()
	if err := s.store.PutPreferences(ctx, p); err != nil {
		return domain.Preferences{}, err
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, q ListQuery) (Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	switch {
	case q.PerPage <= 0:
		q.PerPage = 20
	case q.PerPage > 100:
		q.PerPage = 100
	}
	f := storage.NotificationFilter{
		UserID: q.UserID,
		Type:   q.Type,
		Unread: q.Unread,
		Limit:  q.PerPage,
		Offset: (q.Page - 1) * q.PerPage,
	}
	if q.Status != "" {
		if !q.Status.Valid() {
			return Page{}, fmt.Errorf("%w: status %q", ErrInvalidRequest, q.Status)
		}
		f.Statuses = []domain.Status{q.Status}
	}
	items, total, err := s.store.ListNotifications(ctx, f)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Total: total, Page: q.Page, PerPage: q.PerPage}, nil
}

// MarkRead stamps read_at once and moves sent notifications to read.
func (s *Service) MarkRead(ctx context.Context, userID int64, id string) (domain.Notification, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	n, err := s.store.GetNotification(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && n.UserID != userID) {
		return domain.Notification{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Notification{}, err
	}
	if n.ReadAt != nil {
		return n, nil
	}
	if err := s.store.MarkRead(ctx, id, s.now()); err != nil {
		return domain.Notification{}, err
	}
	return s.store.GetNotification(ctx, id)
}

// MarkAllRead stamps every unread notification of the user. It does not take
// the per-notification locks: dispatch writes only its own fields, so the
// receipts survive a concurrent send.
func (s *Service) MarkAllRead(ctx context.Context, userID int64) (int, error) {
	return s.store.MarkAllRead(ctx, userID, s.now())
}

// DeliveryHistory returns the user's most recent deliveries.
func (s *Service) DeliveryHistory(ctx context.Context, userID int64, limit int) ([]domain.Delivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListDeliveries(ctx, storage.DeliveryFilter{UserID: userID, Limit: limit})
}

func (s *Service) Types() []domain.TypeInfo { return domain.Catalog() }

// Analytics aggregates deliveries of the last days (default 30). userID 0
// covers every user.
func (s *Service) Analytics(ctx context.Context, userID int64, days int) (Analytics, error) {
	if days <= 0 {
		days = 30
	}
	since := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	ds, err := s.store.ListDeliveries(ctx, storage.DeliveryFilter{UserID: userID, Since: &since})
	if err != nil {
		return Analytics{}, err
	}
	a := Analytics{
		UserID:    userID,
		Days:      days,
		Since:     since,
		ByChannel: map[domain.Channel]Counts{},
		ByType:    map[domain.Type]Counts{},
	}
	for _, d := range ds {
		a.Totals.add(d)
		c := a.ByChannel[d.Channel]
		c.add(d)
		a.ByChannel[d.Channel] = c
		t := a.ByType[d.Type]
		t.add(d)
		a.ByType[d.Type] = t
	}
	if a.Totals.Total > 0 {
		a.SuccessRate = float64(a.Totals.Sent) / float64(a.Totals.Total)
	}
	return a, nil
}

// SendTest creates an urgent test notification for the user and dispatches
// it immediately. No channels means every channel the user has enabled.
func (s *Service) SendTest(ctx context.Context, userID int64, channels []domain.Channel) (domain.Notification, []domain.DeliveryResult, error) {
	for _, ch := range channels {
		if !ch.Valid() {
			return domain.Notification{}, nil, fmt.Errorf("%w: channel %q", ErrInvalidRequest, ch)
		}
	}
	if len(channels) == 0 {
		p, err := s.Preferences(ctx, userID)
		if err != nil {
			return domain.Notification{}, nil, err
		}
		for _, ch := range domain.Channels {
			if p.ChannelEnabled(ch) {
				channels = append(channels, ch)
			}
		}
	}
	n := domain.Notification{
		UserID:    userID,
		Type:      domain.TypeTest,
		Title:     "Test notification",
		Message:   "This is a test notification.",
		Channels:  channels,
		Priority:  domain.PriorityUrgent,
		Status:    domain.StatusPending,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateNotification(ctx, &n); err != nil {
		return domain.Notification{}, nil, err
	}
	results, err := s.SendByID(ctx, n.ID)
	if err != nil {
		return n, results, err
	}
	n, err = s.store.GetNotification(ctx, n.ID)
	return n, results, err
}
