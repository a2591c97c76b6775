package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/domain"
)

// memStore keeps everything in maps guarded by one mutex.
// Values are cloned on the way in and out so callers never share state.
type memStore struct {
	mu sync.RWMutex

	notifications map[string]domain.Notification
	prefs         map[int64]domain.Preferences
	deliveries    map[string]domain.Delivery // key: notificationID|channel
	users         map[int64]domain.User

	audit    []AuditEntry
	auditMax int
	closed   bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memStore{
		notifications: map[string]domain.Notification{},
		prefs:         map[int64]domain.Preferences{},
		deliveries:    map[string]domain.Delivery{},
		users:         map[int64]domain.User{},
		auditMax:      5000,
	}
}

func deliveryKey(id string, ch domain.Channel) string { return id + "|" + string(ch) }

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) CreateNotification(ctx context.Context, n *domain.Notification) error {
	return s.CreateNotifications(ctx, []*domain.Notification{n})
}

func (s *memStore) CreateNotifications(ctx context.Context, ns []*domain.Notification) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := time.Now()
	for _, n := range ns {
		prepareNotification(n, now)
		if _, ok := s.notifications[n.ID]; ok {
			return fmt.Errorf("notification %s: %w", n.ID, ErrConflict)
		}
	}
	for _, n := range ns {
		s.notifications[n.ID] = n.Clone()
	}
	return nil
}

func prepareNotification(n *domain.Notification, now time.Time) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.Status == "" {
		n.Status = domain.StatusPending
	}
	n.Priority = n.Priority.OrDefault()
}

func (s *memStore) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	if !ok {
		return domain.Notification{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return n.Clone(), nil
}

func (s *memStore) ListNotifications(ctx context.Context, f NotificationFilter) ([]domain.Notification, int, error) {
	_ = ctx
	s.mu.RLock()
	out := make([]domain.Notification, 0, 16)
	for _, n := range s.notifications {
		if matchNotification(n, f) {
			out = append(out, n.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		if f.Oldest {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	total := len(out)
	return page(out, f.Offset, f.Limit), total, nil
}

func matchNotification(n domain.Notification, f NotificationFilter) bool {
	if f.UserID != 0 && n.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if n.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.Unread && n.ReadAt != nil {
		return false
	}
	if f.DueBy != nil && n.ScheduledAt != nil && n.ScheduledAt.After(*f.DueBy) {
		return false
	}
	if f.ScheduledBy != nil && (n.ScheduledAt == nil || n.ScheduledAt.After(*f.ScheduledBy)) {
		return false
	}
	if c := f.After; c != nil {
		if n.CreatedAt.Before(c.CreatedAt) || (n.CreatedAt.Equal(c.CreatedAt) && n.ID <= c.ID) {
			return false
		}
	}
	return true
}

func page[T any](in []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(in) {
		return []T{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func (s *memStore) MarkAllRead(ctx context.Context, userID int64, at time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	touched := 0
	for id, n := range s.notifications {
		if n.UserID != userID || n.ReadAt != nil {
			continue
		}
		n.ReadAt = domain.TimePtr(at)
		if n.Status == domain.StatusSent {
			n.Status = domain.StatusRead
		}
		s.notifications[id] = n
		touched++
	}
	return touched, nil
}

func (s *memStore) MarkRead(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if n.ReadAt == nil {
		n.ReadAt = domain.TimePtr(at)
	}
	if n.Status == domain.StatusSent {
		n.Status = domain.StatusRead
	}
	s.notifications[id] = n
	return nil
}

func (s *memStore) SetDispatchState(ctx context.Context, id string, st DispatchState) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	n.Status = mergeStatus(n, st.Status)
	if n.SentAt == nil && st.SentAt != nil {
		n.SentAt = domain.TimePtr(*st.SentAt)
	}
	n.ScheduledAt = nil
	if st.ScheduledAt != nil {
		n.ScheduledAt = domain.TimePtr(*st.ScheduledAt)
	}
	s.notifications[id] = n
	return nil
}

func mergeStatus(cur domain.Notification, next domain.Status) domain.Status {
	switch {
	case cur.Status == domain.StatusRead:
		return domain.StatusRead
	case next == domain.StatusSent && cur.ReadAt != nil:
		return domain.StatusRead
	}
	return next
}

func (s *memStore) MarkDue(ctx context.Context, ids []string, at time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, id := range ids {
		n, ok := s.notifications[id]
		if !ok || n.Status != domain.StatusPending || n.ScheduledAt != nil {
			continue
		}
		n.ScheduledAt = domain.TimePtr(at)
		s.notifications[id] = n
		changed++
	}
	return changed, nil
}

func (s *memStore) GetPreferences(ctx context.Context, userID int64) (domain.Preferences, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[userID]
	if !ok {
		return domain.Preferences{}, false, nil
	}
	return p.Clone(), true, nil
}

func (s *memStore) PutPreferences(ctx context.Context, p domain.Preferences) error {
	_ = ctx
	s.mu.Lock()
	s.prefs[p.UserID] = p.Clone()
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetDelivery(ctx context.Context, notificationID string, ch domain.Channel) (domain.Delivery, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[deliveryKey(notificationID, ch)]
	return d, ok, nil
}

func (s *memStore) CreateDelivery(ctx context.Context, d *domain.Delivery) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deliveryKey(d.NotificationID, d.Channel)
	if _, ok := s.deliveries[key]; ok {
		return fmt.Errorf("delivery %s: %w", key, ErrConflict)
	}
	prepareDelivery(d, time.Now())
	s.deliveries[key] = *d
	return nil
}

func prepareDelivery(d *domain.Delivery, now time.Time) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.Status == "" {
		d.Status = domain.DeliveryPending
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = domain.DefaultMaxAttempts
	}
}

func (s *memStore) UpdateDelivery(ctx context.Context, d domain.Delivery) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deliveryKey(d.NotificationID, d.Channel)
	if _, ok := s.deliveries[key]; !ok {
		return fmt.Errorf("delivery %s: %w", key, ErrNotFound)
	}
	s.deliveries[key] = d
	return nil
}

func (s *memStore) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]domain.Delivery, error) {
	_ = ctx
	s.mu.RLock()
	out := make([]domain.Delivery, 0, 16)
	for _, d := range s.deliveries {
		if matchDelivery(d, f) {
			out = append(out, d)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, 0, f.Limit), nil
}

func matchDelivery(d domain.Delivery, f DeliveryFilter) bool {
	if f.NotificationID != "" && d.NotificationID != f.NotificationID {
		return false
	}
	if f.UserID != 0 && d.UserID != f.UserID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Since != nil && d.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Retryable && !d.Retryable() {
		return false
	}
	return true
}

func (s *memStore) GetUser(ctx context.Context, id int64) (domain.User, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return u, nil
}

func (s *memStore) UpsertUser(ctx context.Context, u domain.User) error {
	_ = ctx
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
	return nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	if len(s.audit) > s.auditMax {
		s.audit = s.audit[len(s.audit)-s.auditMax:]
	}
	s.mu.Unlock()
	return nil
}
