package storage

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/domain"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: already exists")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (default)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// NotificationFilter selects notifications. Zero values mean "any".
type NotificationFilter struct {
	UserID   int64
	Statuses []domain.Status
	Type     domain.Type
	Unread   bool

	// DueBy keeps rows whose scheduled_at is unset or <= DueBy.
	DueBy *time.Time
	// ScheduledBy keeps rows with scheduled_at set and <= ScheduledBy.
	ScheduledBy *time.Time

	Oldest bool // order by created_at ascending instead of newest first
	// After keeps rows strictly after the cursor in oldest-first order.
	// Sweeps page with it because their result set shrinks as rows are sent.
	After  *Cursor
	Limit  int
	Offset int
}

// Cursor is a position in (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position of n.
func CursorOf(n domain.Notification) *Cursor {
	return &Cursor{CreatedAt: n.CreatedAt, ID: n.ID}
}

// DispatchState holds the notification fields owned by the dispatcher.
type DispatchState struct {
	Status      domain.Status
	SentAt      *time.Time // kept when already set
	ScheduledAt *time.Time
}

// DeliveryFilter selects deliveries. Zero values mean "any".
type DeliveryFilter struct {
	NotificationID string
	UserID         int64
	Status         domain.DeliveryStatus
	Since          *time.Time
	// Retryable keeps rows that were attempted, failed, and still have budget.
	Retryable bool
	Limit     int
}

// AuditEntry records one provider attempt.
type AuditEntry struct {
	At               time.Time
	NotificationID   string
	UserID           int64
	Channel          domain.Channel
	Attempt          int
	OK               bool
	ErrorCode        string
	ProviderResponse string
	TookMS           int64
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *domain.Notification) error
	// CreateNotifications inserts all rows in a single operation (all or nothing).
	CreateNotifications(ctx context.Context, ns []*domain.Notification) error
	GetNotification(ctx context.Context, id string) (domain.Notification, error)
	ListNotifications(ctx context.Context, f NotificationFilter) ([]domain.Notification, int, error)
	// MarkAllRead stamps read_at on every unread notification of the user and
	// moves sent ones to read. It returns the number of rows touched.
	MarkAllRead(ctx context.Context, userID int64, at time.Time) (int, error)
	// MarkRead stamps read_at unless already set and moves a sent row to read.
	MarkRead(ctx context.Context, id string, at time.Time) error
	// SetDispatchState writes only status, sent_at and scheduled_at. Read
	// receipts win: a read row stays read, and a row with read_at set moves
	// to read instead of sent.
	SetDispatchState(ctx context.Context, id string, st DispatchState) error
	// MarkDue sets scheduled_at to at on the pending notifications among ids
	// that have none, so the scheduled sweep picks them up. It returns the
	// number of rows changed.
	MarkDue(ctx context.Context, ids []string, at time.Time) (int, error)
}

type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID int64) (domain.Preferences, bool, error)
	PutPreferences(ctx context.Context, p domain.Preferences) error
}

type DeliveryStore interface {
	GetDelivery(ctx context.Context, notificationID string, ch domain.Channel) (domain.Delivery, bool, error)
	// CreateDelivery fails with ErrConflict if the (notification, channel) row exists.
	CreateDelivery(ctx context.Context, d *domain.Delivery) error
	UpdateDelivery(ctx context.Context, d domain.Delivery) error
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]domain.Delivery, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id int64) (domain.User, error)
	UpsertUser(ctx context.Context, u domain.User) error
}

// Store is the persistence API used by the dispatch engine.
type Store interface {
	NotificationStore
	PreferenceStore
	DeliveryStore
	UserStore
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
