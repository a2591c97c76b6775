package dispatch

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/channel"
	"notifyd/internal/domain"
	"notifyd/internal/eventbus"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

var (
	ErrNotFound       = errors.New("dispatch: not found")
	ErrInvalidRequest = errors.New("dispatch: invalid request")
)

// Clock returns the current instant.
type Clock func() time.Time

// LocationLoader resolves IANA zone names.
type LocationLoader func(name string) (*time.Location, error)

// UserDirectory supplies contact details for delivery.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (domain.User, error)
}

type Config struct {
	// MaxAttempts is stamped on new delivery rows.
	MaxAttempts int
	// BulkChunkSize and BulkDelay pace SendBulk.
	BulkChunkSize int
	BulkDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = domain.DefaultMaxAttempts
	}
	if c.BulkChunkSize <= 0 {
		c.BulkChunkSize = 10
	}
	if c.BulkDelay < 0 {
		c.BulkDelay = 0
	}
	return c
}

// DefaultConfig mirrors the production pacing.
func DefaultConfig() Config {
	return Config{MaxAttempts: domain.DefaultMaxAttempts, BulkChunkSize: 10, BulkDelay: 100 * time.Millisecond}
}

type Options struct {
	Store     storage.Store
	Users     UserDirectory // defaults to Store
	Adapters  channel.Set
	Clock     Clock
	Locations LocationLoader
	Bus       eventbus.Bus
	Log       logx.Logger
	Config    Config
}

// BulkResult counts notifications, not channels. Skipped covers deferred,
// ineligible and already-handled notifications.
type BulkResult struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

func (r *BulkResult) Add(o BulkResult) {
	r.Total += o.Total
	r.Successful += o.Successful
	r.Failed += o.Failed
	r.Skipped += o.Skipped
}

type Counts struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

func (c *Counts) add(d domain.Delivery) {
	c.Total++
	switch d.Status {
	case domain.DeliverySent:
		c.Sent++
	case domain.DeliveryFailed:
		c.Failed++
	default:
		c.Pending++
	}
}

type Analytics struct {
	UserID      int64                     `json:"user_id,omitempty"`
	Days        int                       `json:"days"`
	Since       time.Time                 `json:"since"`
	Totals      Counts                    `json:"totals"`
	ByChannel   map[domain.Channel]Counts `json:"by_channel"`
	ByType      map[domain.Type]Counts    `json:"by_type"`
	SuccessRate float64                   `json:"success_rate"`
}

type ListQuery struct {
	UserID  int64
	Status  domain.Status
	Type    domain.Type
	Unread  bool
	Page    int
	PerPage int
}

type Page struct {
	Items   []domain.Notification `json:"items"`
	Total   int                   `json:"total"`
	Page    int                   `json:"page"`
	PerPage int                   `json:"per_page"`
}
