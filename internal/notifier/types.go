package notifier

import (
	"time"

	"notifyd/internal/domain"
)

// Config controls the queue and its sweeps.
type Config struct {
	Workers   int
	QueueSize int // per lane

	RetrySchedule     string        // default "@every 5m"
	RetryMaxAge       time.Duration // default 24h
	ScheduledSchedule string        // default "@every 60s"
	SweepTimeout      time.Duration // default 2m

	// ProcessPendingOnStart enqueues leftover pending work in Start.
	ProcessPendingOnStart bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.RetrySchedule == "" {
		c.RetrySchedule = "@every 5m"
	}
	if c.RetryMaxAge <= 0 {
		c.RetryMaxAge = 24 * time.Hour
	}
	if c.ScheduledSchedule == "" {
		c.ScheduledSchedule = "@every 60s"
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = 2 * time.Minute
	}
	return c
}

// Request is an inbound create-notification request.
type Request struct {
	UserID      int64            `json:"user_id" validate:"required,gt=0"`
	Type        domain.Type      `json:"type" validate:"required,notification_type"`
	Title       string           `json:"title" validate:"required,max=255"`
	Message     string           `json:"message" validate:"required,max=4000"`
	Data        map[string]any   `json:"data,omitempty"`
	Channels    []domain.Channel `json:"channels,omitempty" validate:"omitempty,max=4,dive,channel"`
	Priority    domain.Priority  `json:"priority,omitempty" validate:"omitempty,priority"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Running       bool          `json:"running"`
	QueueDepth    int           `json:"queue_depth"`
	PriorityDepth int           `json:"priority_depth"`
	Capacity      int           `json:"capacity"`
	Workers       int           `json:"workers"`
	Busy          int           `json:"busy"`
	Processed     uint64        `json:"processed"`
	Successful    uint64        `json:"successful"`
	Failed        uint64        `json:"failed"`
	Skipped       uint64        `json:"skipped"`
	Retried       uint64        `json:"retried"`
	Rejected      uint64        `json:"rejected"`
	Uptime        time.Duration `json:"uptime"`
	SuccessRate   float64       `json:"success_rate"`
}

type item struct {
	id       string
	priority domain.Priority
	queuedAt time.Time
}

func urgentLane(p domain.Priority) bool {
	return p == domain.PriorityUrgent || p == domain.PriorityHigh
}
