package broadcast

import (
	"context"
	"sync"
	"time"

	"notifyd/internal/dispatch"
	"notifyd/internal/domain"
	"notifyd/internal/eventbus"
	logx "notifyd/pkg/logx"
)

type Config struct {
	Workers    int           // default 2
	QueueSize  int           // pending jobs; default 64
	BatchSize  int           // default 50
	BatchDelay time.Duration // pause between batches; default 1s
	StatusMax  int           // default 200
	StatusTTL  time.Duration // default 24h
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.StatusMax <= 0 {
		c.StatusMax = defaultStatusMax
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = defaultStatusTTL
	}
	return c
}

// BulkSender is the dispatch entry point for one batch.
type BulkSender interface {
	SendBulk(ctx context.Context, ns []domain.Notification) (dispatch.BulkResult, error)
}

// Creator persists a set of notifications in one operation. MarkDue hands
// notifications of jobs that never ran to the scheduled sweep.
type Creator interface {
	CreateNotifications(ctx context.Context, ns []*domain.Notification) error
	MarkDue(ctx context.Context, ids []string, at time.Time) (int, error)
}

// BulkRequest creates the same notification for many users.
type BulkRequest struct {
	UserIDs  []int64          `json:"user_ids" validate:"required,min=1,max=10000,dive,gt=0"`
	Type     domain.Type      `json:"type" validate:"required,notification_type"`
	Title    string           `json:"title" validate:"required,max=255"`
	Message  string           `json:"message" validate:"required,max=4000"`
	Data     map[string]any   `json:"data,omitempty"`
	Channels []domain.Channel `json:"channels" validate:"required,min=1,max=4,dive,channel"`
	Priority domain.Priority  `json:"priority,omitempty" validate:"omitempty,priority"`
}

type BatchReport struct {
	Index int `json:"index"`
	Size  int `json:"size"`
	dispatch.BulkResult
	Took time.Duration `json:"took"`
}

type Report struct {
	Total       int           `json:"total"`
	Successful  int           `json:"successful"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	SuccessRate float64       `json:"success_rate"`
	Batches     []BatchReport `json:"batches"`
}

type JobStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Report    Report    `json:"report"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	DoneAt    time.Time `json:"done_at,omitempty"`
	Running   bool      `json:"running"`
}

type job struct {
	id            string
	name          string
	notifications []domain.Notification
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	sender BulkSender
	store  Creator
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	queue    chan job
	stopCh   chan struct{}
	stopDone chan struct{} // non-nil while Stop is in progress
	workerWG sync.WaitGroup

	statusMu sync.RWMutex
	status   map[string]*JobStatus
}
