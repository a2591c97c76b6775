package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	logx "notifyd/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	// Timezone is the IANA zone cron specs are evaluated in; empty means Local.
	Timezone string
}

// Job is the unit a schedule triggers.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	stats         *runStats
}

type runStats struct {
	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64

	mu      sync.Mutex
	lastErr string
	lastRun time.Time
	took    time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// ctx is the parent of every job run; set by Start.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ScheduleInfo struct {
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Timeout       time.Duration `json:"timeout"`
	Next          time.Time     `json:"next,omitempty"`
	Prev          time.Time     `json:"prev,omitempty"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Running       bool          `json:"running"`
	Runs          uint64        `json:"runs"`
	Skipped       uint64        `json:"skipped"`
	Failed        uint64        `json:"failed"`
	LastRun       time.Time     `json:"last_run,omitempty"`
	LastTook      time.Duration `json:"last_took,omitempty"`
	LastErr       string        `json:"last_err,omitempty"`
}

type Snapshot struct {
	Started   bool           `json:"started"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
