// Package scheduler triggers periodic jobs (the retry and scheduled-delivery
// sweeps) from cron or interval specs.
//
// Jobs run on cron's goroutines with a per-job timeout derived from the
// context passed to Start. A job that is still running when its next tick
// fires is skipped, not queued.
package scheduler
