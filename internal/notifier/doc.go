// Package notifier is the asynchronous delivery queue in front of the
// dispatch service.
//
// # Lanes
//
// Notification IDs wait in one of two bounded lanes. Urgent and high
// priority work goes to the priority lane, which workers always drain
// first. A full lane rejects with ErrQueueFull instead of blocking the
// caller. An ID that is already queued is not queued twice.
//
// # Workers
//
// A fixed pool of workers runs under a supervisor. Each item is processed
// with panic recovery, so one bad notification never takes a worker down.
//
// # Sweeps
//
// Two cron-driven sweeps feed the queue: retryable deliveries are
// re-attempted and notifications whose scheduled_at has passed are
// re-enqueued. ProcessPending does the same for everything left pending
// across a restart.
package notifier
