package config

import (
	"reflect"
	"strings"

	logx "notifyd/pkg/logx"
)

// Change summarizes a reload. Fields are safe to log: credentials are
// reported only as *_set booleans.
type Change struct {
	// Sections lists every top-level section that differs.
	Sections []string
	// Restart lists the subset that only takes effect after a restart.
	Restart []string
	Fields  []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs section by section. Logging, channel limits,
// dispatch pacing and batch pacing apply live; the rest needs a restart.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		c.live("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		c.restart("http",
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.profiler", newCfg.HTTP.Profiler),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		c.restart("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		// Sweep schedules are re-registered live; pool shape is fixed.
		if oldCfg.Queue.Workers != newCfg.Queue.Workers || oldCfg.Queue.QueueSize != newCfg.Queue.QueueSize {
			c.restart("queue", logx.Int("queue.workers", newCfg.Queue.Workers), logx.Int("queue.queue_size", newCfg.Queue.QueueSize))
		} else {
			c.live("queue",
				logx.String("queue.retry_schedule", newCfg.Queue.RetrySchedule),
				logx.String("queue.scheduled_schedule", newCfg.Queue.ScheduledSchedule),
			)
		}
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		c.live("dispatch",
			logx.Int("dispatch.max_attempts", newCfg.Dispatch.MaxAttempts),
			logx.Int("dispatch.bulk_chunk_size", newCfg.Dispatch.BulkChunkSize),
			logx.String("dispatch.bulk_delay", newCfg.Dispatch.BulkDelay),
		)
	}
	if oldCfg.Batch != newCfg.Batch {
		if oldCfg.Batch.Workers != newCfg.Batch.Workers || oldCfg.Batch.QueueSize != newCfg.Batch.QueueSize {
			c.restart("batch", logx.Int("batch.workers", newCfg.Batch.Workers), logx.Int("batch.queue_size", newCfg.Batch.QueueSize))
		} else {
			c.live("batch",
				logx.Int("batch.batch_size", newCfg.Batch.BatchSize),
				logx.String("batch.batch_delay", newCfg.Batch.BatchDelay),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		fields := []logx.Field{
			logx.String("channels.email.driver", newCfg.Channels.Email.Driver),
			logx.String("channels.sms.driver", newCfg.Channels.SMS.Driver),
			logx.String("channels.push.driver", newCfg.Channels.Push.Driver),
			logx.Bool("channels.email.smtp.password_set", newCfg.Channels.Email.SMTP.Password != ""),
			logx.Bool("channels.sms.kavenegar.api_key_set", newCfg.Channels.SMS.Kavenegar.APIKey != ""),
			logx.Bool("channels.push.telegram.token_set", newCfg.Channels.Push.Telegram.Token != ""),
		}
		if gatewaysChanged(oldCfg.Channels, newCfg.Channels) {
			c.restart("channels", fields...)
		} else {
			c.live("channels", fields...)
		}
	}
	if !reflect.DeepEqual(oldCfg.Intake, newCfg.Intake) {
		c.restart("intake",
			logx.Bool("intake.enabled", newCfg.Intake.Enabled),
			logx.String("intake.queue", newCfg.Intake.Queue),
			logx.Bool("intake.url_set", newCfg.Intake.URL != ""),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		c.live("scheduler", logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	return c
}

func (c *Change) live(section string, fields ...logx.Field) {
	c.Sections = append(c.Sections, section)
	c.Fields = append(c.Fields, fields...)
}

func (c *Change) restart(section string, fields ...logx.Field) {
	c.live(section, fields...)
	c.Restart = append(c.Restart, section)
}

// gatewaysChanged reports driver or credential edits, as opposed to pacing.
func gatewaysChanged(a, b ChannelsConfig) bool {
	return a.Email.Driver != b.Email.Driver || a.Email.SMTP != b.Email.SMTP ||
		a.SMS.Driver != b.SMS.Driver || a.SMS.Kavenegar != b.SMS.Kavenegar ||
		a.Push.Driver != b.Push.Driver || a.Push.Telegram != b.Push.Telegram
}
