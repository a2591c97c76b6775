package app

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/api"
	"notifyd/internal/channel"
	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/domain"
	"notifyd/internal/intake"
	"notifyd/internal/notifier"
	"notifyd/internal/notifier/broadcast"
	"notifyd/internal/storage"
	"notifyd/internal/task/scheduler"
	"notifyd/internal/transport"
	"notifyd/internal/transport/kavenegar"
	"notifyd/internal/transport/smtp"
	"notifyd/internal/transport/telegram"
	logx "notifyd/pkg/logx"
)

// settings is a fully parsed config: every duration resolved and every
// bound checked. Mapping is shared by boot, validation and hot reload.
type settings struct {
	log       logx.Config
	http      httpSettings
	storage   storage.Config
	gateways  transport.Config
	channels  map[domain.Channel]channelSettings
	dispatch  dispatch.Config
	queue     notifier.Config
	stopAfter time.Duration
	batch     broadcast.Config
	intake    intakeSettings
	scheduler scheduler.Config
}

type httpSettings struct {
	enabled  bool
	server   api.Config
	shutdown time.Duration
	metrics  bool
	profiler bool
	token    string
}

type channelSettings struct {
	timeout time.Duration
	limits  channel.Limits
}

type intakeSettings struct {
	enabled bool
	cfg     intake.Config
}

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultStopTimeout     = 30 * time.Second
)

func mapSettings(cfg *config.Config) (settings, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	var (
		s   settings
		err error
	)
	s.log = mapLogging(cfg.Logging)
	if s.http, err = mapHTTP(cfg.HTTP); err != nil {
		return settings{}, err
	}
	if s.storage, err = mapStorage(cfg.Storage); err != nil {
		return settings{}, err
	}
	if s.gateways, err = mapGateways(cfg.Channels); err != nil {
		return settings{}, err
	}
	if s.channels, err = mapChannels(cfg.Channels); err != nil {
		return settings{}, err
	}
	if s.dispatch, err = mapDispatch(cfg.Dispatch); err != nil {
		return settings{}, err
	}
	if s.queue, s.stopAfter, err = mapQueue(cfg.Queue); err != nil {
		return settings{}, err
	}
	if s.batch, err = mapBatch(cfg.Batch); err != nil {
		return settings{}, err
	}
	if s.intake, err = mapIntake(cfg.Intake); err != nil {
		return settings{}, err
	}
	if s.scheduler, err = mapScheduler(cfg.Scheduler); err != nil {
		return settings{}, err
	}
	return s, nil
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		JSON:    c.JSON,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    strings.TrimSpace(c.File.Path),
		},
	}
}

func mapHTTP(c config.HTTPConfig) (httpSettings, error) {
	h := httpSettings{
		enabled:  c.Enabled == nil || *c.Enabled,
		metrics:  c.Metrics == nil || *c.Metrics,
		profiler: c.Profiler,
		token:    strings.TrimSpace(c.DebugToken),
	}
	h.server.Addr = strings.TrimSpace(c.Addr)
	var err error
	if h.server.ReadTimeout, err = config.Duration("http.read_timeout", c.ReadTimeout); err != nil {
		return httpSettings{}, err
	}
	if h.server.WriteTimeout, err = config.Duration("http.write_timeout", c.WriteTimeout); err != nil {
		return httpSettings{}, err
	}
	if h.server.IdleTimeout, err = config.Duration("http.idle_timeout", c.IdleTimeout); err != nil {
		return httpSettings{}, err
	}
	if h.shutdown, err = config.DurationOr("http.shutdown_timeout", c.ShutdownTimeout, defaultShutdownTimeout); err != nil {
		return httpSettings{}, err
	}
	if h.profiler && h.token == "" {
		return httpSettings{}, fmt.Errorf("http.debug_token is required when http.profiler=true")
	}
	return h, nil
}

func mapStorage(c config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	path := strings.TrimSpace(c.Path)
	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", c.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", c.Driver)
	}
}

func mapGateways(c config.ChannelsConfig) (transport.Config, error) {
	out := transport.Config{
		Email: transport.EmailConfig{
			Driver: driverName(c.Email.Driver),
			SMTP: smtp.Config{
				Host:     strings.TrimSpace(c.Email.SMTP.Host),
				Port:     c.Email.SMTP.Port,
				Username: c.Email.SMTP.Username,
				Password: c.Email.SMTP.Password,
				From:     strings.TrimSpace(c.Email.SMTP.From),
				FromName: c.Email.SMTP.FromName,
				Security: strings.ToLower(strings.TrimSpace(c.Email.SMTP.Security)),
			},
		},
		SMS: transport.SMSConfig{
			Driver: driverName(c.SMS.Driver),
			Kavenegar: kavenegar.Config{
				APIKey: strings.TrimSpace(c.SMS.Kavenegar.APIKey),
				Sender: strings.TrimSpace(c.SMS.Kavenegar.Sender),
			},
		},
		Push: transport.PushConfig{
			Driver: driverName(c.Push.Driver),
			Telegram: telegram.Config{
				Token:   strings.TrimSpace(c.Push.Telegram.Token),
				URL:     strings.TrimSpace(c.Push.Telegram.URL),
				Offline: c.Push.Telegram.Offline,
			},
		},
	}

	switch out.Email.Driver {
	case transport.DriverLog:
	case transport.DriverSMTP:
		if out.Email.SMTP.Host == "" || out.Email.SMTP.From == "" {
			return transport.Config{}, fmt.Errorf("channels.email.smtp: host and from are required when driver=smtp")
		}
		if p := out.Email.SMTP.Port; p < 0 || p > 65535 {
			return transport.Config{}, fmt.Errorf("channels.email.smtp.port out of range: %d", p)
		}
		switch out.Email.SMTP.Security {
		case "", "starttls", "tls", "none":
		default:
			return transport.Config{}, fmt.Errorf("channels.email.smtp.security: unknown mode %q", c.Email.SMTP.Security)
		}
	default:
		return transport.Config{}, fmt.Errorf("unknown channels.email.driver: %s", c.Email.Driver)
	}

	switch out.SMS.Driver {
	case transport.DriverLog:
	case transport.DriverKavenegar:
		if out.SMS.Kavenegar.APIKey == "" {
			return transport.Config{}, fmt.Errorf("channels.sms.kavenegar.api_key is required when driver=kavenegar")
		}
	default:
		return transport.Config{}, fmt.Errorf("unknown channels.sms.driver: %s", c.SMS.Driver)
	}

	switch out.Push.Driver {
	case transport.DriverLog:
	case transport.DriverTelegram:
		if out.Push.Telegram.Token == "" {
			return transport.Config{}, fmt.Errorf("channels.push.telegram.token is required when driver=telegram")
		}
	default:
		return transport.Config{}, fmt.Errorf("unknown channels.push.driver: %s", c.Push.Driver)
	}
	return out, nil
}

func driverName(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if d == "" {
		return transport.DriverLog
	}
	return d
}

// mapChannels resolves per-medium timeouts and token buckets, keyed by
// channel name. A medium timeout overrides channels.send_timeout.
func mapChannels(c config.ChannelsConfig) (map[domain.Channel]channelSettings, error) {
	def, err := config.DurationOr("channels.send_timeout", c.SendTimeout, channel.DefaultSendTimeout)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Channel]channelSettings, 4)
	for ch, l := range map[domain.Channel]config.ChannelLimits{
		domain.ChannelInApp: c.InApp,
		domain.ChannelEmail: c.Email.ChannelLimits,
		domain.ChannelSMS:   c.SMS.ChannelLimits,
		domain.ChannelPush:  c.Push.ChannelLimits,
	} {
		name := string(ch)
		if l.RatePerSec < 0 {
			return nil, fmt.Errorf("channels.%s.rate_per_sec must be >= 0", name)
		}
		if l.Burst < 0 {
			return nil, fmt.Errorf("channels.%s.burst must be >= 0", name)
		}
		if l.CircuitTrip < 0 {
			return nil, fmt.Errorf("channels.%s.circuit_trip must be >= 0", name)
		}
		timeout, err := config.DurationOr("channels."+name+".timeout", l.Timeout, def)
		if err != nil {
			return nil, err
		}
		cooldown, err := config.Duration("channels."+name+".circuit_cooldown", l.CircuitCooldown)
		if err != nil {
			return nil, err
		}
		out[ch] = channelSettings{
			timeout: timeout,
			limits: channel.Limits{
				RPS:             l.RatePerSec,
				Burst:           l.Burst,
				CircuitTrip:     l.CircuitTrip,
				CircuitCooldown: cooldown,
			},
		}
	}
	return out, nil
}

func mapDispatch(c config.DispatchConfig) (dispatch.Config, error) {
	if c.MaxAttempts < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.max_attempts must be >= 0")
	}
	if c.BulkChunkSize < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.bulk_chunk_size must be >= 0")
	}
	def := dispatch.DefaultConfig()
	out := dispatch.Config{MaxAttempts: c.MaxAttempts, BulkChunkSize: c.BulkChunkSize}
	var err error
	if out.BulkDelay, err = config.DurationOr("dispatch.bulk_delay", c.BulkDelay, def.BulkDelay); err != nil {
		return dispatch.Config{}, err
	}
	return out, nil
}

func mapQueue(c config.QueueConfig) (notifier.Config, time.Duration, error) {
	if c.Workers < 0 {
		return notifier.Config{}, 0, fmt.Errorf("queue.workers must be >= 0")
	}
	if c.QueueSize < 0 {
		return notifier.Config{}, 0, fmt.Errorf("queue.queue_size must be >= 0")
	}
	out := notifier.Config{
		Workers:               c.Workers,
		QueueSize:             c.QueueSize,
		RetrySchedule:         strings.TrimSpace(c.RetrySchedule),
		ScheduledSchedule:     strings.TrimSpace(c.ScheduledSchedule),
		ProcessPendingOnStart: c.ProcessPendingOnStart == nil || *c.ProcessPendingOnStart,
	}
	for path, spec := range map[string]string{
		"queue.retry_schedule":     out.RetrySchedule,
		"queue.scheduled_schedule": out.ScheduledSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			return notifier.Config{}, 0, fmt.Errorf("%s: %w", path, err)
		}
	}
	var err error
	if out.RetryMaxAge, err = config.Duration("queue.retry_max_age", c.RetryMaxAge); err != nil {
		return notifier.Config{}, 0, err
	}
	if out.SweepTimeout, err = config.Duration("queue.sweep_timeout", c.SweepTimeout); err != nil {
		return notifier.Config{}, 0, err
	}
	stop, err := config.DurationOr("queue.stop_timeout", c.StopTimeout, defaultStopTimeout)
	if err != nil {
		return notifier.Config{}, 0, err
	}
	return out, stop, nil
}

func mapBatch(c config.BatchConfig) (broadcast.Config, error) {
	for path, v := range map[string]int{
		"batch.workers":    c.Workers,
		"batch.queue_size": c.QueueSize,
		"batch.batch_size": c.BatchSize,
		"batch.status_max": c.StatusMax,
	} {
		if v < 0 {
			return broadcast.Config{}, fmt.Errorf("%s must be >= 0", path)
		}
	}
	out := broadcast.Config{
		Workers:   c.Workers,
		QueueSize: c.QueueSize,
		BatchSize: c.BatchSize,
		StatusMax: c.StatusMax,
	}
	var err error
	if out.BatchDelay, err = config.DurationOr("batch.batch_delay", c.BatchDelay, time.Second); err != nil {
		return broadcast.Config{}, err
	}
	if out.StatusTTL, err = config.Duration("batch.status_ttl", c.StatusTTL); err != nil {
		return broadcast.Config{}, err
	}
	return out, nil
}

func mapIntake(c config.IntakeConfig) (intakeSettings, error) {
	out := intakeSettings{
		enabled: c.Enabled,
		cfg: intake.Config{
			URL:          strings.TrimSpace(c.URL),
			Exchange:     strings.TrimSpace(c.Exchange),
			ExchangeType: strings.ToLower(strings.TrimSpace(c.ExchangeType)),
			Queue:        strings.TrimSpace(c.Queue),
			RoutingKeys:  c.RoutingKeys,
			Prefetch:     c.Prefetch,
			ConsumerTag:  strings.TrimSpace(c.ConsumerTag),
		},
	}
	if c.Prefetch < 0 {
		return intakeSettings{}, fmt.Errorf("intake.prefetch must be >= 0")
	}
	switch out.cfg.ExchangeType {
	case "", "direct", "fanout", "topic", "headers":
	default:
		return intakeSettings{}, fmt.Errorf("intake.exchange_type: unknown type %q", c.ExchangeType)
	}
	var err error
	if out.cfg.ReconnectDelay, err = config.Duration("intake.reconnect_delay", c.ReconnectDelay); err != nil {
		return intakeSettings{}, err
	}
	if out.enabled && out.cfg.URL == "" {
		return intakeSettings{}, fmt.Errorf("intake.url is required when intake.enabled=true")
	}
	return out, nil
}

func mapScheduler(c config.SchedulerConfig) (scheduler.Config, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Timezone: tz}, nil
}
