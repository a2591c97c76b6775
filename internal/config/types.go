package config

// Config is the on-disk shape of the service configuration. All durations
// are Go duration strings ("500ms", "10s", "1m"); empty means default.
// String values may reference the environment as ${NAME}.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Batch     BatchConfig     `json:"batch"`
	Channels  ChannelsConfig  `json:"channels"`
	Intake    IntakeConfig    `json:"intake"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// JSON switches the console writer to raw JSON lines.
	JSON bool              `json:"json,omitempty"`
	File LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the REST API listener.
//
// Defaults:
//   - addr: ":8080"
//   - read_timeout: "10s", write_timeout: "30s", idle_timeout: "60s"
//   - shutdown_timeout: "10s"
//   - metrics: true (GET /metrics)
//   - profiler: false (/debug)
type HTTPConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	Addr            string `json:"addr,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	Metrics         *bool  `json:"metrics,omitempty"`
	Profiler        bool   `json:"profiler,omitempty"`
	// DebugToken guards /debug when the profiler is enabled.
	DebugToken      string `json:"debug_token,omitempty"`
}

// StorageConfig selects the notification store. Driver is memory (default)
// or sqlite; sqlite requires path.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig controls the delivery queue and its sweepers. Schedules accept
// cron expressions, "@every <dur>", "every:<dur>" or "daily:HH:MM".
type QueueConfig struct {
	Workers           int    `json:"workers,omitempty"`
	QueueSize         int    `json:"queue_size,omitempty"`
	RetrySchedule     string `json:"retry_schedule,omitempty"`
	RetryMaxAge       string `json:"retry_max_age,omitempty"`
	ScheduledSchedule string `json:"scheduled_schedule,omitempty"`
	SweepTimeout      string `json:"sweep_timeout,omitempty"`
	StopTimeout       string `json:"stop_timeout,omitempty"`
	// ProcessPendingOnStart enqueues stored pending notifications at startup.
	ProcessPendingOnStart *bool `json:"process_pending_on_start,omitempty"`
}

type DispatchConfig struct {
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	BulkChunkSize int    `json:"bulk_chunk_size,omitempty"`
	BulkDelay     string `json:"bulk_delay,omitempty"`
}

// BatchConfig controls asynchronous bulk jobs.
type BatchConfig struct {
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
	BatchDelay string `json:"batch_delay,omitempty"`
	StatusMax  int    `json:"status_max,omitempty"`
	StatusTTL  string `json:"status_ttl,omitempty"`
}

// ChannelsConfig configures the provider gateway and pacing of every
// delivery medium. Driver "log" (default) writes deliveries to the log.
type ChannelsConfig struct {
	SendTimeout string             `json:"send_timeout,omitempty"`
	InApp       ChannelLimits      `json:"in_app"`
	Email       EmailChannelConfig `json:"email"`
	SMS         SMSChannelConfig   `json:"sms"`
	Push        PushChannelConfig  `json:"push"`
}

// ChannelLimits is a token bucket plus a circuit breaker.
// rate_per_sec <= 0 disables limiting; circuit_trip <= 0 disables the
// breaker. circuit_cooldown defaults to "5s" and doubles per extra failure.
type ChannelLimits struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	// Timeout overrides channels.send_timeout for this medium.
	Timeout         string `json:"timeout,omitempty"`
	CircuitTrip     int    `json:"circuit_trip,omitempty"`
	CircuitCooldown string `json:"circuit_cooldown,omitempty"`
}

type EmailChannelConfig struct {
	ChannelLimits
	Driver string     `json:"driver,omitempty"`
	SMTP   SMTPConfig `json:"smtp"`
}

type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
	FromName string `json:"from_name,omitempty"`
	// Security is starttls (default), tls or none.
	Security string `json:"security,omitempty"`
}

type SMSChannelConfig struct {
	ChannelLimits
	Driver    string          `json:"driver,omitempty"`
	Kavenegar KavenegarConfig `json:"kavenegar"`
}

type KavenegarConfig struct {
	APIKey string `json:"api_key,omitempty"`
	Sender string `json:"sender,omitempty"`
}

type PushChannelConfig struct {
	ChannelLimits
	Driver   string         `json:"driver,omitempty"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token   string `json:"token,omitempty"`
	URL     string `json:"url,omitempty"`
	Offline bool   `json:"offline,omitempty"`
}

// IntakeConfig controls the AMQP domain-event consumer.
//
// Defaults:
//   - exchange_type: "topic"
//   - queue: "notifyd.events"
//   - routing_keys: ["notification.#"]
//   - prefetch: 32
//   - reconnect_delay: "5s"
type IntakeConfig struct {
	Enabled        bool     `json:"enabled"`
	URL            string   `json:"url,omitempty"`
	Exchange       string   `json:"exchange,omitempty"`
	ExchangeType   string   `json:"exchange_type,omitempty"`
	Queue          string   `json:"queue,omitempty"`
	RoutingKeys    []string `json:"routing_keys,omitempty"`
	Prefetch       int      `json:"prefetch,omitempty"`
	ConsumerTag    string   `json:"consumer_tag,omitempty"`
	ReconnectDelay string   `json:"reconnect_delay,omitempty"`
}

// SchedulerConfig sets the zone cron schedules are evaluated in.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}
