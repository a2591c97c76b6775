// Package intake turns platform domain events from an AMQP queue into
// notifications.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"

	"notifyd/internal/domain"
	"notifyd/internal/notifier"
	logx "notifyd/pkg/logx"
)

type Config struct {
	URL            string
	Exchange       string // empty consumes from a pre-bound queue
	ExchangeType   string // default topic
	Queue          string // default notifyd.events
	RoutingKeys    []string
	Prefetch       int    // default 32
	ConsumerTag    string // default notifyd
	ReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ExchangeType == "" {
		c.ExchangeType = "topic"
	}
	if c.Queue == "" {
		c.Queue = "notifyd.events"
	}
	if len(c.RoutingKeys) == 0 {
		c.RoutingKeys = []string{"notification.#"}
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 32
	}
	if c.ConsumerTag == "" {
		c.ConsumerTag = "notifyd"
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	return c
}

// Sink accepts decoded notification requests.
type Sink interface {
	CreateAndEnqueue(ctx context.Context, req notifier.Request) (domain.Notification, error)
}

// ContactStore refreshes contact cards carried by events.
type ContactStore interface {
	UpsertUser(ctx context.Context, u domain.User) error
}

type Options struct {
	Config     Config
	Sink       Sink
	Users      ContactStore // optional
	Registerer prometheus.Registerer
	Log        logx.Logger
	// Dial defaults to amqp.Dial.
	Dial func(url string) (*amqp.Connection, error)
}

type Consumer struct {
	cfg       Config
	sink      Sink
	users     ContactStore
	log       logx.Logger
	dial      func(url string) (*amqp.Connection, error)
	messages  *prometheus.CounterVec
	connected atomic.Bool
}

func New(opt Options) (*Consumer, error) {
	if opt.Sink == nil {
		return nil, errors.New("intake: sink is required")
	}
	if strings.TrimSpace(opt.Config.URL) == "" {
		return nil, errors.New("intake: url is required")
	}
	reg := opt.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Consumer{
		cfg:   opt.Config.withDefaults(),
		sink:  opt.Sink,
		users: opt.Users,
		log:   opt.Log,
		dial:  opt.Dial,
		messages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "notifyd",
			Subsystem: "intake",
			Name:      "messages_total",
			Help:      "Consumed events by outcome.",
		}, []string{"outcome"}),
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	if c.dial == nil {
		c.dial = amqp.Dial
	}
	return c, nil
}

// Connected reports whether a consuming session is active.
func (c *Consumer) Connected() bool { return c.connected.Load() }

// Run consumes until ctx is done, reconnecting after broker failures.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("amqp session ended; reconnecting",
			logx.Err(err), logx.Duration("retry_in", c.cfg.ReconnectDelay))
		t := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (c *Consumer) session(ctx context.Context) error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	if err := c.declare(ch); err != nil {
		return err
	}
	msgs, err := ch.ConsumeWithContext(ctx, c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.Info("intake consuming",
		logx.String("queue", c.cfg.Queue),
		logx.String("exchange", c.cfg.Exchange),
		logx.Int("prefetch", c.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr, ok := <-closed:
			if !ok || aerr == nil {
				return errors.New("connection closed")
			}
			return aerr
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) declare(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	if c.cfg.Exchange == "" {
		return nil
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, c.cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	for _, key := range c.cfg.RoutingKeys {
		if err := ch.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// handle settles exactly one delivery. Poison and invalid events are
// dropped. Other failures are requeued once.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	err := c.process(ctx, d)
	switch {
	case err == nil:
		c.messages.WithLabelValues("accepted").Inc()
		_ = d.Ack(false)
	case errors.Is(err, ErrPoison), errors.Is(err, notifier.ErrInvalidRequest):
		c.messages.WithLabelValues("rejected").Inc()
		c.log.Warn("event dropped",
			logx.String("routing_key", d.RoutingKey),
			logx.String("message_id", d.MessageId),
			logx.Err(err))
		_ = d.Nack(false, false)
	case d.Redelivered:
		c.messages.WithLabelValues("failed").Inc()
		c.log.Error("redelivered event failed again; dropping",
			logx.String("routing_key", d.RoutingKey), logx.Err(err))
		_ = d.Nack(false, false)
	default:
		c.messages.WithLabelValues("requeued").Inc()
		c.log.Error("event processing failed; requeueing",
			logx.String("routing_key", d.RoutingKey), logx.Err(err))
		_ = d.Nack(false, true)
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) error {
	env, ev, err := Decode(d.Body, d.RoutingKey)
	if err != nil {
		return err
	}
	if ev.Contact != nil && ev.UserID > 0 && c.users != nil {
		if err := c.users.UpsertUser(ctx, ev.Contact.user(ev.UserID)); err != nil {
			return fmt.Errorf("upsert contact: %w", err)
		}
	}
	n, err := c.sink.CreateAndEnqueue(ctx, ev.Request)
	if err != nil {
		return err
	}
	c.log.Debug("event accepted",
		logx.String("event_id", env.Meta.EventID),
		logx.String("source", env.Meta.Source),
		logx.String("notification_id", n.ID))
	return nil
}
