package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrPoison marks a delivery that can never be processed
var ErrPoison = errors.New("poison message")

// SettingsEvent announces that an account's settings changed
type SettingsEvent struct {
	AccountID string `json:"account_id"`
}

// decodeSettingsEvent parses a delivery body; malformed bodies are poison
func decodeSettingsEvent(body []byte) (SettingsEvent, error) {
	var ev SettingsEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrPoison, err)
	}
	if ev.AccountID == "" {
		return ev, fmt.Errorf("%w: missing account_id", ErrPoison)
	}
	return ev, nil
}

// ConsumerConfig configures the settings event consumer
type ConsumerConfig struct {
	URL        string
	Exchange   string
	Queue      string
	BindingKey string
	Prefetch   int

	ReconnectBase time.Duration
	ReconnectCap  time.Duration
}

// SettingsConsumer reconciles accounts when settings-change events arrive
type SettingsConsumer struct {
	cfg  ConsumerConfig
	orch Orchestrator
	log  zerolog.Logger
}

// NewSettingsConsumer creates a settings event consumer
func NewSettingsConsumer(cfg ConsumerConfig, orch Orchestrator, log zerolog.Logger) *SettingsConsumer {
	if cfg.BindingKey == "" {
		cfg.BindingKey = "#"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 30 * time.Second
	}
	return &SettingsConsumer{
		cfg:  cfg,
		orch: orch,
		log:  log.With().Str("component", "settings_consumer").Logger(),
	}
}

// Run consumes until ctx is done, reconnecting with jittered backoff
func (c *SettingsConsumer) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectBase
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := jittered(backoff, c.cfg.ReconnectCap)
		c.log.Error().Err(err).Dur("retry_in", wait).Msg("amqp session ended, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if err == nil {
			backoff = c.cfg.ReconnectBase
		} else if backoff*2 < c.cfg.ReconnectCap {
			backoff *= 2
		}
	}
}

// session runs one connection until it closes. A nil error means the
// connection was up and closed by the broker.
func (c *SettingsConsumer) session(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
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
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.BindingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.log.Info().Str("queue", c.cfg.Queue).Int("prefetch", c.cfg.Prefetch).Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closeCh:
			if ok && amqpErr != nil {
				return amqpErr
			}
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			c.settle(d, c.handle(ctx, d.Body, d.Redelivered))
		}
	}
}

// outcome is how a delivery is settled
type outcome int

const (
	outcomeAck outcome = iota
	outcomeRequeue
	outcomeDrop
)

func (c *SettingsConsumer) settle(d amqp.Delivery, o outcome) {
	var err error
	switch o {
	case outcomeAck:
		err = d.Ack(false)
	case outcomeRequeue:
		err = d.Nack(false, true)
	case outcomeDrop:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("settle delivery")
	}
}

// handle reconciles the account named by body. A failed reconcile is
// requeued once; a redelivery that fails again is dropped.
func (c *SettingsConsumer) handle(ctx context.Context, body []byte, redelivered bool) outcome {
	ev, err := decodeSettingsEvent(body)
	if err != nil {
		c.log.Warn().Err(err).Msg("malformed settings event dropped")
		return outcomeAck
	}

	log := c.log.With().Str("account_id", ev.AccountID).Logger()
	if err := c.orch.ReconcileAccount(ctx, ev.AccountID); err != nil {
		if redelivered {
			log.Warn().Err(err).Msg("reconcile failed again, event dropped")
			return outcomeDrop
		}
		log.Warn().Err(err).Msg("reconcile failed, requeueing")
		return outcomeRequeue
	}

	log.Debug().Msg("settings event applied")
	return outcomeAck
}

// jittered returns d with up to 20% random jitter, capped at ceiling
func jittered(d, ceiling time.Duration) time.Duration {
	if d > ceiling {
		d = ceiling
	}
	if spread := d / 5; spread > 0 {
		d += rand.N(2*spread) - spread
	}
	return d
}
