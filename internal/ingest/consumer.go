// Package ingest turns entry messages from the durable channel into tickets.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"anpr-parking/internal/broker"
	"anpr-parking/internal/domain/anpr"
	"anpr-parking/internal/metrics"
	"anpr-parking/internal/service"
)

type Result string

const (
	ResultCreated      Result = "created"
	ResultDuplicate    Result = "duplicate"
	ResultDeadLettered Result = "dead_lettered"
	// ResultAbandoned leaves the message unacked for redelivery.
	ResultAbandoned Result = "abandoned"
)

const (
	reasonMalformed   = "malformed"
	reasonInvalid     = "invalid"
	reasonPersistence = "persistence"
)

type EntryRegistrar interface {
	RegisterEntry(ctx context.Context, cmd service.EntryCommand) (*service.EntryResult, error)
}

type DeadLetterRecorder interface {
	Record(ctx context.Context, in service.DeadLetterInput) (int64, error)
}

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ReplayCacheTTL time.Duration
}

type Consumer struct {
	entries     EntryRegistrar
	deadLetters DeadLetterRecorder
	dlPub       broker.Publisher
	dlTopic     string
	metrics     *metrics.IngestMetrics
	seen        *cache.Cache
	cfg         Config
	log         zerolog.Logger
}

type Option func(*Consumer)

func WithMetrics(m *metrics.IngestMetrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithDeadLetterTopic also republishes rejected messages on topic.
func WithDeadLetterTopic(pub broker.Publisher, topic string) Option {
	return func(c *Consumer) {
		c.dlPub = pub
		c.dlTopic = topic
	}
}

func NewConsumer(entries EntryRegistrar, deadLetters DeadLetterRecorder, cfg Config, log zerolog.Logger, opts ...Option) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ReplayCacheTTL <= 0 {
		cfg.ReplayCacheTTL = time.Hour
	}
	c := &Consumer{
		entries:     entries,
		deadLetters: deadLetters,
		seen:        cache.New(cfg.ReplayCacheTTL, 2*cfg.ReplayCacheTTL),
		cfg:         cfg,
		log:         log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes the entry topic until ctx is done.
func (c *Consumer) Run(ctx context.Context, sub broker.Subscriber, topic string) error {
	return sub.Consume(ctx, topic, func(d broker.Delivery) {
		c.Handle(ctx, d)
	})
}

// Handle processes one delivery and acks it unless the result is
// ResultAbandoned.
func (c *Consumer) Handle(ctx context.Context, d broker.Delivery) Result {
	started := time.Now()
	result := c.process(ctx, d.Body, started)
	if result != ResultAbandoned {
		d.Ack()
	}
	if c.metrics != nil {
		c.metrics.ObserveResult(string(result), started)
	}
	return result
}

func (c *Consumer) process(ctx context.Context, body []byte, received time.Time) Result {
	msg, err := anpr.DecodeEntryMessage(body)
	if err != nil {
		c.log.Error().Err(err).Str("message_id", msg.MessageID).Msg("rejecting malformed entry message")
		return c.deadLetter(ctx, msg.MessageID, reasonMalformed, err, body, 0)
	}

	// Messages without an id rely on the store's open-ticket check alone.
	if msg.MessageID != "" {
		if _, ok := c.seen.Get(msg.MessageID); ok {
			c.log.Info().Str("message_id", msg.MessageID).Str("plate", msg.Plate).Msg("entry message already processed")
			return ResultDuplicate
		}
	}

	entryTime := received
	if msg.ObservedAt != nil {
		entryTime = *msg.ObservedAt
	}
	cmd := service.EntryCommand{
		Plate:        msg.Plate,
		ActorID:      msg.ActorID,
		ShiftID:      msg.ShiftID,
		VehicleClass: msg.VehicleClass,
		MessageID:    msg.MessageID,
		EntryTime:    entryTime,
	}

	var (
		res      *service.EntryResult
		attempts int
	)
	op := func() error {
		attempts++
		// A started write finishes even if shutdown begins meanwhile.
		r, err := c.entries.RegisterEntry(context.WithoutCancel(ctx), cmd)
		if err != nil {
			if errors.Is(err, service.ErrInvalidInput) {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		if c.metrics != nil {
			c.metrics.Retries.Inc()
		}
		c.log.Warn().
			Err(err).
			Str("message_id", msg.MessageID).
			Int("attempt", attempts).
			Dur("retry_in", wait).
			Msg("entry persistence failed, retrying")
	}

	err = backoff.RetryNotify(op, c.retryPolicy(ctx), notify)
	if err == nil {
		if msg.MessageID != "" {
			c.seen.SetDefault(msg.MessageID, struct{}{})
		}
		if res.Created {
			return ResultCreated
		}
		return ResultDuplicate
	}

	if errors.Is(err, service.ErrInvalidInput) {
		return c.deadLetter(ctx, msg.MessageID, reasonInvalid, err, body, attempts)
	}
	if ctx.Err() != nil {
		c.log.Warn().Err(err).Str("message_id", msg.MessageID).Msg("shutting down, leaving entry for redelivery")
		return ResultAbandoned
	}
	c.log.Error().
		Err(err).
		Str("message_id", msg.MessageID).
		Str("plate", msg.Plate).
		Int("attempts", attempts).
		Msg("entry persistence failed, giving up")
	return c.deadLetter(ctx, msg.MessageID, reasonPersistence, err, body, attempts)
}

func (c *Consumer) retryPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if c.cfg.InitialBackoff > 0 {
		exp.InitialInterval = c.cfg.InitialBackoff
	}
	if c.cfg.MaxBackoff > 0 {
		exp.MaxInterval = c.cfg.MaxBackoff
	}
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.cfg.MaxAttempts-1)), ctx)
}

// deadLetter stores the rejected message and, when configured, republishes
// it on the dead letter topic. If neither succeeds the message is abandoned
// so it is not lost.
func (c *Consumer) deadLetter(ctx context.Context, messageID, reason string, cause error, body []byte, attempts int) Result {
	dctx := context.WithoutCancel(ctx)

	_, storeErr := c.deadLetters.Record(dctx, service.DeadLetterInput{
		MessageID: messageID,
		Reason:    reason,
		Err:       cause,
		Payload:   body,
		Attempts:  attempts,
	})
	if storeErr != nil {
		c.log.Error().Err(storeErr).Str("message_id", messageID).Msg("failed to store dead letter")
	}

	var pubErr error
	if c.dlPub != nil {
		if pubErr = c.dlPub.Publish(dctx, c.dlTopic, body); pubErr != nil {
			c.log.Error().Err(pubErr).Str("topic", c.dlTopic).Msg("failed to publish dead letter")
		}
	}

	if storeErr != nil && (c.dlPub == nil || pubErr != nil) {
		return ResultAbandoned
	}
	if c.metrics != nil {
		c.metrics.DeadLetters.WithLabelValues(reason).Inc()
	}
	return ResultDeadLettered
}
