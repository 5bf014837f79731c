package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"anpr-parking/internal/domain/anpr"
)

// Identity is the operator and shift a camera pipeline publishes on behalf of.
type Identity struct {
	ActorID string
	ShiftID string
}

// EntryPublisher hands confirmed plate events to the entry topic.
type EntryPublisher struct {
	pub      Publisher
	topic    string
	identity Identity
	log      zerolog.Logger
}

func NewEntryPublisher(pub Publisher, topic string, identity Identity, log zerolog.Logger) *EntryPublisher {
	return &EntryPublisher{
		pub:      pub,
		topic:    topic,
		identity: identity,
		log:      log,
	}
}

// Publish wraps the event in a versioned entry message and blocks until the
// channel has accepted it.
func (p *EntryPublisher) Publish(ctx context.Context, event anpr.ConfirmedPlateEvent) error {
	msg := anpr.NewEntryMessage(event, p.identity.ActorID, p.identity.ShiftID)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode entry message: %w", err)
	}

	if err := p.pub.Publish(ctx, p.topic, body); err != nil {
		return fmt.Errorf("failed to publish entry for %s: %w", event.Plate, err)
	}

	p.log.Info().
		Str("message_id", msg.MessageID).
		Str("plate", msg.Plate).
		Str("shift_id", msg.ShiftID).
		Str("topic", p.topic).
		Msg("entry published")
	return nil
}

// PublishRaw puts an already encoded entry message back on the entry topic.
func (p *EntryPublisher) PublishRaw(ctx context.Context, body []byte) error {
	if err := p.pub.Publish(ctx, p.topic, body); err != nil {
		return fmt.Errorf("failed to republish entry: %w", err)
	}
	return nil
}
