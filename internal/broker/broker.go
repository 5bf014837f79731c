// Package broker carries entry messages between the camera pipelines and the
// ingestion consumer over a durable channel.
package broker

import (
	"context"
	"errors"
	"sync"
)

var ErrNotConnected = errors.New("not connected to broker")

// Delivery is one message taken from the channel. It stays owned by the
// channel until Ack is called; an unacknowledged delivery is redelivered.
type Delivery struct {
	Topic string
	Body  []byte
	ack   func()
	once  *sync.Once
}

func NewDelivery(topic string, body []byte, ack func()) Delivery {
	return Delivery{Topic: topic, Body: body, ack: ack, once: &sync.Once{}}
}

func (d Delivery) Ack() {
	if d.ack == nil || d.once == nil {
		return
	}
	d.once.Do(d.ack)
}

// Handler processes one delivery. The next delivery is not handed over
// until the handler returns.
type Handler func(Delivery)

type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

type Subscriber interface {
	// Consume blocks, handing deliveries on topic to h one at a time, until
	// ctx is done. The in-flight handler always runs to completion.
	Consume(ctx context.Context, topic string, h Handler) error
}
