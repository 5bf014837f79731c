package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anpr-parking/internal/domain/anpr"
)

const topic = "parking/ticket_entries"

func TestMemoryDeliversInOrderAndRemovesAcked(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, m.Publish(ctx, topic, []byte(body)))
	}

	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Consume(ctx, topic, func(d Delivery) {
			got = append(got, string(d.Body))
			d.Ack()
			if len(got) == 3 {
				cancel()
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Empty(t, m.Pending(topic))
}

func TestMemoryKeepsUnackedMessages(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, m.Publish(ctx, topic, []byte("a")))

	calls := 0
	_ = m.Consume(ctx, topic, func(Delivery) {
		calls++
		cancel()
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, [][]byte{[]byte("a")}, m.Pending(topic))
}

func TestDeliveryAckIsIdempotent(t *testing.T) {
	t.Parallel()
	n := 0
	d := NewDelivery(topic, nil, func() { n++ })
	d.Ack()
	d.Ack()
	assert.Equal(t, 1, n)

	Delivery{}.Ack()
}

func TestEntryPublisherPublishesVersionedMessage(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	p := NewEntryPublisher(m, topic, Identity{ActorID: "8", ShiftID: "3"}, zerolog.Nop())

	observed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	err := p.Publish(context.Background(), anpr.ConfirmedPlateEvent{
		Plate:         "ABC123",
		VehicleClass:  anpr.ClassCar,
		DetectorScore: 0.8,
		ObservedAt:    observed,
	})
	require.NoError(t, err)

	pending := m.Pending(topic)
	require.Len(t, pending, 1)

	msg, err := anpr.DecodeEntryMessage(pending[0])
	require.NoError(t, err)
	assert.Equal(t, anpr.SchemaVersion, msg.SchemaVersion)
	assert.Equal(t, "ABC123", msg.Plate)
	assert.Equal(t, "8", msg.ActorID)
	assert.Equal(t, "3", msg.ShiftID)
	require.NotNil(t, msg.ObservedAt)
	assert.True(t, msg.ObservedAt.Equal(observed))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(pending[0], &raw))
	assert.Contains(t, raw, "message_id")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return ErrNotConnected
}

func TestEntryPublisherSurfacesChannelErrors(t *testing.T) {
	t.Parallel()
	p := NewEntryPublisher(failingPublisher{}, topic, Identity{ActorID: "8", ShiftID: "3"}, zerolog.Nop())

	err := p.Publish(context.Background(), anpr.ConfirmedPlateEvent{Plate: "ABC123"})
	assert.True(t, errors.Is(err, ErrNotConnected))

	err = p.PublishRaw(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)
}
