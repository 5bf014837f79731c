package service

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepublisher struct {
	bodies [][]byte
	err    error
}

func (f *fakeRepublisher) PublishRaw(_ context.Context, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

func TestDeadLetterRecordAndList(t *testing.T) {
	t.Parallel()
	svc := NewDeadLetterService(newTestRepository(t), nil, zerolog.Nop())
	ctx := context.Background()

	id, err := svc.Record(ctx, DeadLetterInput{
		MessageID: "0b9f8a1e-3c4d-4e5f-8a9b-0c1d2e3f4a5b",
		Reason:    "persistence",
		Err:       errors.New("database is locked"),
		Payload:   []byte(`{"plate":"ABC123"}`),
		Attempts:  5,
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = svc.Record(ctx, DeadLetterInput{Reason: "malformed", Payload: []byte("not json")})
	require.NoError(t, err)

	letters, err := svc.List(ctx, true, 0, 0)
	require.NoError(t, err)
	require.Len(t, letters, 2)

	byReason := map[string]DeadLetterInfo{}
	for _, l := range letters {
		byReason[l.Reason] = l
	}
	require.NotNil(t, byReason["persistence"].Error)
	assert.Equal(t, "database is locked", *byReason["persistence"].Error)
	assert.JSONEq(t, `"not json"`, string(byReason["malformed"].Payload))
}

func TestDeadLetterReplay(t *testing.T) {
	t.Parallel()
	pub := &fakeRepublisher{}
	svc := NewDeadLetterService(newTestRepository(t), pub, zerolog.Nop())
	ctx := context.Background()

	id, err := svc.Record(ctx, DeadLetterInput{Reason: "persistence", Payload: []byte(`{"plate":"ABC123"}`)})
	require.NoError(t, err)

	require.NoError(t, svc.Replay(ctx, id))
	require.Len(t, pub.bodies, 1)
	assert.JSONEq(t, `{"plate":"ABC123"}`, string(pub.bodies[0]))

	pending, err := svc.List(ctx, true, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, svc.Replay(ctx, 999), ErrNotFound)
}

func TestDeadLetterReplayFailureKeepsPending(t *testing.T) {
	t.Parallel()
	pub := &fakeRepublisher{err: errors.New("broker down")}
	svc := NewDeadLetterService(newTestRepository(t), pub, zerolog.Nop())
	ctx := context.Background()

	id, err := svc.Record(ctx, DeadLetterInput{Reason: "persistence", Payload: []byte(`{}`)})
	require.NoError(t, err)

	assert.Error(t, svc.Replay(ctx, id))

	pending, err := svc.List(ctx, true, 10, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDeadLetterReplayWithoutRepublisher(t *testing.T) {
	t.Parallel()
	svc := NewDeadLetterService(newTestRepository(t), nil, zerolog.Nop())
	assert.ErrorIs(t, svc.Replay(context.Background(), 1), ErrInvalidInput)
}
