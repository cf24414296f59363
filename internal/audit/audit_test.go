package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ err error }

func (s failingSink) Append(ctx context.Context, event Event) error { return s.err }

func TestNewEventMarshalsPayload(t *testing.T) {
	actor := uuid.New()
	event := NewEvent(actor, "marketplace.listing", 3, "create", map[string]interface{}{"quantity": 40})

	assert.Equal(t, actor, event.Actor)
	assert.Equal(t, "marketplace.listing", event.Entity)
	assert.Equal(t, int64(3), event.EntityID)
	assert.JSONEq(t, `{"quantity":40}`, string(event.Payload))
	assert.NotEqual(t, uuid.Nil, event.ID)
}

func TestNewEventToleratesUnmarshalablePayload(t *testing.T) {
	event := NewEvent(uuid.New(), "ledger.batch", 1, "mint", func() {})
	assert.JSONEq(t, `{}`, string(event.Payload))
}

func TestMemorySinkBuffers(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, sink.Append(ctx, NewEvent(uuid.New(), "ledger.batch", 1, "mint", nil)))
	require.NoError(t, sink.Append(ctx, NewEvent(uuid.New(), "ledger.batch", 1, "verify", nil)))

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "mint", events[0].Action)
	assert.Equal(t, "verify", events[1].Action)
}

func TestMultiSinkAttemptsAllSinks(t *testing.T) {
	first := NewMemorySink()
	second := NewMemorySink()
	boom := errors.New("sink down")

	multi := NewMultiSink(first, failingSink{err: boom}, second)
	err := multi.Append(context.Background(), NewEvent(uuid.New(), "ledger.batch", 1, "mint", nil))

	assert.ErrorIs(t, err, boom)
	assert.Len(t, first.Events(), 1)
	assert.Len(t, second.Events(), 1)
}
