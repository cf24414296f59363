package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one append-only audit trail entry. Every state-changing
// core operation emits exactly one event after its mutation commits.
type Event struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	Actor     uuid.UUID       `json:"actor" db:"actor"`
	Entity    string          `json:"entity" db:"entity"`
	EntityID  int64           `json:"entity_id" db:"entity_id"`
	Action    string          `json:"action" db:"action"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Sink receives committed audit events
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// NewEvent builds an event with a marshalled payload. Marshal failures
// degrade to an empty payload rather than blocking the operation.
func NewEvent(actor uuid.UUID, entity string, entityID int64, action string, payload interface{}) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return Event{
		ID:        uuid.New(),
		Actor:     actor,
		Entity:    entity,
		EntityID:  entityID,
		Action:    action,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
}

// MemorySink buffers events in memory, used in tests and as the
// default when no database is configured.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything appended so far
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// MultiSink fans an event out to several sinks. The first error wins
// but all sinks are attempted.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Append(ctx context.Context, event Event) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Append(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NopSink discards events
type NopSink struct{}

func (NopSink) Append(ctx context.Context, event Event) error { return nil }
