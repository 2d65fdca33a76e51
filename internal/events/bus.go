package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a typed analytics record emitted on lifecycle milestones.
type Event struct {
	ID             string
	Type           Type
	UserID         string
	MandateID      string
	SubscriptionID string
	Amount         int64
	Properties     map[string]any
	OccurredAt     time.Time
}

// Store persists emitted events.
type Store interface {
	InsertEvent(ctx context.Context, ev Event) error
}

// Sink reacts to emitted events (metrics, logs, forwarding).
type Sink interface {
	Handle(ctx context.Context, ev Event) error
}

// Bus persists events and fans them out to sinks.
type Bus struct {
	Store Store
	Sinks []Sink
	Now   func() time.Time
}

// Emit records the event and dispatches it to all configured sinks. Sink
// failures are joined and returned after every sink has run.
func (b *Bus) Emit(ctx context.Context, ev Event) error {
	if b == nil || b.Store == nil {
		return errors.New("events: store not configured")
	}
	if strings.TrimSpace(string(ev.Type)) == "" {
		return errors.New("events: type is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.now()
	}
	if err := b.Store.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("events: persist event: %w", err)
	}
	var joined error
	for _, sink := range b.Sinks {
		if sink == nil {
			continue
		}
		if err := sink.Handle(ctx, ev); err != nil {
			joined = errors.Join(joined, fmt.Errorf("events: sink: %w", err))
		}
	}
	return joined
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// EncodeProperties renders the free-form properties as a JSON object.
func EncodeProperties(props map[string]any) ([]byte, error) {
	if len(props) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(props)
}
