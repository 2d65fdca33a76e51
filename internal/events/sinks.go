package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	Logger zerolog.Logger
}

// Handle implements Sink.
func (s LogSink) Handle(_ context.Context, ev Event) error {
	s.Logger.Info().
		Str("event_id", ev.ID).
		Str("event_type", string(ev.Type)).
		Str("user_id", ev.UserID).
		Str("mandate_id", ev.MandateID).
		Str("subscription_id", ev.SubscriptionID).
		Int64("amount", ev.Amount).
		Msg("analytics_event")
	return nil
}

// CounterSink increments a counter labelled by event type.
type CounterSink struct {
	Counter *prometheus.CounterVec
}

// NewCounterSink zero-initializes the series for every known type so
// dashboards see them before the first event.
func NewCounterSink(counter *prometheus.CounterVec) CounterSink {
	for _, t := range AllTypes() {
		counter.WithLabelValues(string(t))
	}
	return CounterSink{Counter: counter}
}

// Handle implements Sink.
func (s CounterSink) Handle(_ context.Context, ev Event) error {
	if s.Counter != nil {
		s.Counter.WithLabelValues(string(ev.Type)).Inc()
	}
	return nil
}
