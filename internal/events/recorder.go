package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/carelink/security-service/internal/store"
	"go.uber.org/zap"
)

// ErrEventTypeRequired is returned when an event carries no type.
var ErrEventTypeRequired = errors.New("event type is required")

// Publisher pushes committed events to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, event *store.SecurityEvent) error
}

// Recorder persists security events append-only and notifies subscribers of
// committed rows. Timestamps are assigned by the store at insert; caller
// timestamps are never accepted.
type Recorder struct {
	store     store.EventStore
	publisher Publisher
	logger    *zap.Logger
}

// New constructs a Recorder. publisher may be nil when no live push surface
// is configured.
func New(eventStore store.EventStore, publisher Publisher, logger *zap.Logger) *Recorder {
	return &Recorder{store: eventStore, publisher: publisher, logger: logger}
}

// Record persists one event. The insert failing is a hard error for the
// caller; the publish is best-effort and only logged.
func (r *Recorder) Record(ctx context.Context, in store.NewEvent) (*store.SecurityEvent, error) {
	if in.EventType == "" {
		return nil, ErrEventTypeRequired
	}
	if in.IPAddress == "" {
		in.IPAddress = "unknown"
	}

	event, err := r.store.InsertEvent(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("record security event: %w", err)
	}

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, event); err != nil {
			r.logger.Warn("failed to publish security event",
				zap.String("event_type", event.EventType),
				zap.Error(err),
			)
		}
	}
	return event, nil
}

// ListRecent retrieves most recent events for dashboards, newest-first.
func (r *Recorder) ListRecent(ctx context.Context, filter store.EventFilter) ([]*store.SecurityEvent, error) {
	return r.store.ListEvents(ctx, filter)
}
