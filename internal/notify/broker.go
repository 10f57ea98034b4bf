package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/carelink/security-service/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// subscriberBuffer bounds per-subscriber queues; slow consumers drop
// messages instead of stalling the fan-out.
const subscriberBuffer = 64

// Broker fans committed security events out to live dashboard subscribers
// through a Redis pub/sub channel. It is a pure observer of already-written
// rows and plays no part in the gate's decisions.
type Broker struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewBroker constructs a broker publishing on "<namespace>:security_events".
func NewBroker(client *redis.Client, namespace string, logger *zap.Logger) *Broker {
	return &Broker{
		client:  client,
		channel: fmt.Sprintf("%s:security_events", namespace),
		logger:  logger,
	}
}

// Publish pushes one committed event to subscribers.
func (b *Broker) Publish(ctx context.Context, event *store.SecurityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode security event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish security event: %w", err)
	}
	return nil
}

// Subscribe delivers committed events until the returned stop function is
// called or ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context) (<-chan *store.SecurityEvent, func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe security events: %w", err)
	}

	out := make(chan *store.SecurityEvent, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			event := &store.SecurityEvent{}
			if err := json.Unmarshal([]byte(msg.Payload), event); err != nil {
				b.logger.Warn("dropping malformed event payload", zap.Error(err))
				continue
			}
			select {
			case out <- event:
			default:
				b.logger.Warn("dropping event for slow subscriber",
					zap.String("event_type", event.EventType),
				)
			}
		}
	}()

	stop := func() { _ = pubsub.Close() }
	return out, stop, nil
}
