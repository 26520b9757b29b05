package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Subscriber receives every event published on a channel it subscribed to.
// Delivery is synchronous on the publisher's goroutine; slow subscribers
// should hand off internally.
type Subscriber interface {
	Handle(ctx context.Context, evt *Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, evt *Event)

func (f SubscriberFunc) Handle(ctx context.Context, evt *Event) { f(ctx, evt) }

// Bus is an in-process publish/subscribe hub. Channels are derived from the
// event itself: "*" sees everything, "tenant:{id}" sees one tenant, and
// "object:{tenant}/{type}" sees one object type within a tenant.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
	logger      *zap.SugaredLogger
}

func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subscribers: make(map[string][]Subscriber),
		logger:      logger,
	}
}

// Subscribe registers sub on the given channel.
func (b *Bus) Subscribe(channel string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], sub)
}

// Unsubscribe removes sub from the given channel.
func (b *Bus) Unsubscribe(channel string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[channel]
	for i, s := range subs {
		if s == sub {
			b.subscribers[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers evt to every subscriber whose channel matches it.
func (b *Bus) Publish(ctx context.Context, evt *Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	channels := []string{"*", "tenant:" + evt.TenantID}
	if evt.ObjectType != "" {
		channels = append(channels, "object:"+evt.TenantID+"/"+evt.ObjectType)
	}

	b.mu.RLock()
	var targets []Subscriber
	for _, ch := range channels {
		targets = append(targets, b.subscribers[ch]...)
	}
	b.mu.RUnlock()

	b.logger.Debugw("publishing event",
		"event_id", evt.ID,
		"kind", evt.Kind,
		"tenant_id", evt.TenantID,
		"object_type", evt.ObjectType,
		"subscribers", len(targets),
	)

	for _, sub := range targets {
		sub.Handle(ctx, evt)
	}
}
