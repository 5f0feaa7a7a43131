// Package hub fans domain events out to realtime subscribers. Subscribers
// attach to a channel, a call id or the "general" sentinel, and receive
// {event, data} frames. Publishing never blocks on a slow subscriber.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/livecall/backend/internal/metrics"
	"github.com/livecall/backend/internal/types"
	"github.com/rs/zerolog"
)

// Priority classifies outbound messages for queue-full handling
type Priority int

const (
	// PriorityLow messages (suggestions, transcript frames that will be
	// supplanted) may be dropped for a congested subscriber
	PriorityLow Priority = iota

	// PriorityHigh messages (status transitions) are never dropped; a
	// subscriber that cannot accept one is treated as dead and evicted
	PriorityHigh
)

// channel holds one subscriber set under its own lock, so traffic on one
// call never contends with another
type channel struct {
	mu   sync.RWMutex
	subs map[*Subscriber]bool

	// dead is set under mu when the last subscriber leaves and the entry
	// is about to be removed from the registry. A channel marked dead
	// never accepts new subscribers; Subscribe retires it and retries.
	dead bool
}

// Hub maintains the channel → subscriber registry
type Hub struct {
	channels sync.Map // channel key -> *channel
	logger   zerolog.Logger
}

// NewHub creates a new Hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{logger: logger}
}

// Subscribe attaches a subscriber to a channel key
func (h *Hub) Subscribe(key string, sub *Subscriber) {
	sub.channel = key

	var total int
	for {
		v, _ := h.channels.LoadOrStore(key, &channel{subs: make(map[*Subscriber]bool)})
		ch := v.(*channel)

		ch.mu.Lock()
		if ch.dead {
			// Lost the race with a concurrent Unsubscribe that emptied
			// this channel; retire the stale entry and start over
			ch.mu.Unlock()
			h.channels.CompareAndDelete(key, v)
			continue
		}
		ch.subs[sub] = true
		total = len(ch.subs)
		ch.mu.Unlock()
		break
	}

	metrics.Get().RecordSubscribe()
	h.logger.Debug().
		Str("channel", key).
		Str("subscriber_id", sub.id).
		Int("channel_subscribers", total).
		Msg("subscriber attached")
}

// Unsubscribe detaches a subscriber and garbage-collects its channel
// when empty
func (h *Hub) Unsubscribe(sub *Subscriber) {
	v, ok := h.channels.Load(sub.channel)
	if !ok {
		return
	}
	ch := v.(*channel)

	ch.mu.Lock()
	if !ch.subs[sub] {
		ch.mu.Unlock()
		return
	}
	delete(ch.subs, sub)
	if len(ch.subs) == 0 {
		ch.dead = true
	}
	dead := ch.dead
	ch.mu.Unlock()

	sub.close()
	if dead {
		h.channels.CompareAndDelete(sub.channel, v)
	}

	metrics.Get().RecordUnsubscribe()
	h.logger.Debug().
		Str("channel", sub.channel).
		Str("subscriber_id", sub.id).
		Msg("subscriber detached")
}

// Publish sends an envelope to every subscriber of a channel. Returns
// the number of subscribers the message was enqueued for.
func (h *Hub) Publish(key string, env types.Envelope, prio Priority) int {
	v, ok := h.channels.Load(key)
	if !ok {
		return 0
	}
	ch := v.(*channel)

	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("event", env.Event).Msg("failed to marshal envelope")
		return 0
	}

	ch.mu.RLock()
	targets := make([]*Subscriber, 0, len(ch.subs))
	for sub := range ch.subs {
		targets = append(targets, sub)
	}
	ch.mu.RUnlock()

	delivered := 0
	var dead []*Subscriber
	for _, sub := range targets {
		if sub.enqueue(data) {
			delivered++
			continue
		}
		if prio == PriorityHigh {
			// Cannot take a status message: the connection is dead
			dead = append(dead, sub)
			continue
		}
		metrics.Get().RecordMessageDropped()
		h.logger.Debug().
			Str("channel", key).
			Str("subscriber_id", sub.id).
			Str("event", env.Event).
			Msg("subscriber queue full, low-priority message dropped")
	}

	for _, sub := range dead {
		metrics.Get().RecordSubscriberEvicted()
		h.logger.Warn().
			Str("channel", key).
			Str("subscriber_id", sub.id).
			Str("event", env.Event).
			Msg("subscriber queue full on status message, evicting")
		h.Unsubscribe(sub)
	}

	metrics.Get().RecordPublish(delivered)
	return delivered
}

// SubscriberCount returns the number of subscribers on a channel
func (h *Hub) SubscriberCount(key string) int {
	v, ok := h.channels.Load(key)
	if !ok {
		return 0
	}
	ch := v.(*channel)
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.subs)
}

// ActiveChannels returns the keys of all channels with subscribers
func (h *Hub) ActiveChannels() []string {
	var keys []string
	h.channels.Range(func(k, v interface{}) bool {
		ch := v.(*channel)
		ch.mu.RLock()
		if len(ch.subs) > 0 {
			keys = append(keys, k.(string))
		}
		ch.mu.RUnlock()
		return true
	})
	return keys
}
