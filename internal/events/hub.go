package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const defaultSubscriberBuffer = 32

// Subscription receives events from a Hub. EvaluationID zero means every evaluation.
type Subscription struct {
	EvaluationID uint
	events       chan Event
	once         sync.Once
}

// Events returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Hub fans broker events out to in-process subscribers such as websocket clients.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	buffer      int
	logger      zerolog.Logger
}

// NewHub builds a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subscribers: make(map[*Subscription]struct{}),
		buffer:      buffer,
		logger:      logger.With().Str("component", "event_hub").Logger(),
	}
}

// Run feeds the hub from a broker listener until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, listen func(context.Context, func(Event)) error) error {
	return listen(ctx, h.Broadcast)
}

// Subscribe registers a subscriber for one evaluation, or for all when evaluationID is zero.
func (h *Hub) Subscribe(evaluationID uint) *Subscription {
	sub := &Subscription{EvaluationID: evaluationID, events: make(chan Event, h.buffer)}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
	sub.once.Do(func() { close(sub.events) })
}

// Subscribers reports the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast delivers the event to matching subscribers. Slow subscribers miss events
// instead of blocking the broker.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscribers {
		if sub.EvaluationID != 0 && sub.EvaluationID != event.EvaluationID {
			continue
		}
		select {
		case sub.events <- event:
		default:
			h.logger.Warn().Uint("evaluation_id", event.EvaluationID).Str("type", string(event.Type)).Msg("dropping event for slow subscriber")
		}
	}
}
