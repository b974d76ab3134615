package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// HubConfig configures an in-process Hub.
type HubConfig struct {
	// Buffer is the per-subscription queue length. Events published while the
	// queue is full are dropped for that subscriber.
	Buffer int

	Logger *zap.Logger
}

// Hub routes events to subscriptions keyed by job topic and user topic.
type Hub struct {
	buffer int
	logger *zap.Logger

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}

	dropped atomic.Uint64
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{buffer: cfg.Buffer, logger: logger, topics: make(map[string]map[*Subscription]struct{})}
}

// Subscription receives events for the topics it has joined.
type Subscription struct {
	hub    *Hub
	ch     chan Event
	topics map[string]struct{}
	closed bool
}

// Subscribe creates a subscription joined to the given topics.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{hub: h, ch: make(chan Event, h.buffer), topics: make(map[string]struct{})}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		h.join(sub, t)
	}
	return sub
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Join(topic string) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if !s.closed {
		s.hub.join(s, topic)
	}
}

func (s *Subscription) Leave(topic string) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.leave(s, topic)
}

// Topics returns the topics currently joined.
func (s *Subscription) Topics() []string {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Close leaves every topic and closes the channel. It is safe to call twice.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.closed {
		return
	}
	for t := range s.topics {
		s.hub.leave(s, t)
	}
	s.closed = true
	close(s.ch)
}

func (h *Hub) join(sub *Subscription, topic string) {
	if topic == "" {
		return
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.topics[topic] = set
	}
	set[sub] = struct{}{}
	sub.topics[topic] = struct{}{}
}

func (h *Hub) leave(sub *Subscription, topic string) {
	if set, ok := h.topics[topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(sub.topics, topic)
}

// Publish delivers ev to subscribers of the job topic and, when the event
// carries a user id, the user topic. A subscriber on both topics receives
// one copy, typed for the job topic.
func (h *Hub) Publish(_ context.Context, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Subscription]struct{})
	deliver := func(topic string, ev Event) {
		for sub := range h.topics[topic] {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			select {
			case sub.ch <- ev:
			default:
				n := h.dropped.Add(1)
				h.logger.Debug("Dropped job event for slow subscriber",
					zap.String("job_id", ev.JobID),
					zap.Uint64("dropped_total", n))
			}
		}
	}
	deliver(JobTopic(ev.JobID), ev)
	if ev.UserID != "" {
		userEv := ev
		if userEv.Type == EventJobUpdate {
			userEv.Type = EventJobStatus
		}
		deliver(UserTopic(ev.UserID), userEv)
	}
}

// Dropped returns the number of events dropped because a subscriber queue
// was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Subscribers returns the number of subscriptions joined to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
