package ws

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ntando/computer/internal/domain"
)

// DefaultBuffer is the per-subscription event buffer used when none is configured.
const DefaultBuffer = 16

// Relay forwards published events to an out-of-process channel.
type Relay interface {
	Relay(event domain.StatusEvent) error
}

// Hub fans status events out to the subscribers of a single deployment id.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	relay   Relay
	logger  *slog.Logger
	dropped atomic.Uint64
	metric  prometheus.Counter
}

// Option customises a Hub.
type Option func(*Hub)

// WithRelay mirrors every published event to r.
func WithRelay(r Relay) Option {
	return func(h *Hub) { h.relay = r }
}

// NewHub creates a Hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int, logger *slog.Logger, opts ...Option) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	h := &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
		metric: droppedEventsCounter(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscription receives the events of one deployment.
type Subscription struct {
	hub          *Hub
	deploymentID string
	ch           chan domain.StatusEvent
	closed       bool
}

// Events returns the delivery channel. It is closed after a terminal event or Close.
func (s *Subscription) Events() <-chan domain.StatusEvent { return s.ch }

// DeploymentID returns the id the subscription is keyed on.
func (s *Subscription) DeploymentID() string { return s.deploymentID }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.deploymentID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.deploymentID)
		}
	}
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Subscribe registers interest in deploymentID.
func (h *Hub) Subscribe(deploymentID string) *Subscription {
	sub := &Subscription{
		hub:          h,
		deploymentID: deploymentID,
		ch:           make(chan domain.StatusEvent, h.buffer),
	}
	h.mu.Lock()
	set, ok := h.subs[deploymentID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[deploymentID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers event to every subscriber of deploymentID. After a terminal
// event the id's subscriptions are closed.
func (h *Hub) Publish(deploymentID string, event domain.StatusEvent) {
	h.mu.Lock()
	set := h.subs[deploymentID]
	for sub := range set {
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
			h.metric.Inc()
			h.logger.Warn("status event dropped", "deployment_id", deploymentID, "status", event.Status)
		}
	}
	if event.Status.Terminal() {
		for sub := range set {
			sub.closed = true
			close(sub.ch)
		}
		delete(h.subs, deploymentID)
	}
	h.mu.Unlock()

	if h.relay != nil {
		if err := h.relay.Relay(event); err != nil {
			h.logger.Warn("status relay failed", "deployment_id", deploymentID, "error", err)
		}
	}
}

// Subscribers reports how many subscriptions are open for deploymentID.
func (h *Hub) Subscribers(deploymentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[deploymentID])
}

// Dropped reports the number of events this hub has dropped.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

var (
	droppedOnce   sync.Once
	droppedEvents prometheus.Counter
)

func droppedEventsCounter() prometheus.Counter {
	droppedOnce.Do(func() {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ntando",
			Subsystem: "bus",
			Name:      "dropped_events_total",
			Help:      "Status events dropped because a subscriber buffer was full",
		})
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
					c = existing
				}
			}
		}
		droppedEvents = c
	})
	return droppedEvents
}
