package events

import (
	"log/slog"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"vonage-outbound-otp/internal/metrics"
)

const DefaultQueueSize = 64

// Subscriber is one live consumer. Messages carries serialized events; Done is
// closed when the hub drops or unsubscribes it.
type Subscriber struct {
	ID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscriber) Messages() <-chan []byte { return s.send }
func (s *Subscriber) Done() <-chan struct{}   { return s.done }

// Offer queues data without blocking. It returns false when the queue is full
// or the subscriber is closed.
func (s *Subscriber) Offer(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Hub fans events out to the subscribers of this instance. Each event is
// serialized once; slow subscribers are dropped instead of stalling publishers.

type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber
	queueSize int
	log       *slog.Logger
}

func NewHub(log *slog.Logger, queueSize int) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{subs: map[string]*Subscriber{}, queueSize: queueSize, log: log}
}

func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ID:   uuid.NewString(),
		send: make(chan []byte, h.queueSize),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s.ID] = s
	n := len(h.subs)
	h.mu.Unlock()
	metrics.BroadcastSubscribers.Set(float64(n))
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	h.mu.Lock()
	delete(h.subs, s.ID)
	n := len(h.subs)
	h.mu.Unlock()
	s.close()
	metrics.BroadcastSubscribers.Set(float64(n))
}

// Len reports the current subscriber count.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Error("event serialization failed", "type", e.Type, "err", err)
		return
	}
	h.Deliver(data)
}

// Deliver offers already-serialized bytes to every subscriber.
func (h *Hub) Deliver(data []byte) {
	h.mu.RLock()
	var stale []*Subscriber
	for _, s := range h.subs {
		if !s.Offer(data) {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		h.log.Warn("dropping slow event subscriber", "subscriber_id", s.ID)
		metrics.BroadcastDropped.Inc()
		h.Unsubscribe(s)
	}
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = map[string]*Subscriber{}
	h.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
	metrics.BroadcastSubscribers.Set(0)
}
