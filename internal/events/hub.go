// Package events fans engine signals out to API streams and the monitor.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/mattjoyce/switchboard/internal/log"
)

// Signal types published by the dispatch engine.
const (
	DispatchStarted     = "dispatch.started"
	DispatchReady       = "dispatch.ready"
	DispatchFinished    = "dispatch.finished"
	DispatchChannelLost = "dispatch.channel_lost"
	RequestCreated      = "request.created"
	RequestSucceeded    = "request.succeeded"
	RequestFailed       = "request.failed"
	RequestCancelled    = "request.cancelled"
	ClientRegistered    = "client.registered"
	ClientVanished      = "client.vanished"
	ChannelReassigned   = "channel.reassigned"
)

var metricDropped = []string{"switchboard", "events", "dropped", "count"}

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s subscriber) wants(eventType string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64
	msink  metrics.MetricSink

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		msink: metrics.Default(),
		ring:  make([]Event, capacity),
		subs:  make(map[int]subscriber),
	}
}

// WithMetricSink sets where dropped-event counts go.
func (h *Hub) WithMetricSink(sink metrics.MetricSink) *Hub {
	if sink != nil {
		h.msink = sink
	}
	return h
}

// Publish implements dispatch.Publisher.
func (h *Hub) Publish(eventType string, data any) {
	id := h.nextID.Add(1)

	payload := json.RawMessage("{}")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			log.WithComponent("events").Warn("failed to encode event", "type", eventType, "error", err)
		} else {
			payload = b
		}
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if !sub.wants(eventType) {
			continue
		}
		// Don't let slow clients block the engine.
		select {
		case sub.ch <- ev:
		default:
			h.msink.IncrCounterWithLabels(metricDropped, 1, []metrics.Label{{Name: "type", Value: eventType}})
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a stream of events whose type starts with one of
// prefixes, or every event when none are given.
func (h *Hub) Subscribe(prefixes ...string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = subscriber{ch: ch, prefixes: prefixes}

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
