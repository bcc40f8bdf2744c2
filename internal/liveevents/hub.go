// Package liveevents is an in-process change feed. The engine publishes one
// event per financial state change and the server streams them per circle
// over SSE so member-facing UIs can refresh without polling.
package liveevents

import (
	"errors"
	"strings"
	"sync"
)

const (
	DefaultBufferSize       = 50
	DefaultSubscriberBuffer = 16
)

type LiveEvent struct {
	Event      string         `json:"event"`
	CircleID   string         `json:"circle_id"`
	ProfileIDs []string       `json:"profile_ids,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt string         `json:"occurred_at"`
}

type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []LiveEvent
	subs   map[uint64]chan LiveEvent
	nextID uint64
}

type Subscription struct {
	hub      *Hub
	circleID string
	id       uint64
	ch       chan LiveEvent
	once     sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Publish fans the event out to every subscriber of the circle. Slow
// subscribers drop events rather than block the publisher.
func (h *Hub) Publish(circleID string, event LiveEvent) {
	if h == nil {
		return
	}
	key := strings.TrimSpace(circleID)
	if key == "" {
		return
	}
	h.mu.RLock()
	stream := h.streams[key]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	stream.buffer = append(stream.buffer, event)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	subs := make([]chan LiveEvent, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe attaches to the circle's stream and returns the buffered backlog.
func (h *Hub) Subscribe(circleID string) (*Subscription, []LiveEvent, error) {
	if h == nil {
		return nil, nil, errors.New("hub_unavailable")
	}
	key := strings.TrimSpace(circleID)
	if key == "" {
		return nil, nil, errors.New("invalid_circle_id")
	}

	stream := h.ensureStream(key)
	stream.mu.Lock()
	if stream.subs == nil {
		stream.subs = make(map[uint64]chan LiveEvent)
	}
	id := stream.nextID
	stream.nextID++
	ch := make(chan LiveEvent, h.subscriberBuffer)
	stream.subs[id] = ch
	buffer := append([]LiveEvent(nil), stream.buffer...)
	stream.mu.Unlock()

	return &Subscription{
		hub:      h,
		circleID: key,
		id:       id,
		ch:       ch,
	}, buffer, nil
}

func (h *Hub) ensureStream(circleID string) *stream {
	h.mu.RLock()
	current := h.streams[circleID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[circleID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan LiveEvent)}
		h.streams[circleID] = current
	}
	return current
}

func (h *Hub) unsubscribe(circleID string, id uint64) {
	if h == nil {
		return
	}
	key := strings.TrimSpace(circleID)
	if key == "" {
		return
	}

	h.mu.RLock()
	stream := h.streams[key]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	remaining := len(stream.subs)
	stream.mu.Unlock()
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	current := h.streams[key]
	if current != stream {
		h.mu.Unlock()
		return
	}
	stream.mu.Lock()
	empty := len(stream.subs) == 0
	stream.mu.Unlock()
	if empty {
		delete(h.streams, key)
	}
	h.mu.Unlock()
}

func (s *Subscription) Events() <-chan LiveEvent {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.circleID, s.id)
	})
}
