package liveevents

import (
	"errors"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBufferSize       = 8
	DefaultSubscriberBuffer = 16
)

var (
	ErrHubUnavailable   = errors.New("hub_unavailable")
	ErrInvalidRequestID = errors.New("invalid_request_id")
)

// TransitionEvent announces that an issuance request moved between states
// in this process. Subscribers re-read the request for the full status.
type TransitionEvent struct {
	RequestID     string    `json:"request_id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Driver        string    `json:"driver"`
	FailureReason string    `json:"failure_reason,omitempty"`
	At            time.Time `json:"at"`
}

// Hub fans transition events out to subscribers of a single request.
// Events for requests nobody watches are dropped.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []TransitionEvent
	subs   map[uint64]chan TransitionEvent
	nextID uint64
}

type Subscription struct {
	hub       *Hub
	requestID string
	id        uint64
	ch        chan TransitionEvent
	once      sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

func (h *Hub) Publish(event TransitionEvent) {
	if h == nil {
		return
	}
	requestID := strings.TrimSpace(event.RequestID)
	if requestID == "" {
		return
	}
	h.mu.RLock()
	stream := h.streams[requestID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	stream.buffer = append(stream.buffer, event)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	subs := make([]chan TransitionEvent, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	// slow subscribers miss events and catch up on their next status read
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers for transitions of requestID and returns the events
// already buffered for it.
func (h *Hub) Subscribe(requestID string) (*Subscription, []TransitionEvent, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, nil, ErrInvalidRequestID
	}

	stream := h.ensureStream(requestID)
	stream.mu.Lock()
	if stream.subs == nil {
		stream.subs = make(map[uint64]chan TransitionEvent)
	}
	id := stream.nextID
	stream.nextID++
	ch := make(chan TransitionEvent, h.subscriberBuffer)
	stream.subs[id] = ch
	buffer := append([]TransitionEvent(nil), stream.buffer...)
	stream.mu.Unlock()

	return &Subscription{
		hub:       h,
		requestID: requestID,
		id:        id,
		ch:        ch,
	}, buffer, nil
}

// Subscribers reports how many subscriptions are open for requestID.
func (h *Hub) Subscribers(requestID string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	stream := h.streams[strings.TrimSpace(requestID)]
	h.mu.RUnlock()
	if stream == nil {
		return 0
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return len(stream.subs)
}

func (h *Hub) ensureStream(requestID string) *stream {
	h.mu.RLock()
	current := h.streams[requestID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[requestID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan TransitionEvent)}
		h.streams[requestID] = current
	}
	return current
}

func (h *Hub) unsubscribe(requestID string, id uint64) {
	if h == nil {
		return
	}

	h.mu.RLock()
	stream := h.streams[requestID]
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
	current := h.streams[requestID]
	if current != stream {
		h.mu.Unlock()
		return
	}
	stream.mu.Lock()
	empty := len(stream.subs) == 0
	stream.mu.Unlock()
	if empty {
		delete(h.streams, requestID)
	}
	h.mu.Unlock()
}

func (s *Subscription) Events() <-chan TransitionEvent {
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
		s.hub.unsubscribe(s.requestID, s.id)
	})
}
