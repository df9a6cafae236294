package liveevents

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	hub := NewHub()
	hub.Publish(TransitionEvent{RequestID: "req-1", From: "CREATED", To: "SUBMITTED"})

	sub, backlog, err := hub.Subscribe("req-1")
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, backlog)
}

func TestSubscribeReceivesEventsForItsRequestOnly(t *testing.T) {
	hub := NewHub()
	sub, _, err := hub.Subscribe("req-1")
	require.NoError(t, err)
	defer sub.Close()

	hub.Publish(TransitionEvent{RequestID: "req-2", From: "CREATED", To: "SUBMITTED"})
	hub.Publish(TransitionEvent{RequestID: "req-1", From: "CREATED", To: "SUBMITTED"})

	select {
	case event := <-sub.Events():
		assert.Equal(t, "req-1", event.RequestID)
		assert.Equal(t, "SUBMITTED", event.To)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected event %+v", event)
	default:
	}
}

func TestLateSubscriberGetsBacklog(t *testing.T) {
	hub := NewHub()
	first, _, err := hub.Subscribe("req-1")
	require.NoError(t, err)
	defer first.Close()

	for i := 0; i < DefaultBufferSize+3; i++ {
		hub.Publish(TransitionEvent{RequestID: "req-1", To: fmt.Sprintf("S%d", i)})
	}

	second, backlog, err := hub.Subscribe("req-1")
	require.NoError(t, err)
	defer second.Close()
	require.Len(t, backlog, DefaultBufferSize)
	assert.Equal(t, fmt.Sprintf("S%d", DefaultBufferSize+2), backlog[len(backlog)-1].To)
}

func TestCloseRemovesStream(t *testing.T) {
	hub := NewHub()
	a, _, err := hub.Subscribe("req-1")
	require.NoError(t, err)
	b, _, err := hub.Subscribe("req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Subscribers("req-1"))

	a.Close()
	a.Close()
	assert.Equal(t, 1, hub.Subscribers("req-1"))
	b.Close()
	assert.Equal(t, 0, hub.Subscribers("req-1"))
}

func TestSubscribeValidation(t *testing.T) {
	_, _, err := NewHub().Subscribe("  ")
	assert.ErrorIs(t, err, ErrInvalidRequestID)

	var hub *Hub
	_, _, err = hub.Subscribe("req-1")
	assert.ErrorIs(t, err, ErrHubUnavailable)
	hub.Publish(TransitionEvent{RequestID: "req-1"})
}
