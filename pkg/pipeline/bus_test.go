package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	bus.Start(context.Background())
	defer bus.Stop()

	ch := make(chan Event, 1)
	bus.Subscribe(EventVADSpeechStart, ch)

	bus.Publish(Event{Type: EventVADSpeechStart, Stage: "vad", TurnID: 7})

	select {
	case evt := <-ch:
		assert.Equal(t, EventVADSpeechStart, evt.Type)
		assert.Equal(t, "vad", evt.Stage)
		assert.Equal(t, uint64(7), evt.TurnID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	bus.Start(context.Background())
	defer bus.Stop()

	ch := make(chan Event, 1)
	bus.Subscribe(EventTranscript, ch)
	bus.Unsubscribe(EventTranscript, ch)

	bus.Publish(Event{Type: EventTranscript})

	select {
	case <-ch:
		t.Fatal("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	bus.Start(context.Background())
	defer bus.Stop()

	ch1 := make(chan Event, 1)
	ch2 := make(chan Event, 1)
	bus.Subscribe(EventInterrupted, ch1)
	bus.Subscribe(EventInterrupted, ch2)

	bus.Publish(Event{Type: EventInterrupted, TurnID: 3})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, uint64(3), evt.TurnID)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestEventBusSlowObserverDoesNotBlock(t *testing.T) {
	bus := NewEventBus()
	bus.Start(context.Background())
	defer bus.Stop()

	// Unbuffered channel with no reader: publish must still return.
	ch := make(chan Event)
	bus.Subscribe(EventMetric, ch)

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: EventMetric})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow observer")
	}
}

func TestEventBusStoppedDropsEvents(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event, 1)
	bus.Subscribe(EventError, ch)
	bus.Stop()

	bus.Publish(Event{Type: EventError})

	select {
	case <-ch:
		t.Fatal("received event after stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventTypeString(t *testing.T) {
	require.Equal(t, "vad_speech_start", EventVADSpeechStart.String())
	require.Equal(t, "interrupted", EventInterrupted.String())
	require.Equal(t, "gate_decision", EventGateDecision.String())
	require.Equal(t, "unknown", EventType(999).String())
}
