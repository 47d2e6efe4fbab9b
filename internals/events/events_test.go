package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBus(8, zap.NewNop())
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Type: RoomCreated, RoomID: "R1"})

	ev := <-ch1
	assert.Equal(t, RoomCreated, ev.Type)
	ev = <-ch2
	assert.Equal(t, "R1", ev.RoomID)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBus(1, zap.NewNop())
	ch, cancel := b.Subscribe()
	defer cancel()

	// second publish overflows the buffer of one; it must not block
	b.Publish(Event{Type: SessionJoined})
	b.Publish(Event{Type: SessionLeft})

	ev := <-ch
	assert.Equal(t, SessionJoined, ev.Type)
	select {
	case ev, ok := <-ch:
		require.True(t, ok)
		t.Fatalf("unexpected event %s survived overflow", ev.Type)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBus(8, zap.NewNop())
	ch, cancel := b.Subscribe()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	// publishing after cancel is a no-op for that subscriber
	b.Publish(Event{Type: RoomClosed})
}

func TestCloseClosesAll(t *testing.T) {
	b := NewBus(8, zap.NewNop())
	ch, _ := b.Subscribe()
	b.Close()
	_, ok := <-ch
	assert.False(t, ok)
}
