package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_RoutesBySession(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("s1", 4)
	b := h.Subscribe("s2", 4)

	h.Publish(Event{Kind: KindBackpressure, SessionID: "s1", Level: "critical"})

	select {
	case ev := <-a.C:
		assert.Equal(t, KindBackpressure, ev.Kind)
		assert.NotZero(t, ev.At)
	default:
		t.Fatal("s1 subscriber got nothing")
	}
	select {
	case <-b.C:
		t.Fatal("s2 subscriber got an s1 event")
	default:
	}
}

func TestHub_DropsNewestForSlowSubscriber(t *testing.T) {
	h := NewHub()
	slow := h.Subscribe("s1", 2)
	fast := h.Subscribe("s1", 10)

	for i := 0; i < 5; i++ {
		h.Publish(Event{Kind: KindSessionStatus, SessionID: "s1", Sequence: int64(i)})
	}

	assert.Equal(t, uint64(2), slow.Sent())
	assert.Equal(t, uint64(3), slow.Dropped())
	assert.Equal(t, uint64(5), fast.Sent())
	assert.Equal(t, uint64(0), fast.Dropped())

	first := <-slow.C
	assert.Equal(t, int64(0), first.Sequence)

	published, dropped := h.Stats()
	assert.Equal(t, uint64(5), published)
	assert.Equal(t, uint64(3), dropped)
}

func TestSubscription_Close(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("s1", 1)
	require.Equal(t, 1, h.Subscribers("s1"))

	s.Close()
	s.Close()
	assert.Equal(t, 0, h.Subscribers("s1"))
	_, ok := <-s.C
	assert.False(t, ok)

	h.Publish(Event{SessionID: "s1"})
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("s1", 1)
	h.Close()

	_, ok := <-s.C
	assert.False(t, ok)

	late := h.Subscribe("s1", 1)
	_, ok = <-late.C
	assert.False(t, ok)
	s.Close()
}
