package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("run-1", 8)
	defer m.Unsubscribe("run-1", ch)

	m.Publish("run-1", Event{Type: EventStatus, SourceID: "filings", Message: "ok"})
	m.Publish("run-2", Event{Type: EventStatus, SourceID: "news"})

	evt := <-ch
	assert.Equal(t, "run-1", evt.RunID)
	assert.Equal(t, "filings", evt.SourceID)
	assert.Equal(t, uint64(1), evt.Seq)
	select {
	case e := <-ch:
		t.Fatalf("leaked event from another run: %+v", e)
	default:
	}
}

func TestRingOverwriteAndReplay(t *testing.T) {
	m := NewManager(3)
	for i := 0; i < 5; i++ {
		m.Publish("run", Event{Type: EventAnswer})
	}

	evs := m.ReplaySince("run", 0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Equal(t, uint64(5), evs[2].Seq)

	evs = m.ReplaySince("run", 4)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(5), evs[0].Seq)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("run", 1)
	defer m.Unsubscribe("run", ch)

	// Second publish would block a naive implementation; ours drops.
	m.Publish("run", Event{Type: EventAnswer, Message: "a"})
	m.Publish("run", Event{Type: EventAnswer, Message: "b"})

	evt := <-ch
	assert.Equal(t, "a", evt.Message)
	// The dropped event is still replayable.
	assert.Len(t, m.ReplaySince("run", 1), 1)
}

func TestForget(t *testing.T) {
	m := NewManager(4)
	m.Publish("run", Event{Type: EventDone})
	m.Forget("run")
	assert.Empty(t, m.ReplaySince("run", 0))
}
