package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscriber(t *testing.T) {
	b := NewBroker(nil)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&Event{Type: EventTaskClaimed, Level: LevelInfo, Repo: "acme/widgets"})

	select {
	case evt := <-sub.C:
		require.Equal(t, EventTaskClaimed, evt.Type)
		require.False(t, evt.Timestamp.IsZero(), "Publish must stamp a zero timestamp")
	case <-time.After(time.Second):
		t.Fatal("event not delivered to subscriber")
	}
}

func TestSubscriptionCancelClosesFeed(t *testing.T) {
	b := NewBroker(nil)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	sub.Cancel()
	_, open := <-sub.C
	require.False(t, open)
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	b := NewBroker(nil) // never started, so the queue fills and overflow drops

	for i := 0; i < publishQueueDepth+10; i++ {
		b.Publish(&Event{Type: EventTaskDone})
	}
	require.Equal(t, uint64(10), b.Dropped())
}

func TestBrokerStopDrainsQueuedRecords(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe()

	b.Publish(&Event{Type: EventTaskDone})
	b.Publish(&Event{Type: EventTaskEscalated})

	b.Start()
	b.Stop() // must not return before the two queued records were delivered

	require.Len(t, sub.C, 2)
}
