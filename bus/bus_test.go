package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"makerd/model"
)

func TestSubscribeAndPublishInOrder(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	require.NotNil(t, sub)

	for i := uint64(1); i <= 3; i++ {
		b.Publish(Event{State: model.StateFree(), Seq: i})
	}

	for i := uint64(1); i <= 3; i++ {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, i, ev.Seq)
		default:
			t.Fatalf("expected event %d", i)
		}
	}
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	b := New(2)
	slow := b.Subscribe()
	fast := b.Subscribe()

	for i := uint64(1); i <= 5; i++ {
		b.Publish(Event{State: model.StateFree(), Seq: i})
		if i < 5 {
			// fast keeps up with the publisher; slow never reads.
			<-fast.Events()
		}
	}

	select {
	case <-slow.Evicted():
	default:
		t.Fatal("expected slow subscriber to be evicted")
	}

	assert.Equal(t, 1, b.Len())

	drained := 0
	for {
		select {
		case <-fast.Events():
			drained++
		default:
			assert.Greater(t, drained, 0)
			return
		}
	}
}

func TestCloseEvictsEveryone(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()

	b.Close()

	select {
	case <-sub.Evicted():
	default:
		t.Fatal("expected eviction on close")
	}
	assert.Equal(t, 0, b.Len())
	assert.Nil(t, b.Subscribe())
}
