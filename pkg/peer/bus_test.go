package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/verso/pkg/index"
)

func recv(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return Message{}
	}
}

func TestPublishReachesAllButSender(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	a := bus.Subscribe("db", "peer-a")
	b := bus.Subscribe("db", "peer-b")
	defer a.Close()
	defer b.Close()

	bus.Publish("db", Message{From: "peer-a", Tx: &index.Tx{TxID: 1}})

	msg := recv(t, b)
	require.NotNil(t, msg.Tx)
	assert.Equal(t, uint64(1), msg.Tx.TxID)

	select {
	case <-a.C():
		t.Fatal("sender received its own broadcast")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestChannelsIsolatedByPath(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	a := bus.Subscribe("a.db", "peer-a")
	b := bus.Subscribe("b.db", "peer-b")
	defer a.Close()
	defer b.Close()

	bus.Publish("a.db", Message{From: "someone", ExclusiveRequest: true})

	msg := recv(t, a)
	assert.True(t, msg.ExclusiveRequest)

	select {
	case <-b.C():
		t.Fatal("message crossed database channels")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	slow := bus.Subscribe("db", "slow")
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+16; i++ {
			bus.Publish("db", Message{From: "fast", Tx: &index.Tx{TxID: uint64(i)}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestCloseDetaches(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub := bus.Subscribe("db", "peer")
	sub.Close()
	sub.Close() // idempotent

	// Publishing after close must not panic on the closed channel.
	bus.Publish("db", Message{From: "other", Tx: &index.Tx{TxID: 1}})

	_, open := <-sub.C()
	assert.False(t, open)
}
