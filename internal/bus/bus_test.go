package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	topic := Topic{ProjectID: "p1", Kind: TopicExecution, ID: "e1"}
	sub := b.Subscribe(topic)
	defer sub.Unsubscribe()

	b.Publish(topic, "hello")

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "hello", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSubscriberOnlySeesItsOwnTopic(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	t1 := Topic{ProjectID: "p1", Kind: TopicExecution, ID: "e1"}
	t2 := Topic{ProjectID: "p1", Kind: TopicExecution, ID: "e2"}
	sub := b.Subscribe(t1)
	defer sub.Unsubscribe()

	b.Publish(t2, "other")
	b.Publish(t1, "mine")

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "mine", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	select {
	case msg := <-sub.Channel():
		t.Fatalf("unexpected second message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNonBlockingWhenSubscriberQueueFull(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	topic := Topic{ProjectID: "p1", Kind: TopicWorkflow, ID: "w1"}
	sub := b.Subscribe(topic)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueSize+10; i++ {
			b.Publish(topic, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	topic := Topic{ProjectID: "p1", Kind: TopicExecution, ID: "e1"}
	sub := b.Subscribe(topic)
	sub.Unsubscribe()

	b.Publish(topic, "after-unsubscribe")

	_, ok := <-sub.Channel()
	require.False(t, ok, "channel should be closed after Unsubscribe")
}
