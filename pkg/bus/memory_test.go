package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	received := make(chan []byte, 1)
	_, err := b.Subscribe(context.Background(), SubjectQueueEvents, func(msg *Message) []byte {
		received <- msg.Data
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectQueueEvents, []byte(`{"job":"j-1"}`)))

	select {
	case data := <-received:
		assert.JSONEq(t, `{"job":"j-1"}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var count atomic.Int32
	_, err := b.Subscribe(context.Background(), "sprintloop.*.events", func(msg *Message) []byte {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectQueueEvents, []byte("a")))
	require.NoError(t, b.Publish(context.Background(), SubjectDelegationEvents, []byte("b")))
	require.NoError(t, b.Publish(context.Background(), "sprintloop.other", []byte("c")))

	assert.Eventually(t, func() bool { return count.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestRequestReply(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	_, err := b.Subscribe(context.Background(), "sprintloop.ping", func(msg *Message) []byte {
		return []byte("pong")
	})
	require.NoError(t, err)

	reply, err := b.Request(context.Background(), "sprintloop.ping", []byte("ping"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))
}

func TestRequestNoResponders(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	_, err := b.Request(context.Background(), "sprintloop.nobody", []byte("ping"), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoResponders)
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), "x", nil), ErrClosed)
	_, err := b.Subscribe(context.Background(), "x", func(*Message) []byte { return nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Close(), ErrClosed)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var count atomic.Int32
	sub, err := b.Subscribe(context.Background(), "sprintloop.x", func(msg *Message) []byte {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "sprintloop.x", []byte("1")))
	assert.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(context.Background(), "sprintloop.x", []byte("2")))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.>", "a.b.c", true},
		{"a.b", "a.b.c", false},
		{"a.*.d", "a.b.c", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchSubject(tc.pattern, tc.subject), "%s vs %s", tc.pattern, tc.subject)
	}
}
