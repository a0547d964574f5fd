package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-ai/kiroku/internal/testutil"
)

func TestBrokerBroadcast(t *testing.T) {
	b := NewBroker(nil, testutil.TestLogger())

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch2)

	b.broadcast([]byte("event: kiroku_events\ndata: {\"count\":3}\n\n"))

	msg := <-ch1
	assert.Contains(t, string(msg), `{"count":3}`)
	msg = <-ch2
	assert.Contains(t, string(msg), `{"count":3}`)

	// Unsubscribed channels no longer receive.
	b.Unsubscribe(ch1)
	b.broadcast([]byte("data: after\n\n"))
	_, open := <-ch1
	assert.False(t, open)
}

func TestBrokerDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroker(nil, testutil.TestLogger())

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill the subscriber buffer and then some; broadcast must not block.
	for i := 0; i < 100; i++ {
		b.broadcast([]byte("data: x\n\n"))
	}
	require.Equal(t, 64, len(ch))
}

func TestFormatSSE(t *testing.T) {
	out := formatSSE("kiroku_events", `{"count":1}`)
	assert.Equal(t, "event: kiroku_events\ndata: {\"count\":1}\n\n", string(out))
}
