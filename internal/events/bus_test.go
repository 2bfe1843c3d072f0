package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBusRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bus := NewBus(client, zaptest.NewLogger(t))

	outcomes := make(chan Outcome, 1)
	deleted := make(chan string, 1)
	cancel, err := bus.Subscribe(context.Background(), Handlers{
		OnOutcome: func(o Outcome) { outcomes <- o },
		OnDeleted: func(id string) { deleted <- id },
	})
	require.NoError(t, err)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, bus.PublishOutcome(ctx, Outcome{SessionID: "s1", ParticipantID: "p1", Result: ResultCompleted}))
	require.NoError(t, bus.RecordingDeleted(ctx, "s2"))

	select {
	case o := <-outcomes:
		assert.Equal(t, "s1", o.SessionID)
		assert.True(t, o.Terminal())
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome received")
	}
	select {
	case id := <-deleted:
		assert.Equal(t, "s2", id)
	case <-time.After(5 * time.Second):
		t.Fatal("no delete received")
	}
}

func TestOutcomeTerminal(t *testing.T) {
	assert.False(t, Outcome{Result: ResultProcessed}.Terminal())
	assert.False(t, Outcome{Result: ResultFailed}.Terminal())
	assert.True(t, Outcome{Result: ResultCompleted}.Terminal())
}
