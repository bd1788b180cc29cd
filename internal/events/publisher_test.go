package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublisherDeliversOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	publisher := NewBrokerPublisher(client, "grader:test", nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- publisher.Listen(ctx, func(event Event) { received <- event })
	}()

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("grader:test:*")) > 0
	}, time.Second, 10*time.Millisecond)

	publisher.Publish(context.Background(), Event{Type: TypeCompleted, EvaluationID: 4, SubmissionID: 7, Status: "ai_evaluated", TotalScore: 7})

	select {
	case event := <-received:
		require.Equal(t, TypeCompleted, event.Type)
		require.Equal(t, uint(4), event.EvaluationID)
		require.Equal(t, publisher.nodeID, event.Source)
		require.False(t, event.SentAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestBrokerPublisherWithoutBrokersIsHarmless(t *testing.T) {
	publisher := NewBrokerPublisher(nil, "", nil, zerolog.Nop())
	publisher.Publish(context.Background(), Event{Type: TypeQueued})

	err := publisher.Listen(context.Background(), func(Event) {})
	require.Error(t, err)
}
