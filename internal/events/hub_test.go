package events

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestHubFiltersByEvaluation(t *testing.T) {
	hub := NewHub(4, zerolog.Nop())
	all := hub.Subscribe(0)
	only := hub.Subscribe(7)
	require.Equal(t, 2, hub.Subscribers())

	hub.Broadcast(Event{Type: TypeQueued, EvaluationID: 8})
	hub.Broadcast(Event{Type: TypeCompleted, EvaluationID: 7})

	require.Len(t, all.Events(), 2)
	require.Len(t, only.Events(), 1)
	got := <-only.Events()
	require.Equal(t, TypeCompleted, got.Type)

	hub.Unsubscribe(only)
	hub.Unsubscribe(only)
	require.Equal(t, 1, hub.Subscribers())
	_, open := <-only.Events()
	require.False(t, open)
}

func TestHubDropsEventsForSlowSubscribers(t *testing.T) {
	hub := NewHub(1, zerolog.Nop())
	sub := hub.Subscribe(0)

	hub.Broadcast(Event{Type: TypeQueued, EvaluationID: 1})
	hub.Broadcast(Event{Type: TypeCompleted, EvaluationID: 1})

	require.Len(t, sub.Events(), 1)
	require.Equal(t, TypeQueued, (<-sub.Events()).Type)
}

func TestHubRunFeedsFromListener(t *testing.T) {
	hub := NewHub(4, zerolog.Nop())
	sub := hub.Subscribe(3)

	err := hub.Run(context.Background(), func(_ context.Context, fn func(Event)) error {
		fn(Event{Type: TypeFinalized, EvaluationID: 3})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, TypeFinalized, (<-sub.Events()).Type)
}
