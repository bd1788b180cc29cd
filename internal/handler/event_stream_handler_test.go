package handler_test

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/events"
	"github.com/noah-isme/gema-grader/internal/handler"
)

func startFiberServer(t *testing.T, app *fiber.App) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()

	t.Cleanup(func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	})
	return "ws://" + listener.Addr().String()
}

func TestEventStreamRelaysMatchingEvents(t *testing.T) {
	hub := events.NewHub(8, zerolog.Nop())
	app := fiber.New()
	handler.NewEventStreamHandler(hub, zerolog.New(io.Discard)).Register(app.Group("/events"))
	base := startFiberServer(t, app)

	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, resp, err := dialer.Dial(base+"/events/ws?evaluation_id=7", nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(events.Event{Type: events.TypeQueued, EvaluationID: 8})
	hub.Broadcast(events.Event{Type: events.TypeCompleted, EvaluationID: 7, TotalScore: 7})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, events.TypeCompleted, got.Type)
	require.Equal(t, uint(7), got.EvaluationID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventStreamRejectsPlainRequests(t *testing.T) {
	hub := events.NewHub(8, zerolog.Nop())
	app := fiber.New()
	handler.NewEventStreamHandler(hub, zerolog.Nop()).Register(app.Group("/events"))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/events/ws", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/events/ws?evaluation_id=abc", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
}
