package handler

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/events"
)

const streamPingInterval = 30 * time.Second

// EventStreamHandler relays evaluation lifecycle events over websockets.
type EventStreamHandler struct {
	hub    *events.Hub
	logger zerolog.Logger
}

// NewEventStreamHandler builds the websocket handler.
func NewEventStreamHandler(hub *events.Hub, logger zerolog.Logger) *EventStreamHandler {
	return &EventStreamHandler{
		hub:    hub,
		logger: logger.With().Str("component", "event_stream_handler").Logger(),
	}
}

// Register binds GET /ws. Pass ?evaluation_id= to follow a single evaluation.
func (h *EventStreamHandler) Register(router fiber.Router, guards ...fiber.Handler) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if raw := c.Query("evaluation_id"); raw != "" {
			if _, err := strconv.ParseUint(raw, 10, 64); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid evaluation_id")
			}
		}
		return c.Next()
	})

	handlers := append([]fiber.Handler{}, guards...)
	handlers = append(handlers, websocket.New(h.stream))
	router.Get("/ws", handlers...)
}

func (h *EventStreamHandler) stream(conn *websocket.Conn) {
	evaluationID, _ := strconv.ParseUint(conn.Query("evaluation_id"), 10, 64)
	sub := h.hub.Subscribe(uint(evaluationID))
	defer h.hub.Unsubscribe(sub)

	logger := h.logger.With().Uint64("evaluation_id", evaluationID).Logger()
	logger.Debug().Msg("event stream connected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug().Err(err).Msg("event stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				return
			}
		case <-closed:
			logger.Debug().Msg("event stream disconnected")
			return
		}
	}
}
