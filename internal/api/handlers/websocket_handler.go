package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/internal/progress"
	"github.com/northoaks/contract-ai/backend/pkg/logger"
)

type ProgressSubscriber interface {
	Subscribe(key string) (<-chan progress.Event, func())
}

type WebSocketHandler struct {
	broker ProgressSubscriber
}

func NewWebSocketHandler(broker ProgressSubscriber) *WebSocketHandler {
	return &WebSocketHandler{
		broker: broker,
	}
}

// RequireUpgrade guards the websocket route against plain HTTP requests.
func (h *WebSocketHandler) RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleProgress streams processing events for one routing key until the
// client disconnects.
func (h *WebSocketHandler) HandleProgress(c *websocket.Conn) {
	key := c.Params("key")
	logger.Info("WebSocket connection established", zap.String("key", key))

	events, cancel := h.broker.Subscribe(key)
	defer func() {
		cancel()
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("key", key))
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(progressMessage(ev)); err != nil {
				logger.Warn("Failed to write progress event", zap.String("key", key), zap.Error(err))
				return
			}
		}
	}
}

func progressMessage(ev progress.Event) fiber.Map {
	msgType := "progress"
	switch {
	case ev.Progress == progress.ProgressFailed:
		msgType = "failed"
	case ev.Progress >= 100:
		msgType = "complete"
	}
	return fiber.Map{
		"type":        msgType,
		"document_id": ev.DocumentID,
		"message":     ev.Message,
		"progress":    ev.Progress,
		"time":        ev.Time,
	}
}
