package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/carelink/security-service/internal/store"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// EventSubscriber delivers committed security events until stop is called.
type EventSubscriber interface {
	Subscribe(ctx context.Context) (<-chan *store.SecurityEvent, func(), error)
}

// StreamHandler pushes committed security events to dashboards over a
// websocket. It observes already-written rows only.
type StreamHandler struct {
	subscriber EventSubscriber
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewStreamHandler constructs a handler.
func NewStreamHandler(subscriber EventSubscriber, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		subscriber: subscriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The admin console runs on its own origin behind the gateway.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve upgrades the connection and streams events until the client leaves.
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck

	eventCh, stop, err := h.subscriber.Subscribe(r.Context())
	if err != nil {
		h.logger.Error("event subscription failed", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
			time.Now().Add(writeWait))
		return
	}
	defer stop()

	// Reader goroutine consumes control frames and detects disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
