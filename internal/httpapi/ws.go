package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// audioHandler streams processed blocks to websocket listeners.
type audioHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func newAudioHandler(hub *Hub) *audioHandler {
	return &audioHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

func (h *audioHandler) register(e *echo.Echo) {
	e.GET("/ws/audio", h.handle)
}

func (h *audioHandler) handle(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

func (h *audioHandler) serveConn(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(1 << 10)

	sub := h.hub.Add(64)
	defer h.hub.Remove(sub.ID)

	go func() {
		for frame := range sub.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				conn.Close()
				return
			}
		}
	}()

	// Listeners send nothing; reading only detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
