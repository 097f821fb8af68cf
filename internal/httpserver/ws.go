package httpserver

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

var eventUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveEvents streams hub messages to one websocket client.
// Query params:
//   - events: comma-separated event names to subscribe (empty = all)
func (h Handlers) serveEvents(c echo.Context) error {
	conn, err := eventUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	var filter map[string]bool
	if raw := c.QueryParam("events"); raw != "" {
		filter = make(map[string]bool)
		for _, e := range strings.Split(raw, ",") {
			if e = strings.TrimSpace(e); e != "" {
				filter[e] = true
			}
		}
	}

	sendCh := make(chan WSMessage, 64)
	done := make(chan struct{})

	unsubscribe := h.Hub.Subscribe(func(msg WSMessage) {
		if filter != nil && !filter[msg.Event] {
			return
		}
		select {
		case sendCh <- msg:
		default:
			log.Warn().Str("event", msg.Event).Msg("httpserver: dropped event (buffer full)")
		}
	})
	defer unsubscribe()

	// Reader keeps the connection alive and notices the close.
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Current state first so a fresh client does not wait for the next change.
	if filter == nil || filter[EventState] {
		select {
		case sendCh <- WSMessage{Event: EventState, Data: map[string]any{"state": h.Coord.State()}, TS: time.Now().UnixMilli()}:
		default:
		}
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	var writeMu sync.Mutex
	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-done:
			return nil
		case <-ticker.C:
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return nil
			}
		case msg := <-sendCh:
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := conn.WriteJSON(msg)
			writeMu.Unlock()
			if err != nil {
				return nil
			}
		}
	}
}
