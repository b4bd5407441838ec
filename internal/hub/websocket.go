package hub

import (
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog/log"

	"github.com/makeasinger/kiemusic/internal/model"
)

const (
	sinkBuffer   = 256
	pingInterval = 30 * time.Second
)

// ServeWebsocket subscribes a websocket connection to every event until the
// client goes away
func (h *Hub) ServeWebsocket(c *websocket.Conn) {
	sink := NewChannelSink(sinkBuffer)
	id := h.Register(sink)
	writerDone := make(chan struct{})
	// The connection is released when this returns, so the writer must be gone
	defer func() {
		h.Unregister(id)
		sink.Close()
		<-writerDone
	}()

	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-sink.C():
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("subscriber", id).Msg("websocket error")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			if err := sink.Send(data); err != nil {
				break
			}
		}
	}
}
