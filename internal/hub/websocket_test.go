package hub

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	fws "github.com/fasthttp/websocket"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/kiemusic/internal/model"
)

// serve runs ServeWebsocket behind a real listener. The returned channel
// receives once per connection after ServeWebsocket has returned.
func serve(t *testing.T, h *Hub) (string, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	returned := make(chan struct{}, 4)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		h.ServeWebsocket(c)
		returned <- struct{}{}
	}))
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })

	return "ws://" + ln.Addr().String() + "/ws", returned
}

func waitForCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	for i := 0; h.Count() != want; i++ {
		if i > 400 {
			t.Fatalf("expected %d subscribers, got %d", want, h.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *fws.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func TestWebsocketSubscriberLifecycle(t *testing.T) {
	h := New()
	url, returned := serve(t, h)

	conn, _, err := fws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForCount(t, h, 1)

	if err := conn.WriteMessage(fws.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var reply model.WSMessage
	if err := json.Unmarshal(readMessage(t, conn), &reply); err != nil || reply.Type != model.WSMessageTypePong {
		t.Fatalf("expected pong, got %+v (%v)", reply, err)
	}

	h.Broadcast(3, model.EventGenerationComplete, model.Patch{Status: model.StatusSuccess})
	var evt model.Event
	if err := json.Unmarshal(readMessage(t, conn), &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Type != model.EventGenerationComplete || evt.GenerationID != 3 {
		t.Errorf("unexpected event %+v", evt)
	}

	conn.Close()
	select {
	case <-returned:
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not return after the client went away")
	}
	if h.Count() != 0 {
		t.Errorf("expected subscriber to be released, got %d", h.Count())
	}

	// Nothing may still be writing to the released connection
	h.Broadcast(3, model.EventGenerationUpdate, model.Patch{Status: model.StatusSuccess})
}
