package handler

import (
	"bufio"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"

	"github.com/makeasinger/kiemusic/internal/hub"
)

const (
	DefaultKeepAlive = 30 * time.Second
	eventBuffer      = 256
)

// EventsHandler streams hub events as server-sent events
type EventsHandler struct {
	hub       *hub.Hub
	keepAlive time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func NewEventsHandler(h *hub.Hub, keepAlive time.Duration) *EventsHandler {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &EventsHandler{
		hub:       h,
		keepAlive: keepAlive,
		done:      make(chan struct{}),
	}
}

// Stream handles GET /events
// @Summary      Live generation events
// @Description  Server-sent events carrying generation_update, generation_complete and generation_error
// @Tags         Events
// @Produce      text/event-stream
// @Router       /events [get]
func (h *EventsHandler) Stream(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	sink := hub.NewChannelSink(eventBuffer)
	id := h.hub.Register(sink)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer func() {
			h.hub.Unregister(id)
			sink.Close()
			log.Debug().Str("subscriber", id).Msg("event stream closed")
		}()

		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()

		if err := w.Flush(); err != nil {
			return
		}
		for {
			select {
			case payload, ok := <-sink.C():
				if !ok {
					return
				}
				w.Write(hub.SSEFrame(payload))
				if err := w.Flush(); err != nil {
					return
				}
			case <-ticker.C:
				w.Write(hub.SSEKeepAlive)
				if err := w.Flush(); err != nil {
					return
				}
			case <-h.done:
				drain(w, sink)
				return
			}
		}
	}))

	return nil
}

// drain writes whatever is already queued for the subscriber
func drain(w *bufio.Writer, sink *hub.ChannelSink) {
	for {
		select {
		case payload, ok := <-sink.C():
			if !ok {
				w.Flush()
				return
			}
			w.Write(hub.SSEFrame(payload))
		default:
			w.Flush()
			return
		}
	}
}

// Close ends every open stream. Call it before shutting the server down.
func (h *EventsHandler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
