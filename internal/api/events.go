package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/banshee-data/alphascan/internal/httputil"
)

// eventBuffer is the per-client hub buffer. A client that falls further
// behind misses events.
const eventBuffer = 64

// streamEvents relays hub events as Server-Sent Events, one "event:" per
// type with the JSON event as data.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	hub := s.p.Hub()
	id, events := hub.Subscribe(eventBuffer)
	defer hub.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
