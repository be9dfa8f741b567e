package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-tenantlock/v1/syncbus"
)

// subscribe watches the "key" query parameter, or every key when absent.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) (chan syncbus.Event, context.Context, func(), bool) {
	bus := s.handle.Bus()
	if bus == nil {
		writeJSON(w, http.StatusNotFound, "event bus disabled", nil)
		return nil, nil, nil, false
	}
	key := r.URL.Query().Get("key")
	ctx, cancel := context.WithCancel(r.Context())
	ch, err := bus.Subscribe(ctx, key)
	if err != nil {
		cancel()
		writeError(s.log, w, r, err)
		return nil, nil, nil, false
	}
	done := func() {
		cancel()
		_ = bus.Unsubscribe(context.Background(), key, ch)
	}
	return ch, ctx, done, true
}

// sseEvents streams lock events over Server-Sent Events.
func (s *Server) sseEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	ch, ctx, done, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer done()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, b); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

var upgrader = websocket.Upgrader{}

// websocketEvents streams lock events over WebSocket as JSON text frames.
func (s *Server) websocketEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the upgrade so no event published after the
	// handshake is missed.
	ch, ctx, done, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	defer done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// Clients never send anything; a read error means they left.
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
