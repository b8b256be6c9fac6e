package api

import (
	"context"
	"fmt"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-borglock/v1/syncbus"
)

var upgrader = websocket.Upgrader{}

// events streams lock events. A WebSocket upgrade request gets text frames,
// anything else gets Server-Sent Events. The optional "repo" query parameter
// filters by repository. The subscription is live before the response
// headers are sent.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.eventsWebSocket(w, r)
		return
	}
	s.eventsSSE(w, r)
}

func (s *Server) subscribe(r *http.Request) (context.Context, chan syncbus.Event, func(), error) {
	ctx, cancel := context.WithCancel(r.Context())
	ch, err := s.bus.Subscribe(ctx)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, ch, func() {
		cancel()
		_ = s.bus.Unsubscribe(context.Background(), ch)
	}, nil
}

func wanted(r *http.Request, ev syncbus.Event) bool {
	name := r.URL.Query().Get("repo")
	return name == "" || name == ev.Resource
}

func (s *Server) eventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "stream unsupported")
		return
	}
	ctx, ch, done, err := s.subscribe(r)
	if err != nil {
		s.fail(w, r, err)
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
			if !wanted(r, ev) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) eventsWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx, ch, done, err := s.subscribe(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer done()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	// Reads only detect the peer closing the connection.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				done()
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
			if !wanted(r, ev) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
