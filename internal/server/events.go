package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/archonlabs/archon/internal/bus"
	"github.com/archonlabs/archon/internal/loop"
	"github.com/archonlabs/archon/pkg/models"
)

// sseRelay streams model chunks for one request as server-sent events while
// the loop runs on the handler goroutine.
type sseRelay struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	sub       *bus.Subscription
	requestID string
	model     string
	done      chan struct{}
}

func newSSERelay(w http.ResponseWriter, eventBus *bus.Bus, requestID, model string) (*sseRelay, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok || eventBus == nil {
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	relay := &sseRelay{
		w:         w,
		flusher:   flusher,
		sub:       eventBus.Subscribe(256),
		requestID: requestID,
		model:     model,
		done:      make(chan struct{}),
	}
	go relay.run()
	return relay, true
}

func (s *sseRelay) run() {
	defer close(s.done)
	for ev := range s.sub.C {
		if ev.RequestID != s.requestID || ev.Type != models.EventModelChunk {
			continue
		}
		s.frame(completionChunk(s.requestID, s.model, ev.Text, nil))
	}
}

// finish drains buffered chunks, then emits the terminating chunk and the
// [DONE] sentinel.
func (s *sseRelay) finish(result *loop.Result) {
	s.sub.Cancel()
	<-s.done

	if result.Outcome == models.OutcomeModelError && result.Err != nil {
		s.frame(errorEnvelope{Error: apiError{
			Message:   result.Err.Error(),
			Type:      "api_error",
			RequestID: s.requestID,
		}})
	} else {
		reason := finishReason(result.Outcome)
		s.frame(completionChunk(s.requestID, s.model, "", &reason))
	}
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

func (s *sseRelay) frame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

// handleEvents streams the live event feed as newline-delimited JSON. An
// optional request_id query parameter narrows the feed to one request.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || s.bus == nil {
		writeError(w, http.StatusInternalServerError, "", "api_error",
			"event streaming unavailable")
		return
	}
	filter := r.URL.Query().Get("request_id")

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe(256)
	defer sub.Cancel()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if filter != "" && ev.RequestID != filter {
				continue
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEventsWS serves the event feed over a websocket.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusInternalServerError, "", "api_error",
			"event streaming unavailable")
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	filter := r.URL.Query().Get("request_id")

	sub := s.bus.Subscribe(256)
	defer sub.Cancel()

	// Reads are discarded; a read error means the peer went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if filter != "" && ev.RequestID != filter {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
