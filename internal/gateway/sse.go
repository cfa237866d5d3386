// ABOUTME: Server-Sent Event streams for the conversation and conversation-list hubs
// ABOUTME: Each stream is an eventhub.Subscriber; first event is metadata, then hub events and heartbeats

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/2389/coven-branches/internal/auth"
	"github.com/2389/coven-branches/internal/eventhub"
)

// sseBufferSize is how many events a stream may fall behind before events are dropped.
const sseBufferSize = 64

var (
	errStreamClosed = errors.New("stream closed")
	errStreamSlow   = errors.New("stream buffer full")
)

type sseFrame struct {
	event string
	data  []byte
}

// sseSubscriber buffers hub events for one HTTP stream. Send never blocks the
// hub: a full buffer drops the event and reports an error.
type sseSubscriber struct {
	frames    chan sseFrame
	done      chan struct{}
	closeOnce sync.Once
}

var _ eventhub.Subscriber = (*sseSubscriber)(nil)

func newSSESubscriber() *sseSubscriber {
	return &sseSubscriber{
		frames: make(chan sseFrame, sseBufferSize),
		done:   make(chan struct{}),
	}
}

func (s *sseSubscriber) Send(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	select {
	case <-s.done:
		return errStreamClosed
	default:
	}
	select {
	case s.frames <- sseFrame{event: event, data: b}:
		return nil
	default:
		return errStreamSlow
	}
}

func (s *sseSubscriber) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// handleConversationStream handles GET /api/conversations/{conversationID}/events.
func (g *Gateway) handleConversationStream(w http.ResponseWriter, r *http.Request) {
	a := auth.MustFromContext(r.Context())
	conversationID := r.PathValue("conversationID")

	if _, err := g.service.GetConversation(r.Context(), a.TenantID, conversationID); err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	meta := g.streamMetadata(a.TenantID, conversationID)
	g.serveStream(w, r, meta, func(sub eventhub.Subscriber) func() {
		return g.conversations.Subscribe(r.Context(), a.TenantID, conversationID, sub)
	})
}

// handleConversationListStream handles GET /api/conversations/events.
func (g *Gateway) handleConversationListStream(w http.ResponseWriter, r *http.Request) {
	a := auth.MustFromContext(r.Context())

	meta := g.streamMetadata(a.TenantID, "")
	g.serveStream(w, r, meta, func(sub eventhub.Subscriber) func() {
		return g.lists.Subscribe(r.Context(), a.TenantID, sub)
	})
}

func (g *Gateway) streamMetadata(tenantID, conversationID string) StreamMetadata {
	return StreamMetadata{
		TenantID:       tenantID,
		ConversationID: conversationID,
		InstanceID:     g.instanceID,
		ConnectedAt:    formatTime(time.Now()),
	}
}

// serveStream subscribes, writes the metadata event and then relays hub events
// until the client leaves, the hub shuts down or the server stops.
func (g *Gateway) serveStream(w http.ResponseWriter, r *http.Request, meta StreamMetadata, subscribe func(eventhub.Subscriber) func()) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := newSSESubscriber()
	defer sub.Close()
	unsubscribe := subscribe(sub)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, eventhub.EventMetadata, meta)
	flusher.Flush()

	heartbeat := time.NewTicker(g.config.Server.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-g.streamsDone:
			return
		case <-sub.done:
			return
		case f := <-sub.frames:
			writeSSEFrame(w, f.event, f.data)
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

func writeSSEFrame(w http.ResponseWriter, event string, data []byte) {
	_, _ = fmt.Fprint(w, formatSSEEvent(event, string(data)))
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	writeSSEFrame(w, event, dataJSON)
}
