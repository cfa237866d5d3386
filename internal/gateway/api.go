// ABOUTME: HTTP API handlers for conversations, paths, messages and merges
// ABOUTME: Decodes requests, calls the conversation service and maps its errors to status codes

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/2389/coven-branches/internal/auth"
	"github.com/2389/coven-branches/internal/conversation"
)

// maxBodyBytes caps request bodies; a summary content of 10000 chars fits comfortably.
const maxBodyBytes = 1 << 20

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// ListPathsResponse is the JSON response for GET /api/conversations/{id}/paths.
type ListPathsResponse struct {
	Paths []PathResponse `json:"paths"`
}

// ListMessagesResponse is the JSON response for GET /api/paths/{id}/messages.
type ListMessagesResponse struct {
	PathID   string            `json:"path_id"`
	Resolved bool              `json:"resolved"`
	Messages []MessageResponse `json:"messages"`
}

// PinMessageRequest is the JSON body for POST /api/messages/{id}/pin. An empty body pins.
type PinMessageRequest struct {
	Pinned *bool `json:"pinned,omitempty"`
}

// registerAPIRoutes wires the REST and SSE endpoints. Every route is authenticated;
// mutating routes are also rate limited per tenant and user.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	read := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, g.authenticate(h))
	}
	write := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, g.authenticate(g.rateLimit(h)))
	}

	read("GET /api/conversations", g.handleListConversations)
	write("POST /api/conversations", g.handleCreateConversation)
	read("GET /api/conversations/events", g.handleConversationListStream)
	read("GET /api/conversations/{conversationID}/events", g.handleConversationStream)
	read("GET /api/conversations/{conversationID}/paths", g.handleListPaths)
	write("POST /api/conversations/{conversationID}/paths", g.handleCreatePath)

	read("GET /api/paths/{pathID}", g.handleGetPath)
	write("PATCH /api/paths/{pathID}", g.handleUpdatePath)
	write("DELETE /api/paths/{pathID}", g.handleDeletePath)
	read("GET /api/paths/{pathID}/messages", g.handleListMessages)
	write("POST /api/paths/{pathID}/messages", g.handleAppendMessage)
	write("POST /api/paths/{pathID}/merge/preview", g.handlePreviewMerge)
	write("POST /api/paths/{pathID}/merge", g.handleMerge)

	write("DELETE /api/messages/{messageID}", g.handleDeleteMessage)
	write("POST /api/messages/{messageID}/pin", g.handlePinMessage)
}

// handleCreateConversation handles POST /api/conversations.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	a := auth.MustFromContext(r.Context())

	var req conversation.CreateConversationRequest
	if !g.decodeBody(w, r, &req, true) {
		return
	}
	req.TenantID = a.TenantID
	req.UserID = a.UserID

	conv, primary, err := g.service.CreateConversation(r.Context(), req)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateConversationResponse{
		Conversation: toConversationResponse(conv),
		PrimaryPath:  toPathResponse(primary),
	})
}

// handleListConversations handles GET /api/conversations.
// It lists the caller's conversations, most recently updated first.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	a := auth.MustFromContext(r.Context())

	convs, err := g.service.ListConversations(r.Context(), a.TenantID, a.UserID)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	resp := ListConversationsResponse{Conversations: make([]ConversationResponse, 0, len(convs))}
	for _, c := range convs {
		resp.Conversations = append(resp.Conversations, toConversationResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListPaths handles GET /api/conversations/{conversationID}/paths.
// Results are served from the path list cache when possible.
func (g *Gateway) handleListPaths(w http.ResponseWriter, r *http.Request) {
	a := auth.MustFromContext(r.Context())
	conversationID := r.PathValue("conversationID")

	includeInactive, ok := queryBool(w, r, "include_inactive")
	if !ok {
		return
	}

	cached, gen, hit := g.pathCache.Get(r.Context(), a.TenantID, conversationID, includeInactive)
	if hit {
		writeJSON(w, http.StatusOK, ListPathsResponse{Paths: cached})
		return
	}

	paths, err := g.service.ListPaths(r.Context(), a.TenantID, conversationID, includeInactive)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	resp := toPathResponses(paths)
	g.pathCache.Set(r.Context(), gen, a.TenantID, conversationID, includeInactive, resp)
	writeJSON(w, http.StatusOK, ListPathsResponse{Paths: resp})
}

// handleCreatePath handles POST /api/conversations/{conversationID}/paths.
func (g *Gateway) handleCreatePath(w http.ResponseWriter, r *http.Request) {
	a := auth.MustFromContext(r.Context())

	var req conversation.CreatePathRequest
	if !g.decodeBody(w, r, &req, true) {
		return
	}
	req.TenantID = a.TenantID
	req.ConversationID = r.PathValue("conversationID")

	path, err := g.service.CreatePath(r.Context(), req)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPathResponse(path))
}

// handleGetPath handles GET /api/paths/{pathID}.
func (g *Gateway) handleGetPath(w http.ResponseWriter, r *http.Request) {
	a := auth.MustFromContext(r.Context())

	path, err := g.service.GetPath(r.Context(), a.TenantID, r.PathValue("pathID"))
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPathResponse(path))
}

// handleUpdatePath handles PATCH /api/paths/{pathID}.
func (g *Gateway) handleUpdatePath(w http.ResponseWriter, r *http.Request) {
	a := auth.MustFromContext(r.Context())

	var req conversation.UpdatePathRequest
	if !g.decodeBody(w, r, &req, false) {
		return
	}
	req.TenantID = a.TenantID
	req.PathID = r.PathValue("pathID")

	path, err := g.service.UpdatePath(r.Context(), req)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPathResponse(path))
}

// handleDeletePath handles DELETE /api/paths/{pathID}?hard=true.
func (g *Gateway) handleDeletePath(w http.ResponseWriter, r *http.Request) {
	a := auth.MustFromContext(r.Context())

	hard, ok := queryBool(w, r, "hard")
	if !ok {
		return
	}
	if err := g.service.DeletePath(r.Context(), a.TenantID, r.PathValue("pathID"), hard); err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListMessages handles GET /api/paths/{pathID}/messages?resolved=true.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	a := auth.MustFromContext(r.Context())
	pathID := r.PathValue("pathID")

	resolved, ok := queryBool(w, r, "resolved")
	if !ok {
		return
	}
	msgs, err := g.service.ListMessages(r.Context(), a.TenantID, pathID, resolved)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListMessagesResponse{
		PathID:   pathID,
		Resolved: resolved,
		Messages: toMessageResponses(msgs),
	})
}

// handleAppendMessage handles POST /api/paths/{pathID}/messages.
func (g *Gateway) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	a := auth.MustFromContext(r.Context())

	var req conversation.AppendMessageRequest
	if !g.decodeBody(w, r, &req, false) {
		return
	}
	req.TenantID = a.TenantID
	req.PathID = r.PathValue("pathID")

	msg, err := g.service.AppendMessage(r.Context(), req)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

// handleDeleteMessage handles DELETE /api/messages/{messageID}.
func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	a := auth.MustFromContext(r.Context())

	if err := g.service.DeleteMessage(r.Context(), a.TenantID, r.PathValue("messageID")); err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePinMessage handles POST /api/messages/{messageID}/pin.
func (g *Gateway) handlePinMessage(w http.ResponseWriter, r *http.Request) {
	a := auth.MustFromContext(r.Context())

	var req PinMessageRequest
	if !g.decodeBody(w, r, &req, true) {
		return
	}
	pinned := true
	if req.Pinned != nil {
		pinned = *req.Pinned
	}

	msg, err := g.service.SetMessagePinned(r.Context(), a.TenantID, r.PathValue("messageID"), pinned)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

// handlePreviewMerge handles POST /api/paths/{pathID}/merge/preview.
func (g *Gateway) handlePreviewMerge(w http.ResponseWriter, r *http.Request) {
	req, ok := g.mergeRequest(w, r)
	if !ok {
		return
	}
	preview, err := g.service.PreviewMerge(r.Context(), req)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMergePreviewResponse(preview))
}

// handleMerge handles POST /api/paths/{pathID}/merge.
func (g *Gateway) handleMerge(w http.ResponseWriter, r *http.Request) {
	req, ok := g.mergeRequest(w, r)
	if !ok {
		return
	}
	result, err := g.service.MergePath(r.Context(), req)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMergeResultResponse(result))
}

// mergeRequest decodes a merge body for the path in the URL. Field checks are
// left to the service so they run in its fixed order.
func (g *Gateway) mergeRequest(w http.ResponseWriter, r *http.Request) (conversation.MergeRequest, bool) {
	a := auth.MustFromContext(r.Context())

	var req conversation.MergeRequest
	if !g.decodeBody(w, r, &req, false) {
		return req, false
	}
	req.TenantID = a.TenantID
	req.UserID = a.UserID
	req.SourcePathID = r.PathValue("pathID")
	return req, true
}

// decodeBody reads a JSON body into v. With allowEmpty, a missing body leaves v
// at its zero value. Writes a 400 and returns false on failure.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return true
	}
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			sendJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeServiceError maps conversation errors onto HTTP status codes.
func (g *Gateway) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, conversation.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, conversation.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, conversation.ErrInvalidOperation):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		sendJSONError(w, status, "internal error")
		return
	}
	sendJSONError(w, status, err.Error())
}

// queryBool parses an optional boolean query parameter. Writes a 400 and
// returns false when the value is not a boolean.
func queryBool(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid "+name+" parameter")
		return false, false
	}
	return v, true
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
