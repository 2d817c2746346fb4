// Package api exposes the chronology backend over HTTP: session and
// incident management, chunk upload, chronology review and live
// websocket updates.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"chronoai/internal/chat"
	"chronoai/internal/export"
	"chronoai/internal/hqmatch"
	"chronoai/internal/logger"
	"chronoai/internal/pipeline"
	"chronoai/internal/storage"
	"chronoai/internal/ws"
)

// Server holds the wired application services behind the HTTP handlers.
type Server struct {
	store     *storage.Service
	pipe      *pipeline.Pipeline
	matcher   *hqmatch.Matcher
	hub       *ws.Hub
	exporter  *export.Exporter
	assistant *chat.Assistant
}

func NewServer(store *storage.Service, pipe *pipeline.Pipeline, matcher *hqmatch.Matcher, hub *ws.Hub, assistant *chat.Assistant) *Server {
	if assistant == nil {
		assistant = chat.New(nil)
	}
	return &Server{
		store:     store,
		pipe:      pipe,
		matcher:   matcher,
		hub:       hub,
		exporter:  export.New(store),
		assistant: assistant,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{session_id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{session_id}", s.handleUpdateSession).Methods(http.MethodPatch)
	api.HandleFunc("/sessions/{session_id}", s.handleDeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{session_id}/end", s.handleEndSession).Methods(http.MethodPost)

	api.HandleFunc("/sessions/{session_id}/participants", s.handleJoin).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{session_id}/participants", s.handleListParticipants).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{session_id}/participants/{participant_id}/leave", s.handleLeave).Methods(http.MethodPost)

	api.HandleFunc("/sessions/{session_id}/chunks", s.handleChunk).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{session_id}/segments", s.handleListSegments).Methods(http.MethodGet)

	api.HandleFunc("/sessions/{session_id}/chronology", s.handleListChronology).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{session_id}/chronology", s.handleCreateEntry).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{session_id}/chronology/{entry_id}", s.handleUpdateEntry).Methods(http.MethodPatch)
	api.HandleFunc("/sessions/{session_id}/chronology/{entry_id}", s.handleDeleteEntry).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{session_id}/export", s.handleExport).Methods(http.MethodGet)

	api.HandleFunc("/sessions/{session_id}/chat/threads", s.handleListChatThreads).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{session_id}/chat/threads", s.handleCreateChatThread).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{session_id}/chat/threads/{thread_id}", s.handleGetChatThread).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{session_id}/chat/threads/{thread_id}/messages", s.handleSendChatMessage).Methods(http.MethodPost)

	api.HandleFunc("/sessions/{session_id}/hqs", s.handleListHQs).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{session_id}/hqs", s.handleAddHQ).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{session_id}/hqs/{hq_id}", s.handleUpdateHQ).Methods(http.MethodPatch)
	api.HandleFunc("/sessions/{session_id}/hqs/{hq_id}", s.handleDeleteHQ).Methods(http.MethodDelete)

	api.HandleFunc("/incidents", s.handleCreateIncident).Methods(http.MethodPost)
	api.HandleFunc("/incidents", s.handleListIncidents).Methods(http.MethodGet)
	api.HandleFunc("/incidents/{incident_id}", s.handleGetIncident).Methods(http.MethodGet)
	api.HandleFunc("/incidents/{incident_id}", s.handleDeleteIncident).Methods(http.MethodDelete)
	api.HandleFunc("/incidents/{incident_id}/end", s.handleEndIncident).Methods(http.MethodPost)
	api.HandleFunc("/incidents/{incident_id}/rooms", s.handleAddRoom).Methods(http.MethodPost)

	r.HandleFunc("/ws/sessions/{session_id}", s.handleWebsocket)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	logger.New().WithRequest(r).Debug("health check")
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r, mux.Vars(r)["session_id"])
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.New().WithError(err).Error("failed to write response")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
