package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"chronoai/internal/logger"
	"chronoai/internal/storage"
	"chronoai/internal/types"
)

const maxChunkBytes = 32 << 20

type createSessionRequest struct {
	Title        string            `json:"title"`
	SessionKind  types.SessionKind `json:"session_kind"`
	IncidentName string            `json:"incident_name,omitempty"`
	MeetingID    string            `json:"meeting_id,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	reqLog := logger.New().WithRequest(r).WithField("handler", "create_session")

	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionKind == "" {
		req.SessionKind = types.KindExtra
	}
	sess, err := s.store.CreateSession(r.Context(), types.Session{
		Title:        req.Title,
		SessionKind:  req.SessionKind,
		IncidentName: req.IncidentName,
		MeetingID:    req.MeetingID,
	})
	if err != nil {
		reqLog.WithError(err).Error("failed to create session")
		respondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	reqLog.WithField("session_id", sess.SessionID).Info("session created")
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		logger.New().WithRequest(r).WithError(err).Error("failed to list sessions")
		respondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []types.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type updateSessionRequest struct {
	Title  *string              `json:"title"`
	Status *types.SessionStatus `json:"status"`
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.store.UpdateSession(r.Context(), mux.Vars(r)["session_id"], func(sess *types.Session) {
		if req.Title != nil {
			sess.Title = *req.Title
		}
		if req.Status != nil {
			sess.Status = *req.Status
		}
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update session")
		return
	}
	if sess == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	s.hub.Notify(sess.SessionID, types.Event{Type: types.EventSessionUpdate, Data: sess})
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	sess, err := s.store.UpdateSession(r.Context(), mux.Vars(r)["session_id"], func(sess *types.Session) {
		sess.Status = types.SessionEnded
		sess.EndAt = &now
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to end session")
		return
	}
	if sess == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	s.hub.Notify(sess.SessionID, types.Event{Type: types.EventSessionUpdate, Data: sess})
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	deleted, err := s.store.DeleteSession(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": sessionID})
}

type joinRequest struct {
	DisplayName string `json:"display_name"`
}

// handleJoin registers a participant, resolving their affiliation from
// the display name against the session's HQ registry when possible.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	l := logger.New()
	reqLog := l.WithRequest(r).WithField("handler", "join")
	sessionID := mux.Vars(r)["session_id"]

	var req joinRequest
	if err := decodeBody(r, &req); err != nil || req.DisplayName == "" {
		respondError(w, http.StatusBadRequest, "display_name is required")
		return
	}
	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	hqID := ""
	if units, err := s.store.HQMaster(r.Context(), storage.ScopeForSession(sess)); err == nil {
		hqID = s.matcher.MatchByName(req.DisplayName, units)
	} else {
		reqLog.WithError(err).Warn("failed to load HQ registry for join")
	}

	participant, err := s.store.AddParticipant(r.Context(), sessionID, types.Participant{
		DisplayName: req.DisplayName,
		HQID:        hqID,
	})
	if err != nil {
		reqLog.WithError(err).Error("failed to add participant")
		respondError(w, http.StatusInternalServerError, "failed to add participant")
		return
	}
	l.WithSession(sessionID, participant.ParticipantID).WithField("hq_id", hqID).Info("participant joined")
	s.hub.Notify(sessionID, types.Event{Type: types.EventParticipantUpdate, Data: participant})
	respondJSON(w, http.StatusCreated, participant)
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.GetParticipants(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list participants")
		return
	}
	if list == nil {
		list = []types.Participant{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	now := time.Now().UTC()
	participant, err := s.store.UpdateParticipant(r.Context(), vars["session_id"], vars["participant_id"], func(p *types.Participant) {
		p.LeaveAt = &now
		p.ConnectionStatus = types.StatusLeft
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update participant")
		return
	}
	if participant == nil {
		respondError(w, http.StatusNotFound, "participant not found")
		return
	}
	s.hub.Notify(vars["session_id"], types.Event{Type: types.EventParticipantUpdate, Data: participant})
	respondJSON(w, http.StatusOK, participant)
}

// handleChunk accepts one audio chunk as the raw request body and runs it
// through the pipeline. The response is the pipeline's diagnostic result
// regardless of outcome; only malformed requests get an error status.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	l := logger.New()
	sessionID := mux.Vars(r)["session_id"]

	participantID := r.URL.Query().Get("participant_id")
	if participantID == "" {
		respondError(w, http.StatusBadRequest, "participant_id is required")
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "wav"
	}
	ts := time.Now().UTC()
	if raw := r.URL.Query().Get("timestamp"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "timestamp must be RFC3339")
			return
		}
		ts = parsed.UTC()
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxChunkBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "chunk exceeds size limit")
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read chunk body")
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "empty chunk body")
		return
	}

	start := time.Now()
	result := s.pipe.Process(r.Context(), sessionID, participantID, data, format, ts)
	l.WithSession(sessionID, participantID).WithFields(logrus.Fields{
		"duration_ms": time.Since(start).Milliseconds(),
		"stage":       result.Stage,
	}).Info("chunk processed")

	status := http.StatusOK
	if !result.OK && !result.Skipped {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, result)
}

func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	segments, err := s.store.GetSegments(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list segments")
		return
	}
	if segments == nil {
		segments = []types.Segment{}
	}
	respondJSON(w, http.StatusOK, segments)
}
