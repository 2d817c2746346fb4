package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"chronoai/internal/export"
	"chronoai/internal/logger"
	"chronoai/internal/storage"
	"chronoai/internal/types"
)

// handleListChronology returns the session's entries in timestamp order,
// optionally filtered by category, hq_id or unconfirmed=true.
func (s *Server) handleListChronology(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetEntries(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list chronology")
		return
	}

	q := r.URL.Query()
	category := q.Get("category")
	hqID := q.Get("hq_id")
	unconfirmedOnly := q.Get("unconfirmed") == "true"

	filtered := make([]types.ChronologyEntry, 0, len(entries))
	for _, entry := range entries {
		if category != "" && string(entry.Category) != category {
			continue
		}
		if hqID != "" && entry.HQID != hqID {
			continue
		}
		if unconfirmedOnly && entry.IsHQConfirmed {
			continue
		}
		filtered = append(filtered, entry)
	}
	respondJSON(w, http.StatusOK, filtered)
}

type createEntryRequest struct {
	Category      types.Category `json:"category"`
	Summary       string         `json:"summary"`
	TextRaw       string         `json:"text_raw"`
	AINote        string         `json:"ai_note,omitempty"`
	HQID          string         `json:"hq_id,omitempty"`
	ParticipantID string         `json:"participant_id,omitempty"`
	Timestamp     *time.Time     `json:"timestamp,omitempty"`
}

// handleCreateEntry records a manual chronology entry, for statements
// made off-mike or corrections entered by the review desk.
func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	reqLog := logger.New().WithRequest(r).WithField("handler", "create_entry")
	sessionID := mux.Vars(r)["session_id"]

	var req createEntryRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Category == "" || req.Summary == "" {
		respondError(w, http.StatusBadRequest, "category and summary are required")
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	entry := types.ChronologyEntry{
		EntryID:       types.NewID(),
		ParticipantID: req.ParticipantID,
		HQID:          req.HQID,
		Timestamp:     ts,
		Category:      req.Category,
		Summary:       req.Summary,
		TextRaw:       req.TextRaw,
		AINote:        req.AINote,
		IsHQConfirmed: req.HQID != "",
		HasTask:       req.Category.Actionable(),
	}
	if err := s.store.SaveEntry(r.Context(), sessionID, entry); err != nil {
		reqLog.WithError(err).Error("failed to save manual entry")
		respondError(w, http.StatusInternalServerError, "failed to save entry")
		return
	}
	s.hub.Notify(sessionID, types.Event{Type: types.EventNewEntry, Data: entry})
	respondJSON(w, http.StatusCreated, entry)
}

type updateEntryRequest struct {
	Category *types.Category `json:"category"`
	Summary  *string         `json:"summary"`
	AINote   *string         `json:"ai_note"`
	HQID     *string         `json:"hq_id"`
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req updateEntryRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry, err := s.store.UpdateEntry(r.Context(), vars["session_id"], vars["entry_id"], func(e *types.ChronologyEntry) {
		if req.Category != nil {
			e.Category = *req.Category
			e.HasTask = e.Category.Actionable()
		}
		if req.Summary != nil {
			e.Summary = *req.Summary
		}
		if req.AINote != nil {
			e.AINote = *req.AINote
		}
		if req.HQID != nil {
			e.HQID = *req.HQID
			e.IsHQConfirmed = e.HQID != ""
		}
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update entry")
		return
	}
	if entry == nil {
		respondError(w, http.StatusNotFound, "entry not found")
		return
	}
	s.hub.Notify(vars["session_id"], types.Event{Type: types.EventNewEntry, Data: entry})
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deleted, err := s.store.DeleteEntry(r.Context(), vars["session_id"], vars["entry_id"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete entry")
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "entry not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": vars["entry_id"]})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	reqLog := logger.New().WithRequest(r).WithField("handler", "export")
	sessionID := mux.Vars(r)["session_id"]

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil || sess == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	data, err := s.exporter.Workbook(r.Context(), sessionID)
	if err != nil {
		reqLog.WithError(err).Error("failed to build workbook")
		respondError(w, http.StatusInternalServerError, "failed to build workbook")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(sess)+`"`)
	w.Write(data)
}

// ========== HQ registry ==========

func (s *Server) sessionScope(r *http.Request) (storage.HQScope, bool) {
	sess, err := s.store.GetSession(r.Context(), mux.Vars(r)["session_id"])
	if err != nil || sess == nil {
		return storage.HQScope{}, false
	}
	return storage.ScopeForSession(sess), true
}

func (s *Server) handleListHQs(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.sessionScope(r)
	if !ok {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	units, err := s.store.HQMaster(r.Context(), scope)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load HQ registry")
		return
	}
	respondJSON(w, http.StatusOK, units)
}

type addHQRequest struct {
	HQName  string `json:"hq_name"`
	Pattern string `json:"zoom_pattern"`
}

func (s *Server) handleAddHQ(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.sessionScope(r)
	if !ok {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	var req addHQRequest
	if err := decodeBody(r, &req); err != nil || req.HQName == "" {
		respondError(w, http.StatusBadRequest, "hq_name is required")
		return
	}
	if req.Pattern == "" {
		req.Pattern = req.HQName
	}
	hq, err := s.store.AddHQ(r.Context(), scope, types.NewHQMaster(req.HQName, req.Pattern))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to add HQ")
		return
	}
	respondJSON(w, http.StatusCreated, hq)
}

type updateHQRequest struct {
	HQName  *string `json:"hq_name"`
	Pattern *string `json:"zoom_pattern"`
	Active  *bool   `json:"active"`
}

func (s *Server) handleUpdateHQ(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.sessionScope(r)
	if !ok {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	var req updateHQRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	hq, err := s.store.UpdateHQ(r.Context(), scope, mux.Vars(r)["hq_id"], func(hq *types.HQMaster) {
		if req.HQName != nil {
			hq.HQName = *req.HQName
		}
		if req.Pattern != nil {
			hq.Pattern = *req.Pattern
		}
		if req.Active != nil {
			hq.Active = *req.Active
		}
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update HQ")
		return
	}
	if hq == nil {
		respondError(w, http.StatusNotFound, "HQ not found")
		return
	}
	respondJSON(w, http.StatusOK, hq)
}

func (s *Server) handleDeleteHQ(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.sessionScope(r)
	if !ok {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	deleted, err := s.store.DeleteHQ(r.Context(), scope, mux.Vars(r)["hq_id"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete HQ")
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "HQ not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": mux.Vars(r)["hq_id"]})
}
