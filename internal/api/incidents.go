package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"chronoai/internal/logger"
	"chronoai/internal/types"
)

// The four department sessions opened for every incident.
var departmentKinds = []struct {
	kind  types.SessionKind
	title string
}{
	{types.KindActivityCommand, "活動指揮"},
	{types.KindTransportCoordination, "搬送調整"},
	{types.KindInfoAnalysis, "情報分析"},
	{types.KindLogisticsSupport, "後方支援"},
}

type createIncidentRequest struct {
	IncidentName string `json:"incident_name"`
	IncidentDate string `json:"incident_date,omitempty"`
}

// handleCreateIncident opens an incident with its four department
// sessions. All of them share the incident's HQ registry.
func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	reqLog := logger.New().WithRequest(r).WithField("handler", "create_incident")

	var req createIncidentRequest
	if err := decodeBody(r, &req); err != nil || req.IncidentName == "" {
		respondError(w, http.StatusBadRequest, "incident_name is required")
		return
	}
	if req.IncidentDate == "" {
		req.IncidentDate = time.Now().UTC().Format("2006-01-02")
	}

	inc, err := s.store.CreateIncident(r.Context(), types.Incident{
		IncidentName: req.IncidentName,
		IncidentDate: req.IncidentDate,
	})
	if err != nil {
		reqLog.WithError(err).Error("failed to create incident")
		respondError(w, http.StatusInternalServerError, "failed to create incident")
		return
	}

	for _, dept := range departmentKinds {
		sess, err := s.store.CreateSession(r.Context(), types.Session{
			Title:        req.IncidentName + " " + dept.title,
			SessionKind:  dept.kind,
			IncidentName: req.IncidentName,
			IncidentID:   inc.IncidentID,
		})
		if err != nil {
			reqLog.WithError(err).WithField("session_kind", string(dept.kind)).Error("failed to create department session")
			respondError(w, http.StatusInternalServerError, "failed to create department session")
			return
		}
		inc.Sessions[dept.kind] = sess.SessionID
	}

	inc2, err := s.store.UpdateIncident(r.Context(), inc.IncidentID, func(stored *types.Incident) {
		stored.Sessions = inc.Sessions
	})
	if err != nil || inc2 == nil {
		respondError(w, http.StatusInternalServerError, "failed to save incident")
		return
	}
	reqLog.WithField("incident_id", inc.IncidentID).Info("incident created")
	respondJSON(w, http.StatusCreated, inc2)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.store.ListIncidents(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list incidents")
		return
	}
	if incidents == nil {
		incidents = []types.Incident{}
	}
	respondJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.store.GetIncident(r.Context(), mux.Vars(r)["incident_id"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load incident")
		return
	}
	if inc == nil {
		respondError(w, http.StatusNotFound, "incident not found")
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

// handleEndIncident closes the incident and every session under it.
func (s *Server) handleEndIncident(w http.ResponseWriter, r *http.Request) {
	incidentID := mux.Vars(r)["incident_id"]
	now := time.Now().UTC()

	inc, err := s.store.UpdateIncident(r.Context(), incidentID, func(inc *types.Incident) {
		inc.Status = types.IncidentEnded
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to end incident")
		return
	}
	if inc == nil {
		respondError(w, http.StatusNotFound, "incident not found")
		return
	}

	sessionIDs := make([]string, 0, len(inc.Sessions)+len(inc.ExtraRooms))
	for _, id := range inc.Sessions {
		sessionIDs = append(sessionIDs, id)
	}
	for _, room := range inc.ExtraRooms {
		sessionIDs = append(sessionIDs, room.SessionID)
	}
	for _, sessionID := range sessionIDs {
		sess, err := s.store.UpdateSession(r.Context(), sessionID, func(sess *types.Session) {
			sess.Status = types.SessionEnded
			sess.EndAt = &now
		})
		if err != nil || sess == nil {
			logger.New().WithRequest(r).WithField("session_id", sessionID).Warn("failed to end incident session")
			continue
		}
		s.hub.Notify(sessionID, types.Event{Type: types.EventSessionUpdate, Data: sess})
	}
	respondJSON(w, http.StatusOK, inc)
}

func (s *Server) handleDeleteIncident(w http.ResponseWriter, r *http.Request) {
	incidentID := mux.Vars(r)["incident_id"]
	deleted, err := s.store.DeleteIncident(r.Context(), incidentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete incident")
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "incident not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": incidentID})
}

type addRoomRequest struct {
	Label string `json:"label"`
}

// handleAddRoom opens an extra ad-hoc meeting room under the incident.
func (s *Server) handleAddRoom(w http.ResponseWriter, r *http.Request) {
	incidentID := mux.Vars(r)["incident_id"]

	var req addRoomRequest
	if err := decodeBody(r, &req); err != nil || req.Label == "" {
		respondError(w, http.StatusBadRequest, "label is required")
		return
	}
	inc, err := s.store.GetIncident(r.Context(), incidentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load incident")
		return
	}
	if inc == nil {
		respondError(w, http.StatusNotFound, "incident not found")
		return
	}

	sess, err := s.store.CreateSession(r.Context(), types.Session{
		Title:        req.Label,
		SessionKind:  types.KindExtra,
		IncidentName: inc.IncidentName,
		IncidentID:   incidentID,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create room session")
		return
	}
	inc2, err := s.store.UpdateIncident(r.Context(), incidentID, func(stored *types.Incident) {
		stored.ExtraRooms = append(stored.ExtraRooms, types.ExtraRoom{Label: req.Label, SessionID: sess.SessionID})
	})
	if err != nil || inc2 == nil {
		respondError(w, http.StatusInternalServerError, "failed to save incident")
		return
	}
	respondJSON(w, http.StatusCreated, inc2)
}
