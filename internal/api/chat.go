package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"chronoai/internal/logger"
	"chronoai/internal/storage"
	"chronoai/internal/types"
)

// handleListChatThreads returns the session's consultation threads,
// newest activity first. The caller's hq_id resolves can_write.
func (s *Server) handleListChatThreads(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	callerHQ := r.URL.Query().Get("hq_id")

	threads, err := s.store.GetChatThreads(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list chat threads")
		return
	}
	summaries := make([]types.ChatThreadSummary, 0, len(threads))
	for _, thread := range threads {
		summaries = append(summaries, types.ChatThreadSummary{
			ThreadID:      thread.ThreadID,
			SessionID:     thread.SessionID,
			CreatorHQID:   thread.CreatorHQID,
			CreatorHQName: thread.CreatorHQName,
			Title:         thread.Title,
			CreatedAt:     thread.CreatedAt,
			UpdatedAt:     thread.UpdatedAt,
			MessageCount:  len(thread.Messages),
			CanWrite:      callerHQ != "" && callerHQ == thread.CreatorHQID,
		})
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetChatThread(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	thread, err := s.store.GetChatThread(r.Context(), vars["session_id"], vars["thread_id"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load chat thread")
		return
	}
	if thread == nil {
		respondError(w, http.StatusNotFound, "thread not found")
		return
	}
	respondJSON(w, http.StatusOK, thread)
}

type createThreadRequest struct {
	HQID              string `json:"hq_id"`
	HQName            string `json:"hq_name"`
	Message           string `json:"message"`
	IncludeChronology bool   `json:"include_chronology"`
}

// handleCreateChatThread opens a thread with the caller's first question
// and the assistant's answer already appended.
func (s *Server) handleCreateChatThread(w http.ResponseWriter, r *http.Request) {
	reqLog := logger.New().WithRequest(r).WithField("handler", "create_chat_thread")
	sessionID := mux.Vars(r)["session_id"]

	var req createThreadRequest
	if err := decodeBody(r, &req); err != nil || req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
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

	now := time.Now().UTC()
	thread := types.ChatThread{
		ThreadID:      types.NewID(),
		SessionID:     sessionID,
		CreatorHQID:   req.HQID,
		CreatorHQName: req.HQName,
		Title:         "新規相談",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if title := s.assistant.ThreadTitle(r.Context(), req.Message); title != "" {
		thread.Title = title
	}

	entries, units := s.chatContext(r, sess, req.IncludeChronology)
	answer := s.assistant.Respond(r.Context(), &thread, req.Message, entries, units, sess.IncidentName, req.HQName)
	appendExchange(&thread, req.Message, answer, now)

	if err := s.store.SaveChatThread(r.Context(), sessionID, thread); err != nil {
		reqLog.WithError(err).Error("failed to save chat thread")
		respondError(w, http.StatusInternalServerError, "failed to save chat thread")
		return
	}
	reqLog.WithFields(logrus.Fields{
		"session_id": sessionID,
		"thread_id":  thread.ThreadID,
	}).Info("chat thread created")
	respondJSON(w, http.StatusCreated, thread)
}

type sendMessageRequest struct {
	HQID              string `json:"hq_id"`
	Message           string `json:"message"`
	IncludeChronology bool   `json:"include_chronology"`
}

// handleSendChatMessage appends the caller's question and the assistant's
// answer to an existing thread. Only the creating unit may write.
func (s *Server) handleSendChatMessage(w http.ResponseWriter, r *http.Request) {
	reqLog := logger.New().WithRequest(r).WithField("handler", "send_chat_message")
	vars := mux.Vars(r)
	sessionID := vars["session_id"]

	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil || req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	thread, err := s.store.GetChatThread(r.Context(), sessionID, vars["thread_id"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load chat thread")
		return
	}
	if thread == nil {
		respondError(w, http.StatusNotFound, "thread not found")
		return
	}
	if req.HQID != thread.CreatorHQID {
		respondError(w, http.StatusForbidden, "このスレッドへの書き込み権限がありません")
		return
	}

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil || sess == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	entries, units := s.chatContext(r, sess, req.IncludeChronology)
	answer := s.assistant.Respond(r.Context(), thread, req.Message, entries, units, sess.IncidentName, thread.CreatorHQName)
	appendExchange(thread, req.Message, answer, time.Now().UTC())

	if err := s.store.SaveChatThread(r.Context(), sessionID, *thread); err != nil {
		reqLog.WithError(err).Error("failed to save chat thread")
		respondError(w, http.StatusInternalServerError, "failed to save chat thread")
		return
	}
	respondJSON(w, http.StatusOK, thread)
}

// chatContext loads the chronology and HQ registry for prompt context.
// Failures degrade to an empty context rather than blocking the chat.
func (s *Server) chatContext(r *http.Request, sess *types.Session, include bool) ([]types.ChronologyEntry, []types.HQMaster) {
	if !include {
		return nil, nil
	}
	entries, err := s.store.GetEntries(r.Context(), sess.SessionID)
	if err != nil {
		logger.New().WithRequest(r).WithError(err).Warn("failed to load chronology for chat context")
		return nil, nil
	}
	units, err := s.store.HQMaster(r.Context(), storage.ScopeForSession(sess))
	if err != nil {
		units = nil
	}
	return entries, units
}

func appendExchange(thread *types.ChatThread, question, answer string, at time.Time) {
	thread.Messages = append(thread.Messages,
		types.ChatMessage{
			MessageID: types.NewID(),
			ThreadID:  thread.ThreadID,
			Role:      types.ChatRoleUser,
			Content:   question,
			Timestamp: at,
		},
		types.ChatMessage{
			MessageID: types.NewID(),
			ThreadID:  thread.ThreadID,
			Role:      types.ChatRoleAssistant,
			Content:   answer,
			Timestamp: at,
		},
	)
	thread.UpdatedAt = at
}
