package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronoai/internal/classify"
	"chronoai/internal/hqmatch"
	"chronoai/internal/pipeline"
	"chronoai/internal/silence"
	"chronoai/internal/storage"
	"chronoai/internal/stt"
	"chronoai/internal/types"
	"chronoai/internal/ws"
)

func newTestServer(t *testing.T) (*httptest.Server, *storage.Service) {
	t.Helper()
	store := storage.NewService(storage.NewMemoryBlob(), "")
	hub := ws.NewHub()
	matcher := hqmatch.New()
	pipe := pipeline.New(
		store,
		silence.NewGate(-60.0, 500*time.Millisecond),
		matcher,
		classify.New(nil),
		stt.NewTranscriber(nil, time.Minute),
		nil,
		hub,
	)
	srv := httptest.NewServer(NewServer(store, pipe, matcher, hub, nil).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestSessionEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	var sess types.Session
	status := postJSON(t, srv.URL+"/api/sessions", map[string]string{
		"title":        "活動指揮",
		"session_kind": "activity_command",
	}, &sess)
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, sess.SessionID)
	assert.Equal(t, types.SessionWaiting, sess.Status)

	var list []types.Session
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/sessions", &list))
	require.Len(t, list, 1)

	var ended types.Session
	status = postJSON(t, srv.URL+"/api/sessions/"+sess.SessionID+"/end", map[string]string{}, &ended)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, types.SessionEnded, ended.Status)
	assert.NotNil(t, ended.EndAt)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/sessions/missing", nil))
}

func TestJoinResolvesHQFromDisplayName(t *testing.T) {
	srv, store := newTestServer(t)

	var sess types.Session
	require.Equal(t, http.StatusCreated, postJSON(t, srv.URL+"/api/sessions", map[string]string{"title": "t"}, &sess))

	hq, err := store.AddHQ(context.Background(), storage.SessionScope(sess.SessionID), types.NewHQMaster("道庁本部", "道庁"))
	require.NoError(t, err)

	var joined types.Participant
	status := postJSON(t, srv.URL+"/api/sessions/"+sess.SessionID+"/participants", map[string]string{
		"display_name": "道庁 田中",
	}, &joined)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, hq.HQID, joined.HQID)
	assert.False(t, joined.IsDeclared)

	var unmatched types.Participant
	status = postJSON(t, srv.URL+"/api/sessions/"+sess.SessionID+"/participants", map[string]string{
		"display_name": "名無し",
	}, &unmatched)
	require.Equal(t, http.StatusCreated, status)
	assert.Empty(t, unmatched.HQID)
}

func TestChronologyFilters(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	var sess types.Session
	require.Equal(t, http.StatusCreated, postJSON(t, srv.URL+"/api/sessions", map[string]string{"title": "t"}, &sess))

	base := time.Now().UTC()
	require.NoError(t, store.SaveEntry(ctx, sess.SessionID, types.ChronologyEntry{
		EntryID: "e1", Timestamp: base, Category: types.CategoryInstruction, Summary: "a", HQID: "hq-1", IsHQConfirmed: true,
	}))
	require.NoError(t, store.SaveEntry(ctx, sess.SessionID, types.ChronologyEntry{
		EntryID: "e2", Timestamp: base.Add(time.Second), Category: types.CategoryReport, Summary: "b",
	}))

	var all []types.ChronologyEntry
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/sessions/"+sess.SessionID+"/chronology", &all))
	assert.Len(t, all, 2)

	var instructions []types.ChronologyEntry
	getJSON(t, srv.URL+"/api/sessions/"+sess.SessionID+"/chronology?category=指示", &instructions)
	require.Len(t, instructions, 1)
	assert.Equal(t, "e1", instructions[0].EntryID)

	var unconfirmed []types.ChronologyEntry
	getJSON(t, srv.URL+"/api/sessions/"+sess.SessionID+"/chronology?unconfirmed=true", &unconfirmed)
	require.Len(t, unconfirmed, 1)
	assert.Equal(t, "e2", unconfirmed[0].EntryID)
}

func TestManualEntryCreateUpdateDelete(t *testing.T) {
	srv, _ := newTestServer(t)

	var sess types.Session
	require.Equal(t, http.StatusCreated, postJSON(t, srv.URL+"/api/sessions", map[string]string{"title": "t"}, &sess))
	chronologyURL := srv.URL + "/api/sessions/" + sess.SessionID + "/chronology"

	var entry types.ChronologyEntry
	status := postJSON(t, chronologyURL, map[string]string{
		"category": "依頼",
		"summary":  "毛布の手配",
		"text_raw": "毛布を200枚お願いします。",
	}, &entry)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, entry.HasTask)
	assert.False(t, entry.IsHQConfirmed)

	req, err := http.NewRequest(http.MethodPatch, chronologyURL+"/"+entry.EntryID,
		bytes.NewReader([]byte(`{"category": "決定"}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var patched types.ChronologyEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&patched))
	resp.Body.Close()
	assert.Equal(t, types.CategoryDecision, patched.Category)
	assert.False(t, patched.HasTask, "category change recomputes the task flag")

	req, err = http.NewRequest(http.MethodDelete, chronologyURL+"/"+entry.EntryID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var remaining []types.ChronologyEntry
	getJSON(t, chronologyURL, &remaining)
	assert.Empty(t, remaining)
}

func TestIncidentCreatesDepartmentSessions(t *testing.T) {
	srv, store := newTestServer(t)

	var inc types.Incident
	status := postJSON(t, srv.URL+"/api/incidents", map[string]string{"incident_name": "地震対応訓練"}, &inc)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, inc.Sessions, 4)

	for kind, sessionID := range inc.Sessions {
		sess, err := store.GetSession(context.Background(), sessionID)
		require.NoError(t, err)
		require.NotNil(t, sess, "session for %s", kind)
		assert.Equal(t, kind, sess.SessionKind)
		assert.Equal(t, inc.IncidentID, sess.IncidentID)
	}

	var room types.Incident
	status = postJSON(t, srv.URL+"/api/incidents/"+inc.IncidentID+"/rooms", map[string]string{"label": "現地調整"}, &room)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, room.ExtraRooms, 1)
	assert.Equal(t, "現地調整", room.ExtraRooms[0].Label)
}

func TestChunkUploadValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	var sess types.Session
	require.Equal(t, http.StatusCreated, postJSON(t, srv.URL+"/api/sessions", map[string]string{"title": "t"}, &sess))

	resp, err := http.Post(srv.URL+"/api/sessions/"+sess.SessionID+"/chunks", "audio/wav", bytes.NewReader([]byte("RIFF")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "participant_id is required")

	resp, err = http.Post(srv.URL+"/api/sessions/"+sess.SessionID+"/chunks?participant_id=p1", "audio/wav", bytes.NewReader(nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "empty body is rejected")
}

func TestChunkUploadRejectsOversizedBody(t *testing.T) {
	srv, _ := newTestServer(t)

	var sess types.Session
	require.Equal(t, http.StatusCreated, postJSON(t, srv.URL+"/api/sessions", map[string]string{"title": "t"}, &sess))

	oversized := bytes.NewReader(make([]byte, maxChunkBytes+1))
	resp, err := http.Post(srv.URL+"/api/sessions/"+sess.SessionID+"/chunks?participant_id=p1", "audio/wav", oversized)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}
