package storage

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"chronoai/internal/logger"
	"chronoai/internal/types"
)

// Service is the repository over the blob store. Key layout:
//
//	{session}/meta.json
//	{session}/participants.json
//	{session}/hq_master.json            (legacy session-scoped registry)
//	{session}/segments/{ts}_{id}.json
//	{session}/audio/{ts}_{id}.wav
//	{session}/chronology/{ts}_{id}.json
//	incidents/{incident}/meta.json
//	incidents/{incident}/hq_master.json
//
// Participant lists and HQ registries are read-modify-write; a per-scope
// mutex serializes those so concurrent chunks cannot race a registration.
type Service struct {
	blob     Blob
	seedPath string
	log      *logrus.Entry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewService(blob Blob, seedPath string) *Service {
	return &Service{
		blob:     blob,
		seedPath: seedPath,
		log:      logger.New().WithField("module", "storage"),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Service) scopeLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if mu, ok := s.locks[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	s.locks[key] = mu
	return mu
}

func timestampKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15-04-05")
}

// ========== Sessions ==========

func (s *Service) CreateSession(ctx context.Context, sess types.Session) (types.Session, error) {
	if sess.SessionID == "" {
		sess.SessionID = types.NewID()
	}
	if sess.StartAt.IsZero() {
		sess.StartAt = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = types.SessionWaiting
	}
	s.log.WithField("session_id", sess.SessionID).Info("creating session")
	if err := s.blob.WriteJSON(ctx, sess.SessionID+"/meta.json", sess); err != nil {
		return types.Session{}, err
	}
	if err := s.blob.WriteJSON(ctx, sess.SessionID+"/participants.json", []types.Participant{}); err != nil {
		return types.Session{}, err
	}
	// Session-scoped registries only exist for sessions outside an incident.
	if sess.IncidentID == "" {
		if err := s.initHQMaster(ctx, SessionScope(sess.SessionID), sess.SessionKind); err != nil {
			s.log.WithError(err).Error("failed to initialize session HQ registry")
		}
	}
	return sess, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var sess types.Session
	found, err := s.blob.ReadJSON(ctx, sessionID+"/meta.json", &sess)
	if err != nil || !found {
		return nil, err
	}
	return &sess, nil
}

// UpdateSession applies mutate to the stored session and persists it.
// Returns nil when the session does not exist.
func (s *Service) UpdateSession(ctx context.Context, sessionID string, mutate func(*types.Session)) (*types.Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return nil, err
	}
	mutate(sess)
	if err := s.blob.WriteJSON(ctx, sessionID+"/meta.json", sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context) ([]types.Session, error) {
	keys, err := s.blob.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var sessions []types.Session
	for _, key := range keys {
		if !strings.HasSuffix(key, "/meta.json") || strings.HasPrefix(key, "incidents/") {
			continue
		}
		var sess types.Session
		if found, err := s.blob.ReadJSON(ctx, key, &sess); err == nil && found && sess.SessionID != "" {
			sessions = append(sessions, sess)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartAt.After(sessions[j].StartAt) })
	return sessions, nil
}

func (s *Service) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	count, err := s.blob.DeletePrefix(ctx, sessionID+"/")
	if err != nil {
		return false, err
	}
	s.log.WithFields(logrus.Fields{"session_id": sessionID, "blobs": count}).Info("deleted session")
	return count > 0, nil
}

// ========== Incidents ==========

func (s *Service) CreateIncident(ctx context.Context, inc types.Incident) (types.Incident, error) {
	if inc.IncidentID == "" {
		inc.IncidentID = types.NewID()
	}
	if inc.Status == "" {
		inc.Status = types.IncidentActive
	}
	if inc.Sessions == nil {
		inc.Sessions = make(map[types.SessionKind]string)
	}
	if err := s.blob.WriteJSON(ctx, "incidents/"+inc.IncidentID+"/meta.json", inc); err != nil {
		return types.Incident{}, err
	}
	if err := s.initHQMaster(ctx, IncidentScope(inc.IncidentID), ""); err != nil {
		s.log.WithError(err).Error("failed to initialize incident HQ registry")
	}
	return inc, nil
}

func (s *Service) GetIncident(ctx context.Context, incidentID string) (*types.Incident, error) {
	var inc types.Incident
	found, err := s.blob.ReadJSON(ctx, "incidents/"+incidentID+"/meta.json", &inc)
	if err != nil || !found {
		return nil, err
	}
	return &inc, nil
}

func (s *Service) UpdateIncident(ctx context.Context, incidentID string, mutate func(*types.Incident)) (*types.Incident, error) {
	inc, err := s.GetIncident(ctx, incidentID)
	if err != nil || inc == nil {
		return nil, err
	}
	mutate(inc)
	if err := s.blob.WriteJSON(ctx, "incidents/"+incidentID+"/meta.json", inc); err != nil {
		return nil, err
	}
	return inc, nil
}

func (s *Service) ListIncidents(ctx context.Context) ([]types.Incident, error) {
	keys, err := s.blob.List(ctx, "incidents/")
	if err != nil {
		return nil, err
	}
	var incidents []types.Incident
	for _, key := range keys {
		if !strings.HasSuffix(key, "/meta.json") {
			continue
		}
		var inc types.Incident
		if found, err := s.blob.ReadJSON(ctx, key, &inc); err == nil && found && inc.IncidentID != "" {
			incidents = append(incidents, inc)
		}
	}
	return incidents, nil
}

// DeleteIncident removes the incident and every session it owns.
func (s *Service) DeleteIncident(ctx context.Context, incidentID string) (bool, error) {
	inc, err := s.GetIncident(ctx, incidentID)
	if err != nil {
		return false, err
	}
	if inc == nil {
		return false, nil
	}
	for _, sessionID := range inc.Sessions {
		if _, err := s.DeleteSession(ctx, sessionID); err != nil {
			s.log.WithError(err).WithField("session_id", sessionID).Warn("failed to delete incident session")
		}
	}
	for _, room := range inc.ExtraRooms {
		if _, err := s.DeleteSession(ctx, room.SessionID); err != nil {
			s.log.WithError(err).WithField("session_id", room.SessionID).Warn("failed to delete extra room")
		}
	}
	if _, err := s.blob.DeletePrefix(ctx, "incidents/"+incidentID+"/"); err != nil {
		return false, err
	}
	return true, nil
}

// ========== Participants ==========

func (s *Service) GetParticipants(ctx context.Context, sessionID string) ([]types.Participant, error) {
	var list []types.Participant
	if _, err := s.blob.ReadJSON(ctx, sessionID+"/participants.json", &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Service) GetParticipant(ctx context.Context, sessionID, participantID string) (*types.Participant, error) {
	list, err := s.GetParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ParticipantID == participantID {
			return &list[i], nil
		}
	}
	return nil, nil
}

func (s *Service) AddParticipant(ctx context.Context, sessionID string, p types.Participant) (types.Participant, error) {
	if p.ParticipantID == "" {
		p.ParticipantID = types.NewID()
	}
	if p.JoinAt.IsZero() {
		p.JoinAt = time.Now().UTC()
	}
	if p.ConnectionStatus == "" {
		p.ConnectionStatus = types.StatusJoined
	}

	mu := s.scopeLock("participants:" + sessionID)
	mu.Lock()
	defer mu.Unlock()

	list, err := s.GetParticipants(ctx, sessionID)
	if err != nil {
		return types.Participant{}, err
	}
	list = append(list, p)
	if err := s.blob.WriteJSON(ctx, sessionID+"/participants.json", list); err != nil {
		return types.Participant{}, err
	}
	return p, nil
}

// UpdateParticipant applies mutate to the stored participant under the
// session's participant lock. Returns nil when not found.
func (s *Service) UpdateParticipant(ctx context.Context, sessionID, participantID string, mutate func(*types.Participant)) (*types.Participant, error) {
	mu := s.scopeLock("participants:" + sessionID)
	mu.Lock()
	defer mu.Unlock()

	list, err := s.GetParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ParticipantID == participantID {
			mutate(&list[i])
			if err := s.blob.WriteJSON(ctx, sessionID+"/participants.json", list); err != nil {
				return nil, err
			}
			updated := list[i]
			return &updated, nil
		}
	}
	return nil, nil
}

// ========== Segments and audio ==========

func (s *Service) SaveSegment(ctx context.Context, sessionID string, seg types.Segment) error {
	key := fmt.Sprintf("%s/segments/%s_%s.json", sessionID, timestampKey(seg.Timestamp), seg.SegmentID)
	return s.blob.WriteJSON(ctx, key, seg)
}

func (s *Service) GetSegments(ctx context.Context, sessionID string) ([]types.Segment, error) {
	keys, err := s.blob.List(ctx, sessionID+"/segments/")
	if err != nil {
		return nil, err
	}
	segments := make([]types.Segment, 0, len(keys))
	for _, key := range keys {
		var seg types.Segment
		if found, err := s.blob.ReadJSON(ctx, key, &seg); err == nil && found {
			segments = append(segments, seg)
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Timestamp.Before(segments[j].Timestamp) })
	return segments, nil
}

// SaveAudio stores the normalized chunk audio and returns its blob key.
func (s *Service) SaveAudio(ctx context.Context, sessionID string, seg types.Segment, data []byte) (string, error) {
	key := fmt.Sprintf("%s/audio/%s_%s.wav", sessionID, timestampKey(seg.Timestamp), seg.SegmentID)
	if err := s.blob.WriteBinary(ctx, key, data); err != nil {
		return "", err
	}
	return key, nil
}

// ========== Chronology ==========

func (s *Service) SaveEntry(ctx context.Context, sessionID string, entry types.ChronologyEntry) error {
	key := fmt.Sprintf("%s/chronology/%s_%s.json", sessionID, timestampKey(entry.Timestamp), entry.EntryID)
	return s.blob.WriteJSON(ctx, key, entry)
}

func (s *Service) GetEntries(ctx context.Context, sessionID string) ([]types.ChronologyEntry, error) {
	keys, err := s.blob.List(ctx, sessionID+"/chronology/")
	if err != nil {
		return nil, err
	}
	entries := make([]types.ChronologyEntry, 0, len(keys))
	for _, key := range keys {
		var entry types.ChronologyEntry
		if found, err := s.blob.ReadJSON(ctx, key, &entry); err == nil && found {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return entries, nil
}

// UpdateEntry applies mutate to the stored entry. Returns nil when not
// found. The blob key embeds the timestamp, which mutate must not change.
func (s *Service) UpdateEntry(ctx context.Context, sessionID, entryID string, mutate func(*types.ChronologyEntry)) (*types.ChronologyEntry, error) {
	entries, err := s.GetEntries(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].EntryID == entryID {
			mutate(&entries[i])
			if err := s.SaveEntry(ctx, sessionID, entries[i]); err != nil {
				return nil, err
			}
			updated := entries[i]
			return &updated, nil
		}
	}
	return nil, nil
}

func (s *Service) DeleteEntry(ctx context.Context, sessionID, entryID string) (bool, error) {
	keys, err := s.blob.List(ctx, sessionID+"/chronology/")
	if err != nil {
		return false, err
	}
	for _, key := range keys {
		var entry types.ChronologyEntry
		if found, err := s.blob.ReadJSON(ctx, key, &entry); err == nil && found && entry.EntryID == entryID {
			_, err := s.blob.DeletePrefix(ctx, key)
			return err == nil, err
		}
	}
	return false, nil
}

// ========== Chat threads ==========

func (s *Service) SaveChatThread(ctx context.Context, sessionID string, thread types.ChatThread) error {
	return s.blob.WriteJSON(ctx, sessionID+"/chat/"+thread.ThreadID+".json", thread)
}

func (s *Service) GetChatThread(ctx context.Context, sessionID, threadID string) (*types.ChatThread, error) {
	var thread types.ChatThread
	found, err := s.blob.ReadJSON(ctx, sessionID+"/chat/"+threadID+".json", &thread)
	if err != nil || !found {
		return nil, err
	}
	return &thread, nil
}

// GetChatThreads returns the session's threads, most recently updated
// first.
func (s *Service) GetChatThreads(ctx context.Context, sessionID string) ([]types.ChatThread, error) {
	keys, err := s.blob.List(ctx, sessionID+"/chat/")
	if err != nil {
		return nil, err
	}
	threads := make([]types.ChatThread, 0, len(keys))
	for _, key := range keys {
		var thread types.ChatThread
		if found, err := s.blob.ReadJSON(ctx, key, &thread); err == nil && found {
			threads = append(threads, thread)
		}
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].UpdatedAt.After(threads[j].UpdatedAt) })
	return threads, nil
}

// ========== HQ registry ==========

// HQScope names one affiliation registry: either an incident's shared
// registry or a legacy session-scoped one.
type HQScope struct {
	incidentID string
	sessionID  string
}

func IncidentScope(incidentID string) HQScope { return HQScope{incidentID: incidentID} }
func SessionScope(sessionID string) HQScope   { return HQScope{sessionID: sessionID} }

func (sc HQScope) key() string {
	if sc.incidentID != "" {
		return "incidents/" + sc.incidentID + "/hq_master.json"
	}
	return sc.sessionID + "/hq_master.json"
}

// ScopeForSession picks the registry a session resolves units from:
// sessions under an incident share the incident registry.
func ScopeForSession(sess *types.Session) HQScope {
	if sess.IncidentID != "" {
		return IncidentScope(sess.IncidentID)
	}
	return SessionScope(sess.SessionID)
}

// HQMaster returns the scope's unit list, seeding defaults on first read.
func (s *Service) HQMaster(ctx context.Context, scope HQScope) ([]types.HQMaster, error) {
	var list []types.HQMaster
	found, err := s.blob.ReadJSON(ctx, scope.key(), &list)
	if err != nil {
		return nil, err
	}
	if !found {
		if err := s.initHQMaster(ctx, scope, ""); err != nil {
			return nil, err
		}
		if _, err := s.blob.ReadJSON(ctx, scope.key(), &list); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (s *Service) SaveHQMaster(ctx context.Context, scope HQScope, list []types.HQMaster) error {
	return s.blob.WriteJSON(ctx, scope.key(), list)
}

func (s *Service) AddHQ(ctx context.Context, scope HQScope, hq types.HQMaster) (types.HQMaster, error) {
	if hq.HQID == "" {
		hq.HQID = types.NewID()
	}
	mu := s.scopeLock("hq:" + scope.key())
	mu.Lock()
	defer mu.Unlock()

	list, err := s.HQMaster(ctx, scope)
	if err != nil {
		return types.HQMaster{}, err
	}
	list = append(list, hq)
	if err := s.SaveHQMaster(ctx, scope, list); err != nil {
		return types.HQMaster{}, err
	}
	s.log.WithFields(logrus.Fields{"hq_id": hq.HQID, "hq_name": hq.HQName}).Info("added HQ")
	return hq, nil
}

func (s *Service) UpdateHQ(ctx context.Context, scope HQScope, hqID string, mutate func(*types.HQMaster)) (*types.HQMaster, error) {
	mu := s.scopeLock("hq:" + scope.key())
	mu.Lock()
	defer mu.Unlock()

	list, err := s.HQMaster(ctx, scope)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].HQID == hqID {
			mutate(&list[i])
			if err := s.SaveHQMaster(ctx, scope, list); err != nil {
				return nil, err
			}
			updated := list[i]
			return &updated, nil
		}
	}
	return nil, nil
}

func (s *Service) DeleteHQ(ctx context.Context, scope HQScope, hqID string) (bool, error) {
	mu := s.scopeLock("hq:" + scope.key())
	mu.Lock()
	defer mu.Unlock()

	list, err := s.HQMaster(ctx, scope)
	if err != nil {
		return false, err
	}
	for i := range list {
		if list[i].HQID == hqID {
			list = append(list[:i], list[i+1:]...)
			return true, s.SaveHQMaster(ctx, scope, list)
		}
	}
	return false, nil
}

// ResolveOrRegisterHQ finds an active unit with the exact declared name,
// or registers a new one (pattern = name, active) in the scope. The whole
// read-modify-write runs under the scope lock, so two concurrent chunks
// declaring the same unseen unit produce a single registration.
func (s *Service) ResolveOrRegisterHQ(ctx context.Context, scope HQScope, name string) (types.HQMaster, bool, error) {
	mu := s.scopeLock("hq:" + scope.key())
	mu.Lock()
	defer mu.Unlock()

	list, err := s.HQMaster(ctx, scope)
	if err != nil {
		return types.HQMaster{}, false, err
	}
	for _, hq := range list {
		if hq.Active && hq.HQName == name {
			return hq, false, nil
		}
	}
	hq := types.NewHQMaster(name, name)
	list = append(list, hq)
	if err := s.SaveHQMaster(ctx, scope, list); err != nil {
		return types.HQMaster{}, false, err
	}
	s.log.WithFields(logrus.Fields{"hq_id": hq.HQID, "hq_name": name}).Info("auto-registered declared HQ")
	return hq, true, nil
}

// ========== Default registry seed ==========

type hqSeed struct {
	HQs []struct {
		Name                         string `yaml:"name"`
		Pattern                      string `yaml:"pattern"`
		Active                       *bool  `yaml:"active"`
		IncludeActivityCommand       *bool  `yaml:"include_activity_command"`
		IncludeTransportCoordination *bool  `yaml:"include_transport_coordination"`
		IncludeInfoAnalysis          *bool  `yaml:"include_info_analysis"`
		IncludeLogisticsSupport      *bool  `yaml:"include_logistics_support"`
	} `yaml:"hqs"`
}

// initHQMaster writes the scope's initial registry from the YAML seed
// file. Session-scoped registries keep only units participating in the
// session's kind. A missing seed file yields an empty registry.
func (s *Service) initHQMaster(ctx context.Context, scope HQScope, kind types.SessionKind) error {
	defaults, err := s.loadSeed()
	if err != nil {
		s.log.WithError(err).Warn("failed to load HQ seed, starting empty")
		defaults = nil
	}
	if kind != "" {
		filtered := defaults[:0]
		for _, hq := range defaults {
			if hq.IncludedIn(kind) {
				filtered = append(filtered, hq)
			}
		}
		defaults = filtered
	}
	if defaults == nil {
		defaults = []types.HQMaster{}
	}
	return s.SaveHQMaster(ctx, scope, defaults)
}

func (s *Service) loadSeed() ([]types.HQMaster, error) {
	if s.seedPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.seedPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var seed hqSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("storage: parse HQ seed: %w", err)
	}
	units := make([]types.HQMaster, 0, len(seed.HQs))
	for _, entry := range seed.HQs {
		hq := types.NewHQMaster(entry.Name, entry.Pattern)
		if entry.Pattern == "" {
			hq.Pattern = entry.Name
		}
		if entry.Active != nil {
			hq.Active = *entry.Active
		}
		if entry.IncludeActivityCommand != nil {
			hq.IncludeActivityCommand = *entry.IncludeActivityCommand
		}
		if entry.IncludeTransportCoordination != nil {
			hq.IncludeTransportCoordination = *entry.IncludeTransportCoordination
		}
		if entry.IncludeInfoAnalysis != nil {
			hq.IncludeInfoAnalysis = *entry.IncludeInfoAnalysis
		}
		if entry.IncludeLogisticsSupport != nil {
			hq.IncludeLogisticsSupport = *entry.IncludeLogisticsSupport
		}
		units = append(units, hq)
	}
	return units, nil
}
