// Package types defines the domain models shared across the chronology
// backend: sessions, incidents, affiliation units (HQs), participants,
// transcription segments and chronology entries.
package types

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a new random identifier string.
func NewID() string {
	return uuid.New().String()
}

// SessionStatus describes the lifecycle of a session.
type SessionStatus string

const (
	SessionWaiting SessionStatus = "waiting"
	SessionRunning SessionStatus = "running"
	SessionEnded   SessionStatus = "ended"
)

// SessionKind is one of the four fixed department sessions, plus extra
// ad-hoc rooms attached to an incident.
type SessionKind string

const (
	KindActivityCommand       SessionKind = "activity_command"
	KindTransportCoordination SessionKind = "transport_coordination"
	KindInfoAnalysis          SessionKind = "info_analysis"
	KindLogisticsSupport      SessionKind = "logistics_support"
	KindExtra                 SessionKind = "extra"
)

// Category is the seven-value taxonomy for chronology entries. Values are
// the native Japanese labels used by the classifier and stored verbatim.
type Category string

const (
	CategoryInstruction  Category = "指示"
	CategoryRequest      Category = "依頼"
	CategoryReport       Category = "報告"
	CategoryDecision     Category = "決定"
	CategoryConfirmation Category = "確認"
	CategoryRisk         Category = "リスク"
	CategoryOther        Category = "その他"
)

// Actionable reports whether entries of this category represent a task for
// the receiving side (directives only).
func (c Category) Actionable() bool {
	return c == CategoryInstruction || c == CategoryRequest
}

// ConnectionStatus is a participant's connection state.
type ConnectionStatus string

const (
	StatusJoined ConnectionStatus = "参加中"
	StatusLeft   ConnectionStatus = "退出"
)

// Session is one department meeting room producing chronology entries.
type Session struct {
	SessionID    string        `json:"session_id"`
	Title        string        `json:"title"`
	SessionKind  SessionKind   `json:"session_kind"`
	IncidentName string        `json:"incident_name,omitempty"`
	IncidentID   string        `json:"incident_id,omitempty"`
	StartAt      time.Time     `json:"start_at"`
	EndAt        *time.Time    `json:"end_at,omitempty"`
	Status       SessionStatus `json:"status"`
	MeetingID    string        `json:"meeting_id,omitempty"`
}

// IncidentStatus is an incident's lifecycle state.
type IncidentStatus string

const (
	IncidentActive IncidentStatus = "active"
	IncidentEnded  IncidentStatus = "ended"
)

// Incident groups the four department sessions (and any extra rooms) of a
// single disaster. Sessions under one incident share one HQ registry.
type Incident struct {
	IncidentID   string                 `json:"incident_id"`
	IncidentName string                 `json:"incident_name"`
	IncidentDate string                 `json:"incident_date"`
	Status       IncidentStatus         `json:"status"`
	Sessions     map[SessionKind]string `json:"sessions"`
	ExtraRooms   []ExtraRoom            `json:"extra_sessions,omitempty"`
}

// ExtraRoom is an additional ad-hoc meeting room under an incident.
type ExtraRoom struct {
	Label     string `json:"label"`
	SessionID string `json:"session_id"`
}

// HQMaster is one affiliation unit ("HQ") with its display-name matching
// pattern and per-department participation flags.
type HQMaster struct {
	HQID    string `json:"hq_id"`
	HQName  string `json:"hq_name"`
	Pattern string `json:"zoom_pattern"`
	Active  bool   `json:"active"`

	IncludeActivityCommand       bool `json:"include_activity_command"`
	IncludeTransportCoordination bool `json:"include_transport_coordination"`
	IncludeInfoAnalysis          bool `json:"include_info_analysis"`
	IncludeLogisticsSupport      bool `json:"include_logistics_support"`
}

// NewHQMaster returns an active unit participating in all four departments.
func NewHQMaster(name, pattern string) HQMaster {
	return HQMaster{
		HQID:                         NewID(),
		HQName:                       name,
		Pattern:                      pattern,
		Active:                       true,
		IncludeActivityCommand:       true,
		IncludeTransportCoordination: true,
		IncludeInfoAnalysis:          true,
		IncludeLogisticsSupport:      true,
	}
}

// IncludedIn reports whether the unit participates in the given session
// kind. Extra rooms include every unit.
func (h HQMaster) IncludedIn(kind SessionKind) bool {
	switch kind {
	case KindActivityCommand:
		return h.IncludeActivityCommand
	case KindTransportCoordination:
		return h.IncludeTransportCoordination
	case KindInfoAnalysis:
		return h.IncludeInfoAnalysis
	case KindLogisticsSupport:
		return h.IncludeLogisticsSupport
	default:
		return true
	}
}

// Participant is a meeting attendee. HQID is empty until resolved from the
// display name at join or from a spoken declaration; IsDeclared marks the
// latter.
type Participant struct {
	ParticipantID    string           `json:"participant_id"`
	HQID             string           `json:"hq_id,omitempty"`
	DisplayName      string           `json:"display_name"`
	JoinAt           time.Time        `json:"join_at"`
	LeaveAt          *time.Time       `json:"leave_at,omitempty"`
	IsDeclared       bool             `json:"is_declared"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
}

// Segment is one raw transcription result. Append-only; superseded
// segments are never edited.
type Segment struct {
	SegmentID     string    `json:"segment_id"`
	ParticipantID string    `json:"participant_id"`
	Timestamp     time.Time `json:"timestamp"`
	TextRaw       string    `json:"text_raw"`
	Confidence    float64   `json:"confidence"`
	AudioFile     string    `json:"audio_file,omitempty"`
}

// ChronologyEntry is the pipeline's final output: one categorized,
// timestamped record of what was said. Timestamp is always the chunk's
// effective timestamp so ordering reflects speech order, not processing
// order.
type ChronologyEntry struct {
	EntryID       string    `json:"entry_id"`
	SegmentID     string    `json:"segment_id"`
	ParticipantID string    `json:"participant_id,omitempty"`
	HQID          string    `json:"hq_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Category      Category  `json:"category"`
	Summary       string    `json:"summary"`
	TextRaw       string    `json:"text_raw"`
	AINote        string    `json:"ai_note,omitempty"`
	IsHQConfirmed bool      `json:"is_hq_confirmed"`
	HasTask       bool      `json:"has_task"`
}

// ChatRole is the author of a chat message.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn in a consultation thread.
type ChatMessage struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatThread is a consultation between one unit and the AI assistant
// about the session's chronology. Only the creating unit may write to
// it; everyone in the session may read it.
type ChatThread struct {
	ThreadID      string        `json:"thread_id"`
	SessionID     string        `json:"session_id"`
	CreatorHQID   string        `json:"creator_hq_id"`
	CreatorHQName string        `json:"creator_hq_name"`
	Title         string        `json:"title"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Messages      []ChatMessage `json:"messages"`
}

// ChatThreadSummary is the listing view of a thread, with the caller's
// write permission resolved.
type ChatThreadSummary struct {
	ThreadID      string    `json:"thread_id"`
	SessionID     string    `json:"session_id"`
	CreatorHQID   string    `json:"creator_hq_id"`
	CreatorHQName string    `json:"creator_hq_name"`
	Title         string    `json:"title"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	MessageCount  int       `json:"message_count"`
	CanWrite      bool      `json:"can_write"`
}

// EventType identifies a websocket notification.
type EventType string

const (
	EventNewEntry          EventType = "new_entry"
	EventParticipantUpdate EventType = "participant_update"
	EventSessionUpdate     EventType = "session_update"
)

// Event is the websocket message envelope sent to live viewers.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}
