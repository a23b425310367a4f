package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a live session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionLive      SessionStatus = "live"
	SessionEnded     SessionStatus = "ended"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionCancelled
}

// ParticipantStatus is the per-participant sub-state.
type ParticipantStatus string

const (
	ParticipantInvited ParticipantStatus = "invited"
	ParticipantJoined  ParticipantStatus = "joined"
	ParticipantLeft    ParticipantStatus = "left"
)

// Admission tracks waiting-room and moderation decisions for a participant.
type Admission string

const (
	AdmissionNone     Admission = ""
	AdmissionWaiting  Admission = "waiting"
	AdmissionAdmitted Admission = "admitted"
	AdmissionDenied   Admission = "denied"
)

// Meeting providers.
const (
	ProviderWebRTC = "webrtc"
	ProviderZego   = "zego"
)

// JoinEvent is one attendance interval. LeftAt is nil while the interval is open.
type JoinEvent struct {
	JoinedAt    time.Time  `json:"joinedAt"`
	LeftAt      *time.Time `json:"leftAt"`
	WatchTimeMs int64      `json:"watchTimeMs"`
}

// Open reports whether the interval has not been closed yet.
func (e JoinEvent) Open() bool { return e.LeftAt == nil }

// MediaState holds host-enforced media permissions.
type MediaState struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Participant is one user's attendance record inside a session.
type Participant struct {
	ID                     uuid.UUID         `json:"id"`
	Status                 ParticipantStatus `json:"status"`
	AccumulatedWatchTimeMs int64             `json:"accumulatedWatchTimeMs"`
	AttendancePercentage   int               `json:"attendancePercentage"`
	LastJoinedAt           *time.Time        `json:"lastJoinedAt"`
	JoinEvents             []JoinEvent       `json:"joinEvents"`
	Admission              Admission         `json:"admission,omitempty"`
	Media                  MediaState        `json:"media"`
}

// OpenEvent returns the index of the open interval or -1.
func (p *Participant) OpenEvent() int {
	for i := len(p.JoinEvents) - 1; i >= 0; i-- {
		if p.JoinEvents[i].Open() {
			return i
		}
	}
	return -1
}

// Meeting is the connection metadata exposed to clients.
type Meeting struct {
	Provider           string `json:"provider"`
	JoinURL            string `json:"joinUrl,omitempty"`
	StartURL           string `json:"startUrl,omitempty"`
	Locked             bool   `json:"locked"`
	WaitingRoomEnabled bool   `json:"waitingRoomEnabled"`
	HasPasscode        bool   `json:"hasPasscode"`
}

// LiveSession is the persisted live class document. Participants are embedded
// and the whole document is written with a version check.
type LiveSession struct {
	ID                  uuid.UUID     `json:"id"`
	CourseID            uuid.UUID     `json:"courseId"`
	TeacherID           uuid.UUID     `json:"teacherId"`
	Title               string        `json:"title"`
	Description         string        `json:"description"`
	Provider            string        `json:"provider"`
	Status              SessionStatus `json:"status"`
	ScheduledStart      time.Time     `json:"scheduledStart"`
	DurationMinutes     int           `json:"durationMinutes"`
	ActualStart         *time.Time    `json:"actualStart"`
	ActualEnd           *time.Time    `json:"actualEnd"`
	ExpectedWatchTimeMs int64         `json:"expectedWatchTimeMs"`
	JoinURL             string        `json:"-"`
	StartURL            string        `json:"-"`
	Locked              bool          `json:"-"`
	WaitingRoomEnabled  bool          `json:"-"`
	PasscodeHash        string        `json:"-"`
	HostSecretHash      string        `json:"-"`
	SignalingSecret     string        `json:"-"`
	Participants        []Participant `json:"participants"`
	Version             int64         `json:"-"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// Participant returns the entry for userID, or nil.
func (s *LiveSession) Participant(userID uuid.UUID) *Participant {
	for i := range s.Participants {
		if s.Participants[i].ID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}

// Meeting returns the public meeting metadata.
func (s *LiveSession) Meeting() Meeting {
	return Meeting{
		Provider:           s.Provider,
		JoinURL:            s.JoinURL,
		Locked:             s.Locked,
		WaitingRoomEnabled: s.WaitingRoomEnabled,
		HasPasscode:        s.PasscodeHash != "",
	}
}

// Snapshot is the full session state broadcast to connected clients.
type Snapshot struct {
	ID                  uuid.UUID     `json:"id"`
	CourseID            uuid.UUID     `json:"courseId"`
	TeacherID           uuid.UUID     `json:"teacherId"`
	Title               string        `json:"title"`
	Description         string        `json:"description"`
	Status              SessionStatus `json:"status"`
	ScheduledStart      time.Time     `json:"scheduledStart"`
	DurationMinutes     int           `json:"durationMinutes"`
	ExpectedWatchTimeMs int64         `json:"expectedWatchTimeMs"`
	ActualStart         *time.Time    `json:"actualStart"`
	ActualEnd           *time.Time    `json:"actualEnd"`
	Participants        []Participant `json:"participants"`
	Meeting             Meeting       `json:"meeting"`
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (s *LiveSession) Snapshot() Snapshot {
	return Snapshot{
		ID:                  s.ID,
		CourseID:            s.CourseID,
		TeacherID:           s.TeacherID,
		Title:               s.Title,
		Description:         s.Description,
		Status:              s.Status,
		ScheduledStart:      s.ScheduledStart,
		DurationMinutes:     s.DurationMinutes,
		ExpectedWatchTimeMs: s.ExpectedWatchTimeMs,
		ActualStart:         copyTime(s.ActualStart),
		ActualEnd:           copyTime(s.ActualEnd),
		Participants:        cloneParticipants(s.Participants),
		Meeting:             s.Meeting(),
	}
}

// Clone returns a deep copy of the session document.
func (s *LiveSession) Clone() *LiveSession {
	cp := *s
	cp.ActualStart = copyTime(s.ActualStart)
	cp.ActualEnd = copyTime(s.ActualEnd)
	cp.Participants = cloneParticipants(s.Participants)
	return &cp
}

func cloneParticipants(in []Participant) []Participant {
	out := make([]Participant, len(in))
	for i, p := range in {
		p.LastJoinedAt = copyTime(p.LastJoinedAt)
		events := make([]JoinEvent, len(p.JoinEvents))
		for j, e := range p.JoinEvents {
			e.LeftAt = copyTime(e.LeftAt)
			events[j] = e
		}
		p.JoinEvents = events
		out[i] = p
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
