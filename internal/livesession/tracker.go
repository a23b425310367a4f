package livesession

import (
	"time"

	"github.com/aura-learn/liveclass/internal/apperrors"
	"github.com/aura-learn/liveclass/internal/models"
)

// Watch-time accounting for a single participant. Callers hold the session lock;
// nothing here touches storage.

// elapsedSince returns whole milliseconds between from and now, floored at zero.
func elapsedSince(from *time.Time, now time.Time) int64 {
	if from == nil {
		return 0
	}
	ms := now.Sub(*from).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// AttendancePercentage is round(acc/expected*100) clamped to [0, 100].
func AttendancePercentage(accumulatedMs, expectedMs int64) int {
	if expectedMs <= 0 || accumulatedMs <= 0 {
		return 0
	}
	// round half up in integer space
	pct := (accumulatedMs*200 + expectedMs) / (2 * expectedMs)
	if pct > 100 {
		return 100
	}
	return int(pct)
}

func credit(p *models.Participant, deltaMs int64) {
	if deltaMs < 0 {
		deltaMs = 0
	}
	p.AccumulatedWatchTimeMs += deltaMs
	if i := p.OpenEvent(); i >= 0 {
		p.JoinEvents[i].WatchTimeMs += deltaMs
	}
}

// closeOpenInterval credits the time since the last checkpoint and closes every
// open interval at now. Reports whether anything was open.
func closeOpenInterval(p *models.Participant, now time.Time) bool {
	open := p.OpenEvent()
	if open < 0 && p.LastJoinedAt == nil {
		return false
	}
	credit(p, elapsedSince(p.LastJoinedAt, now))
	for i := range p.JoinEvents {
		if p.JoinEvents[i].Open() {
			left := now
			p.JoinEvents[i].LeftAt = &left
		}
	}
	p.LastJoinedAt = nil
	return true
}

func joinParticipant(p *models.Participant, now time.Time) {
	closeOpenInterval(p, now)
	joined := now
	p.JoinEvents = append(p.JoinEvents, models.JoinEvent{JoinedAt: now})
	p.LastJoinedAt = &joined
	p.Status = models.ParticipantJoined
}

// pingParticipant checkpoints the open interval. A nil elapsedMs means the
// server infers the delta from lastJoinedAt.
func pingParticipant(p *models.Participant, now time.Time, elapsedMs *int64) error {
	if p.Status != models.ParticipantJoined {
		return apperrors.Conflict("participant is not joined")
	}
	if p.OpenEvent() < 0 {
		start := now
		if p.LastJoinedAt != nil {
			start = *p.LastJoinedAt
		}
		p.JoinEvents = append(p.JoinEvents, models.JoinEvent{JoinedAt: start})
	}
	var delta int64
	if elapsedMs != nil {
		delta = *elapsedMs
	} else {
		delta = elapsedSince(p.LastJoinedAt, now)
	}
	credit(p, delta)
	checkpoint := now
	p.LastJoinedAt = &checkpoint
	return nil
}

func leaveParticipant(p *models.Participant, now time.Time) error {
	if p.Status != models.ParticipantJoined {
		return apperrors.Conflict("participant is not joined")
	}
	closeOpenInterval(p, now)
	p.Status = models.ParticipantLeft
	return nil
}

func recompute(p *models.Participant, expectedMs int64) {
	p.AttendancePercentage = AttendancePercentage(p.AccumulatedWatchTimeMs, expectedMs)
}

// finalizeParticipants closes every open interval at now and freezes attendance.
func finalizeParticipants(s *models.LiveSession, now time.Time) []models.Participant {
	var closed []models.Participant
	for i := range s.Participants {
		p := &s.Participants[i]
		if p.Status == models.ParticipantJoined || p.OpenEvent() >= 0 {
			closeOpenInterval(p, now)
			p.Status = models.ParticipantLeft
			closed = append(closed, *p)
		}
		recompute(p, s.ExpectedWatchTimeMs)
	}
	return closed
}

// Stats is the accounting summary returned by ping and leave.
type Stats struct {
	AccumulatedWatchTimeMs int64 `json:"accumulatedWatchTimeMs"`
	AttendancePercentage   int   `json:"attendancePercentage"`
}

func statsOf(p *models.Participant) Stats {
	return Stats{AccumulatedWatchTimeMs: p.AccumulatedWatchTimeMs, AttendancePercentage: p.AttendancePercentage}
}
