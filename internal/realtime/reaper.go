package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-learn/liveclass/internal/apperrors"
)

const leaveTimeout = 10 * time.Second

// Leaver marks a participant LEFT after their signaling connection is gone.
// Intervals opened after disconnectedAt must be left alone.
type Leaver interface {
	LeaveOnDisconnect(ctx context.Context, sessionID, participantID uuid.UUID, disconnectedAt time.Time) error
}

type reapKey struct {
	session     uuid.UUID
	participant uuid.UUID
}

// Reaper gives a dropped participant a grace period to reconnect before the
// disconnect is recorded as a leave.
type Reaper struct {
	grace  time.Duration
	leaver Leaver
	logger *zap.Logger

	mu      sync.Mutex
	timers  map[reapKey]*pendingLeave
	stopped bool
}

type pendingLeave struct {
	timer *time.Timer
	since time.Time
}

// NewReaper creates a reaper. A zero grace disables it.
func NewReaper(grace time.Duration, leaver Leaver, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		grace:  grace,
		leaver: leaver,
		logger: logger,
		timers: make(map[reapKey]*pendingLeave),
	}
}

// Arm starts (or restarts) the grace timer for a participant.
func (r *Reaper) Arm(sessionID, participantID uuid.UUID) {
	if r.grace <= 0 || r.leaver == nil {
		return
	}
	key := reapKey{sessionID, participantID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if prev, ok := r.timers[key]; ok {
		prev.timer.Stop()
	}
	pending := &pendingLeave{since: time.Now().UTC()}
	pending.timer = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		if r.timers[key] != pending {
			r.mu.Unlock()
			return
		}
		delete(r.timers, key)
		r.mu.Unlock()
		r.fire(key, pending.since)
	})
	r.timers[key] = pending
}

// Cancel drops a pending timer: the participant reconnected, joined again
// or left explicitly.
func (r *Reaper) Cancel(sessionID, participantID uuid.UUID) {
	key := reapKey{sessionID, participantID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.timers[key]; ok {
		p.timer.Stop()
		delete(r.timers, key)
	}
}

// CancelSession drops every pending timer of a session that ended.
func (r *Reaper) CancelSession(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.timers {
		if key.session == sessionID {
			p.timer.Stop()
			delete(r.timers, key)
		}
	}
}

// Pending reports how many timers are armed.
func (r *Reaper) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Stop cancels every pending timer.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for key, p := range r.timers {
		p.timer.Stop()
		delete(r.timers, key)
	}
}

func (r *Reaper) fire(key reapKey, since time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	err := r.leaver.LeaveOnDisconnect(ctx, key.session, key.participant, since)
	switch {
	case err == nil:
	case apperrors.HasCode(err, apperrors.ErrCodeConflict), apperrors.HasCode(err, apperrors.ErrCodeNotFound):
		// session ended or participant already gone
	default:
		r.logger.Warn("leave after disconnect failed",
			zap.String("session_id", key.session.String()),
			zap.String("participant_id", key.participant.String()),
			zap.Error(err),
		)
	}
}
