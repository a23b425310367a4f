package livesession

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-learn/liveclass/internal/apperrors"
	"github.com/aura-learn/liveclass/internal/models"
	"github.com/aura-learn/liveclass/pkg/utils"
)

const defaultDurationMinutes = 60

// Revocation reasons sent to signaling clients.
const (
	ReasonSessionEnded     = "session-ended"
	ReasonSessionCancelled = "session-cancelled"
	ReasonKeyRotated       = "key-rotated"
	ReasonKicked           = "kicked"
	ReasonDenied           = "denied"
)

// CreateInput describes a new session.
type CreateInput struct {
	CourseID           uuid.UUID
	Title              string
	Description        string
	Provider           string
	ScheduledStart     time.Time
	DurationMinutes    *int // nil selects the default
	Passcode           string
	WaitingRoomEnabled bool
	Locked             bool
	MeetingURL         string
	StartNow           bool
}

// CreateResult carries the one-time host secret next to the new session.
type CreateResult struct {
	Session    models.Snapshot `json:"session"`
	HostSecret string          `json:"hostSecret"`
}

// Create schedules a session, or starts it right away when StartNow is set.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (*CreateResult, error) {
	in.Title = strings.TrimSpace(in.Title)
	switch {
	case in.Title == "":
		return nil, apperrors.BadRequest("title is required")
	case in.CourseID == uuid.Nil:
		return nil, apperrors.BadRequest("courseId is required")
	case in.ScheduledStart.IsZero() && !in.StartNow:
		return nil, apperrors.BadRequest("scheduled start time is required")
	case in.DurationMinutes != nil && *in.DurationMinutes <= 0:
		return nil, apperrors.BadRequest("duration must be positive")
	case !s.meetings.Has(in.Provider):
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown meeting provider %q", in.Provider))
	}
	duration := defaultDurationMinutes
	if in.DurationMinutes != nil {
		duration = *in.DurationMinutes
	}
	if in.Provider == "" {
		in.Provider = models.ProviderWebRTC
	}

	course, err := s.courses.GetByID(ctx, in.CourseID)
	if err != nil {
		return nil, fmt.Errorf("load course: %w", err)
	}
	if course == nil {
		return nil, apperrors.NotFound("course")
	}
	teacherID := actor.UserID
	switch {
	case actor.Role.Elevated():
		teacherID = course.TeacherID
	case actor.Role == models.RoleTeacher && course.TeacherID == actor.UserID:
	default:
		return nil, apperrors.Forbidden("only the course instructor can schedule sessions")
	}

	now := s.now()
	if in.ScheduledStart.IsZero() {
		in.ScheduledStart = now
	}
	hostSecret, hostHash, err := newHostSecret()
	if err != nil {
		return nil, err
	}
	signalingSecret, err := newSignalingSecret()
	if err != nil {
		return nil, err
	}
	ls := &models.LiveSession{
		ID:                 uuid.New(),
		CourseID:           course.ID,
		TeacherID:          teacherID,
		Title:              in.Title,
		Description:        in.Description,
		Provider:           in.Provider,
		Status:             models.SessionScheduled,
		ScheduledStart:     in.ScheduledStart.UTC(),
		DurationMinutes:    duration,
		JoinURL:            in.MeetingURL,
		StartURL:           in.MeetingURL,
		Locked:             in.Locked,
		WaitingRoomEnabled: in.WaitingRoomEnabled,
		HostSecretHash:     hostHash,
		SignalingSecret:    signalingSecret,
		Participants:       []models.Participant{},
	}
	if in.Passcode != "" {
		if ls.PasscodeHash, err = utils.HashSecret(in.Passcode); err != nil {
			return nil, fmt.Errorf("hash passcode: %w", err)
		}
	}
	if err := s.store.Create(ctx, ls); err != nil {
		return nil, fmt.Errorf("create live session: %w", err)
	}
	s.logger.Info("live session scheduled",
		zap.String("session_id", ls.ID.String()),
		zap.String("course_id", ls.CourseID.String()),
		zap.String("provider", ls.Provider),
	)

	res := &CreateResult{Session: ls.Snapshot(), HostSecret: hostSecret}
	if in.StartNow {
		snap, err := s.Start(ctx, actor, ls.ID, in.MeetingURL)
		if err != nil {
			return nil, err
		}
		res.Session = snap
	}
	return res, nil
}

// Start moves a SCHEDULED session to LIVE, materializes enrolled users as
// INVITED participants and notifies them.
func (s *Service) Start(ctx context.Context, actor Actor, id uuid.UUID, manualURL string) (models.Snapshot, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return models.Snapshot{}, err
	}
	if !actor.canManage(current) {
		return models.Snapshot{}, apperrors.Forbidden("only the session owner can start it")
	}
	if err := checkStartable(current); err != nil {
		return models.Snapshot{}, err
	}
	enrolled, err := s.enrollments.ActiveUserIDs(ctx, current.CourseID)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("list enrollments: %w", err)
	}
	joinURL, startURL := current.JoinURL, current.StartURL
	if joinURL == "" {
		links, err := s.meetings.Resolve(ctx, current)
		switch {
		case err == nil:
			joinURL, startURL = links.JoinURL, links.StartURL
		case manualURL != "":
			s.logger.Warn("meeting resolution failed, using manual link",
				zap.String("session_id", id.String()),
				zap.Error(err),
			)
			joinURL, startURL = manualURL, manualURL
		default:
			return models.Snapshot{}, apperrors.UpstreamFailure("meeting provider", err)
		}
	}

	var invited []uuid.UUID
	ls, err := s.mutate(ctx, id, func(ls *models.LiveSession, now time.Time) error {
		if err := checkStartable(ls); err != nil {
			return err
		}
		started := now
		ls.Status = models.SessionLive
		ls.ActualStart = &started
		ls.ExpectedWatchTimeMs = int64(ls.DurationMinutes) * 60000
		if ls.JoinURL == "" {
			ls.JoinURL, ls.StartURL = joinURL, startURL
		}
		for _, uid := range enrolled {
			if ls.Participant(uid) == nil {
				ls.Participants = append(ls.Participants, models.Participant{
					ID:         uid,
					Status:     models.ParticipantInvited,
					JoinEvents: []models.JoinEvent{},
					Media:      models.MediaState{Audio: true, Video: true},
				})
			}
		}
		invited = invited[:0]
		for i := range ls.Participants {
			recompute(&ls.Participants[i], ls.ExpectedWatchTimeMs)
			if ls.Participants[i].Status == models.ParticipantInvited {
				invited = append(invited, ls.Participants[i].ID)
			}
		}
		return nil
	})
	if err != nil {
		return models.Snapshot{}, err
	}

	snap := ls.Snapshot()
	s.logger.Info("live session started",
		zap.String("session_id", id.String()),
		zap.Int("invited", len(invited)),
	)
	s.broadcaster.BroadcastSession(id, snap)
	if s.notifier != nil && len(invited) > 0 {
		if err := s.notifier.SessionLive(context.WithoutCancel(ctx), snap, invited); err != nil {
			s.logger.Error("notify session live", zap.String("session_id", id.String()), zap.Error(err))
		}
	}
	return snap, nil
}

func checkStartable(ls *models.LiveSession) error {
	switch ls.Status {
	case models.SessionScheduled:
		return nil
	case models.SessionLive:
		return apperrors.Conflict("session is already live")
	default:
		return apperrors.Conflict(fmt.Sprintf("session is %s", ls.Status))
	}
}

// End moves a LIVE session to ENDED and finalizes every open interval.
func (s *Service) End(ctx context.Context, actor Actor, id uuid.UUID) (models.Snapshot, error) {
	var closed int
	ls, err := s.mutate(ctx, id, func(ls *models.LiveSession, now time.Time) error {
		if !actor.canManage(ls) {
			return apperrors.Forbidden("only the session owner can end it")
		}
		if ls.Status != models.SessionLive {
			return apperrors.Conflict(fmt.Sprintf("cannot end a session that is %s", ls.Status))
		}
		ended := now
		ls.ActualEnd = &ended
		ls.Status = models.SessionEnded
		closed = len(finalizeParticipants(ls, now))
		return nil
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	s.logger.Info("live session ended",
		zap.String("session_id", id.String()),
		zap.Int("closed_intervals", closed),
	)
	s.timers.CancelSession(id)
	s.broadcast(ls)
	s.broadcaster.Revoke(id, ReasonSessionEnded)
	return ls.Snapshot(), nil
}

// Cancel retires a SCHEDULED or LIVE session. Admin only.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID) (models.Snapshot, error) {
	if !actor.Role.Elevated() {
		return models.Snapshot{}, apperrors.Forbidden("only administrators can cancel sessions")
	}
	ls, err := s.mutate(ctx, id, func(ls *models.LiveSession, now time.Time) error {
		if ls.Status.Terminal() {
			return apperrors.Conflict(fmt.Sprintf("session is already %s", ls.Status))
		}
		if ls.Status == models.SessionLive {
			finalizeParticipants(ls, now)
		}
		ls.Status = models.SessionCancelled
		return nil
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	s.logger.Info("live session cancelled", zap.String("session_id", id.String()))
	s.timers.CancelSession(id)
	s.broadcast(ls)
	s.broadcaster.Revoke(id, ReasonSessionCancelled)
	return ls.Snapshot(), nil
}

// UpdateInput is a partial update. Nil fields are left alone.
type UpdateInput struct {
	Title              *string
	Description        *string
	ScheduledStart     *time.Time
	DurationMinutes    *int
	Status             *models.SessionStatus
	WaitingRoomEnabled *bool
	Locked             *bool
	Passcode           *string
	RotateMeetingToken bool
	MeetingURL         string
}

func (in UpdateInput) hasFieldChanges() bool {
	return in.Title != nil || in.Description != nil || in.ScheduledStart != nil || in.DurationMinutes != nil ||
		in.WaitingRoomEnabled != nil || in.Locked != nil || in.Passcode != nil || in.RotateMeetingToken
}

// Update applies detail and security changes, then any requested status transition.
func (s *Service) Update(ctx context.Context, actor Actor, id uuid.UUID, in UpdateInput) (models.Snapshot, error) {
	if in.Title != nil && strings.TrimSpace(*in.Title) == "" {
		return models.Snapshot{}, apperrors.BadRequest("title cannot be empty")
	}
	if in.DurationMinutes != nil && *in.DurationMinutes <= 0 {
		return models.Snapshot{}, apperrors.BadRequest("duration must be positive")
	}
	var passcodeHash string
	if in.Passcode != nil && *in.Passcode != "" {
		var err error
		if passcodeHash, err = utils.HashSecret(*in.Passcode); err != nil {
			return models.Snapshot{}, fmt.Errorf("hash passcode: %w", err)
		}
	}
	var newSecret string
	if in.RotateMeetingToken {
		var err error
		if newSecret, err = newSignalingSecret(); err != nil {
			return models.Snapshot{}, err
		}
	}

	var snap models.Snapshot
	if in.hasFieldChanges() {
		ls, err := s.mutate(ctx, id, func(ls *models.LiveSession, now time.Time) error {
			if !actor.canManage(ls) {
				return apperrors.Forbidden("only the session owner can change it")
			}
			if ls.Status.Terminal() {
				return apperrors.Conflict(fmt.Sprintf("session is %s", ls.Status))
			}
			return applyUpdate(ls, in, passcodeHash, newSecret)
		})
		if err != nil {
			return models.Snapshot{}, err
		}
		s.broadcast(ls)
		if in.RotateMeetingToken {
			s.logger.Info("signaling key rotated", zap.String("session_id", id.String()))
			s.broadcaster.Revoke(id, ReasonKeyRotated)
		}
		snap = ls.Snapshot()
	}

	if in.Status == nil {
		if !in.hasFieldChanges() {
			return s.Get(ctx, actor, id)
		}
		return snap, nil
	}
	switch *in.Status {
	case models.SessionLive:
		return s.Start(ctx, actor, id, in.MeetingURL)
	case models.SessionEnded:
		return s.End(ctx, actor, id)
	case models.SessionCancelled:
		return s.Cancel(ctx, actor, id)
	default:
		return models.Snapshot{}, apperrors.Conflict(fmt.Sprintf("cannot move a session to %s", *in.Status))
	}
}

func applyUpdate(ls *models.LiveSession, in UpdateInput, passcodeHash, newSecret string) error {
	if in.ScheduledStart != nil {
		if ls.Status != models.SessionScheduled {
			return apperrors.Conflict("scheduled start can only change before the session starts")
		}
		ls.ScheduledStart = in.ScheduledStart.UTC()
	}
	if in.Title != nil {
		ls.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		ls.Description = *in.Description
	}
	if in.DurationMinutes != nil {
		ls.DurationMinutes = *in.DurationMinutes
		if ls.Status == models.SessionLive {
			ls.ExpectedWatchTimeMs = int64(ls.DurationMinutes) * 60000
			for i := range ls.Participants {
				recompute(&ls.Participants[i], ls.ExpectedWatchTimeMs)
			}
		}
	}
	if in.WaitingRoomEnabled != nil {
		ls.WaitingRoomEnabled = *in.WaitingRoomEnabled
	}
	if in.Locked != nil {
		ls.Locked = *in.Locked
	}
	if in.Passcode != nil {
		ls.PasscodeHash = passcodeHash
	}
	if newSecret != "" {
		ls.SignalingSecret = newSecret
	}
	return nil
}
