package livesession

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-learn/liveclass/internal/apperrors"
	"github.com/aura-learn/liveclass/internal/models"
)

// MessageMediaUpdate tells a participant their host-enforced media flags changed.
const MessageMediaUpdate = "media:update"

func (s *Service) moderate(ctx context.Context, actor Actor, id, participantID uuid.UUID, fn func(ls *models.LiveSession, p *models.Participant, now time.Time) error) (*models.LiveSession, error) {
	ls, err := s.mutate(ctx, id, func(ls *models.LiveSession, now time.Time) error {
		if !actor.canManage(ls) {
			return apperrors.Forbidden("only the session owner can moderate participants")
		}
		if ls.Status.Terminal() {
			return apperrors.Conflict("session is " + string(ls.Status))
		}
		p := ls.Participant(participantID)
		if p == nil {
			return apperrors.NotFound("participant")
		}
		return fn(ls, p, now)
	})
	if err != nil {
		return nil, err
	}
	s.broadcast(ls)
	return ls, nil
}

// SetMedia updates the audio/video permissions of one participant.
func (s *Service) SetMedia(ctx context.Context, actor Actor, id, participantID uuid.UUID, media models.MediaState) (models.Snapshot, error) {
	ls, err := s.moderate(ctx, actor, id, participantID, func(_ *models.LiveSession, p *models.Participant, _ time.Time) error {
		if p.Media == media {
			return errNoChange
		}
		p.Media = media
		return nil
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	s.broadcaster.SendTo(id, participantID, MessageMediaUpdate, media)
	return ls.Snapshot(), nil
}

// Kick removes a participant from the session and bars them from rejoining.
func (s *Service) Kick(ctx context.Context, actor Actor, id, participantID uuid.UUID) (models.Snapshot, error) {
	ls, err := s.moderate(ctx, actor, id, participantID, func(ls *models.LiveSession, p *models.Participant, now time.Time) error {
		if p.Status == models.ParticipantJoined {
			if err := leaveParticipant(p, now); err != nil {
				return err
			}
			recompute(p, ls.ExpectedWatchTimeMs)
		}
		p.Admission = models.AdmissionDenied
		return nil
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	s.logger.Info("participant kicked",
		zap.String("session_id", id.String()),
		zap.String("participant_id", participantID.String()),
		zap.String("by", actor.UserID.String()),
	)
	s.timers.Cancel(id, participantID)
	s.broadcaster.Disconnect(id, participantID, ReasonKicked)
	return ls.Snapshot(), nil
}

// Admit lets a waiting participant in. Their next join opens an interval.
func (s *Service) Admit(ctx context.Context, actor Actor, id, participantID uuid.UUID) (models.Snapshot, error) {
	ls, err := s.moderate(ctx, actor, id, participantID, func(_ *models.LiveSession, p *models.Participant, _ time.Time) error {
		if p.Admission == models.AdmissionAdmitted {
			return errNoChange
		}
		p.Admission = models.AdmissionAdmitted
		return nil
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	s.broadcaster.SendTo(id, participantID, "admission:update", map[string]models.Admission{"admission": models.AdmissionAdmitted})
	return ls.Snapshot(), nil
}

// Deny rejects a participant who is not currently in the session.
func (s *Service) Deny(ctx context.Context, actor Actor, id, participantID uuid.UUID) (models.Snapshot, error) {
	ls, err := s.moderate(ctx, actor, id, participantID, func(_ *models.LiveSession, p *models.Participant, _ time.Time) error {
		if p.Status == models.ParticipantJoined {
			return apperrors.Conflict("participant is in the session, kick them instead")
		}
		if p.Admission == models.AdmissionDenied {
			return errNoChange
		}
		p.Admission = models.AdmissionDenied
		return nil
	})
	if err != nil {
		return models.Snapshot{}, err
	}
	s.broadcaster.Disconnect(id, participantID, ReasonDenied)
	return ls.Snapshot(), nil
}
