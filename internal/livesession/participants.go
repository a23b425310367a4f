package livesession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/aura-learn/liveclass/internal/apperrors"
	"github.com/aura-learn/liveclass/internal/models"
	"github.com/aura-learn/liveclass/pkg/utils"
)

// Signaling rejection reasons.
const (
	RejectSessionNotLive = "session-not-live"
	RejectKeyMismatch    = "key-mismatch"
	RejectNotJoined      = "not-joined"
	RejectUnavailable    = "unavailable"
)

// Signaling is what a client needs to open the signaling channel.
type Signaling struct {
	Path          string             `json:"path"`
	SessionID     uuid.UUID          `json:"sessionId"`
	ParticipantID uuid.UUID          `json:"participantId"`
	Key           string             `json:"key"`
	IceServers    []webrtc.ICEServer `json:"iceServers"`
}

// ParticipantView is the caller's own entry in a join response.
type ParticipantView struct {
	ID        uuid.UUID                `json:"id"`
	Role      string                   `json:"role"`
	Status    models.ParticipantStatus `json:"status,omitempty"`
	Admission models.Admission         `json:"admission,omitempty"`
	Media     models.MediaState        `json:"media"`
	Stats
}

// JoinResult is returned by Join and InstructorJoin. Waiting participants get
// no signaling credentials.
type JoinResult struct {
	Participant         ParticipantView `json:"participant"`
	Session             models.Snapshot `json:"session"`
	Signaling           *Signaling      `json:"signaling,omitempty"`
	HeartbeatIntervalMs int64           `json:"heartbeatIntervalMs"`
	Waiting             bool            `json:"waiting"`
}

func (s *Service) signaling(ls *models.LiveSession, participantID uuid.UUID, role string) (*Signaling, error) {
	servers, err := s.ice.Servers()
	if err != nil {
		return nil, fmt.Errorf("ice servers: %w", err)
	}
	return &Signaling{
		Path:          s.opts.SignalingPath,
		SessionID:     ls.ID,
		ParticipantID: participantID,
		Key:           SignalingKey(ls.SignalingSecret, ls.ID, participantID, role),
		IceServers:    servers,
	}, nil
}

// InstructorJoin hands the host signaling credentials and the start link.
func (s *Service) InstructorJoin(ctx context.Context, actor Actor, id uuid.UUID, hostSecret string) (*JoinResult, error) {
	ls, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.canManage(ls) {
		return nil, apperrors.Forbidden("only the session owner can host it")
	}
	if ls.Status != models.SessionLive {
		return nil, apperrors.Conflict("session is not live")
	}
	if !utils.CheckSecret(hostSecret, ls.HostSecretHash) {
		return nil, apperrors.Forbidden("invalid host secret")
	}
	sig, err := s.signaling(ls, actor.UserID, RoleHost)
	if err != nil {
		return nil, err
	}
	snap := ls.Snapshot()
	snap.Meeting.StartURL = ls.StartURL
	s.logger.Info("instructor joined",
		zap.String("session_id", id.String()),
		zap.String("user_id", actor.UserID.String()),
	)
	return &JoinResult{
		Participant:         ParticipantView{ID: actor.UserID, Role: RoleHost, Media: models.MediaState{Audio: true, Video: true}},
		Session:             snap,
		Signaling:           sig,
		HeartbeatIntervalMs: s.opts.HeartbeatInterval.Milliseconds(),
	}, nil
}

// Join opens a new attendance interval for an enrolled learner.
func (s *Service) Join(ctx context.Context, actor Actor, id uuid.UUID, passcode string) (*JoinResult, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireEnrollment(ctx, current, actor.UserID); err != nil {
		return nil, err
	}
	if current.PasscodeHash != "" && !utils.CheckSecret(passcode, current.PasscodeHash) {
		return nil, apperrors.Forbidden("invalid passcode")
	}

	var waiting bool
	ls, err := s.mutate(ctx, id, func(ls *models.LiveSession, now time.Time) error {
		waiting = false
		if ls.Status != models.SessionLive {
			return apperrors.Conflict("session is not live")
		}
		p := ls.Participant(actor.UserID)
		if p != nil && p.Admission == models.AdmissionDenied {
			return apperrors.Forbidden("you were removed from this session")
		}
		returning := p != nil && (len(p.JoinEvents) > 0 || p.Admission == models.AdmissionAdmitted)
		if ls.Locked && !returning {
			return apperrors.Forbidden("session is locked")
		}
		if p == nil {
			ls.Participants = append(ls.Participants, models.Participant{
				ID:         actor.UserID,
				Status:     models.ParticipantInvited,
				JoinEvents: []models.JoinEvent{},
				Media:      models.MediaState{Audio: true, Video: true},
			})
			p = &ls.Participants[len(ls.Participants)-1]
		}
		if ls.WaitingRoomEnabled && p.Admission != models.AdmissionAdmitted {
			waiting = true
			if p.Admission == models.AdmissionWaiting {
				return errNoChange
			}
			p.Admission = models.AdmissionWaiting
			return nil
		}
		joinParticipant(p, now)
		recompute(p, ls.ExpectedWatchTimeMs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !waiting {
		s.timers.Cancel(id, actor.UserID)
	}
	s.broadcast(ls)

	p := ls.Participant(actor.UserID)
	res := &JoinResult{
		Participant: ParticipantView{
			ID:        p.ID,
			Role:      RoleParticipant,
			Status:    p.Status,
			Admission: p.Admission,
			Media:     p.Media,
			Stats:     statsOf(p),
		},
		Session:             ls.Snapshot(),
		HeartbeatIntervalMs: s.opts.HeartbeatInterval.Milliseconds(),
		Waiting:             waiting,
	}
	if waiting {
		return res, nil
	}
	if res.Signaling, err = s.signaling(ls, p.ID, RoleParticipant); err != nil {
		return nil, err
	}
	return res, nil
}

// Ping checkpoints watch time. A nil elapsedMs lets the server infer the
// delta; a negative one credits nothing.
func (s *Service) Ping(ctx context.Context, actor Actor, id uuid.UUID, elapsedMs *int64) (Stats, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	if err := s.requireEnrollment(ctx, current, actor.UserID); err != nil {
		return Stats{}, err
	}
	return s.track(ctx, id, actor.UserID, func(p *models.Participant, now time.Time) error {
		return pingParticipant(p, now, elapsedMs)
	})
}

// Leave closes the caller's open interval.
func (s *Service) Leave(ctx context.Context, actor Actor, id uuid.UUID) (Stats, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	if err := s.requireEnrollment(ctx, current, actor.UserID); err != nil {
		return Stats{}, err
	}
	stats, err := s.track(ctx, id, actor.UserID, leaveParticipant)
	if err != nil {
		return Stats{}, err
	}
	s.timers.Cancel(id, actor.UserID)
	return stats, nil
}

// LeaveOnDisconnect is the system leave applied when a signaling connection
// does not come back within the grace period. An interval opened after
// disconnectedAt belongs to a later join and is kept.
func (s *Service) LeaveOnDisconnect(ctx context.Context, sessionID, participantID uuid.UUID, disconnectedAt time.Time) error {
	var rejoined bool
	ls, err := s.mutate(ctx, sessionID, func(ls *models.LiveSession, now time.Time) error {
		rejoined = false
		if ls.Status != models.SessionLive {
			return apperrors.Conflict("session is not live")
		}
		p := ls.Participant(participantID)
		if p == nil {
			return apperrors.NotFound("participant")
		}
		if i := p.OpenEvent(); i >= 0 && p.JoinEvents[i].JoinedAt.After(disconnectedAt) {
			rejoined = true
			return errNoChange
		}
		if err := leaveParticipant(p, now); err != nil {
			return err
		}
		recompute(p, ls.ExpectedWatchTimeMs)
		return nil
	})
	if err != nil {
		return err
	}
	if rejoined {
		s.logger.Debug("participant rejoined before the grace period ran out",
			zap.String("session_id", sessionID.String()),
			zap.String("participant_id", participantID.String()),
		)
		return nil
	}
	s.broadcast(ls)
	s.logger.Info("participant left after disconnect",
		zap.String("session_id", sessionID.String()),
		zap.String("participant_id", participantID.String()),
	)
	return nil
}

func (s *Service) track(ctx context.Context, id, participantID uuid.UUID, fn func(p *models.Participant, now time.Time) error) (Stats, error) {
	var stats Stats
	ls, err := s.mutate(ctx, id, func(ls *models.LiveSession, now time.Time) error {
		if ls.Status != models.SessionLive {
			return apperrors.Conflict("session is not live")
		}
		p := ls.Participant(participantID)
		if p == nil {
			return apperrors.NotFound("participant")
		}
		if err := fn(p, now); err != nil {
			return err
		}
		recompute(p, ls.ExpectedWatchTimeMs)
		stats = statsOf(p)
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	s.broadcast(ls)
	return stats, nil
}

// SignalingGrant is the outcome of a successful signaling admission.
type SignalingGrant struct {
	SessionID     uuid.UUID
	ParticipantID uuid.UUID
	Role          string
}

// AdmitSignaling checks a signaling connect attempt against the session's
// current key and the participant's state.
func (s *Service) AdmitSignaling(ctx context.Context, sessionID, participantID uuid.UUID, key string) (SignalingGrant, error) {
	ls, err := s.store.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return SignalingGrant{}, apperrors.SignalingRejected(RejectSessionNotLive)
	}
	if err != nil {
		s.logger.Warn("signaling admission could not load session",
			zap.String("session_id", sessionID.String()),
			zap.Error(err),
		)
		return SignalingGrant{}, apperrors.Wrap(apperrors.ErrCodeUnavailable, RejectUnavailable, err)
	}
	if ls.Status != models.SessionLive {
		return SignalingGrant{}, apperrors.SignalingRejected(RejectSessionNotLive)
	}
	grant := SignalingGrant{SessionID: sessionID, ParticipantID: participantID}
	switch {
	case utils.ConstantTimeEqual(key, SignalingKey(ls.SignalingSecret, sessionID, participantID, RoleHost)):
		grant.Role = RoleHost
		return grant, nil
	case utils.ConstantTimeEqual(key, SignalingKey(ls.SignalingSecret, sessionID, participantID, RoleParticipant)):
		p := ls.Participant(participantID)
		if p == nil || p.Status != models.ParticipantJoined {
			return SignalingGrant{}, apperrors.SignalingRejected(RejectNotJoined)
		}
		grant.Role = RoleParticipant
		return grant, nil
	default:
		return SignalingGrant{}, apperrors.SignalingRejected(RejectKeyMismatch)
	}
}
