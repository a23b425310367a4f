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
	"github.com/aura-learn/liveclass/internal/meeting"
	"github.com/aura-learn/liveclass/internal/models"
)

// Enrollments answers course membership questions.
type Enrollments interface {
	IsActive(ctx context.Context, courseID, userID uuid.UUID) (bool, error)
	ActiveUserIDs(ctx context.Context, courseID uuid.UUID) ([]uuid.UUID, error)
}

// Courses looks up the course a session belongs to.
type Courses interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Course, error)
	GetBySlug(ctx context.Context, slug string) (*models.Course, error)
}

// MeetingResolver produces join/start links for a session.
type MeetingResolver interface {
	Resolve(ctx context.Context, s *models.LiveSession) (meeting.Links, error)
	Has(name string) bool
}

// ICEServers returns the ICE configuration handed out with signaling credentials.
type ICEServers interface {
	Servers() ([]webrtc.ICEServer, error)
}

// Broadcaster pushes state to connected signaling clients.
type Broadcaster interface {
	BroadcastSession(sessionID uuid.UUID, snap models.Snapshot)
	SendTo(sessionID, participantID uuid.UUID, msgType string, payload any)
	Disconnect(sessionID, participantID uuid.UUID, reason string)
	Revoke(sessionID uuid.UUID, reason string)
}

// Notifier tells invited participants a session went live.
type Notifier interface {
	SessionLive(ctx context.Context, snap models.Snapshot, recipients []uuid.UUID) error
}

// DisconnectTimers are the pending leave-after-disconnect timers. Explicit
// participant actions supersede them.
type DisconnectTimers interface {
	Cancel(sessionID, participantID uuid.UUID)
	CancelSession(sessionID uuid.UUID)
}

type noopTimers struct{}

func (noopTimers) Cancel(uuid.UUID, uuid.UUID) {}
func (noopTimers) CancelSession(uuid.UUID)     {}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastSession(uuid.UUID, models.Snapshot) {}
func (noopBroadcaster) SendTo(uuid.UUID, uuid.UUID, string, any) {}
func (noopBroadcaster) Disconnect(uuid.UUID, uuid.UUID, string) {}
func (noopBroadcaster) Revoke(uuid.UUID, string) {}

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID uuid.UUID
	Role   models.Role
}

// canManage reports whether the actor owns the session or holds an elevated role.
func (a Actor) canManage(s *models.LiveSession) bool {
	return a.Role.Elevated() || (a.Role == models.RoleTeacher && a.UserID == s.TeacherID)
}

// Options tunes the service. Zero values are replaced with defaults.
type Options struct {
	HeartbeatInterval time.Duration
	MutationRetries   int
	SignalingPath     string
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.MutationRetries <= 0 {
		o.MutationRetries = 5
	}
	if o.SignalingPath == "" {
		o.SignalingPath = "/live/signaling"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Service is the session lifecycle controller and participant tracker.
type Service struct {
	store       Store
	enrollments Enrollments
	courses     Courses
	meetings    MeetingResolver
	ice         ICEServers
	broadcaster Broadcaster
	timers      DisconnectTimers
	notifier    Notifier
	exports     ExportStore
	locks       *keyLocks
	opts        Options
	logger      *zap.Logger
}

// NewService creates a live session service.
func NewService(store Store, enrollments Enrollments, courses Courses, meetings MeetingResolver, ice ICEServers, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		enrollments: enrollments,
		courses:     courses,
		meetings:    meetings,
		ice:         ice,
		broadcaster: noopBroadcaster{},
		timers:      noopTimers{},
		locks:       newKeyLocks(),
		opts:        opts.withDefaults(),
		logger:      logger,
	}
}

// SetBroadcaster wires the signaling relay. Called once during startup.
func (s *Service) SetBroadcaster(b Broadcaster) {
	if b != nil {
		s.broadcaster = b
	}
}

// SetDisconnectTimers wires the reaper so joins, leaves and session end
// cancel its pending timers.
func (s *Service) SetDisconnectTimers(d DisconnectTimers) {
	if d != nil {
		s.timers = d
	}
}

// SetNotifier wires the start notification fan-out.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetExportStore enables attendance CSV export.
func (s *Service) SetExportStore(e ExportStore) {
	s.exports = e
}

// HeartbeatInterval is the ping cadence advertised to clients.
func (s *Service) HeartbeatInterval() time.Duration {
	return s.opts.HeartbeatInterval
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// errNoChange aborts a mutation without writing.
var errNoChange = errors.New("no change")

func (s *Service) load(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	ls, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, apperrors.NotFound("live session")
	}
	if err != nil {
		return nil, fmt.Errorf("load live session: %w", err)
	}
	return ls, nil
}

// mutate applies fn to a fresh copy of the session under the per-session lock
// and writes it back with a version check, reloading on conflict.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(ls *models.LiveSession, now time.Time) error) (*models.LiveSession, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 1; attempt <= s.opts.MutationRetries; attempt++ {
		ls, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(ls, s.now()); err != nil {
			if errors.Is(err, errNoChange) {
				return ls, nil
			}
			return nil, err
		}
		err = s.store.Save(ctx, ls)
		if err == nil {
			return ls, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("save live session: %w", err)
		}
		s.logger.Debug("live session version conflict",
			zap.String("session_id", id.String()),
			zap.Int("attempt", attempt),
		)
	}
	return nil, apperrors.Conflict("session was modified concurrently, retry the request")
}

func (s *Service) requireEnrollment(ctx context.Context, ls *models.LiveSession, userID uuid.UUID) error {
	ok, err := s.enrollments.IsActive(ctx, ls.CourseID, userID)
	if err != nil {
		return fmt.Errorf("check enrollment: %w", err)
	}
	if !ok {
		return apperrors.Forbidden("an active enrollment in this course is required")
	}
	return nil
}

func (s *Service) broadcast(ls *models.LiveSession) {
	s.broadcaster.BroadcastSession(ls.ID, ls.Snapshot())
}

// Get returns a session snapshot visible to managers and enrolled learners.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (models.Snapshot, error) {
	ls, err := s.load(ctx, id)
	if err != nil {
		return models.Snapshot{}, err
	}
	if !actor.canManage(ls) {
		if err := s.requireEnrollment(ctx, ls, actor.UserID); err != nil {
			return models.Snapshot{}, err
		}
	}
	return ls.Snapshot(), nil
}

// List returns every session for elevated roles and owned sessions for teachers.
func (s *Service) List(ctx context.Context, actor Actor) ([]models.Snapshot, error) {
	var owner *uuid.UUID
	switch {
	case actor.Role.Elevated():
	case actor.Role == models.RoleTeacher:
		owner = &actor.UserID
	default:
		return nil, apperrors.Forbidden("only instructors can list sessions")
	}
	list, err := s.store.List(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	out := make([]models.Snapshot, 0, len(list))
	for i := range list {
		out = append(out, list[i].Snapshot())
	}
	return out, nil
}

// ActiveForCourse returns the course's LIVE session, or nil when none is running.
func (s *Service) ActiveForCourse(ctx context.Context, actor Actor, slug string) (*models.Snapshot, error) {
	course, err := s.courses.GetBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("load course: %w", err)
	}
	if course == nil {
		return nil, apperrors.NotFound("course")
	}
	if !actor.Role.Elevated() && course.TeacherID != actor.UserID {
		ok, err := s.enrollments.IsActive(ctx, course.ID, actor.UserID)
		if err != nil {
			return nil, fmt.Errorf("check enrollment: %w", err)
		}
		if !ok {
			return nil, apperrors.Forbidden("an active enrollment in this course is required")
		}
	}
	ls, err := s.store.ActiveByCourse(ctx, course.ID)
	if err != nil {
		return nil, fmt.Errorf("load active session: %w", err)
	}
	if ls == nil {
		return nil, nil
	}
	snap := ls.Snapshot()
	return &snap, nil
}
