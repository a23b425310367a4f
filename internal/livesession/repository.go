package livesession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-learn/liveclass/internal/models"
	"github.com/aura-learn/liveclass/pkg/database"
)

var (
	// ErrSessionNotFound is returned when no live_sessions row matches.
	ErrSessionNotFound = errors.New("live session not found")
	// ErrVersionConflict is returned by Save when another writer got there first.
	ErrVersionConflict = errors.New("live session version conflict")
)

// Store persists live session documents. Save must only succeed when the
// stored version equals s.Version, and must bump s.Version on success.
type Store interface {
	Create(ctx context.Context, s *models.LiveSession) error
	Get(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	Save(ctx context.Context, s *models.LiveSession) error
	List(ctx context.Context, teacherID *uuid.UUID) ([]models.LiveSession, error)
	ActiveByCourse(ctx context.Context, courseID uuid.UUID) (*models.LiveSession, error)
}

// Repository is the Postgres Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a live session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `id, course_id, teacher_id, title, description, provider, status,
	scheduled_start, duration_minutes, actual_start, actual_end, expected_watch_time_ms,
	join_url, start_url, locked, waiting_room_enabled, passcode_hash, host_secret_hash,
	signaling_secret, participants, version, created_at, updated_at`

func scanSession(row pgx.Row) (*models.LiveSession, error) {
	var s models.LiveSession
	var status string
	var participants []byte
	err := row.Scan(&s.ID, &s.CourseID, &s.TeacherID, &s.Title, &s.Description, &s.Provider, &status,
		&s.ScheduledStart, &s.DurationMinutes, &s.ActualStart, &s.ActualEnd, &s.ExpectedWatchTimeMs,
		&s.JoinURL, &s.StartURL, &s.Locked, &s.WaitingRoomEnabled, &s.PasscodeHash, &s.HostSecretHash,
		&s.SignalingSecret, &participants, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &s.Participants); err != nil {
			return nil, fmt.Errorf("decode participants: %w", err)
		}
	}
	if s.Participants == nil {
		s.Participants = []models.Participant{}
	}
	return &s, nil
}

func encodeParticipants(list []models.Participant) ([]byte, error) {
	if list == nil {
		list = []models.Participant{}
	}
	return json.Marshal(list)
}

// Create inserts a new session at version 1.
func (r *Repository) Create(ctx context.Context, s *models.LiveSession) error {
	participants, err := encodeParticipants(s.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	const q = `INSERT INTO live_sessions (id, course_id, teacher_id, title, description, provider, status,
		scheduled_start, duration_minutes, actual_start, actual_end, expected_watch_time_ms,
		join_url, start_url, locked, waiting_room_enabled, passcode_hash, host_secret_hash,
		signaling_secret, participants, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, 1)
		RETURNING version, created_at, updated_at`
	err = r.pool.QueryRow(ctx, q, s.ID, s.CourseID, s.TeacherID, s.Title, s.Description, s.Provider, string(s.Status),
		s.ScheduledStart, s.DurationMinutes, s.ActualStart, s.ActualEnd, s.ExpectedWatchTimeMs,
		s.JoinURL, s.StartURL, s.Locked, s.WaitingRoomEnabled, s.PasscodeHash, s.HostSecretHash,
		s.SignalingSecret, participants).Scan(&s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert live session: %w", err)
	}
	return nil
}

// Get returns a session by ID or ErrSessionNotFound.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	return database.ReadWithRetry(ctx, func(ctx context.Context) (*models.LiveSession, error) {
		s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM live_sessions WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return s, err
	})
}

// Save writes the whole document if the stored version still matches.
func (r *Repository) Save(ctx context.Context, s *models.LiveSession) error {
	participants, err := encodeParticipants(s.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	const q = `UPDATE live_sessions SET
		title = $3, description = $4, provider = $5, status = $6, scheduled_start = $7, duration_minutes = $8,
		actual_start = $9, actual_end = $10, expected_watch_time_ms = $11, join_url = $12, start_url = $13,
		locked = $14, waiting_room_enabled = $15, passcode_hash = $16, host_secret_hash = $17,
		signaling_secret = $18, participants = $19, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`
	err = r.pool.QueryRow(ctx, q, s.ID, s.Version, s.Title, s.Description, s.Provider, string(s.Status),
		s.ScheduledStart, s.DurationMinutes, s.ActualStart, s.ActualEnd, s.ExpectedWatchTimeMs,
		s.JoinURL, s.StartURL, s.Locked, s.WaitingRoomEnabled, s.PasscodeHash, s.HostSecretHash,
		s.SignalingSecret, participants).Scan(&s.Version, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("update live session: %w", err)
	}
	return nil
}

// List returns sessions newest first, optionally only those owned by teacherID.
func (r *Repository) List(ctx context.Context, teacherID *uuid.UUID) ([]models.LiveSession, error) {
	return database.ReadWithRetry(ctx, func(ctx context.Context) ([]models.LiveSession, error) {
		q := `SELECT ` + sessionColumns + ` FROM live_sessions`
		var args []interface{}
		if teacherID != nil {
			q += ` WHERE teacher_id = $1`
			args = append(args, *teacherID)
		}
		rows, err := r.pool.Query(ctx, q+` ORDER BY scheduled_start DESC`, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		list := []models.LiveSession{}
		for rows.Next() {
			s, err := scanSession(rows)
			if err != nil {
				return nil, err
			}
			list = append(list, *s)
		}
		return list, rows.Err()
	})
}

// ActiveByCourse returns the most recently started LIVE session of a course, or nil.
func (r *Repository) ActiveByCourse(ctx context.Context, courseID uuid.UUID) (*models.LiveSession, error) {
	return database.ReadWithRetry(ctx, func(ctx context.Context) (*models.LiveSession, error) {
		const q = `SELECT ` + sessionColumns + ` FROM live_sessions
			WHERE course_id = $1 AND status = 'live' ORDER BY actual_start DESC NULLS LAST LIMIT 1`
		s, err := scanSession(r.pool.QueryRow(ctx, q, courseID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return s, err
	})
}
