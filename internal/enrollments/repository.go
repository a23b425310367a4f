package enrollments

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-learn/liveclass/internal/models"
	"github.com/aura-learn/liveclass/pkg/database"
)

// Repository answers enrollment questions for live sessions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an enrollment repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// IsActive reports whether userID holds an active enrollment in courseID.
func (r *Repository) IsActive(ctx context.Context, courseID, userID uuid.UUID) (bool, error) {
	return database.ReadWithRetry(ctx, func(ctx context.Context) (bool, error) {
		const q = `SELECT EXISTS (SELECT 1 FROM enrollments WHERE course_id = $1 AND user_id = $2 AND status = $3)`
		var ok bool
		err := r.pool.QueryRow(ctx, q, courseID, userID, models.EnrollmentActive).Scan(&ok)
		return ok, err
	})
}

// ActiveUserIDs lists every user actively enrolled in courseID, oldest enrollment first.
func (r *Repository) ActiveUserIDs(ctx context.Context, courseID uuid.UUID) ([]uuid.UUID, error) {
	return database.ReadWithRetry(ctx, func(ctx context.Context) ([]uuid.UUID, error) {
		rows, err := r.pool.Query(ctx,
			`SELECT user_id FROM enrollments WHERE course_id = $1 AND status = $2 ORDER BY created_at`,
			courseID, models.EnrollmentActive)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	})
}
