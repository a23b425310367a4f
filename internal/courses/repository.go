package courses

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-learn/liveclass/internal/models"
	"github.com/aura-learn/liveclass/pkg/database"
)

// Repository reads courses owned by the course service.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a course repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetBySlug returns the course with the given slug, or nil if none exists.
func (r *Repository) GetBySlug(ctx context.Context, slug string) (*models.Course, error) {
	return database.ReadWithRetry(ctx, func(ctx context.Context) (*models.Course, error) {
		const q = `SELECT id, slug, title, teacher_id, created_at FROM courses WHERE slug = $1`
		var c models.Course
		err := r.pool.QueryRow(ctx, q, slug).Scan(&c.ID, &c.Slug, &c.Title, &c.TeacherID, &c.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &c, nil
	})
}

// GetByID returns the course with the given id, or nil if none exists.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	return database.ReadWithRetry(ctx, func(ctx context.Context) (*models.Course, error) {
		const q = `SELECT id, slug, title, teacher_id, created_at FROM courses WHERE id = $1`
		var c models.Course
		err := r.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.Slug, &c.Title, &c.TeacherID, &c.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &c, nil
	})
}
