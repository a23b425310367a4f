package users

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-learn/liveclass/internal/models"
	"github.com/aura-learn/liveclass/pkg/database"
)

// Repository reads user contact details.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a user repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListByIDs returns the users matching ids. Unknown ids are skipped.
func (r *Repository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return database.ReadWithRetry(ctx, func(ctx context.Context) ([]models.User, error) {
		rows, err := r.pool.Query(ctx,
			`SELECT id, email, full_name, role FROM users WHERE id = ANY($1) ORDER BY email`, ids)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var list []models.User
		for rows.Next() {
			var u models.User
			var role string
			if err := rows.Scan(&u.ID, &u.Email, &u.FullName, &role); err != nil {
				return nil, err
			}
			u.Role = models.Role(role)
			list = append(list, u)
		}
		return list, rows.Err()
	})
}
