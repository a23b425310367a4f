// Package notify fans out live-session notifications through the job queue.
package notify

import (
	"context"
	"fmt"
	"html"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-learn/liveclass/internal/models"
	"github.com/aura-learn/liveclass/pkg/queue"
)

// KindSessionLive is the e-mail kind sent when a session starts.
const KindSessionLive = "session_live"

// UserLookup resolves participant ids to contact details.
type UserLookup interface {
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]models.User, error)
}

// Enqueuer accepts e-mail jobs.
type Enqueuer interface {
	EnqueueEmail(ctx context.Context, payload queue.EmailPayload) error
}

// Dispatcher turns session events into queued e-mails.
type Dispatcher struct {
	users   UserLookup
	queue   Enqueuer
	baseURL string
	logger  *zap.Logger
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(users UserLookup, q Enqueuer, baseURL string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{users: users, queue: q, baseURL: baseURL, logger: logger}
}

// SessionLive enqueues one e-mail per recipient. Failures for single
// recipients are logged and do not stop the fan-out.
func (d *Dispatcher) SessionLive(ctx context.Context, s models.Snapshot, recipients []uuid.UUID) error {
	if len(recipients) == 0 {
		return nil
	}
	users, err := d.users.ListByIDs(ctx, recipients)
	if err != nil {
		return fmt.Errorf("lookup recipients: %w", err)
	}
	link := fmt.Sprintf("%s/live/sessions/%s", d.baseURL, s.ID)
	var failed int
	for _, u := range users {
		if u.Email == "" {
			continue
		}
		payload := queue.EmailPayload{
			Kind:           KindSessionLive,
			SessionID:      s.ID,
			RecipientEmail: u.Email,
			RecipientName:  u.FullName,
			Subject:        fmt.Sprintf("%s is live now", s.Title),
			BodyText:       fmt.Sprintf("Hi %s,\n\nYour live class \"%s\" has started. Join here: %s\n", u.FullName, s.Title, link),
			BodyHTML: fmt.Sprintf(`<p>Hi %s,</p><p>Your live class <strong>%s</strong> has started.</p><p><a href="%s">Join the session</a></p>`,
				html.EscapeString(u.FullName), html.EscapeString(s.Title), html.EscapeString(link)),
		}
		if err := d.queue.EnqueueEmail(ctx, payload); err != nil {
			failed++
			d.logger.Warn("enqueue live notification failed",
				zap.String("session_id", s.ID.String()), zap.String("user_id", u.ID.String()), zap.Error(err))
		}
	}
	d.logger.Info("live notifications queued",
		zap.String("session_id", s.ID.String()), zap.Int("recipients", len(users)), zap.Int("failed", failed))
	return nil
}
