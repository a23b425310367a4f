package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aura-learn/liveclass/pkg/queue"
)

// Mailer delivers a single e-mail.
type Mailer interface {
	Send(ctx context.Context, payload queue.EmailPayload) error
}

// JobSource is the subset of the queue the processor consumes.
type JobSource interface {
	Dequeue(ctx context.Context, queues ...string) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// NotificationProcessor delivers queued notification e-mails.
type NotificationProcessor struct {
	mailer  Mailer
	queue   JobSource
	backoff time.Duration
	logger  *zap.Logger
}

// NewNotificationProcessor creates a notification processor.
func NewNotificationProcessor(mailer Mailer, q JobSource, logger *zap.Logger) *NotificationProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationProcessor{mailer: mailer, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one job.
func (p *NotificationProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeEmail {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.EmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.RecipientEmail == "" {
		p.logger.Warn("dropping email job without recipient", zap.String("job_id", job.ID))
		return nil
	}
	if err := p.mailer.Send(ctx, payload); err != nil {
		return fmt.Errorf("send %s email: %w", payload.Kind, err)
	}
	p.logger.Info("email delivered",
		zap.String("job_id", job.ID),
		zap.String("kind", payload.Kind),
		zap.String("session_id", payload.SessionID.String()))
	return nil
}

// Run loops until ctx is done: dequeue, process, retry on error.
func (p *NotificationProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("notification worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, queue.QueueEmails)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *NotificationProcessor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.backoff):
	}
}
