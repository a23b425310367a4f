package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "liveclass:session:"

// RedisBus is the relay Bus on Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBus creates a Redis pub/sub bridge for relay commands.
func NewRedisBus(client *redis.Client, logger *zap.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger}
}

func channelFor(sessionID uuid.UUID) string {
	return channelPrefix + sessionID.String()
}

// Publish sends cmd to every instance subscribed to the session.
func (b *RedisBus) Publish(ctx context.Context, sessionID uuid.UUID, cmd Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return b.client.Publish(ctx, channelFor(sessionID), body).Err()
}

// Subscribe calls handler for each command published on the session channel
// until cancel is called.
func (b *RedisBus) Subscribe(sessionID uuid.UUID, handler func(Command)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, channelFor(sessionID))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var cmd Command
				if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
					b.logger.Warn("dropping malformed relay command", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler(cmd)
			}
		}
	}()
	return cancelCtx, nil
}
