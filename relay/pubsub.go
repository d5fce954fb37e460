package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/formacademy/liveclass/signal"
)

const presenceTTL = 24 * time.Hour

// Bus fans session events out across relay instances over Redis Pub/Sub
// and keeps a fast presence set per session. Every envelope, including
// those originated locally, travels through Redis before delivery: a
// single channel per session gives all instances the same event order.
type Bus struct {
	rdb *redis.Client
	log *logrus.Entry
}

func NewBus(rdb *redis.Client, log *logrus.Logger) *Bus {
	return &Bus{rdb: rdb, log: log.WithField("component", "bus")}
}

func sessionChannel(sessionID string) string {
	return "liveclass:session:" + sessionID + ":events"
}

func presenceKey(sessionID string) string {
	return "liveclass:session:" + sessionID + ":present"
}

// Publish pushes one envelope onto the session's event channel.
func (b *Bus) Publish(ctx context.Context, env *signal.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, sessionChannel(env.SessionID), data).Err(); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

// Subscribe consumes the session's event channel until ctx is cancelled,
// invoking handler for each decoded envelope. Malformed payloads are
// logged and skipped.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, handler func(*signal.Envelope)) {
	sub := b.rdb.Subscribe(ctx, sessionChannel(sessionID))
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env signal.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.WithError(err).WithField("session_id", sessionID).
						Warn("dropping malformed envelope")
					continue
				}
				handler(&env)
			}
		}
	}()
}

// MarkPresent adds the user to the session's presence set.
func (b *Bus) MarkPresent(ctx context.Context, sessionID, userID string) error {
	pipe := b.rdb.Pipeline()
	pipe.SAdd(ctx, presenceKey(sessionID), userID)
	pipe.Expire(ctx, presenceKey(sessionID), presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("relay: mark present: %w", err)
	}
	return nil
}

// MarkAbsent removes the user from the session's presence set.
func (b *Bus) MarkAbsent(ctx context.Context, sessionID, userID string) error {
	if err := b.rdb.SRem(ctx, presenceKey(sessionID), userID).Err(); err != nil {
		return fmt.Errorf("relay: mark absent: %w", err)
	}
	return nil
}

// Present returns the user IDs currently marked present.
func (b *Bus) Present(ctx context.Context, sessionID string) ([]string, error) {
	ids, err := b.rdb.SMembers(ctx, presenceKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: list present: %w", err)
	}
	return ids, nil
}
