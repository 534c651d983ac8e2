// Package notify delivers "tell user X about event Y" requests to the external
// notification subsystem.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Kind names a notification event.
type Kind string

const (
	KindBattleInvite    Kind = "battle_invite"
	KindBattleAccepted  Kind = "battle_accepted"
	KindBattleStart     Kind = "battle_start"
	KindBattleResult    Kind = "battle_result"
	KindBattleCancelled Kind = "battle_cancelled"
	KindVote            Kind = "vote"
)

// Notifier accepts fire-and-forget notification requests.
type Notifier interface {
	Notify(ctx context.Context, userID string, kind Kind, payload map[string]any) error
}

// Message is the wire form pushed to the notification queue.
type Message struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// DefaultQueue is the redis list consumed by the notification subsystem.
const DefaultQueue = "notifications:battle"

// RedisQueue pushes notifications onto a redis list (LPUSH, consumers BRPOP).
type RedisQueue struct {
	client *redis.Client
	queue  string
	now    func() time.Time
}

// NewRedisQueue creates a queue-backed notifier. An empty queue name uses DefaultQueue.
func NewRedisQueue(client *redis.Client, queue string) *RedisQueue {
	if queue == "" {
		queue = DefaultQueue
	}
	return &RedisQueue{client: client, queue: queue, now: time.Now}
}

func (q *RedisQueue) Notify(ctx context.Context, userID string, kind Kind, payload map[string]any) error {
	msg := Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: q.now().UTC(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := q.client.LPush(ctx, q.queue, b).Err(); err != nil {
		return fmt.Errorf("enqueue notification for %s: %w", userID, err)
	}
	return nil
}

// LogNotifier writes notifications to the log. Used when no queue is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, userID string, kind Kind, payload map[string]any) error {
	n.Logger.InfoContext(ctx, "notification", "user_id", userID, "kind", kind, "payload", payload)
	return nil
}

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID string, kind Kind, payload map[string]any) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, userID, kind, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
