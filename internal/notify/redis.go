package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"formvault/pkg/api"
)

// Channel names. Clients subscribe to both their user topic and the
// per-job topic on connect.
func userTopic(userID string) string { return "notify:user:" + userID }
func jobTopic(jobID string) string   { return "notify:job:" + jobID }

const publishTimeout = 2 * time.Second

// RedisNotifier publishes progress events over redis pub/sub.
type RedisNotifier struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis creates a notifier backed by the given redis address.
func NewRedis(ctx context.Context, addr string, logger *slog.Logger) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisNotifier{client: client, logger: logger}, nil
}

// Close releases the underlying redis connection.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

func (n *RedisNotifier) ProgressSnapshot(ctx context.Context, jobID string) {
	payload, _ := json.Marshal(api.SnapshotEvent{JobID: jobID})
	n.publish(ctx, jobTopic(jobID), payload)
}

func (n *RedisNotifier) ProgressLive(ctx context.Context, ev api.ProgressEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn("failed to marshal progress event", "job_id", ev.JobID, "error", err)
		return
	}
	n.publish(ctx, jobTopic(ev.JobID), payload)
	if ev.OwnerUserID != "" {
		n.publish(ctx, userTopic(ev.OwnerUserID), payload)
	}
}

// publish is best-effort. The engines never block on the channel, so the
// call gets its own short deadline detached from the job's context.
func (n *RedisNotifier) publish(ctx context.Context, topic string, payload []byte) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := n.client.Publish(pubCtx, topic, payload).Err(); err != nil {
		n.logger.Warn("failed to publish notification", "topic", topic, "error", err)
	}
}
