package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/justsurfingit/applytrail/internal/models"
)

// ChannelStatusChanged carries every automatic status transition.
const ChannelStatusChanged = "EVENT_STATUS_CHANGED"

// Notifier announces status transitions to whoever listens.
type Notifier interface {
	NotifyTransition(ctx context.Context, t models.StatusTransition) error
}

// RedisNotifier publishes transitions on a redis pub/sub channel.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: ChannelStatusChanged}
}

func (n *RedisNotifier) NotifyTransition(ctx context.Context, t models.StatusTransition) error {
	event, err := json.Marshal(map[string]string{
		"type":    ChannelStatusChanged,
		"jobId":   t.JobID,
		"from":    string(t.OldStatus),
		"to":      string(t.NewStatus),
		"reason":  t.Reason,
		"emailId": t.EvidenceEmailID,
	})
	if err != nil {
		return err
	}
	if err := n.rdb.Publish(ctx, n.channel, event).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", n.channel, err)
	}
	return nil
}
