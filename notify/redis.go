package notify

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
)

const resubscribeDelay = time.Second

// RedisPublisher broadcasts changes on a Redis pub/sub channel.
type RedisPublisher struct {
	rc      *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher for channel.
func NewRedisPublisher(rc *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rc: rc, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ch domain.Change) error {
	payload, err := sonic.Marshal(ch)
	if err != nil {
		return err
	}
	return p.rc.Publish(ctx, p.channel, payload).Err()
}

// Subscribe listens for changes on channel and calls handle for each one
// until ctx is cancelled. A closed subscription is re-established.
func Subscribe(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, handle func(domain.Change)) {
	for {
		sub := rc.Subscribe(ctx, channel)
		consume(ctx, logger, sub.Channel(), channel, handle)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Errorf("pubsub channel %s closed, reconnecting", channel)
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func consume(ctx context.Context, logger *log.Logger, msgs <-chan *redis.Message, channel string, handle func(domain.Change)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ch domain.Change
			if err := sonic.UnmarshalString(msg.Payload, &ch); err != nil {
				logger.Errorf("unable to parse change from %s: %v", channel, err)
				continue
			}
			handle(ch)
		}
	}
}
