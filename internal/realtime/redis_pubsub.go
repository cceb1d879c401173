package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "alerts:org:"

// redisPayload is the message published to Redis for cross-instance broadcast.
type redisPayload struct {
	Data json.RawMessage `json:"data"`
	At   int64           `json:"at"`
}

// RedisRelay implements Relay using Redis pub/sub, one channel per organization.
type RedisRelay struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisRelay creates a Redis pub/sub bridge for alert messages.
func NewRedisRelay(client *redis.Client, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, logger: logger}
}

// Channel returns the Redis channel carrying alerts for orgID.
func Channel(orgID int64) string {
	return channelPrefix + strconv.FormatInt(orgID, 10)
}

// PublishAlert publishes an encoded hub Message to the organization's channel.
func (r *RedisRelay) PublishAlert(ctx context.Context, orgID int64, msg []byte) error {
	body, err := json.Marshal(redisPayload{Data: msg, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, Channel(orgID), body).Err()
}

// SubscribeOrganization subscribes to an organization's channel and calls handler for each message.
// Returns a cancel function to stop the subscription.
func (r *RedisRelay) SubscribeOrganization(orgID int64, handler func(msg []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	subCtx, subCancel := context.WithTimeout(ctx, relayPublishTimeout)
	defer subCancel()

	pubsub := r.client.Subscribe(ctx, Channel(orgID))
	if _, err = pubsub.Receive(subCtx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(orgID), err)
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
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Debug("drop malformed relay message", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler(p.Data)
			}
		}
	}()
	return cancelCtx, nil
}
