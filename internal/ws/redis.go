package ws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// EventsChannel carries user notifications between server instances.
const EventsChannel = "matchmaking_events"

type envelope struct {
	UserID string          `json:"user_id"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

// RedisNotifier publishes notifications so that whichever instance holds the user's connection
// can deliver them.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, channel: EventsChannel}
}

func (n *RedisNotifier) NotifyUser(ctx context.Context, userID, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(envelope{UserID: userID, Type: event, Data: data})
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, n.channel, msg).Err()
}

// StartEventSubscriber subscribes to EventsChannel and hands every event to the local hub. It
// returns once the subscription is confirmed; delivery runs until ctx is cancelled.
func StartEventSubscriber(ctx context.Context, rdb *redis.Client, hub *Hub) error {
	pubsub := rdb.Subscribe(ctx, EventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}

	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		logrus.Infof("[WS] %s subscriber started", EventsChannel)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handleEvent(ctx, hub, msg.Payload)
			}
		}
	}()
	return nil
}

func handleEvent(ctx context.Context, hub *Hub, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		logrus.WithError(err).Warn("[WS] Invalid event payload")
		return
	}
	if env.UserID == "" || env.Type == "" {
		logrus.WithField("payload", payload).Warn("[WS] Event without user or type")
		return
	}

	err := hub.NotifyUser(ctx, env.UserID, env.Type, env.Data)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConnected):
		// Connected to another instance, or not at all.
	default:
		logrus.WithError(err).WithFields(logrus.Fields{"user_id": env.UserID, "type": env.Type}).Warn("[WS] Event not delivered")
	}
}
