package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/starford/tessera/internal/models"
)

// DefaultRelayChannel is the Redis pub/sub channel shared by all instances.
const DefaultRelayChannel = "tessera:events"

type envelope struct {
	Instance string       `json:"instance"`
	Event    models.Event `json:"event"`
}

// RedisRelay publishes events to the local hub and to the other server
// instances listening on the same Redis channel.
type RedisRelay struct {
	client   *redis.Client
	hub      *Hub
	channel  string
	instance string
	log      *slog.Logger
}

// NewRedisRelay binds hub to channel on client. An empty channel uses
// DefaultRelayChannel.
func NewRedisRelay(client *redis.Client, hub *Hub, channel string, log *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisRelay{
		client:   client,
		hub:      hub,
		channel:  channel,
		instance: uuid.NewString(),
		log:      log,
	}
}

// Publish delivers ev locally, then forwards it to the other instances.
// A Redis failure is logged; local subscribers have already been served.
func (r *RedisRelay) Publish(ev models.Event) {
	r.hub.Publish(ev)

	payload, err := json.Marshal(envelope{Instance: r.instance, Event: ev})
	if err != nil {
		r.log.Error("notify: encode relay envelope", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.log.Warn("notify: relay publish",
			slog.String("event", ev.Name()),
			slog.String("error", err.Error()))
	}
}

// Run re-publishes events from other instances on the local hub until ctx
// is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("notify: subscribe %s: %w", r.channel, err)
	}
	r.log.Info("notify: relay subscribed", slog.String("channel", r.channel))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("notify: decode relay envelope", slog.String("error", err.Error()))
				continue
			}
			if env.Instance == r.instance {
				continue
			}
			r.hub.Publish(env.Event)
		}
	}
}
