package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/recipe-pipeline/pkg/logger"
)

// ChannelPrefix prefixes the redis pub/sub channel of each batch.
const ChannelPrefix = "progress:events:"

// Emitter receives every event the coordinator produces.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// Emit publishes e to local observers.
func (b *Broadcaster) Emit(_ context.Context, e Event) error {
	b.Publish(e.BatchID, e)
	return nil
}

// RedisPublisher forwards events to redis for a Relay in another process.
type RedisPublisher struct {
	client redis.Cmdable
}

func NewRedisPublisher(client redis.Cmdable) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Emit(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, ChannelPrefix+e.BatchID, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event for batch %s: %w", e.BatchID, err)
	}
	return nil
}

// Relay feeds events published by workers into the local Broadcaster.
type Relay struct {
	client      *redis.Client
	broadcaster *Broadcaster
	logger      logger.Logger
}

func NewRelay(client *redis.Client, b *Broadcaster, log logger.Logger) *Relay {
	if log == nil {
		log = logger.NewNop()
	}
	return &Relay{client: client, broadcaster: b, logger: log.Named("relay")}
}

// Run blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to progress events: %w", err)
	}
	r.logger.Info("Relaying progress events", logger.String("pattern", ChannelPrefix+"*"))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg)
		}
	}
}

func (r *Relay) handle(msg *redis.Message) {
	var e Event
	if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
		r.logger.Warn("Dropping malformed progress event",
			logger.String("channel", msg.Channel),
			logger.Error(err),
		)
		return
	}
	if e.BatchID == "" {
		e.BatchID = strings.TrimPrefix(msg.Channel, ChannelPrefix)
	}
	r.broadcaster.Publish(e.BatchID, e)
}

// MultiEmitter emits to each emitter in turn and returns the first error.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, e Event) error {
	var first error
	for _, em := range m {
		if err := em.Emit(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
