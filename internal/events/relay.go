package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"

	"vonage-outbound-otp/internal/metrics"
)

const DefaultRelayChannel = "otp:events"

// RedisRelayConfig tunes the relay publish pool.
type RedisRelayConfig struct {
	Channel        string
	PoolSize       int
	PublishTimeout time.Duration
}

func (c RedisRelayConfig) withDefaults() RedisRelayConfig {
	out := c
	if out.Channel == "" {
		out.Channel = DefaultRelayChannel
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 16
	}
	if out.PublishTimeout <= 0 {
		out.PublishTimeout = 2 * time.Second
	}
	return out
}

// RedisRelay shares events between API instances. Publish sends serialized
// events to a Redis channel from a bounded worker pool; Run feeds every
// message received on that channel into the local Hub, including this
// instance's own.

type RedisRelay struct {
	rdb  redis.UniversalClient
	hub  *Hub
	pool *ants.Pool
	cfg  RedisRelayConfig
	log  *slog.Logger
}

func NewRedisRelay(rdb redis.UniversalClient, hub *Hub, cfg RedisRelayConfig, log *slog.Logger) (*RedisRelay, error) {
	if rdb == nil || hub == nil {
		return nil, errors.New("events: redis relay requires a client and a hub")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &RedisRelay{rdb: rdb, hub: hub, pool: pool, cfg: cfg, log: log}, nil
}

func (r *RedisRelay) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		r.log.Error("event serialization failed", "type", e.Type, "err", err)
		return
	}
	if err := r.pool.Submit(func() { r.publish(e.Type, data) }); err != nil {
		// Pool saturated: keep local subscribers informed at least.
		r.log.Warn("event relay saturated, delivering locally", "type", e.Type, "err", err)
		metrics.RelayPublishFailures.Inc()
		r.hub.Deliver(data)
	}
}

func (r *RedisRelay) publish(typ string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout)
	defer cancel()
	if err := r.rdb.Publish(ctx, r.cfg.Channel, data).Err(); err != nil {
		r.log.Warn("event relay publish failed, delivering locally", "type", typ, "err", err)
		metrics.RelayPublishFailures.Inc()
		r.hub.Deliver(data)
	}
}

// Run subscribes to the relay channel and delivers messages to the local hub
// until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.cfg.Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.log.Info("event relay subscribed", "channel", r.cfg.Channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.hub.Deliver([]byte(msg.Payload))
		}
	}
}

// Close waits briefly for in-flight publishes and releases the pool.
func (r *RedisRelay) Close() {
	if err := r.pool.ReleaseTimeout(3 * time.Second); err != nil {
		r.log.Warn("event relay pool release timed out", "err", err)
	}
}
