package events

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vonage-outbound-otp/pkg/logger"
)

func TestNewRedisRelay_RequiresClientAndHub(t *testing.T) {
	_, err := NewRedisRelay(nil, NewHub(logger.Discard(), 1), RedisRelayConfig{}, nil)
	require.Error(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()
	_, err = NewRedisRelay(rdb, nil, RedisRelayConfig{}, nil)
	require.Error(t, err)
}

func TestRedisRelay_FallsBackToLocalDelivery(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	hub := NewHub(logger.Discard(), 4)
	defer hub.Close()
	sub := hub.Subscribe()

	relay, err := NewRedisRelay(rdb, hub, RedisRelayConfig{PublishTimeout: 500 * time.Millisecond}, logger.Discard())
	require.NoError(t, err)
	defer relay.Close()

	relay.Publish(New(TypeCallEvent, map[string]any{"providerCallId": "v-1", "event": "completed"}))

	select {
	case data := <-sub.Messages():
		assert.Contains(t, string(data), `"providerCallId":"v-1"`)
	case <-time.After(3 * time.Second):
		t.Fatal("expected local delivery when redis is unreachable")
	}
}
