package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const DefaultRedisPrefix = "atsim"

// Redis mirrors every event to a Redis channel named <prefix>:<topic> while
// still delivering to local subscribers. Remote publishes go through a
// circuit breaker; remote failures are logged and counted but never fail
// the local publish.
type Redis struct {
	local   *InMemory
	client  redis.UniversalClient
	prefix  string
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *zap.SugaredLogger

	published atomic.Int64
	dropped   atomic.Int64
}

type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func WithPublishTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithBusLogger(l *zap.Logger) RedisOption {
	return func(r *Redis) {
		if l != nil {
			r.logger = l.Sugar()
		}
	}
}

// NewBreaker trips after three consecutive failures, or when more than 5%
// of at least 20 requests in the interval failed.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.ConsecutiveFailures >= 3 {
				return true
			}
			if c.Requests < 20 {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) > 0.05
		},
	})
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		local:   NewInMemory(),
		client:  client,
		prefix:  DefaultRedisPrefix,
		breaker: NewBreaker("eventbus-redis"),
		timeout: 2 * time.Second,
		logger:  zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Channel is the Redis channel for topic.
func (r *Redis) Channel(topic string) string { return r.prefix + ":" + topic }

func (r *Redis) Subscribe(topic string, h Handler) { r.local.Subscribe(topic, h) }

func (r *Redis) Publish(ev Event) error {
	if err := r.local.Publish(ev); err != nil {
		return err
	}
	if err := r.publishRemote(ev); err != nil {
		r.dropped.Add(1)
		r.logger.Warnw("redis_publish_failed", "topic", ev.Topic, "run_id", ev.RunID,
			"breaker", r.breaker.State().String(), "err", err)
		return nil
	}
	r.published.Add(1)
	return nil
}

func (r *Redis) publishRemote(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = r.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		return r.client.Publish(ctx, r.Channel(ev.Topic), string(payload)).Result()
	})
	return err
}

// Published and Dropped count remote publishes.
func (r *Redis) Published() int64 { return r.published.Load() }
func (r *Redis) Dropped() int64   { return r.dropped.Load() }

// BreakerState reports the circuit breaker state.
func (r *Redis) BreakerState() gobreaker.State { return r.breaker.State() }
