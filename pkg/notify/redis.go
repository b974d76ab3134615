package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisPublisher is the subset of *redis.Client used by RedisRelay.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// DefaultRedisPrefix is the channel prefix used when none is configured.
const DefaultRedisPrefix = "gotrainer:jobs"

// RedisRelay republishes job events on Redis pub/sub channels named
// "<prefix>:<job_id>" so out-of-process dashboards can follow jobs.
//
// Events are queued and sent from a single goroutine; a full queue drops the
// event, matching the hub's at-most-once contract.
type RedisRelay struct {
	client  redisPublisher
	prefix  string
	timeout time.Duration
	logger  *zap.Logger

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewRedisRelay(client redisPublisher, prefix string, buffer int, logger *zap.Logger) *RedisRelay {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RedisRelay{
		client:  client,
		prefix:  prefix,
		timeout: 2 * time.Second,
		logger:  logger,
		queue:   make(chan Event, buffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// DialRedis parses a redis:// URL and verifies the server responds.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisRelay) Channel(jobID string) string {
	return r.prefix + ":" + jobID
}

// Publish queues ev for relay without blocking.
func (r *RedisRelay) Publish(_ context.Context, ev Event) {
	select {
	case <-r.stop:
		return
	default:
	}
	select {
	case r.queue <- ev:
	default:
		r.logger.Debug("Dropped job event for redis relay", zap.String("job_id", ev.JobID))
	}
}

// Close stops the relay. Queued events that were not yet sent are dropped.
func (r *RedisRelay) Close() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}

func (r *RedisRelay) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case ev := <-r.queue:
			r.send(ev)
		}
	}
}

func (r *RedisRelay) send(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("Failed to encode job event", zap.String("job_id", ev.JobID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.Channel(ev.JobID), payload).Err(); err != nil {
		r.logger.Warn("Failed to relay job event to redis", zap.String("job_id", ev.JobID), zap.Error(err))
	}
}
