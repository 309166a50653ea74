package transport

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/markus-barta/wipboard/internal/protocol"
)

const redisPrefix = "wipboard"

// RedisTransport carries events over Redis pub/sub. Each event is published
// on wipboard:{project}:{plugin}:{type}:{key}; subscriptions use PSUBSCRIBE
// with "*" for empty topic fields.
type RedisTransport struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisTransport parses a redis:// URL and creates the transport.
func NewRedisTransport(url string, log zerolog.Logger) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis URL")
	}
	return &RedisTransport{
		client: redis.NewClient(opts),
		log:    log.With().Str("component", "redis").Logger(),
	}, nil
}

// RedisChannel returns the channel an event is published on.
func RedisChannel(e protocol.Event) string {
	return strings.Join([]string{redisPrefix, e.Project, e.Plugin, e.Type, e.Key}, ":")
}

// RedisPattern returns the PSUBSCRIBE pattern for a topic.
func RedisPattern(t protocol.Topic) string {
	return strings.Join([]string{redisPrefix, orWildcard(t.Project, "*"), orWildcard(t.Plugin, "*"),
		orWildcard(t.Type, "*"), orWildcard(t.Key, "*")}, ":")
}

func orWildcard(s, wildcard string) string {
	if s == "" {
		return wildcard
	}
	return s
}

// Publish sends e to Redis.
func (r *RedisTransport) Publish(ctx context.Context, e protocol.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	if err := r.client.Publish(ctx, RedisChannel(e), data).Err(); err != nil {
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

// Subscribe listens for events under topic until ctx is cancelled. Messages
// are delivered from one goroutine, in the order Redis sends them.
func (r *RedisTransport) Subscribe(ctx context.Context, topic protocol.Topic, handler func(protocol.Event)) error {
	pattern := RedisPattern(topic)
	ps := r.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errors.Wrapf(err, "psubscribe %s", pattern)
	}

	go func() {
		defer func() { _ = ps.Close() }()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var e protocol.Event
				if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
					r.log.Warn().Err(err).Str("channel", m.Channel).Msg("dropping malformed event")
					continue
				}
				if topic.Matches(e) {
					handler(e)
				}
			}
		}
	}()

	r.log.Debug().Str("pattern", pattern).Msg("subscribed")
	return nil
}

// Close releases the Redis connection pool.
func (r *RedisTransport) Close() error {
	return r.client.Close()
}
