package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/fleet-dash/internal/fleet"
	"github.com/shaunagostinho/fleet-dash/internal/metrics"
)

const defaultRedisChannel = "gps_update"

// RedisSource subscribes to a Redis pub/sub channel carrying event frames.
type RedisSource struct {
	name    string
	channel string
	event   string
	opts    *redis.Options

	client *redis.Client
}

func NewRedis(cfg SourceConfig) *RedisSource {
	channel := cfg.Subject
	if channel == "" {
		channel = defaultRedisChannel
	}
	return &RedisSource{
		name:    cfg.SourceName(),
		channel: channel,
		event:   cfg.event(),
		opts: &redis.Options{
			Addr:     cfg.URL,
			Password: cfg.Password,
			DB:       cfg.DB,
		},
	}
}

func (s *RedisSource) Name() string { return s.name }

func (s *RedisSource) Connect() error {
	client := redis.NewClient(s.opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("feed: redis ping %s: %w", s.opts.Addr, err)
	}
	s.client = client
	return nil
}

func (s *RedisSource) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *RedisSource) Listen(ctx context.Context, out chan<- fleet.Message) error {
	if s.client == nil {
		return ErrNotConnected
	}
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("feed: redis subscribe %s: %w", s.channel, err)
	}

	l := log.WithFields(log.Fields{"component": "feed", "source": s.name})
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return ErrNotConnected
			}
			event, p, err := DecodeEnvelope([]byte(m.Payload), s.event)
			if err != nil {
				metrics.PayloadsDropped.WithLabelValues("malformed").Inc()
				l.WithField("err", err).Warn("undecodable message")
				continue
			}
			if !forward(ctx, out, s.name, event, p) {
				return nil
			}
		}
	}
}
