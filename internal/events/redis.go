package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisPublisher implements Publisher over Redis pub/sub channels. The
// latest run status is also kept under "<channel>:run:<id>" for late
// readers.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

// NewRedisPublisher connects to the Redis instance at url
// (redis://host:port/db).
func NewRedisPublisher(ctx context.Context, url, channel string, logger zerolog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}, nil
}

// Close releases the client.
func (r *RedisPublisher) Close() error { return r.client.Close() }

// PublishRunStatus satisfies Publisher.
func (r *RedisPublisher) PublishRunStatus(ctx context.Context, event RunStatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.channel+":run:"+event.RunID, data, 0)
		pipe.Publish(ctx, r.channel, data)
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Str("channel", r.channel).Msg("Failed to publish run status")
		return err
	}
	return nil
}

// PublishEpisode satisfies Publisher.
func (r *RedisPublisher) PublishEpisode(ctx context.Context, event EpisodeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	channel := r.channel + ".episodes"
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		r.logger.Error().Err(err).Str("channel", channel).Msg("Failed to publish episode event")
		return err
	}
	return nil
}
