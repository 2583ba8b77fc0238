// Package store publishes position snapshots to Redis for external readers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/replicator/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// PositionKey is the cache key of a market's position snapshot.
func PositionKey(market string) string {
	return fmt.Sprintf("position:%s", market)
}

type RedisPublisher struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRedisPublisher connects and pings the server. password overrides any
// password in the URL.
func NewRedisPublisher(redisURL, password string, ttl time.Duration, logger *logrus.Logger) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if password != "" {
		opt.Password = password
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisPublisher{client: client, ttl: ttl, logger: logger}, nil
}

// Publish stores the position as JSON under position:{market} with the
// configured TTL.
func (p *RedisPublisher) Publish(ctx context.Context, pos models.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}

	key := PositionKey(pos.Market)
	if err := p.client.Set(ctx, key, data, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"market": pos.Market,
		"key":    key,
		"bytes":  len(data),
	}).Debug("Position published")
	return nil
}

// Get reads a published position. A missing key returns false and no error.
func (p *RedisPublisher) Get(ctx context.Context, market string) (models.Position, bool, error) {
	var pos models.Position

	data, err := p.client.Get(ctx, PositionKey(market)).Bytes()
	if errors.Is(err, redis.Nil) {
		return pos, false, nil
	}
	if err != nil {
		return pos, false, fmt.Errorf("redis GET failed: %w", err)
	}
	if err := json.Unmarshal(data, &pos); err != nil {
		return pos, false, fmt.Errorf("json unmarshal failed: %w", err)
	}
	return pos, true, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
