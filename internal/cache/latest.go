// Package cache keeps the most recent reading of each stream in Redis so
// the latest-reading endpoint never touches Postgres on the hot path. A miss
// falls back to the store; the cache is advisory.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emylund/fieldstation/internal/model"
)

// ErrMiss is returned when no cached value exists for a stream.
var ErrMiss = errors.New("cache miss")

const (
	keyLatestSensor  = "latest:sensor"
	keyLatestWeather = "latest:weather"
)

// LatestCache stores and serves the most recent reading per stream.
type LatestCache interface {
	SetLatestSensor(ctx context.Context, r *model.SensorReading) error
	SetLatestWeather(ctx context.Context, r *model.WeatherReading) error
	LatestSensor(ctx context.Context) (*model.SensorReading, error)
	LatestWeather(ctx context.Context) (*model.WeatherReading, error)
}

// Redis is the production LatestCache. Values are stored as JSON with a TTL
// so a quiet station eventually stops serving stale readings.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (c *Redis) set(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (c *Redis) get(ctx context.Context, key string, v interface{}) error {
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal reading: %w", err)
	}
	return nil
}

func (c *Redis) SetLatestSensor(ctx context.Context, r *model.SensorReading) error {
	return c.set(ctx, keyLatestSensor, r)
}

func (c *Redis) SetLatestWeather(ctx context.Context, r *model.WeatherReading) error {
	return c.set(ctx, keyLatestWeather, r)
}

func (c *Redis) LatestSensor(ctx context.Context) (*model.SensorReading, error) {
	var r model.SensorReading
	if err := c.get(ctx, keyLatestSensor, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Redis) LatestWeather(ctx context.Context) (*model.WeatherReading, error) {
	var r model.WeatherReading
	if err := c.get(ctx, keyLatestWeather, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Noop always misses. Used when Redis is disabled and in tests.
type Noop struct{}

func (Noop) SetLatestSensor(context.Context, *model.SensorReading) error   { return nil }
func (Noop) SetLatestWeather(context.Context, *model.WeatherReading) error { return nil }
func (Noop) LatestSensor(context.Context) (*model.SensorReading, error)    { return nil, ErrMiss }
func (Noop) LatestWeather(context.Context) (*model.WeatherReading, error)  { return nil, ErrMiss }
