// Package livestate mirrors the latest persisted measurement of every
// station into Redis and announces it on a pub/sub channel.
package livestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ljn0099/picoWeatherCollector/internal/config"
	"github.com/ljn0099/picoWeatherCollector/internal/ingest"
)

// ErrNotFound means no live state is held for the station.
var ErrNotFound = errors.New("livestate: no state for station")

type Store struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// Connect dials Redis and checks it answers.
func Connect(ctx context.Context, cfg config.Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, cfg.LiveStateTTL), nil
}

func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, now: time.Now}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func stateKey(stationID string) string {
	return fmt.Sprintf("station:%s:latest", stationID)
}

// Channel is the pub/sub channel carrying a station's measurements as JSON.
func Channel(stationID string) string {
	return fmt.Sprintf("station:%s:measurements", stationID)
}

// Publish replaces the station's live hash and announces the measurement.
func (s *Store) Publish(ctx context.Context, stationID string, m ingest.WeatherMeasurement) error {
	state := map[string]any{
		"station_id":   stationID,
		"period_start": m.PeriodStart,
		"period_end":   m.PeriodEnd,
		"received_at":  s.now().Unix(),
	}
	for i, v := range m.Scalars() {
		if v.Valid {
			state[ingest.ScalarNames[i]] = v.Value
		}
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	key := stateKey(stationID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, state)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	pipe.Publish(ctx, Channel(stationID), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Latest returns the live state of a station with numeric fields parsed.
func (s *Store) Latest(ctx context.Context, stationID string) (map[string]any, error) {
	raw, err := s.client.HGetAll(ctx, stateKey(stationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}

	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "station_id" {
			out[k] = v
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
			continue
		}
		out[k] = v
	}
	return out, nil
}

// Watch subscribes to a station's measurement channel. Payloads arrive on
// the returned channel until ctx ends or stop is called; stop must always
// be called.
func (s *Store) Watch(ctx context.Context, stationID string) (<-chan []byte, func() error, error) {
	sub := s.client.Subscribe(ctx, Channel(stationID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe failed: %w", err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, sub.Close, nil
}
