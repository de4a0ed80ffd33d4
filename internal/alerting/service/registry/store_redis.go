package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const registryKey = "controlplane:registry"

// RedisStore keeps descriptors in a single hash, field = service name.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore keeps every registration in one redis hash keyed by service name.
func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{redis: rdb} }

func (s *RedisStore) Upsert(ctx context.Context, svc Service) error {
	data, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("marshal service: %w", err)
	}
	if err := s.redis.HSet(ctx, registryKey, svc.Name, data).Err(); err != nil {
		return fmt.Errorf("hset service: %w", err)
	}
	return nil
}

// Get returns nil, nil when name is not registered.
func (s *RedisStore) Get(ctx context.Context, name string) (*Service, error) {
	data, err := s.redis.HGet(ctx, registryKey, name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hget service: %w", err)
	}
	var svc Service
	if err := json.Unmarshal([]byte(data), &svc); err != nil {
		return nil, fmt.Errorf("unmarshal service: %w", err)
	}
	return &svc, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Service, error) {
	all, err := s.redis.HGetAll(ctx, registryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall services: %w", err)
	}
	out := make([]Service, 0, len(all))
	for name, data := range all {
		var svc Service
		if err := json.Unmarshal([]byte(data), &svc); err != nil {
			log.Warn().Err(err).Str("service", name).Msg("skip undecodable registry entry")
			continue
		}
		out = append(out, svc)
	}
	return out, nil
}

const touchRetries = 3

// Touch rewrites last_seen inside a WATCH transaction so a concurrent delete or re-registration wins.
func (s *RedisStore) Touch(ctx context.Context, name string, at time.Time) (*Service, error) {
	var out *Service
	txf := func(tx *redis.Tx) error {
		out = nil
		data, err := tx.HGet(ctx, registryKey, name).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var svc Service
		if err := json.Unmarshal([]byte(data), &svc); err != nil {
			return fmt.Errorf("unmarshal service: %w", err)
		}
		svc.LastSeen = at
		b, err := json.Marshal(svc)
		if err != nil {
			return fmt.Errorf("marshal service: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, registryKey, name, b)
			return nil
		})
		if err == nil {
			out = &svc
		}
		return err
	}
	for i := 0; i < touchRetries; i++ {
		err := s.redis.Watch(ctx, txf, registryKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("touch service: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("touch service %s: registry changed %d times during update", name, touchRetries)
}

func (s *RedisStore) Delete(ctx context.Context, name string) (bool, error) {
	n, err := s.redis.HDel(ctx, registryKey, name).Result()
	if err != nil {
		return false, fmt.Errorf("hdel service: %w", err)
	}
	return n > 0, nil
}
