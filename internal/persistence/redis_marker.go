package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/MimeLyc/media-pipeline/internal/apperr"
)

// RedisMarker keeps the version marker in Redis so every worker host sees
// the same value.
type RedisMarker struct {
	client redis.UniversalClient
	key    string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperr.Wrap(err, apperr.BackendUnavailable, fmt.Sprintf("connect redis at %s", opts.Addr))
	}
	return client, nil
}

func NewRedisMarker(client redis.UniversalClient, key string) *RedisMarker {
	if key == "" {
		key = DefaultMarkerKey
	}
	return &RedisMarker{client: client, key: key}
}

func (m *RedisMarker) Get(ctx context.Context) (int, bool, error) {
	raw, err := m.client.Get(ctx, m.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperr.Wrap(err, apperr.BackendUnavailable, "read version marker").WithContext("key", m.key)
	}
	v, err := parseMarker(m.key, raw)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (m *RedisMarker) Set(ctx context.Context, version int) error {
	if err := m.client.Set(ctx, m.key, strconv.Itoa(version), 0).Err(); err != nil {
		return apperr.Wrap(err, apperr.BackendUnavailable, "write version marker").WithContext("key", m.key)
	}
	return nil
}
