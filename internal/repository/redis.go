package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"villaops/internal/config"
	"villaops/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	snapshotKeyPrefix  = "progress:"
	telemetryKeyPrefix = "telemetry:"
)

var errNilClient = errors.New("redis client is nil")

// RedisSnapshotRepository keeps progress snapshots and the last telemetry
// ping per staff member in Redis.
type RedisSnapshotRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisSnapshotRepository(client *redis.Client, ttl time.Duration) *RedisSnapshotRepository {
	return &RedisSnapshotRepository{
		client: client,
		ttl:    ttl,
	}
}

func (r *RedisSnapshotRepository) GetSnapshot(ctx context.Context, jobID string) (*models.ProgressSnapshot, error) {
	var snapshot models.ProgressSnapshot
	found, err := r.get(ctx, snapshotKeyPrefix+jobID, &snapshot)
	if err != nil || !found {
		return nil, err
	}
	return &snapshot, nil
}

func (r *RedisSnapshotRepository) SetSnapshot(ctx context.Context, snapshot *models.ProgressSnapshot) error {
	return r.set(ctx, snapshotKeyPrefix+snapshot.JobID, snapshot)
}

func (r *RedisSnapshotRepository) DeleteSnapshot(ctx context.Context, jobID string) error {
	if r.client == nil {
		return errNilClient
	}
	if err := r.client.Del(ctx, snapshotKeyPrefix+jobID).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot from redis: %w", err)
	}
	return nil
}

func (r *RedisSnapshotRepository) GetTelemetry(ctx context.Context, staffID string) (*models.TelemetryPing, error) {
	var ping models.TelemetryPing
	found, err := r.get(ctx, telemetryKeyPrefix+staffID, &ping)
	if err != nil || !found {
		return nil, err
	}
	return &ping, nil
}

func (r *RedisSnapshotRepository) SetTelemetry(ctx context.Context, ping *models.TelemetryPing) error {
	return r.set(ctx, telemetryKeyPrefix+ping.StaffID, ping)
}

func (r *RedisSnapshotRepository) get(ctx context.Context, key string, dst interface{}) (bool, error) {
	if r.client == nil {
		return false, errNilClient
	}
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (r *RedisSnapshotRepository) set(ctx context.Context, key string, value interface{}) error {
	if r.client == nil {
		return errNilClient
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	return nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return errNilClient
	}
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
