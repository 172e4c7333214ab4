package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/charging-platform/fleet-simulator/internal/config"
)

// RedisStore 基于Redis的持久化实现。会话快照以JSON存储并维护索引
// 集合, 场景与录制元数据为独立JSON键。
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

// NewRedisStore 创建RedisStore并验证连通性
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "simulator"
	}
	return &RedisStore{Client: client, Prefix: prefix}, nil
}

func (r *RedisStore) sessionKey(chargePointID string) string {
	return fmt.Sprintf("%s:session:%s", r.Prefix, chargePointID)
}

func (r *RedisStore) sessionIndexKey() string {
	return fmt.Sprintf("%s:sessions", r.Prefix)
}

func (r *RedisStore) recordingKey(id string) string {
	return fmt.Sprintf("%s:recording:%s", r.Prefix, id)
}

func (r *RedisStore) scenarioKey(name string) string {
	return fmt.Sprintf("%s:scenario:%s", r.Prefix, name)
}

// SaveSession 写入会话快照并登记索引
func (r *RedisStore) SaveSession(ctx context.Context, snapshot SessionSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal session snapshot: %w", err)
	}

	if err := r.Client.Set(ctx, r.sessionKey(snapshot.ChargePointID), data, 0).Err(); err != nil {
		return err
	}
	return r.Client.SAdd(ctx, r.sessionIndexKey(), snapshot.ChargePointID).Err()
}

// LoadSessions 读取全部会话快照, 索引中的悬空条目被跳过
func (r *RedisStore) LoadSessions(ctx context.Context) ([]SessionSnapshot, error) {
	ids, err := r.Client.SMembers(ctx, r.sessionIndexKey()).Result()
	if err != nil {
		return nil, err
	}

	snapshots := make([]SessionSnapshot, 0, len(ids))
	for _, id := range ids {
		data, err := r.Client.Get(ctx, r.sessionKey(id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}

		var snapshot SessionSnapshot
		if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
			return nil, fmt.Errorf("unmarshal session snapshot %s: %w", id, err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

// DeleteSession 删除会话快照及其索引
func (r *RedisStore) DeleteSession(ctx context.Context, chargePointID string) error {
	if err := r.Client.Del(ctx, r.sessionKey(chargePointID)).Err(); err != nil {
		return err
	}
	return r.Client.SRem(ctx, r.sessionIndexKey(), chargePointID).Err()
}

// SaveRecording 写入录制元数据
func (r *RedisStore) SaveRecording(ctx context.Context, meta RecordingMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal recording meta: %w", err)
	}
	return r.Client.Set(ctx, r.recordingKey(meta.ID), data, 0).Err()
}

// SaveScenario 写入自定义场景
func (r *RedisStore) SaveScenario(ctx context.Context, scenario Scenario) error {
	data, err := json.Marshal(scenario)
	if err != nil {
		return fmt.Errorf("marshal scenario: %w", err)
	}
	return r.Client.Set(ctx, r.scenarioKey(scenario.Name), data, 0).Err()
}

// LoadScenario 按名称读取场景
func (r *RedisStore) LoadScenario(ctx context.Context, name string) (Scenario, error) {
	data, err := r.Client.Get(ctx, r.scenarioKey(name)).Result()
	if err == redis.Nil {
		return Scenario{}, fmt.Errorf("scenario %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return Scenario{}, err
	}

	var scenario Scenario
	if err := json.Unmarshal([]byte(data), &scenario); err != nil {
		return Scenario{}, fmt.Errorf("unmarshal scenario %s: %w", name, err)
	}
	return scenario, nil
}

// Close 关闭Redis客户端
func (r *RedisStore) Close() error {
	return r.Client.Close()
}
