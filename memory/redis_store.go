package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/WenQiao97/taskmesh/types"
)

// keyPrefix Redis 键前缀
const keyPrefix = "taskmesh:mem"

// scanBatchSize SCAN 每批返回的键数
const scanBatchSize = 200

// RedisConfig Redis 存储配置
type RedisConfig struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisStore Redis 存储实现。TTL 到期由 Redis 原生过期处理。
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 存储并验证连接
func NewRedisStore(config RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	store := NewRedisStoreFromClient(client, logger)
	store.logger.Info("redis store initialized",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize))
	return store, nil
}

// NewRedisStoreFromClient 用现有客户端创建 Redis 存储（测试用）。
func NewRedisStoreFromClient(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		logger: logger.With(zap.String("component", "redis_store")),
	}
}

// Close 关闭底层客户端
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func recordKey(namespace, id string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, namespace, id)
}

func namespacePattern(namespace string) string {
	return fmt.Sprintf("%s:%s:*", keyPrefix, namespace)
}

// Upsert 插入或替换记录，TTL > 0 时设置原生过期。
func (s *RedisStore) Upsert(ctx context.Context, record types.MemoryRecord, namespace string) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", record.ID, err)
	}

	var expiration time.Duration
	if record.TTL > 0 {
		expiration = record.TTL
	}
	if err := s.client.Set(ctx, recordKey(namespace, record.ID), payload, expiration).Err(); err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", record.ID, err)
	}
	return nil
}

// Get 按 ID 获取记录
func (s *RedisStore) Get(ctx context.Context, id, namespace string) (types.MemoryRecord, error) {
	payload, err := s.client.Get(ctx, recordKey(namespace, id)).Bytes()
	if err == redis.Nil {
		return types.MemoryRecord{}, types.NewErrorf(types.ErrNotFound,
			"record %s not found in namespace %s", id, namespace)
	}
	if err != nil {
		return types.MemoryRecord{}, fmt.Errorf("failed to get record %s: %w", id, err)
	}

	var record types.MemoryRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return types.MemoryRecord{}, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}
	return record, nil
}

// Delete 按 ID 删除记录
func (s *RedisStore) Delete(ctx context.Context, id, namespace string) error {
	removed, err := s.client.Del(ctx, recordKey(namespace, id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	if removed == 0 {
		return types.NewErrorf(types.ErrNotFound,
			"record %s not found in namespace %s", id, namespace)
	}
	return nil
}

// SearchByText 扫描命名空间并做子串匹配。记录量大时应换用
// 专门的检索后端，这里保持与进程内存储一致的语义。
func (s *RedisStore) SearchByText(ctx context.Context, query, namespace string, limit int) ([]types.MemoryRecord, error) {
	query = strings.ToLower(query)
	var matches []types.MemoryRecord

	err := s.scanNamespace(ctx, namespace, func(record types.MemoryRecord) bool {
		if query == "" || strings.Contains(strings.ToLower(record.Text), query) {
			matches = append(matches, record)
			if limit > 0 && len(matches) >= limit {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// SearchByVector 扫描命名空间并按余弦相似度排序。
func (s *RedisStore) SearchByVector(ctx context.Context, vector []float32, namespace string, limit int) ([]types.MemoryRecord, error) {
	type scored struct {
		record types.MemoryRecord
		score  float64
	}
	var matches []scored

	err := s.scanNamespace(ctx, namespace, func(record types.MemoryRecord) bool {
		if len(record.Embedding) == 0 || len(record.Embedding) != len(vector) {
			return true
		}
		matches = append(matches, scored{record: record, score: cosineSimilarity(vector, record.Embedding)})
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})
	records := make([]types.MemoryRecord, 0, len(matches))
	for _, m := range matches {
		records = append(records, m.record)
	}
	return clip(records, limit), nil
}

// PurgeExpired 仅作兜底：TTL 由 Redis 原生过期处理，这里清理
// 写入时未带 TTL 但记录自身已过期的条目。
func (s *RedisStore) PurgeExpired(ctx context.Context, namespace string) (int, error) {
	now := time.Now().UTC()
	purged := 0

	err := s.scanNamespace(ctx, namespace, func(record types.MemoryRecord) bool {
		if record.Expired(now) {
			if err := s.client.Del(ctx, recordKey(namespace, record.ID)).Err(); err == nil {
				purged++
			}
		}
		return true
	})
	if err != nil {
		return purged, err
	}
	return purged, nil
}

// scanNamespace 遍历命名空间内的全部记录，visit 返回 false 时提前结束。
func (s *RedisStore) scanNamespace(ctx context.Context, namespace string, visit func(types.MemoryRecord) bool) error {
	iter := s.client.Scan(ctx, 0, namespacePattern(namespace), scanBatchSize).Iterator()
	for iter.Next(ctx) {
		payload, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read key %s: %w", iter.Val(), err)
		}

		var record types.MemoryRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			s.logger.Warn("skipping malformed record", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		if !visit(record) {
			return nil
		}
	}
	return iter.Err()
}
