// Package memory provides MemoryStore implementations: a mutex-guarded
// in-process store and a Redis-backed store with native TTL expiry.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/WenQiao97/taskmesh/types"
)

// Store 进程内存储实现，按命名空间分桶。
// 适合测试与单进程部署；所有方法并发安全。
type Store struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]types.MemoryRecord
	logger     *zap.Logger
}

// NewStore 创建进程内存储
func NewStore(logger ...*zap.Logger) *Store {
	var l *zap.Logger
	if len(logger) > 0 && logger[0] != nil {
		l = logger[0]
	} else {
		l = zap.NewNop()
	}
	return &Store{
		namespaces: make(map[string]map[string]types.MemoryRecord),
		logger:     l.With(zap.String("component", "memory")),
	}
}

// Upsert 插入或替换记录
func (s *Store) Upsert(_ context.Context, record types.MemoryRecord, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.namespaces[namespace]
	if bucket == nil {
		bucket = make(map[string]types.MemoryRecord)
		s.namespaces[namespace] = bucket
	}

	now := time.Now().UTC()
	if existing, ok := bucket[record.ID]; ok && !existing.CreatedAt.IsZero() {
		record.CreatedAt = existing.CreatedAt
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	bucket[record.ID] = record
	return nil
}

// Get 按 ID 获取记录
func (s *Store) Get(_ context.Context, id, namespace string) (types.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if record, ok := s.namespaces[namespace][id]; ok {
		return record, nil
	}
	return types.MemoryRecord{}, types.NewErrorf(types.ErrNotFound,
		"record %s not found in namespace %s", id, namespace)
}

// Delete 按 ID 删除记录
func (s *Store) Delete(_ context.Context, id, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.namespaces[namespace]
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "namespace %s not found", namespace)
	}
	if _, ok := bucket[id]; !ok {
		return types.NewErrorf(types.ErrNotFound,
			"record %s not found in namespace %s", id, namespace)
	}
	delete(bucket, id)
	return nil
}

// SearchByText 子串匹配文本检索，结果按更新时间倒序。
func (s *Store) SearchByText(_ context.Context, query, namespace string, limit int) ([]types.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.ToLower(query)
	var matches []types.MemoryRecord
	for _, record := range s.namespaces[namespace] {
		if query == "" || strings.Contains(strings.ToLower(record.Text), query) {
			matches = append(matches, record)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	return clip(matches, limit), nil
}

// SearchByVector 余弦相似度检索，跳过无向量的记录。
func (s *Store) SearchByVector(_ context.Context, vector []float32, namespace string, limit int) ([]types.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		record types.MemoryRecord
		score  float64
	}
	var matches []scored
	for _, record := range s.namespaces[namespace] {
		if len(record.Embedding) == 0 || len(record.Embedding) != len(vector) {
			continue
		}
		matches = append(matches, scored{record: record, score: cosineSimilarity(vector, record.Embedding)})
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

// PurgeExpired 移除 TTL 已到期的记录，返回移除数量。
func (s *Store) PurgeExpired(_ context.Context, namespace string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	purged := 0
	for id, record := range s.namespaces[namespace] {
		if record.Expired(now) {
			delete(s.namespaces[namespace], id)
			purged++
		}
	}
	if purged > 0 {
		s.logger.Debug("purged expired records",
			zap.String("namespace", namespace),
			zap.Int("purged", purged))
	}
	return purged, nil
}

// Len 返回命名空间内的记录数（测试与自省用）。
func (s *Store) Len(namespace string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.namespaces[namespace])
}

func clip(records []types.MemoryRecord, limit int) []types.MemoryRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

// cosineSimilarity 计算两个向量的余弦相似度
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
