// Copyright 2026 the learning-platform authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store 限流桶存储：每个方法对单个 key 必须是原子的读-改-写。
// 不要求跨 key 的全局锁；两个并发 Admit 争抢同一 key 的最后一个令牌时，
// 至多一个成功。
type Store interface {
	// Admit 回填后尝试扣减 tokens 个令牌；不足时只持久化回填结果并拒绝
	Admit(ctx context.Context, key string, tokens float64, cfg Config, now time.Time) (bool, Bucket, error)
	// Status 回填后返回桶状态，不扣减（供自省）
	Status(ctx context.Context, key string, cfg Config, now time.Time) (Bucket, error)
	// Reset 满桶重置：tokens = capacity, lastRefillAt = now
	Reset(ctx context.Context, key string, cfg Config, now time.Time) error
}

// MemoryStore 内存实现：每 key 一把锁串行化读-改-写
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	locks   map[string]*sync.Mutex
}

// NewMemoryStore 创建内存限流存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*Bucket),
		locks:   make(map[string]*sync.Mutex),
	}
}

// keyLock 返回 key 对应的互斥锁，不存在则创建
func (s *MemoryStore) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[key] == nil {
		s.locks[key] = &sync.Mutex{}
	}
	return s.locks[key]
}

func (s *MemoryStore) bucket(key string, cfg Config, now time.Time) *Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		nb := newBucket(key, cfg, now)
		b = &nb
		s.buckets[key] = b
	}
	return b
}

func (s *MemoryStore) Admit(ctx context.Context, key string, tokens float64, cfg Config, now time.Time) (bool, Bucket, error) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	b := s.bucket(key, cfg, now)
	b.refill(now)
	if b.Tokens >= tokens {
		b.Tokens -= tokens
		return true, *b, nil
	}
	return false, *b, nil
}

func (s *MemoryStore) Status(ctx context.Context, key string, cfg Config, now time.Time) (Bucket, error) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	b := s.bucket(key, cfg, now)
	cp := *b
	cp.refill(now)
	return cp, nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string, cfg Config, now time.Time) error {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()
	b := s.bucket(key, cfg, now)
	b.Tokens = b.Capacity
	b.LastRefillAt = now
	return nil
}
