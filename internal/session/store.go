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

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound 会话不存在
	ErrNotFound = errors.New("session not found")
	// ErrVersionMismatch 保存时 ETag 与存储中的不一致（并发修改）
	ErrVersionMismatch = errors.New("session version mismatch")
)

// Store 会话持久化接口。Save 以 ETag 做 CAS：phase 与 artifacts 原子落盘，
// 版本不一致时整体拒绝
type Store interface {
	// GetOrCreate 返回 (userID, week, day) 的会话，不存在时以 planning 阶段创建
	GetOrCreate(ctx context.Context, userID string, week, day int) (*Session, error)
	// Get 按键读取，不创建
	Get(ctx context.Context, userID string, week, day int) (*Session, error)
	// Save CAS 保存：s.ETag 必须等于存储中的当前值，成功后写入新 ETag
	Save(ctx context.Context, s *Session) error
	// ListByUser 一个用户的全部会话，新的在前
	ListByUser(ctx context.Context, userID string, limit int) ([]Session, error)
	Close()
}

func sessionKey(userID string, week, day int) string {
	return fmt.Sprintf("%s:%d:%d", userID, week, day)
}

// MemoryStore 内存实现，供测试与单进程部署使用
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryStore 创建内存会话存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, userID string, week, day int) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(userID, week, day)
	if sess, ok := s.sessions[key]; ok {
		return copySession(sess), nil
	}
	now := s.now()
	sess := &Session{
		ID:        "session-" + uuid.New().String(),
		UserID:    userID,
		Week:      week,
		Day:       day,
		Phase:     PhasePlanning,
		Artifacts: make(map[string]json.RawMessage),
		ETag:      "session-v-" + uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[key] = sess
	return copySession(sess), nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string, week, day int) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey(userID, week, day)]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

func (s *MemoryStore) Save(ctx context.Context, in *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(in.UserID, in.Week, in.Day)
	cur, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	if cur.ETag != in.ETag {
		return ErrVersionMismatch
	}
	in.ETag = "session-v-" + uuid.New().String()
	in.UpdatedAt = s.now()
	s.sessions[key] = copySession(in)
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, *copySession(sess))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() {}

func copySession(in *Session) *Session {
	out := *in
	out.Artifacts = make(map[string]json.RawMessage, len(in.Artifacts))
	for k, v := range in.Artifacts {
		out.Artifacts[k] = v
	}
	return &out
}
