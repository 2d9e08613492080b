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
	"strings"
	"time"

	"learning-platform/pkg/metrics"
)

// Limiter 基于 Store 的令牌桶门卫；并发安全性由 Store 的每 key 原子性保证
type Limiter struct {
	store    Store
	defaults Config
	now      func() time.Time
}

// NewLimiter 创建限流器；defaults 为未显式配置的 key 使用的桶参数
func NewLimiter(store Store, defaults Config) *Limiter {
	if defaults.Capacity <= 0 || defaults.RefillPerSec <= 0 {
		defaults = DefaultConfig()
	}
	return &Limiter{store: store, defaults: defaults, now: time.Now}
}

// SetClock 注入时钟（测试用）
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Admit 尝试从 key 的桶中扣减 tokens 个令牌；桶不存在时满桶惰性创建
func (l *Limiter) Admit(ctx context.Context, key string, tokens float64, cfg Config) (bool, error) {
	if cfg.Capacity <= 0 || cfg.RefillPerSec <= 0 {
		cfg = l.defaults
	}
	if tokens <= 0 {
		tokens = 1
	}
	admitted, _, err := l.store.Admit(ctx, key, tokens, cfg, l.now())
	if err != nil {
		return false, err
	}
	if !admitted {
		metrics.RateLimitDenyTotal.WithLabelValues(keyClass(key)).Inc()
	}
	return admitted, nil
}

// Status 回填后的桶状态，不消耗令牌
func (l *Limiter) Status(ctx context.Context, key string, cfg Config) (Bucket, error) {
	if cfg.Capacity <= 0 || cfg.RefillPerSec <= 0 {
		cfg = l.defaults
	}
	return l.store.Status(ctx, key, cfg, l.now())
}

// Reset 满桶重置
func (l *Limiter) Reset(ctx context.Context, key string, cfg Config) error {
	if cfg.Capacity <= 0 || cfg.RefillPerSec <= 0 {
		cfg = l.defaults
	}
	return l.store.Reset(ctx, key, cfg, l.now())
}

// keyClass 从 key 提取指标标签：user:{id}:... → user，global:... → global
func keyClass(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "global"
}
