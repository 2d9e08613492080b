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

import "time"

// Config 桶参数：容量与每秒回填速率
type Config struct {
	Capacity     float64 `mapstructure:"capacity"`
	RefillPerSec float64 `mapstructure:"refill_per_sec"`
}

// DefaultConfig 默认桶参数：容量 100，每秒回填 10
func DefaultConfig() Config {
	return Config{Capacity: 100, RefillPerSec: 10}
}

// PerMinute 按每分钟调用数构造桶参数（LLM 类工具常用 2–8/min）
func PerMinute(n float64) Config {
	if n <= 0 {
		return DefaultConfig()
	}
	return Config{Capacity: n, RefillPerSec: n / 60.0}
}

// Bucket 单个限流桶的持久化状态；首次使用时以 Tokens=Capacity 惰性创建
type Bucket struct {
	Key          string
	Tokens       float64
	Capacity     float64
	RefillPerSec float64
	LastRefillAt time.Time
}

// refill 按逝去时间回填令牌：tokens = min(capacity, tokens + elapsed × rate)
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.LastRefillAt).Seconds()
	if elapsed > 0 {
		b.Tokens += elapsed * b.RefillPerSec
		if b.Tokens > b.Capacity {
			b.Tokens = b.Capacity
		}
	}
	b.LastRefillAt = now
}

// newBucket 惰性创建：满桶起步
func newBucket(key string, cfg Config, now time.Time) Bucket {
	return Bucket{
		Key:          key,
		Tokens:       cfg.Capacity,
		Capacity:     cfg.Capacity,
		RefillPerSec: cfg.RefillPerSec,
		LastRefillAt: now,
	}
}
