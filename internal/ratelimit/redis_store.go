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
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript 回填并扣减；单脚本执行保证每 key 原子性。
// KEYS[1] 桶 key；ARGV: 请求令牌数, capacity, refill_per_sec, now(unix 秒, 浮点)。
// 返回 {admitted(0/1), tokens, last_refill_at}
var admitScript = redis.NewScript(`
local key = KEYS[1]
local want = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last = tonumber(redis.call('HGET', key, 'last'))
if tokens == nil then
  tokens = cap
  last = now
end
local elapsed = now - last
if elapsed > 0 then
  tokens = tokens + elapsed * rate
  if tokens > cap then tokens = cap end
end
local admitted = 0
if tokens >= want then
  tokens = tokens - want
  admitted = 1
end
redis.call('HSET', key, 'tokens', tokens, 'last', now, 'cap', cap, 'rate', rate)
return {admitted, tostring(tokens), tostring(now)}
`)

// RedisStore Redis 实现：多进程共享桶时使用；Lua 脚本保证原子读-改-写
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建基于 Redis 的限流存储
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

func (s *RedisStore) Admit(ctx context.Context, key string, tokens float64, cfg Config, now time.Time) (bool, Bucket, error) {
	nowSec := float64(now.UnixNano()) / 1e9
	res, err := admitScript.Run(ctx, s.client, []string{s.prefix + key},
		tokens, cfg.Capacity, cfg.RefillPerSec, nowSec).Slice()
	if err != nil {
		return false, Bucket{}, err
	}
	admitted, remaining, err := parseAdmitReply(res)
	if err != nil {
		return false, Bucket{}, err
	}
	b := Bucket{
		Key:          key,
		Tokens:       remaining,
		Capacity:     cfg.Capacity,
		RefillPerSec: cfg.RefillPerSec,
		LastRefillAt: now,
	}
	return admitted, b, nil
}

// parseAdmitReply 解析 admitScript 的 {admitted, tokens, ...} 返回值；
// 形状不符时报错而不是 panic
func parseAdmitReply(res []interface{}) (bool, float64, error) {
	if len(res) < 2 {
		return false, 0, fmt.Errorf("admit script returned %d values, want at least 2", len(res))
	}
	n, ok := res[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("admit script reply[0] is %T, want int64", res[0])
	}
	rs, ok := res[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("admit script reply[1] is %T, want string", res[1])
	}
	remaining, err := strconv.ParseFloat(rs, 64)
	if err != nil {
		return false, 0, fmt.Errorf("admit script tokens value %q: %w", rs, err)
	}
	return n == 1, remaining, nil
}

func (s *RedisStore) Status(ctx context.Context, key string, cfg Config, now time.Time) (Bucket, error) {
	vals, err := s.client.HMGet(ctx, s.prefix+key, "tokens", "last").Result()
	if err != nil {
		return Bucket{}, err
	}
	b := newBucket(key, cfg, now)
	if ts, ok := vals[0].(string); ok {
		if tokens, err := strconv.ParseFloat(ts, 64); err == nil {
			b.Tokens = tokens
		}
	}
	if ls, ok := vals[1].(string); ok {
		if last, err := strconv.ParseFloat(ls, 64); err == nil {
			b.LastRefillAt = time.Unix(0, int64(last*1e9))
			b.refill(now)
		}
	}
	return b, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string, cfg Config, now time.Time) error {
	nowSec := float64(now.UnixNano()) / 1e9
	return s.client.HSet(ctx, s.prefix+key,
		"tokens", cfg.Capacity, "last", nowSec,
		"cap", cfg.Capacity, "rate", cfg.RefillPerSec).Err()
}
