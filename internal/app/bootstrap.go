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

package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"learning-platform/internal/queue"
	"learning-platform/internal/ratelimit"
	"learning-platform/internal/session"
	"learning-platform/internal/tool"
	"learning-platform/pkg/config"
	"learning-platform/pkg/log"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内写装配逻辑
type Bootstrap struct {
	Config       *config.Config
	Logger       *log.Logger
	QueueStore   queue.Store
	SessionStore session.Store
	Limiter      *ratelimit.Limiter
	ToolRegistry *tool.Registry
	ToolClient   *tool.Client

	rlCloser func()
}

// NewBootstrap 根据配置创建 Bootstrap（队列存储 / 会话存储 / 限流存储 / 工具注册表与客户端）
func NewBootstrap(cfg *config.Config) (*Bootstrap, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	queueStore, err := newQueueStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化任务队列存储失败: %w", err)
	}

	sessionStore, err := newSessionStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化会话存储失败: %w", err)
	}

	limiter, rlCloser, err := newLimiter(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化限流器失败: %w", err)
	}

	registry := tool.NewRegistry()
	if cfg != nil && len(cfg.Tools) > 0 {
		registry = tool.NewRegistryFromConfig(cfg.Tools)
	}
	client := tool.NewClient(registry, limiter)

	return &Bootstrap{
		Config:       cfg,
		Logger:       logger,
		QueueStore:   queueStore,
		SessionStore: sessionStore,
		Limiter:      limiter,
		ToolRegistry: registry,
		ToolClient:   client,
		rlCloser:     rlCloser,
	}, nil
}

// Close 关闭各存储后端
func (b *Bootstrap) Close() {
	if b.QueueStore != nil {
		b.QueueStore.Close()
	}
	if b.SessionStore != nil {
		b.SessionStore.Close()
	}
	if b.rlCloser != nil {
		b.rlCloser()
	}
}

func newQueueStore(cfg *config.Config) (queue.Store, error) {
	if cfg != nil && cfg.Queue.Type == "postgres" {
		if cfg.Queue.DSN == "" {
			return nil, fmt.Errorf("queue.type=postgres 时 queue.dsn 必填")
		}
		return queue.NewPGStore(context.Background(), cfg.Queue.DSN)
	}
	return queue.NewMemoryStore(), nil
}

func newSessionStore(cfg *config.Config) (session.Store, error) {
	if cfg != nil && cfg.Session.Type == "postgres" {
		dsn := cfg.Session.DSN
		if dsn == "" {
			dsn = cfg.Queue.DSN
		}
		if dsn == "" {
			return nil, fmt.Errorf("session.type=postgres 时需要 session.dsn 或 queue.dsn")
		}
		return session.NewPGStore(context.Background(), dsn)
	}
	return session.NewMemoryStore(), nil
}

// newLimiter 构造令牌桶限流器；返回的 closer 关闭底层存储连接
func newLimiter(cfg *config.Config) (*ratelimit.Limiter, func(), error) {
	defaults := ratelimit.Config{}
	store := ratelimit.Store(ratelimit.NewMemoryStore())
	closer := func() {}

	if cfg != nil {
		defaults = ratelimit.Config{
			Capacity:     cfg.RateLimit.Capacity,
			RefillPerSec: cfg.RateLimit.RefillPerSec,
		}
		switch cfg.RateLimit.Store {
		case "postgres":
			dsn := cfg.RateLimit.DSN
			if dsn == "" {
				dsn = cfg.Queue.DSN
			}
			if dsn == "" {
				return nil, nil, fmt.Errorf("rate_limit.store=postgres 时需要 rate_limit.dsn 或 queue.dsn")
			}
			pg, err := ratelimit.NewPGStore(context.Background(), dsn)
			if err != nil {
				return nil, nil, err
			}
			store = pg
			closer = pg.Close
		case "redis":
			if cfg.RateLimit.RedisAddr == "" {
				return nil, nil, fmt.Errorf("rate_limit.store=redis 时 rate_limit.redis_addr 必填")
			}
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.RateLimit.RedisAddr,
				DB:       cfg.RateLimit.RedisDB,
				Password: cfg.RateLimit.RedisPassword,
			})
			store = ratelimit.NewRedisStore(client)
			closer = func() { _ = client.Close() }
		}
	}
	return ratelimit.NewLimiter(store, defaults), closer, nil
}
