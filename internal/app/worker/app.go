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

package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"learning-platform/internal/app"
	"learning-platform/internal/queue"
	"learning-platform/pkg/config"
)

// App Worker 应用（数据面：认领并执行队列中的 Job，附带孤儿 Job 回收巡检）
type App struct {
	bootstrap     *app.Bootstrap
	engine        *queue.Engine
	reclaimAfter  time.Duration
	reclaimEvery  time.Duration
	reclaimCancel context.CancelFunc
	engineCancel  context.CancelFunc
}

// NewApp 创建 Worker 应用
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config
	if cfg == nil {
		return nil, fmt.Errorf("worker 需要配置文件")
	}
	if cfg.Queue.Type != "postgres" {
		// 内存队列只在 API 进程内可见，独立 Worker 对它没有可认领的 Job
		bootstrap.Logger.Warn("queue.type 不是 postgres，Worker 认领不到 API 进程内的 Job", "type", cfg.Queue.Type)
	}

	engineCfg := queue.EngineConfig{
		WorkerID:       DefaultWorkerID(),
		MaxConcurrency: cfg.Worker.Concurrency,
		PollInterval:   config.ParseDuration(cfg.Worker.PollInterval, 200*time.Millisecond),
		RateLimitDelay: config.ParseDuration(cfg.Worker.RateLimitWait, time.Second),
	}
	engine := queue.NewEngine(bootstrap.QueueStore, bootstrap.ToolClient, engineCfg, bootstrap.Logger)

	return &App{
		bootstrap:    bootstrap,
		engine:       engine,
		reclaimAfter: config.ParseDuration(cfg.Worker.ReclaimAfter, 5*time.Minute),
		reclaimEvery: config.ParseDuration(cfg.Worker.ReclaimEvery, time.Minute),
	}, nil
}

// Start 启动认领循环与回收巡检
func (a *App) Start() error {
	a.bootstrap.Logger.Info("启动 worker 应用", "worker_id", DefaultWorkerID())

	engineCtx, engineCancel := context.WithCancel(context.Background())
	a.engineCancel = engineCancel
	a.engine.Start(engineCtx)

	reclaimCtx, reclaimCancel := context.WithCancel(context.Background())
	a.reclaimCancel = reclaimCancel
	go a.reclaimLoop(reclaimCtx)

	a.bootstrap.Logger.Info("worker 应用启动成功")
	return nil
}

// reclaimLoop 周期性把 running 停留过久的孤儿 Job 收回为 queued
func (a *App) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(a.reclaimEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.bootstrap.QueueStore.ReclaimStuck(ctx, a.reclaimAfter, time.Now())
			if err != nil {
				a.bootstrap.Logger.Error("回收孤儿 Job 失败", "error", err)
				continue
			}
			if n > 0 {
				a.bootstrap.Logger.Info("回收孤儿 Job", "count", n, "older_than", a.reclaimAfter.String())
			}
		}
	}
}

// Shutdown 关闭应用
func (a *App) Shutdown(ctx context.Context) error {
	a.bootstrap.Logger.Info("关闭 worker 应用")

	if a.reclaimCancel != nil {
		a.reclaimCancel()
	}
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.engineCancel != nil {
		a.engineCancel()
	}
	a.bootstrap.Close()

	a.bootstrap.Logger.Info("worker 应用关闭成功")
	return nil
}

// DefaultWorkerID 取主机名作为 worker 标识，取不到时退回 "worker-0"
func DefaultWorkerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
