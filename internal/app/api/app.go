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

package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	apphttp "learning-platform/internal/api/http"
	"learning-platform/internal/api/http/middleware"
	"learning-platform/internal/app"
	"learning-platform/internal/queue"
	"learning-platform/internal/session"
	"learning-platform/internal/workflow"
	"learning-platform/pkg/config"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用（装配 HTTP Router、Handler、Middleware；控制面）
type App struct {
	bootstrap    *app.Bootstrap
	router       *apphttp.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
	queueEngine  *queue.Engine
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config

	// 工作流定义：外部文件优先，内置回退表兜底
	var specs workflow.SpecStore = workflow.NewBuiltinStore()
	if cfg != nil && cfg.Workflows.File != "" {
		fileStore, err := workflow.NewFileStore(cfg.Workflows.File)
		if err != nil {
			return nil, fmt.Errorf("加载工作流定义文件失败: %w", err)
		}
		specs = workflow.Chain(fileStore, workflow.NewBuiltinStore())
		bootstrap.Logger.Info("工作流定义文件已加载", "file", cfg.Workflows.File)
	}

	dispatcher := workflow.NewDispatcher(specs, bootstrap.QueueStore, bootstrap.Logger)
	sessions := session.NewEngine(bootstrap.SessionStore, bootstrap.ToolClient, bootstrap.Logger)

	handler := apphttp.NewHandler(dispatcher, sessions,
		bootstrap.QueueStore, bootstrap.SessionStore,
		bootstrap.Limiter, bootstrap.ToolRegistry)

	rps := 50.0
	if cfg != nil && cfg.API.Middleware.RateLimit && cfg.API.Middleware.RateLimitRPS > 0 {
		rps = float64(cfg.API.Middleware.RateLimitRPS)
	}
	mw := middleware.NewMiddleware(rps)
	router := apphttp.NewRouter(handler, mw)

	appObj := &App{
		bootstrap: bootstrap,
		router:    router,
	}

	// 单一执行权 / Control vs Data Plane：queue.type=postgres 时 API 不启动队列引擎，
	// 不执行任何 Job（API = 控制面；Worker = 数据面，仅由 Worker 通过 SKIP LOCKED 认领执行）。
	// 内存队列没有跨进程可见性，只能在 API 进程内执行。
	if cfg == nil || cfg.Queue.Type != "postgres" {
		engineCfg := queue.EngineConfig{WorkerID: "api-inline"}
		if cfg != nil {
			engineCfg.MaxConcurrency = cfg.Worker.Concurrency
			engineCfg.PollInterval = config.ParseDuration(cfg.Worker.PollInterval, 200*time.Millisecond)
			engineCfg.RateLimitDelay = config.ParseDuration(cfg.Worker.RateLimitWait, time.Second)
		}
		appObj.queueEngine = queue.NewEngine(bootstrap.QueueStore, bootstrap.ToolClient, engineCfg, bootstrap.Logger)
	}

	return appObj, nil
}

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	a.bootstrap.Logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 日志配置对齐
	output := os.Stdout
	if a.bootstrap.Config != nil && a.bootstrap.Config.Log.File != "" {
		f, err := os.OpenFile(a.bootstrap.Config.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	if a.bootstrap.Config != nil && a.bootstrap.Config.Log.Level != "" {
		switch a.bootstrap.Config.Log.Level {
		case "debug":
			levelVar.Set(slog.LevelDebug)
		case "warn":
			levelVar.Set(slog.LevelWarn)
		case "error":
			levelVar.Set(slog.LevelError)
		default:
			levelVar.Set(slog.LevelInfo)
		}
	} else {
		levelVar.Set(slog.LevelInfo)
	}
	hertzLogger := hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	)
	hlog.SetLogger(hertzLogger)

	// 可选：启用链路追踪（OpenTelemetry）
	if a.bootstrap.Config != nil && a.bootstrap.Config.Monitoring.Tracing.Enable {
		serviceName := a.bootstrap.Config.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "learning-api"
		}
		exportEndpoint := a.bootstrap.Config.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if a.bootstrap.Config.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			p := provider.NewOpenTelemetryProvider(opts...)
			a.otelProvider = p
			tracerOpt, cfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(cfg))
			a.bootstrap.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}

	if a.queueEngine != nil {
		a.queueEngine.Start(context.Background())
		a.bootstrap.Logger.Info("进程内队列引擎已启动（queue.type != postgres）")
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.queueEngine != nil {
		a.queueEngine.Stop()
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	a.bootstrap.Close()
	return nil
}
