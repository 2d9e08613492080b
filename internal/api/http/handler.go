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

package http

import (
	"bytes"
	"context"
	stderrors "errors"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"learning-platform/internal/queue"
	"learning-platform/internal/ratelimit"
	"learning-platform/internal/session"
	"learning-platform/internal/tool"
	"learning-platform/internal/workflow"
	"learning-platform/pkg/errors"
	"learning-platform/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	dispatcher   *workflow.Dispatcher
	sessions     *session.Engine
	queueStore   queue.Store
	sessionStore session.Store
	limiter      *ratelimit.Limiter
	tools        *tool.Registry
}

// NewHandler 创建 HTTP 处理器
func NewHandler(dispatcher *workflow.Dispatcher, sessions *session.Engine,
	queueStore queue.Store, sessionStore session.Store,
	limiter *ratelimit.Limiter, tools *tool.Registry) *Handler {
	return &Handler{
		dispatcher:   dispatcher,
		sessions:     sessions,
		queueStore:   queueStore,
		sessionStore: sessionStore,
		limiter:      limiter,
		tools:        tools,
	}
}

// HealthCheck 健康检查
// GET /api/health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// Dispatch 派发一条工作流
// POST /api/dispatch
func (h *Handler) Dispatch(c context.Context, ctx *app.RequestContext) {
	var req workflow.DispatchRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	res, err := h.dispatcher.Dispatch(c, req)
	if err != nil {
		switch {
		case errors.KindOf(err) == errors.KindValidation,
			stderrors.Is(err, workflow.ErrMalformedSpec):
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		case stderrors.Is(err, workflow.ErrUnknownWorkflow):
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "unknown workflow: " + req.WorkflowKey})
		default:
			hlog.CtxErrorf(c, "dispatch %s for user %s: %v", req.WorkflowKey, req.UserID, err)
			ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "dispatch failed"})
		}
		return
	}
	ctx.JSON(consts.StatusOK, res)
}

// SessionEvent 处理一次会话事件
// POST /api/session/event
func (h *Handler) SessionEvent(c context.Context, ctx *app.RequestContext) {
	var req session.EventRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	res, err := h.sessions.HandleEvent(c, req)
	if err != nil {
		if errors.KindOf(err) == errors.KindValidation {
			ctx.JSON(consts.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		hlog.CtxErrorf(c, "session event %s for user %s: %v", req.Event, req.UserID, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]any{"ok": false, "error": "session event failed"})
		return
	}

	switch {
	case res.RateLimited:
		ctx.JSON(consts.StatusTooManyRequests, res)
	case res.Degraded:
		ctx.JSON(consts.StatusBadGateway, res)
	default:
		ctx.JSON(consts.StatusOK, res)
	}
}

// toolFreshness 单个工具的令牌桶状态
type toolFreshness struct {
	Tool      string  `json:"tool"`
	Tokens    float64 `json:"tokens"`
	Capacity  float64 `json:"capacity"`
	PerMinute float64 `json:"perMinute,omitempty"`
}

// Status 只读状态汇总：活跃 Run、会话阶段、每工具令牌余量与队列统计
// GET /api/status?userId=
func (h *Handler) Status(c context.Context, ctx *app.RequestContext) {
	userID := ctx.Query("userId")
	if userID == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "userId is required"})
		return
	}

	runs, err := h.queueStore.ListRunsByUser(c, userID, 10)
	if err != nil {
		hlog.CtxErrorf(c, "list runs for user %s: %v", userID, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "status lookup failed"})
		return
	}
	counts, err := h.queueStore.CountByStatus(c)
	if err != nil {
		hlog.CtxErrorf(c, "count jobs: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "status lookup failed"})
		return
	}
	sessions, err := h.sessionStore.ListByUser(c, userID, 7)
	if err != nil {
		hlog.CtxErrorf(c, "list sessions for user %s: %v", userID, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "status lookup failed"})
		return
	}

	// 未完成 Run 中下一个待执行 Job 的时间（退避等待建模为未来的 NextRunAt）
	var nextScheduled *time.Time
	for _, r := range runs {
		if r.Status != queue.RunRunning {
			continue
		}
		jobs, err := h.queueStore.ListJobsByRun(c, r.ID)
		if err != nil {
			hlog.CtxWarnf(c, "list jobs for run %s: %v", r.ID, err)
			continue
		}
		for _, j := range jobs {
			if j.Status != queue.StatusQueued {
				continue
			}
			t := j.NextRunAt
			if nextScheduled == nil || t.Before(*nextScheduled) {
				nextScheduled = &t
			}
		}
	}

	freshness := make([]toolFreshness, 0)
	if h.limiter != nil && h.tools != nil {
		for _, entry := range h.tools.List() {
			cfg := ratelimit.Config{}
			if entry.PerMinute > 0 {
				cfg = ratelimit.PerMinute(entry.PerMinute)
			}
			b, err := h.limiter.Status(c, "user:"+userID+":agent:"+entry.Name, cfg)
			if err != nil {
				hlog.CtxWarnf(c, "bucket status for tool %s: %v", entry.Name, err)
				continue
			}
			freshness = append(freshness, toolFreshness{
				Tool:      entry.Name,
				Tokens:    b.Tokens,
				Capacity:  b.Capacity,
				PerMinute: entry.PerMinute,
			})
		}
	}

	ctx.JSON(consts.StatusOK, map[string]any{
		"runs":             runs,
		"sessions":         sessions,
		"jobStats":         counts,
		"freshness":        freshness,
		"nextScheduledRun": nextScheduled,
	})
}

// Metrics Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		hlog.CtxErrorf(c, "gather metrics: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "metrics collection failed"})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
