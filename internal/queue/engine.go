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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"learning-platform/internal/tool"
	apperrors "learning-platform/pkg/errors"
	"learning-platform/pkg/log"
	"learning-platform/pkg/metrics"
)

// EngineConfig Worker 引擎配置
type EngineConfig struct {
	WorkerID       string        // 指标标签，空则 "worker-0"
	MaxConcurrency int           // 最大并发执行数，<=0 表示 1
	PollInterval   time.Duration // 无可认领 Job 时的轮询间隔，<=0 表示 200ms
	RateLimitDelay time.Duration // 限流拒绝后的重入队延迟，<=0 表示 1s
}

// Engine 在 Store 之上提供认领、并发限制与失败分类；
// 形态为 Dispatcher→Job Queue→Engine→Tool Client
type Engine struct {
	store   Store
	tools   *tool.Client
	config  EngineConfig
	logger  *log.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	limiter chan struct{} // 信号量，限制并发
	now     func() time.Time
}

// NewEngine 创建 Worker 引擎
func NewEngine(store Store, tools *tool.Client, config EngineConfig, logger *log.Logger) *Engine {
	if config.WorkerID == "" {
		config.WorkerID = "worker-0"
	}
	max := config.MaxConcurrency
	if max <= 0 {
		max = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 200 * time.Millisecond
	}
	if config.RateLimitDelay <= 0 {
		config.RateLimitDelay = time.Second
	}
	return &Engine{
		store:   store,
		tools:   tools,
		config:  config,
		logger:  logger,
		stopCh:  make(chan struct{}),
		limiter: make(chan struct{}, max),
		now:     time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Start 启动认领循环：最多 MaxConcurrency 个 Job 并发执行
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			case e.limiter <- struct{}{}:
				j, att, err := e.store.ClaimNextReady(ctx, e.now())
				if err != nil {
					if !errors.Is(err, ErrNoJob) {
						e.logger.Error("claim job", "err", err)
					}
					<-e.limiter
					select {
					case <-time.After(e.config.PollInterval):
					case <-ctx.Done():
						return
					case <-e.stopCh:
						return
					}
					continue
				}
				e.wg.Add(1)
				go func(j *Job, att *Attempt) {
					defer e.wg.Done()
					defer func() { <-e.limiter }()
					e.execute(ctx, j, att)
				}(j, att)
			}
		}
	}()
}

// Stop 停止认领并等待在途 Job 收尾
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// execute 执行一次尝试并按结果分类：
// 成功 → done；限流 → 短延迟重入队；降级（5xx/网络/超时）→ 退避重试；
// 语义拒绝（4xx）→ 立即 dead
func (e *Engine) execute(ctx context.Context, j *Job, att *Attempt) {
	metrics.WorkerBusy.WithLabelValues(e.config.WorkerID).Inc()
	defer metrics.WorkerBusy.WithLabelValues(e.config.WorkerID).Dec()

	callCtx := ctx
	if j.Payload.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, j.Payload.Timeout)
		defer cancel()
	}

	start := e.now()
	res, callErr := e.tools.Call(callCtx, j.Payload.Tool, tool.CallArgs{
		UserID:         j.UserID,
		Mode:           j.Payload.Mode,
		Payload:        e.callPayload(j),
		IdempotencyKey: j.RunID + ":" + j.StepID,
	})
	metrics.JobDuration.WithLabelValues(j.StepID).Observe(time.Since(start).Seconds())

	now := e.now()
	switch {
	case callErr != nil:
		// 基础设施错误（如限流存储故障）可重试；未知工具等本地错误重试无意义
		e.finishFailed(ctx, j, att, 0, callErr.Error(), apperrors.IsRetryable(callErr), now)
	case res.RateLimited:
		metrics.JobAttemptTotal.WithLabelValues("rate_limited").Inc()
		if err := e.store.RequeueRateLimited(ctx, j.ID, att.ID, e.config.RateLimitDelay, now); err != nil {
			e.logger.Error("requeue rate-limited job", "job", j.ID, "err", err)
		}
	case res.OK:
		unblocked, err := e.store.CompleteJob(ctx, j.ID, att.ID, res.StatusCode, res.Data, now)
		if err != nil {
			e.logger.Error("complete job", "job", j.ID, "err", err)
			return
		}
		metrics.JobAttemptTotal.WithLabelValues("done").Inc()
		for _, u := range unblocked {
			e.logger.Info("job unblocked", "run", u.RunID, "step", u.StepID)
		}
	default:
		e.finishFailed(ctx, j, att, res.StatusCode, res.Err, res.Degraded, now)
	}
}

func (e *Engine) finishFailed(ctx context.Context, j *Job, att *Attempt, statusCode int, errText string, retryable bool, now time.Time) {
	updated, err := e.store.FailJob(ctx, j.ID, att.ID, statusCode, errText, retryable, now)
	if err != nil {
		e.logger.Error("fail job", "job", j.ID, "err", err)
		return
	}
	if updated.Status == StatusDead {
		metrics.JobAttemptTotal.WithLabelValues("dead").Inc()
		metrics.JobDeadTotal.Inc()
		e.logger.Error("job dead",
			"run", j.RunID, "step", j.StepID,
			"attempts", strconv.Itoa(updated.Attempts), "err", errText)
	} else {
		metrics.JobAttemptTotal.WithLabelValues("retry").Inc()
		e.logger.Warn("job retry scheduled",
			"run", j.RunID, "step", j.StepID,
			"attempt", strconv.Itoa(updated.Attempts), "next_run_at", updated.NextRunAt.Format(time.RFC3339))
	}
}

// callPayload 组装发往工具的 payload：静态 body 字段在外层，
// 依赖输出以 upstream 键并入
func (e *Engine) callPayload(j *Job) any {
	body := make(map[string]json.RawMessage)
	if len(j.Payload.Body) > 0 {
		// body 不是对象时原样透传
		if err := json.Unmarshal(j.Payload.Body, &body); err != nil {
			return j.Payload.Body
		}
	}
	if len(j.Payload.Upstream) > 0 {
		upstream, err := json.Marshal(j.Payload.Upstream)
		if err == nil {
			body["upstream"] = upstream
		}
	}
	if len(body) == 0 {
		return nil
	}
	return body
}
