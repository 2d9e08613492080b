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

package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"learning-platform/internal/queue"
	"learning-platform/pkg/errors"
	"learning-platform/pkg/log"
	"learning-platform/pkg/metrics"
)

// DispatchRequest 一次派发请求
type DispatchRequest struct {
	UserID      string          `json:"userId"`
	WorkflowKey string          `json:"workflowKey"`
	IntentID    string          `json:"intentId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// DispatchResult 派发结果；StepsEnqueued 为立即可运行（无依赖）的步骤数
type DispatchResult struct {
	RunID         string `json:"runId"`
	Status        string `json:"status"`
	StepsEnqueued int    `json:"stepsEnqueued"`
}

// Dispatcher 加载工作流定义、创建 Run 并向队列播种步骤。
// 同一用户重复派发同一工作流会创建相互独立的 Run，不做隐式去重
type Dispatcher struct {
	specs  SpecStore
	store  queue.Store
	logger *log.Logger
	now    func() time.Time
}

// NewDispatcher 创建派发器；specs 为 nil 时仅使用内置回退表
func NewDispatcher(specs SpecStore, store queue.Store, logger *log.Logger) *Dispatcher {
	if specs == nil {
		specs = NewBuiltinStore()
	}
	return &Dispatcher{specs: specs, store: store, logger: logger, now: time.Now}
}

// SetClock 注入时钟（测试用）
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Dispatch 原子创建 Run 与全部步骤：根步骤 queued，有依赖的 blocked。
// 定义不合法时整体中止，不创建任何记录
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	if req.UserID == "" || req.WorkflowKey == "" {
		metrics.DispatchTotal.WithLabelValues(req.WorkflowKey, "invalid").Inc()
		return DispatchResult{}, errors.E(errors.KindValidation, "userId and workflowKey are required")
	}

	spec, err := d.specs.Load(ctx, req.WorkflowKey)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(req.WorkflowKey, "unknown").Inc()
		return DispatchResult{}, err
	}
	if err := Validate(spec); err != nil {
		metrics.DispatchTotal.WithLabelValues(req.WorkflowKey, "invalid").Inc()
		return DispatchResult{}, err
	}

	now := d.now()
	run := queue.Run{
		ID:          "run-" + uuid.New().String(),
		WorkflowKey: spec.Key,
		UserID:      req.UserID,
		IntentID:    req.IntentID,
		Status:      queue.RunRunning,
		CreatedAt:   now,
	}

	jobs := make([]queue.Job, 0, len(spec.Steps))
	enqueued := 0
	for _, st := range spec.Steps {
		status := queue.StatusBlocked
		if len(st.DependsOn) == 0 {
			status = queue.StatusQueued
			enqueued++
		}
		maxAttempts := st.Retry.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		jobs = append(jobs, queue.Job{
			ID:          "job-" + uuid.New().String(),
			RunID:       run.ID,
			StepID:      st.ID,
			UserID:      req.UserID,
			Status:      status,
			Priority:    st.Priority,
			MaxAttempts: maxAttempts,
			NextRunAt:   now,
			DependsOn:   st.DependsOn,
			Payload: queue.StepPayload{
				Tool:    st.Tool,
				Mode:    st.Mode,
				Body:    mergeBody(st.Body, req.Payload),
				Timeout: st.Timeout,
				Retry:   st.Retry,
			},
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := d.store.CreateRun(ctx, run, jobs); err != nil {
		metrics.DispatchTotal.WithLabelValues(req.WorkflowKey, "error").Inc()
		return DispatchResult{}, errors.Wrap(err, "create run")
	}

	metrics.DispatchTotal.WithLabelValues(req.WorkflowKey, "ok").Inc()
	d.logger.Info("workflow dispatched",
		"run", run.ID, "workflow", spec.Key, "user", req.UserID,
		"intent", req.IntentID, "steps", len(jobs), "enqueued", enqueued)

	return DispatchResult{RunID: run.ID, Status: string(run.Status), StepsEnqueued: enqueued}, nil
}

// mergeBody 合并步骤静态 body 与派发请求 payload；
// 两者都是 JSON 对象时浅合并，请求字段覆盖静态字段
func mergeBody(static, payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return static
	}
	if len(static) == 0 {
		return payload
	}
	var base, over map[string]json.RawMessage
	if err := json.Unmarshal(static, &base); err != nil {
		return payload
	}
	if err := json.Unmarshal(payload, &over); err != nil {
		return static
	}
	for k, v := range over {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return static
	}
	return merged
}
