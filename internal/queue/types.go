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
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNoJob 当前没有可认领的 Job
	ErrNoJob = errors.New("no claimable job")
	// ErrNotFound 指定的 Run/Job 不存在
	ErrNotFound = errors.New("not found")
)

// Status Job 状态。blocked 表示依赖未全部完成；退避等待建模为
// queued + 未来的 NextRunAt，不引入单独状态
type Status string

const (
	StatusBlocked Status = "blocked"
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// RunStatus Run 状态
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// BackoffKind 退避策略类型
type BackoffKind string

const (
	BackoffExp   BackoffKind = "exp"
	BackoffFixed BackoffKind = "fixed"
)

// RetryPolicy 单个步骤的重试策略
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts"`
	BackoffKind BackoffKind   `json:"backoffKind"`
	BaseDelay   time.Duration `json:"baseDelay"`
	MaxDelay    time.Duration `json:"maxDelay,omitempty"` // 0 表示不封顶
}

// Delay 第 attempt 次失败后的退避时长（attempt 从 1 起）。
// exp: BaseDelay × 2^(attempt-1)，MaxDelay 封顶；fixed: 恒为 BaseDelay
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	if p.BackoffKind == BackoffExp {
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// StepPayload 已解析的调用描述，随 Job 持久化；
// Upstream 为已完成依赖步骤的输出（stepId → data）
type StepPayload struct {
	Tool     string                     `json:"tool"`
	Mode     string                     `json:"mode"`
	Body     json.RawMessage            `json:"body,omitempty"`
	Timeout  time.Duration              `json:"timeout"`
	Retry    RetryPolicy                `json:"retry"`
	Upstream map[string]json.RawMessage `json:"upstream,omitempty"`
}

// Run 一次工作流执行实例
type Run struct {
	ID          string
	WorkflowKey string
	UserID      string
	IntentID    string
	Status      RunStatus
	CreatedAt   time.Time
	FinishedAt  *time.Time
}

// Job 队列中的一个步骤实例，与 WorkflowSpec 的步骤一一对应。
// 可认领条件：Status=queued 且 NextRunAt<=now；依赖门控经由 blocked 状态实现
type Job struct {
	ID          string
	RunID       string
	StepID      string
	UserID      string
	Status      Status
	Priority    int
	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time
	DependsOn   []string
	Payload     StepPayload
	Output      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Attempt 一次执行尝试，追加写入，用于审计与问题回溯
type Attempt struct {
	ID         string
	JobID      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Success    bool
	StatusCode int
	ErrorText  string
}
