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
	"time"

	"learning-platform/internal/queue"
)

// defaultRetry 内置工作流的统一重试策略
var defaultRetry = queue.RetryPolicy{
	MaxAttempts: 5,
	BackoffKind: queue.BackoffExp,
	BaseDelay:   2 * time.Second,
	MaxDelay:    60 * time.Second,
}

// builtinSpecs 内置回退表。外部定义存储不可用时使用；
// 内容必须与外部定义保持逐字节一致，防止两处漂移
var builtinSpecs = map[string]Spec{
	"weekly_seed_v1": {
		Key:     "weekly_seed_v1",
		Trigger: []string{"week_start"},
		Steps: []Step{
			{
				ID: "clo_begin_week", Tool: "clo", Mode: "begin_week", Method: "POST",
				Timeout: 30 * time.Second, Retry: defaultRetry,
			},
			{
				ID: "ta_generate_week", Tool: "lecture", Mode: "generate_week", Method: "POST",
				Timeout: 60 * time.Second, Retry: defaultRetry,
				DependsOn: []string{"clo_begin_week"},
			},
			{
				ID: "socratic_seed", Tool: "socratic", Mode: "seed", Method: "POST",
				Timeout: 30 * time.Second, Retry: defaultRetry,
				DependsOn: []string{"clo_begin_week"},
			},
			{
				ID: "brand_ingest", Tool: "workspace", Mode: "ingest", Method: "POST",
				Timeout: 30 * time.Second, Retry: defaultRetry,
				DependsOn: []string{"ta_generate_week", "socratic_seed"},
			},
		},
	},
	"daily_flow_v1": {
		Key:     "daily_flow_v1",
		Trigger: []string{"day_start"},
		Steps: []Step{
			{
				ID: "clo_begin_day", Tool: "clo", Mode: "begin_day", Method: "POST",
				Timeout: 30 * time.Second, Retry: defaultRetry,
			},
			{
				ID: "lecture_prepare", Tool: "lecture", Mode: "prepare", Method: "POST",
				Timeout: 60 * time.Second, Retry: defaultRetry,
				DependsOn: []string{"clo_begin_day"},
			},
			{
				ID: "quiz_prepare", Tool: "quiz", Mode: "prepare", Method: "POST",
				Timeout: 30 * time.Second, Retry: defaultRetry,
				DependsOn: []string{"lecture_prepare"},
			},
		},
	},
}

// BuiltinStore 内置回退表实现的 SpecStore
type BuiltinStore struct{}

// NewBuiltinStore 创建内置定义存储
func NewBuiltinStore() *BuiltinStore {
	return &BuiltinStore{}
}

// Load 按 key 返回内置定义
func (s *BuiltinStore) Load(ctx context.Context, key string) (Spec, error) {
	spec, ok := builtinSpecs[key]
	if !ok {
		return Spec{}, ErrUnknownWorkflow
	}
	return spec, nil
}
