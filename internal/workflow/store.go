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

	"github.com/spf13/viper"

	"learning-platform/internal/queue"
	"learning-platform/pkg/config"
	"learning-platform/pkg/errors"
)

// SpecStore 工作流定义来源，可插拔（外部定义文件、远端存储、内置回退表）
type SpecStore interface {
	Load(ctx context.Context, key string) (Spec, error)
}

// ChainStore 依次尝试多个来源；全部失败时返回最后一次的错误。
// 常见组合：外部定义文件在前，内置回退表殿后
type ChainStore struct {
	stores []SpecStore
}

// Chain 组合多个定义来源
func Chain(stores ...SpecStore) *ChainStore {
	return &ChainStore{stores: stores}
}

func (c *ChainStore) Load(ctx context.Context, key string) (Spec, error) {
	var lastErr error = ErrUnknownWorkflow
	for _, s := range c.stores {
		spec, err := s.Load(ctx, key)
		if err == nil {
			return spec, nil
		}
		lastErr = err
	}
	return Spec{}, lastErr
}

// FileStore 从 YAML 定义文件加载的 SpecStore；文件在构造时整体读入并校验
type FileStore struct {
	specs map[string]Spec
}

type fileRetry struct {
	MaxAttempts int    `mapstructure:"maxAttempts"`
	BackoffKind string `mapstructure:"backoffKind"`
	BaseDelay   string `mapstructure:"baseDelay"`
	MaxDelay    string `mapstructure:"maxDelay"`
}

type fileStep struct {
	ID        string         `mapstructure:"id"`
	Tool      string         `mapstructure:"tool"`
	Mode      string         `mapstructure:"mode"`
	Method    string         `mapstructure:"method"`
	Body      map[string]any `mapstructure:"body"`
	Timeout   string         `mapstructure:"timeout"`
	Retry     fileRetry      `mapstructure:"retry"`
	DependsOn []string       `mapstructure:"dependsOn"`
	Priority  int            `mapstructure:"priority"`
}

type fileSpec struct {
	Key     string     `mapstructure:"key"`
	Trigger []string   `mapstructure:"trigger"`
	Steps   []fileStep `mapstructure:"steps"`
}

// NewFileStore 读取并校验定义文件；任何一条定义不合法都拒绝整个文件
func NewFileStore(path string) (*FileStore, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read workflow definitions")
	}
	var raw []fileSpec
	if err := v.UnmarshalKey("workflows", &raw); err != nil {
		return nil, errors.Wrap(err, "parse workflow definitions")
	}

	specs := make(map[string]Spec, len(raw))
	for _, fs := range raw {
		spec, err := fs.toSpec()
		if err != nil {
			return nil, err
		}
		if err := Validate(spec); err != nil {
			return nil, err
		}
		specs[spec.Key] = spec
	}
	return &FileStore{specs: specs}, nil
}

func (fs fileSpec) toSpec() (Spec, error) {
	spec := Spec{Key: fs.Key, Trigger: fs.Trigger}
	for _, st := range fs.Steps {
		var body json.RawMessage
		if len(st.Body) > 0 {
			data, err := json.Marshal(st.Body)
			if err != nil {
				return Spec{}, errors.Wrapf(err, "step %s body", st.ID)
			}
			body = data
		}
		spec.Steps = append(spec.Steps, Step{
			ID:      st.ID,
			Tool:    st.Tool,
			Mode:    st.Mode,
			Method:  st.Method,
			Body:    body,
			Timeout: config.ParseDuration(st.Timeout, 30*time.Second),
			Retry: queue.RetryPolicy{
				MaxAttempts: st.Retry.MaxAttempts,
				BackoffKind: queue.BackoffKind(st.Retry.BackoffKind),
				BaseDelay:   config.ParseDuration(st.Retry.BaseDelay, 2*time.Second),
				MaxDelay:    config.ParseDuration(st.Retry.MaxDelay, 0),
			},
			DependsOn: st.DependsOn,
			Priority:  st.Priority,
		})
	}
	return spec, nil
}

func (f *FileStore) Load(ctx context.Context, key string) (Spec, error) {
	spec, ok := f.specs[key]
	if !ok {
		return Spec{}, ErrUnknownWorkflow
	}
	return spec, nil
}
