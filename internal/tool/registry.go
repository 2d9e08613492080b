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

package tool

import (
	"sort"
	"sync"
	"time"

	"learning-platform/pkg/config"
)

// Registry 工具注册表：按名称注册与发现外部推理服务
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
	}
}

// NewRegistryFromConfig 从配置构建注册表；key 为工具名
func NewRegistryFromConfig(tools map[string]config.ToolConfig) *Registry {
	r := NewRegistry()
	for name, tc := range tools {
		r.Register(Entry{
			Name:      name,
			Version:   tc.Version,
			Endpoint:  tc.Endpoint,
			APIKey:    tc.APIKey,
			PerMinute: tc.PerMinute,
			Timeout:   config.ParseDuration(tc.Timeout, 30*time.Second),
		})
	}
	return r
}

// Register 注册或覆盖同名条目
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Name] = e
}

// Get 按名称获取条目
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// List 返回所有条目，按名称排序
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}
