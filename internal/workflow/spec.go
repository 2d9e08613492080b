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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"learning-platform/internal/queue"
)

var (
	// ErrUnknownWorkflow 指定的 workflow key 不存在
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrMalformedSpec 定义不合法（重复 id、依赖缺失、环、无根步骤）
	ErrMalformedSpec = errors.New("malformed workflow spec")
)

// Step 工作流中的一个命名步骤；DependsOn 引用同一 Spec 内必须先 done 的步骤
type Step struct {
	ID        string            `json:"id"`
	Tool      string            `json:"tool"`
	Mode      string            `json:"mode"`
	Method    string            `json:"method,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Timeout   time.Duration     `json:"timeout,omitempty"`
	Retry     queue.RetryPolicy `json:"retry"`
	DependsOn []string          `json:"dependsOn,omitempty"`
	Priority  int               `json:"priority,omitempty"`
}

// Spec 一条工作流定义。加载后不可变；无版本号，后写覆盖
type Spec struct {
	Key     string   `json:"key"`
	Trigger []string `json:"trigger,omitempty"`
	Steps   []Step   `json:"steps"`
}

// Fingerprint 定义的 SHA-256 指纹，用于校验内置回退表与外部定义无漂移
func (s Spec) Fingerprint() string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Roots 无依赖的步骤
func (s Spec) Roots() []Step {
	var roots []Step
	for _, st := range s.Steps {
		if len(st.DependsOn) == 0 {
			roots = append(roots, st)
		}
	}
	return roots
}

// Validate 校验定义：key 与步骤非空、id 唯一、依赖指向存在的步骤、
// 无依赖环、至少一个根步骤
func Validate(s Spec) error {
	if s.Key == "" {
		return fmt.Errorf("%w: empty key", ErrMalformedSpec)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrMalformedSpec, s.Key)
	}
	ids := make(map[string]Step, len(s.Steps))
	for _, st := range s.Steps {
		if st.ID == "" {
			return fmt.Errorf("%w: %s has a step without id", ErrMalformedSpec, s.Key)
		}
		if _, dup := ids[st.ID]; dup {
			return fmt.Errorf("%w: %s duplicates step %q", ErrMalformedSpec, s.Key, st.ID)
		}
		if st.Tool == "" {
			return fmt.Errorf("%w: step %q has no tool", ErrMalformedSpec, st.ID)
		}
		ids[st.ID] = st
	}
	for _, st := range s.Steps {
		for _, dep := range st.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrMalformedSpec, st.ID, dep)
			}
		}
	}
	if len(s.Roots()) == 0 {
		return fmt.Errorf("%w: %s has no root step", ErrMalformedSpec, s.Key)
	}

	// 环检测：0=未访问 1=在栈上 2=已完成
	state := make(map[string]int, len(s.Steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case 1:
			return fmt.Errorf("%w: dependency cycle through step %q", ErrMalformedSpec, id)
		case 2:
			return nil
		}
		state[id] = 1
		for _, dep := range ids[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = 2
		return nil
	}
	for _, st := range s.Steps {
		if err := visit(st.ID); err != nil {
			return err
		}
	}
	return nil
}
