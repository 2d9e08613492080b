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
	"encoding/json"
	"time"

	"learning-platform/pkg/errors"
)

// Entry 注册的外部推理服务条目
type Entry struct {
	Name      string
	Version   string
	Endpoint  string
	APIKey    string
	PerMinute float64       // 每用户每分钟调用上限，<=0 时使用限流器默认值
	Timeout   time.Duration // 单次调用超时，<=0 时 30s
}

// CallArgs 一次工具调用的参数
type CallArgs struct {
	UserID          string
	Mode            string // 服务端 action 字段
	Payload         any
	ETagIfNoneMatch string // 非空时携带 If-None-Match 条件请求
	IdempotencyKey  string // 非空时携带 Idempotency-Key，重复投递由服务端去重
}

// Result 工具调用结果；Degraded 表示基础设施故障（可重试），
// RateLimited 表示本地令牌桶拒绝（不消耗重试次数）
type Result struct {
	OK          bool            `json:"ok"`
	Data        json.RawMessage `json:"data,omitempty"`
	Err         string          `json:"error,omitempty"`
	ETag        string          `json:"etag,omitempty"`
	StatusCode  int             `json:"statusCode,omitempty"`
	Degraded    bool            `json:"degraded,omitempty"`
	RateLimited bool            `json:"rateLimited,omitempty"`
	notModified bool
}

// Conditional 条件请求的二态结果：Fresh 携带新数据与 ETag，NotModified 表示缓存仍然有效
type Conditional struct {
	fresh bool
	data  json.RawMessage
	etag  string
}

// Fresh 构造携带新数据的条件结果
func Fresh(data json.RawMessage, etag string) Conditional {
	return Conditional{fresh: true, data: data, etag: etag}
}

// NotModified 构造缓存命中的条件结果；etag 为仍然有效的版本标识
func NotModified(etag string) Conditional {
	return Conditional{etag: etag}
}

// IsFresh 是否携带新数据
func (c Conditional) IsFresh() bool { return c.fresh }

// Data 新数据；NotModified 时为 nil
func (c Conditional) Data() json.RawMessage { return c.data }

// ETag 数据的版本标识；NotModified 时为命中缓存的既有标识
func (c Conditional) ETag() string { return c.etag }

// Conditional 将成功的调用结果归并为二态；失败返回 ok=false
func (r Result) Conditional() (Conditional, bool) {
	if !r.OK {
		return Conditional{}, false
	}
	if r.notModified {
		return NotModified(r.ETag), true
	}
	return Fresh(r.Data, r.ETag), true
}

// NotModified 上游返回 304，调用方应复用既有工件
func (r Result) NotModified() bool { return r.notModified }

// ParseResult 解析成功结果的顶层字段并校验必填项；缺失或解析失败为逻辑错误
func ParseResult(r Result, required ...string) (map[string]json.RawMessage, error) {
	if !r.OK {
		return nil, errors.Ef(errors.KindLogic, "tool call failed: %s", r.Err)
	}
	fields := make(map[string]json.RawMessage)
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &fields); err != nil {
			return nil, errors.WithKind(errors.KindLogic, errors.Wrap(err, "parse tool response"))
		}
	}
	for _, name := range required {
		if _, ok := fields[name]; !ok {
			return nil, errors.Ef(errors.KindLogic, "tool response missing field %q", name)
		}
	}
	return fields, nil
}
