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
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"learning-platform/internal/ratelimit"
	"learning-platform/pkg/errors"
	"learning-platform/pkg/metrics"
)

// Client 工具调用客户端：限流准入、条件请求、结果分类。
// 重试由 Job Queue 负责，传输层不做自动重试。
type Client struct {
	registry *Registry
	limiter  *ratelimit.Limiter
	http     *resty.Client
}

// NewClient 创建工具客户端；limiter 为 nil 时不做限流准入
func NewClient(registry *Registry, limiter *ratelimit.Limiter) *Client {
	c := resty.New()
	c.SetRetryCount(0)
	return &Client{
		registry: registry,
		limiter:  limiter,
		http:     c,
	}
}

// callBody 发往工具服务的请求体
type callBody struct {
	Action  string `json:"action"`
	Payload any    `json:"payload,omitempty"`
	UserID  string `json:"userId"`
}

// Call 调用指定工具。结果分类：
//
//	304           → OK=true, NotModified
//	2xx           → OK=true, Data + 响应 ETag
//	4xx           → OK=false, Degraded=false（重试无意义）
//	5xx/网络/超时  → OK=false, Degraded=true（可按 backoff 重试）
//	令牌桶拒绝     → OK=false, RateLimited=true（不计入重试次数）
func (c *Client) Call(ctx context.Context, name string, args CallArgs) (Result, error) {
	entry, ok := c.registry.Get(name)
	if !ok {
		return Result{}, errors.Ef(errors.KindValidation, "unknown tool %q", name)
	}

	if c.limiter != nil {
		key := "user:" + args.UserID + ":agent:" + entry.Name
		cfg := ratelimit.Config{}
		if entry.PerMinute > 0 {
			cfg = ratelimit.PerMinute(entry.PerMinute)
		}
		admitted, err := c.limiter.Admit(ctx, key, 1, cfg)
		if err != nil {
			// 限流存储故障属于基础设施错误，与上游 5xx 同样按 backoff 重试
			return Result{}, errors.WithKind(errors.KindInfrastructure, errors.Wrap(err, "rate limit admission"))
		}
		if !admitted {
			metrics.ToolCallTotal.WithLabelValues(entry.Name, "rate_limited").Inc()
			return Result{OK: false, Err: "rate limited", RateLimited: true}, nil
		}
	}

	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := c.http.R().
		SetContext(callCtx).
		SetHeader("Content-Type", "application/json").
		SetBody(callBody{Action: args.Mode, Payload: args.Payload, UserID: args.UserID})
	if entry.APIKey != "" {
		req.SetHeader("Authorization", "Bearer "+entry.APIKey)
	}
	if args.ETagIfNoneMatch != "" {
		req.SetHeader("If-None-Match", args.ETagIfNoneMatch)
	}
	if args.IdempotencyKey != "" {
		req.SetHeader("Idempotency-Key", args.IdempotencyKey)
	}

	start := time.Now()
	resp, err := req.Post(entry.Endpoint)
	metrics.ToolCallDuration.WithLabelValues(entry.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ToolCallTotal.WithLabelValues(entry.Name, "degraded").Inc()
		return Result{OK: false, Err: err.Error(), Degraded: true}, nil
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusNotModified:
		metrics.ToolCallTotal.WithLabelValues(entry.Name, "not_modified").Inc()
		return Result{OK: true, ETag: args.ETagIfNoneMatch, StatusCode: code, notModified: true}, nil
	case code >= 200 && code < 300:
		metrics.ToolCallTotal.WithLabelValues(entry.Name, "ok").Inc()
		return Result{
			OK:         true,
			Data:       append([]byte(nil), resp.Body()...),
			ETag:       resp.Header().Get("ETag"),
			StatusCode: code,
		}, nil
	case code >= 400 && code < 500:
		metrics.ToolCallTotal.WithLabelValues(entry.Name, "rejected").Inc()
		return Result{OK: false, Err: resp.String(), StatusCode: code}, nil
	default:
		metrics.ToolCallTotal.WithLabelValues(entry.Name, "degraded").Inc()
		return Result{OK: false, Err: resp.String(), StatusCode: code, Degraded: true}, nil
	}
}
