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

package middleware

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Middleware HTTP 中间件集合
type Middleware struct {
	globalRPS *rate.Limiter
}

// NewMiddleware 创建中间件集合；rps<=0 时不启用全局限速
func NewMiddleware(rps float64) *Middleware {
	m := &Middleware{}
	if rps > 0 {
		m.globalRPS = rate.NewLimiter(rate.Limit(rps), int(rps))
	}
	return m
}

// RequestID 为每个请求注入 X-Request-ID（已有则透传）
func (m *Middleware) RequestID() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		id := string(ctx.GetHeader("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Header("X-Request-ID", id)
		ctx.Next(c)
	}
}

// RateLimit 全局入口限速，保护后端工具服务；未配置时直通
func (m *Middleware) RateLimit() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		if m.globalRPS != nil && !m.globalRPS.Allow() {
			ctx.AbortWithStatusJSON(consts.StatusTooManyRequests, map[string]string{
				"error": "too many requests",
			})
			return
		}
		ctx.Next(c)
	}
}

// CORS 跨域响应头
func (m *Middleware) CORS() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		ctx.Header("Access-Control-Allow-Origin", "*")
		ctx.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		ctx.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		if string(ctx.Method()) == "OPTIONS" {
			ctx.AbortWithStatus(consts.StatusNoContent)
			return
		}
		ctx.Next(c)
	}
}
