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

package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"

	"learning-platform/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// Build 构建 Hertz server 并挂载全部路由；opts 用于追加 tracer 等服务端选项
func (r *Router) Build(addr string, opts ...hertzconfig.Option) *server.Hertz {
	serverOpts := append([]hertzconfig.Option{server.WithHostPorts(addr)}, opts...)
	h := server.Default(serverOpts...)

	h.Use(r.middleware.RequestID())
	h.Use(r.middleware.RateLimit())

	api := h.Group("/api", r.middleware.CORS())
	{
		api.GET("/health", r.handler.HealthCheck)
		api.POST("/dispatch", r.handler.Dispatch)
		api.POST("/session/event", r.handler.SessionEvent)
		api.GET("/status", r.handler.Status)
	}
	h.GET("/metrics", r.handler.Metrics)

	return h
}
