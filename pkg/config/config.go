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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig             `mapstructure:"api"`
	Worker     WorkerConfig          `mapstructure:"worker"`
	Queue      QueueConfig           `mapstructure:"queue"`
	Session    SessionConfig         `mapstructure:"session"`
	RateLimit  RateLimitConfig       `mapstructure:"rate_limit"`
	Tools      map[string]ToolConfig `mapstructure:"tools"`
	Workflows  WorkflowsConfig       `mapstructure:"workflows"`
	Log        LogConfig             `mapstructure:"log"`
	Monitoring MonitoringConfig      `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	RateLimit    bool `mapstructure:"rate_limit"`
	RateLimitRPS int  `mapstructure:"rate_limit_rps"`
}

// WorkerConfig Worker 服务配置
type WorkerConfig struct {
	Concurrency   int    `mapstructure:"concurrency"`
	PollInterval  string `mapstructure:"poll_interval"`   // Job Claim 轮询间隔，如 "200ms"
	ReclaimAfter  string `mapstructure:"reclaim_after"`   // Running 停留多久视为孤儿被回收，如 "5m"
	ReclaimEvery  string `mapstructure:"reclaim_every"`   // 回收巡检周期，如 "1m"
	RateLimitWait string `mapstructure:"rate_limit_wait"` // 限流重入队延迟，如 "5s"
}

// QueueConfig 任务队列存储配置
type QueueConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
}

// SessionConfig 学习会话存储配置
type SessionConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // 空则复用 queue.dsn
}

// RateLimitConfig 限流存储与默认桶参数
type RateLimitConfig struct {
	Store         string  `mapstructure:"store"` // memory | postgres | redis
	DSN           string  `mapstructure:"dsn"`   // postgres 时使用；空则复用 queue.dsn
	RedisAddr     string  `mapstructure:"redis_addr"`
	RedisDB       int     `mapstructure:"redis_db"`
	RedisPassword string  `mapstructure:"redis_password"`
	Capacity      float64 `mapstructure:"capacity"`       // 默认桶容量，<=0 时 100
	RefillPerSec  float64 `mapstructure:"refill_per_sec"` // 默认回填速率，<=0 时 10
}

// ToolConfig 单个外部推理服务（工具）的配置
type ToolConfig struct {
	Endpoint  string  `mapstructure:"endpoint"`
	Version   string  `mapstructure:"version"`
	APIKey    string  `mapstructure:"api_key"` // 支持 ${ENV_VAR} 展开
	PerMinute float64 `mapstructure:"per_minute"`
	Timeout   string  `mapstructure:"timeout"`
}

// WorkflowsConfig 工作流定义来源；file 为外部定义文件，缺省使用内置回退表
type WorkflowsConfig struct {
	File string `mapstructure:"file"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// replaceEnvVars 展开工具配置中的 ${ENV_VAR} API Key 引用
func replaceEnvVars(config *Config) {
	for name, tc := range config.Tools {
		if strings.HasPrefix(tc.APIKey, "$") {
			envVar := strings.TrimPrefix(strings.TrimSuffix(tc.APIKey, "}"), "${")
			if val := os.Getenv(envVar); val != "" {
				tc.APIKey = val
				config.Tools[name] = tc
			}
		}
	}
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// ParseDuration 解析时长字符串，无效或空时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
