package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		DispatchTotal,
		JobDuration, JobAttemptTotal, JobDeadTotal,
		ToolCallDuration, ToolCallTotal,
		RateLimitDenyTotal,
		SessionEventTotal,
		WorkerBusy,
	)
}

// DispatchTotal 工作流派发总数（按 workflow 与结果）
var DispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lp_dispatch_total",
		Help: "工作流派发总数（按 workflow 与结果）",
	},
	[]string{"workflow", "outcome"}, // ok | invalid | unknown | error
)

// JobDuration 单次 Job 执行耗时（秒）
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "lp_job_duration_seconds",
		Help:    "单次 Job attempt 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"step"},
)

// JobAttemptTotal Job attempt 总数（按结果）
var JobAttemptTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lp_job_attempt_total",
		Help: "Job attempt 总数（按结果）",
	},
	[]string{"outcome"}, // done | retry | dead | rate_limited
)

// JobDeadTotal 进入 dead 状态的 Job 总数
var JobDeadTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "lp_job_dead_total",
		Help: "进入 dead 状态的 Job 总数",
	},
)

// ToolCallDuration 工具调用耗时（秒）
var ToolCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "lp_tool_call_duration_seconds",
		Help:    "工具调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool"},
)

// ToolCallTotal 工具调用总数（按结果）
var ToolCallTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lp_tool_call_total",
		Help: "工具调用总数（按结果）",
	},
	[]string{"tool", "outcome"}, // ok | not_modified | degraded | rejected | rate_limited
)

// RateLimitDenyTotal 令牌桶拒绝次数
var RateLimitDenyTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lp_rate_limit_deny_total",
		Help: "令牌桶拒绝次数",
	},
	[]string{"key_class"}, // user | global
)

// SessionEventTotal 学习会话事件总数（按事件与结果）
var SessionEventTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lp_session_event_total",
		Help: "学习会话事件总数（按事件与结果）",
	},
	[]string{"event", "outcome"}, // ok | rejected | degraded
)

// WorkerBusy 当前正在执行的 Job 数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "lp_worker_busy",
		Help: "当前正在执行的 Job 数",
	},
	[]string{"worker_id"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
