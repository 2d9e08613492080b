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

package session

import (
	"context"
	"encoding/json"
	"sync"

	"learning-platform/internal/tool"
	"learning-platform/pkg/errors"
	"learning-platform/pkg/log"
	"learning-platform/pkg/metrics"
)

// EventRequest 一次会话事件
type EventRequest struct {
	UserID          string          `json:"userId"`
	Week            int             `json:"week"`
	Day             int             `json:"day"`
	Event           Event           `json:"event"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ETagIfNoneMatch string          `json:"etagIfNoneMatch,omitempty"`
}

// EventResult 事件处理结果。NotModified 表示上游内容未变化（304 等价），
// OK=true 且无 Data，调用方复用缓存工件
type EventResult struct {
	OK          bool            `json:"ok"`
	Data        json.RawMessage `json:"data,omitempty"`
	Err         string          `json:"error,omitempty"`
	Phase       Phase           `json:"phase,omitempty"`
	ETag        string          `json:"etag,omitempty"`
	NotModified bool            `json:"notModified,omitempty"`
	Degraded    bool            `json:"degraded,omitempty"`
	RateLimited bool            `json:"rateLimited,omitempty"`
}

// Engine 会话状态机：事件驱动阶段推进，每个阶段调用对应工具并持久化产物。
// 同一会话内的事件严格串行，乱序事件拒绝
type Engine struct {
	store  Store
	tools  *tool.Client
	logger *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine 创建会话引擎
func NewEngine(store Store, tools *tool.Client, logger *log.Logger) *Engine {
	return &Engine{
		store:  store,
		tools:  tools,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// sessionLock 每会话一把锁，阶段推进不允许交错
func (e *Engine) sessionLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// singleCall 单次工具调用即可完成的事件：工具、模式、产物名与带入的前序产物
type singleCall struct {
	tool      string
	mode      string
	artifact  string
	upstreams []string
}

var singleCalls = map[Event]singleCall{
	EventLectureDone:  {tool: "quiz", mode: "generate", artifact: "quiz", upstreams: []string{"lecture"}},
	EventCheckDone:    {tool: "grader", mode: "grade_check", artifact: "check_result", upstreams: []string{"quiz"}},
	EventPracticeDone: {tool: "grader", mode: "grade_practice", artifact: "practice_result", upstreams: []string{"practice"}},
	EventReflectDone:  {tool: "reflection", mode: "summarize", artifact: "reflection", upstreams: []string{"check_result", "practice_result"}},
}

// practiceTools practice_ready 按练习类型分支到不同工具
var practiceTools = map[string]struct{ tool, mode string }{
	"coding":   {tool: "workspace", mode: "provision"},
	"dialogue": {tool: "socratic", mode: "open_dialogue"},
	"exercise": {tool: "exercise", mode: "generate_set"},
}

// HandleEvent 处理一次会话事件：校验阶段前置条件、调用工具、
// 原子保存阶段推进与新产物。工具失败原样返回，阶段不前进，
// 同一事件重试是安全的
func (e *Engine) HandleEvent(ctx context.Context, req EventRequest) (EventResult, error) {
	if req.UserID == "" {
		return EventResult{}, errors.E(errors.KindValidation, "userId is required")
	}
	required, known := eventPhase[req.Event]
	if !known {
		metrics.SessionEventTotal.WithLabelValues(string(req.Event), "rejected").Inc()
		return EventResult{}, errors.Ef(errors.KindValidation, "unknown event %q", req.Event)
	}

	lock := e.sessionLock(sessionKey(req.UserID, req.Week, req.Day))
	lock.Lock()
	defer lock.Unlock()

	s, err := e.store.GetOrCreate(ctx, req.UserID, req.Week, req.Day)
	if err != nil {
		return EventResult{}, errors.Wrap(err, "load session")
	}
	if s.Phase != required {
		metrics.SessionEventTotal.WithLabelValues(string(req.Event), "rejected").Inc()
		return EventResult{}, errors.Ef(errors.KindValidation,
			"event %s requires phase %s, session is in %s", req.Event, required, s.Phase)
	}

	var res EventResult
	switch req.Event {
	case EventStartDay:
		res, err = e.startDay(ctx, s, req)
	case EventPracticeReady:
		res, err = e.practiceReady(ctx, s, req)
	default:
		res, err = e.runSingleCall(ctx, s, req, singleCalls[req.Event])
	}
	if err != nil {
		metrics.SessionEventTotal.WithLabelValues(string(req.Event), "rejected").Inc()
		return EventResult{}, err
	}

	switch {
	case res.OK:
		metrics.SessionEventTotal.WithLabelValues(string(req.Event), "ok").Inc()
	case res.Degraded:
		metrics.SessionEventTotal.WithLabelValues(string(req.Event), "degraded").Inc()
	default:
		metrics.SessionEventTotal.WithLabelValues(string(req.Event), "rejected").Inc()
	}
	return res, nil
}

// startDay 先调规划工具再调授课工具，授课依赖规划输出，两次调用串行。
// 第一步成功即落盘，第二步失败时规划产物保留（无跨调用回滚）
func (e *Engine) startDay(ctx context.Context, s *Session, req EventRequest) (EventResult, error) {
	plan, err := e.tools.Call(ctx, "clo", tool.CallArgs{
		UserID:  req.UserID,
		Mode:    "plan_day",
		Payload: req.Payload,
	})
	if err != nil {
		return EventResult{}, err
	}
	if !plan.OK {
		return failResult(plan), nil
	}
	s.SetArtifact("plan", plan.Data)
	if err := e.store.Save(ctx, s); err != nil {
		return EventResult{}, errors.Wrap(err, "save plan artifact")
	}

	lecture, err := e.tools.Call(ctx, "lecture", tool.CallArgs{
		UserID:          req.UserID,
		Mode:            "deliver",
		Payload:         map[string]json.RawMessage{"plan": plan.Data},
		ETagIfNoneMatch: req.ETagIfNoneMatch,
	})
	if err != nil {
		return EventResult{}, err
	}
	if !lecture.OK {
		return failResult(lecture), nil
	}
	return e.advance(ctx, s, "lecture", lecture)
}

// practiceReady 按 payload.practiceType 分支：coding → workspace，
// dialogue → socratic，exercise → exercise。缺失或未知类型为校验错误
func (e *Engine) practiceReady(ctx context.Context, s *Session, req EventRequest) (EventResult, error) {
	var body struct {
		PracticeType string `json:"practiceType"`
	}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			return EventResult{}, errors.WithKind(errors.KindValidation, errors.Wrap(err, "parse payload"))
		}
	}
	target, ok := practiceTools[body.PracticeType]
	if !ok {
		return EventResult{}, errors.Ef(errors.KindValidation, "unknown practice type %q", body.PracticeType)
	}

	payload := map[string]json.RawMessage{"request": req.Payload}
	if plan, ok := s.Artifacts["plan"]; ok {
		payload["plan"] = plan
	}
	res, err := e.tools.Call(ctx, target.tool, tool.CallArgs{
		UserID:          req.UserID,
		Mode:            target.mode,
		Payload:         payload,
		ETagIfNoneMatch: req.ETagIfNoneMatch,
	})
	if err != nil {
		return EventResult{}, err
	}
	if !res.OK {
		return failResult(res), nil
	}
	return e.advance(ctx, s, "practice", res)
}

func (e *Engine) runSingleCall(ctx context.Context, s *Session, req EventRequest, call singleCall) (EventResult, error) {
	payload := map[string]json.RawMessage{}
	if len(req.Payload) > 0 {
		payload["request"] = req.Payload
	}
	for _, name := range call.upstreams {
		if data, ok := s.Artifacts[name]; ok {
			payload[name] = data
		}
	}
	res, err := e.tools.Call(ctx, call.tool, tool.CallArgs{
		UserID:          req.UserID,
		Mode:            call.mode,
		Payload:         payload,
		ETagIfNoneMatch: req.ETagIfNoneMatch,
	})
	if err != nil {
		return EventResult{}, err
	}
	if !res.OK {
		return failResult(res), nil
	}
	return e.advance(ctx, s, call.artifact, res)
}

// advance 合并产物并推进阶段，一次 Save 原子落盘。
// 上游 304 时不改写产物，阶段照常前进
func (e *Engine) advance(ctx context.Context, s *Session, artifact string, res tool.Result) (EventResult, error) {
	cond, _ := res.Conditional()
	if cond.IsFresh() {
		s.SetArtifact(artifact, cond.Data())
	}
	s.Phase = s.Phase.Next()
	if err := e.store.Save(ctx, s); err != nil {
		return EventResult{}, errors.Wrap(err, "save session")
	}

	out := EventResult{OK: true, Phase: s.Phase, ETag: cond.ETag()}
	if cond.IsFresh() {
		out.Data = cond.Data()
	} else {
		out.NotModified = true
	}
	e.logger.Info("session event applied",
		"user", s.UserID, "week", s.Week, "day", s.Day,
		"phase", string(s.Phase), "artifact", artifact, "not_modified", out.NotModified)
	return out, nil
}

func failResult(res tool.Result) EventResult {
	return EventResult{
		OK:          false,
		Err:         res.Err,
		Degraded:    res.Degraded,
		RateLimited: res.RateLimited,
	}
}
