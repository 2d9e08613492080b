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
	"encoding/json"
	"time"
)

// Phase 每日学习会话的阶段，只会沿固定顺序单调前进，不会回退
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseLecture      Phase = "lecture"
	PhaseCheck        Phase = "check"
	PhasePracticePrep Phase = "practice_prep"
	PhasePractice     Phase = "practice"
	PhaseReflect      Phase = "reflect"
	PhaseCompleted    Phase = "completed"
)

// phaseOrder 阶段顺序表
var phaseOrder = []Phase{
	PhasePlanning, PhaseLecture, PhaseCheck, PhasePracticePrep,
	PhasePractice, PhaseReflect, PhaseCompleted,
}

// Next 下一阶段；completed 为终态
func (p Phase) Next() Phase {
	for i, cur := range phaseOrder {
		if cur == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1]
		}
	}
	return PhaseCompleted
}

// Index 阶段在顺序表中的位置，不存在时 -1
func (p Phase) Index() int {
	for i, cur := range phaseOrder {
		if cur == p {
			return i
		}
	}
	return -1
}

// Event 会话事件；每个事件只在特定阶段合法
type Event string

const (
	EventStartDay      Event = "start_day"
	EventLectureDone   Event = "lecture_done"
	EventCheckDone     Event = "check_done"
	EventPracticeReady Event = "practice_ready"
	EventPracticeDone  Event = "practice_done"
	EventReflectDone   Event = "reflect_done"
)

// eventPhase 事件 → 会话必须处于的阶段；乱序事件直接拒绝，不重试
var eventPhase = map[Event]Phase{
	EventStartDay:      PhasePlanning,
	EventLectureDone:   PhaseLecture,
	EventCheckDone:     PhaseCheck,
	EventPracticeReady: PhasePracticePrep,
	EventPracticeDone:  PhasePractice,
	EventReflectDone:   PhaseReflect,
}

// Session 一个 (userId, week, day) 的学习会话。
// Artifacts 只增不删；ETag 用于保存时的 CAS
type Session struct {
	ID        string                     `json:"sessionId"`
	UserID    string                     `json:"userId"`
	Week      int                        `json:"week"`
	Day       int                        `json:"day"`
	Phase     Phase                      `json:"phase"`
	Artifacts map[string]json.RawMessage `json:"artifacts"`
	ETag      string                     `json:"etag"`
	CreatedAt time.Time                  `json:"createdAt"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

// SetArtifact 追加一个阶段产物
func (s *Session) SetArtifact(name string, data json.RawMessage) {
	if s.Artifacts == nil {
		s.Artifacts = make(map[string]json.RawMessage)
	}
	s.Artifacts[name] = data
}
