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

package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store 队列持久化接口。认领必须独占：同一 Job 不允许两个 worker 同时认领。
// 完成一个 Job 与解锁其依赖方必须处于同一事务，不允许出现依赖方被整体跳过的窗口
type Store interface {
	// CreateRun 原子创建 Run 及其全部 Job（根步骤 queued，有依赖的 blocked）
	CreateRun(ctx context.Context, run Run, jobs []Job) error
	// ClaimNextReady 独占认领下一个可运行 Job（queued 且 NextRunAt<=now），
	// 置为 running 并追加一条 Attempt；无可认领时返回 ErrNoJob
	ClaimNextReady(ctx context.Context, now time.Time) (*Job, *Attempt, error)
	// CompleteJob 标记 done，合并输出到依赖方 Upstream，解锁就绪的依赖方，
	// 全部完成时将 Run 置 completed；返回本次解锁的 Job
	CompleteJob(ctx context.Context, jobID, attemptID string, statusCode int, output json.RawMessage, now time.Time) ([]Job, error)
	// FailJob 记录失败。retryable 时按退避重入队，重试耗尽或不可重试则置 dead
	// 并将 Run 置 failed；返回更新后的 Job
	FailJob(ctx context.Context, jobID, attemptID string, statusCode int, errText string, retryable bool, now time.Time) (*Job, error)
	// RequeueRateLimited 限流拒绝后短延迟重入队，不消耗重试次数
	RequeueRateLimited(ctx context.Context, jobID, attemptID string, delay time.Duration, now time.Time) error

	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRunsByUser(ctx context.Context, userID string, limit int) ([]Run, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobsByRun(ctx context.Context, runID string) ([]Job, error)
	ListAttempts(ctx context.Context, jobID string) ([]Attempt, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// ReclaimStuck 将 running 超过 olderThan 的 Job 收回为 queued（worker 崩溃恢复）
	ReclaimStuck(ctx context.Context, olderThan time.Duration, now time.Time) (int, error)
	Close()
}

// MemoryStore 内存实现，供测试与单进程部署使用
type MemoryStore struct {
	mu       sync.Mutex
	runs     map[string]*Run
	jobs     map[string]*Job
	attempts map[string]*Attempt
	byJob    map[string][]string // jobID → attemptID（追加序）
}

// NewMemoryStore 创建内存队列
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*Run),
		jobs:     make(map[string]*Job),
		attempts: make(map[string]*Attempt),
		byJob:    make(map[string][]string),
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run Run, jobs []Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := run
	s.runs[r.ID] = &r
	for _, j := range jobs {
		jc := j
		s.jobs[jc.ID] = &jc
	}
	return nil
}

func (s *MemoryStore) ClaimNextReady(ctx context.Context, now time.Time) (*Job, *Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pick *Job
	for _, j := range s.jobs {
		if j.Status != StatusQueued || j.NextRunAt.After(now) {
			continue
		}
		if pick == nil ||
			j.Priority > pick.Priority ||
			(j.Priority == pick.Priority && j.CreatedAt.Before(pick.CreatedAt)) {
			pick = j
		}
	}
	if pick == nil {
		return nil, nil, ErrNoJob
	}

	pick.Status = StatusRunning
	pick.UpdatedAt = now
	att := &Attempt{
		ID:        "att-" + uuid.New().String(),
		JobID:     pick.ID,
		StartedAt: now,
	}
	s.attempts[att.ID] = att
	s.byJob[pick.ID] = append(s.byJob[pick.ID], att.ID)

	jc, ac := *pick, *att
	return &jc, &ac, nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, jobID, attemptID string, statusCode int, output json.RawMessage, now time.Time) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	j.Status = StatusDone
	j.Output = output
	j.UpdatedAt = now
	s.closeAttempt(attemptID, now, true, statusCode, "")

	unblocked := s.resolveDependents(j, now)
	s.maybeFinishRun(j.RunID, now)
	return unblocked, nil
}

// resolveDependents 将完成步骤的输出并入同 Run 依赖方的 Upstream，
// 并把依赖已全部 done 的 blocked Job 置为 queued
func (s *MemoryStore) resolveDependents(done *Job, now time.Time) []Job {
	var unblocked []Job
	for _, dep := range s.jobs {
		if dep.RunID != done.RunID || !contains(dep.DependsOn, done.StepID) {
			continue
		}
		if dep.Payload.Upstream == nil {
			dep.Payload.Upstream = make(map[string]json.RawMessage)
		}
		dep.Payload.Upstream[done.StepID] = done.Output
		if dep.Status == StatusBlocked && s.depsDone(dep) {
			dep.Status = StatusQueued
			dep.NextRunAt = now
			dep.UpdatedAt = now
			unblocked = append(unblocked, *dep)
		}
	}
	sort.Slice(unblocked, func(i, k int) bool { return unblocked[i].StepID < unblocked[k].StepID })
	return unblocked
}

func (s *MemoryStore) depsDone(j *Job) bool {
	for _, stepID := range j.DependsOn {
		met := false
		for _, other := range s.jobs {
			if other.RunID == j.RunID && other.StepID == stepID && other.Status == StatusDone {
				met = true
				break
			}
		}
		if !met {
			return false
		}
	}
	return true
}

func (s *MemoryStore) maybeFinishRun(runID string, now time.Time) {
	r, ok := s.runs[runID]
	if !ok || r.Status != RunRunning {
		return
	}
	for _, j := range s.jobs {
		if j.RunID == runID && j.Status != StatusDone {
			return
		}
	}
	r.Status = RunCompleted
	t := now
	r.FinishedAt = &t
}

func (s *MemoryStore) FailJob(ctx context.Context, jobID, attemptID string, statusCode int, errText string, retryable bool, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	s.closeAttempt(attemptID, now, false, statusCode, errText)
	j.Attempts++
	j.UpdatedAt = now

	if retryable && j.Attempts < j.MaxAttempts {
		j.Status = StatusQueued
		j.NextRunAt = now.Add(j.Payload.Retry.Delay(j.Attempts))
	} else {
		j.Status = StatusDead
		if r, ok := s.runs[j.RunID]; ok && r.Status == RunRunning {
			r.Status = RunFailed
			t := now
			r.FinishedAt = &t
		}
	}
	jc := *j
	return &jc, nil
}

func (s *MemoryStore) RequeueRateLimited(ctx context.Context, jobID, attemptID string, delay time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	s.closeAttempt(attemptID, now, false, 0, "rate limited")
	j.Status = StatusQueued
	j.NextRunAt = now.Add(delay)
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) closeAttempt(attemptID string, now time.Time, success bool, statusCode int, errText string) {
	a, ok := s.attempts[attemptID]
	if !ok {
		return
	}
	t := now
	a.FinishedAt = &t
	a.Success = success
	a.StatusCode = statusCode
	a.ErrorText = errText
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	rc := *r
	return &rc, nil
}

func (s *MemoryStore) ListRunsByUser(ctx context.Context, userID string, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Run
	for _, r := range s.runs {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	jc := *j
	return &jc, nil
}

func (s *MemoryStore) ListJobsByRun(ctx context.Context, runID string) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if j.RunID == runID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StepID < out[k].StepID })
	return out, nil
}

func (s *MemoryStore) ListAttempts(ctx context.Context, jobID string) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byJob[jobID]
	out := make([]Attempt, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.attempts[id])
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Status]int)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) ReclaimStuck(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-olderThan)
	n := 0
	for _, j := range s.jobs {
		if j.Status == StatusRunning && j.UpdatedAt.Before(cutoff) {
			j.Status = StatusQueued
			j.NextRunAt = now
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() {}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
