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
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore Postgres 实现：workflow_runs / job_queue / job_attempts 三表，
// API 与 Worker 共享同一套表。建表语句见 schema.sql
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore 创建基于 PostgreSQL 的队列存储；dsn 为连接串
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGStore{pool: pool}, nil
}

// NewPGStoreWithPool 复用已有连接池（与限流、会话存储同库时）
func NewPGStoreWithPool(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Close 关闭连接池
func (s *PGStore) Close() {
	s.pool.Close()
}

const jobColumns = `id, run_id, step_id, user_id, status, priority, attempts, max_attempts,
	next_run_at, depends_on, payload, output, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var status string
	var dependsOn []string
	var payload, output []byte
	err := row.Scan(&j.ID, &j.RunID, &j.StepID, &j.UserID, &status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &j.NextRunAt, &dependsOn, &payload, &output,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.DependsOn = dependsOn
	j.Output = output
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, err
		}
	}
	return &j, nil
}

func (s *PGStore) CreateRun(ctx context.Context, run Run, jobs []Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_runs (id, workflow_key, user_id, intent_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.WorkflowKey, run.UserID, nullStr(run.IntentID), string(run.Status), run.CreatedAt)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		payload, err := json.Marshal(j.Payload)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO job_queue (`+jobColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			j.ID, j.RunID, j.StepID, j.UserID, string(j.Status), j.Priority,
			j.Attempts, j.MaxAttempts, j.NextRunAt, j.DependsOn, payload, nil,
			j.CreatedAt, j.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PGStore) ClaimNextReady(ctx context.Context, now time.Time) (*Job, *Attempt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`UPDATE job_queue SET status = 'running', updated_at = $2
		 WHERE id = (SELECT id FROM job_queue
		             WHERE status = 'queued' AND next_run_at <= $1
		             ORDER BY priority DESC, created_at ASC
		             LIMIT 1 FOR UPDATE SKIP LOCKED)
		 RETURNING `+jobColumns, now, now)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNoJob
		}
		return nil, nil, err
	}

	att := Attempt{
		ID:        "att-" + uuid.New().String(),
		JobID:     j.ID,
		StartedAt: now,
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO job_attempts (id, job_id, started_at) VALUES ($1, $2, $3)`,
		att.ID, att.JobID, att.StartedAt)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return j, &att, nil
}

func (s *PGStore) CompleteJob(ctx context.Context, jobID, attemptID string, statusCode int, output json.RawMessage, now time.Time) ([]Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var runID, stepID string
	err = tx.QueryRow(ctx,
		`UPDATE job_queue SET status = 'done', output = $2, updated_at = $3
		 WHERE id = $1 RETURNING run_id, step_id`,
		jobID, []byte(output), now).Scan(&runID, &stepID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE job_attempts SET finished_at = $2, success = TRUE, status_code = $3 WHERE id = $1`,
		attemptID, now, statusCode)
	if err != nil {
		return nil, err
	}

	// 将输出并入依赖方 payload.upstream
	upstream := output
	if len(upstream) == 0 {
		upstream = json.RawMessage("null")
	}
	_, err = tx.Exec(ctx,
		`UPDATE job_queue
		 SET payload = payload || jsonb_build_object('upstream',
		       COALESCE(payload->'upstream', '{}'::jsonb) || jsonb_build_object($3::text, $4::jsonb)),
		     updated_at = $2
		 WHERE run_id = $1 AND depends_on @> ARRAY[$3]`,
		runID, now, stepID, []byte(upstream))
	if err != nil {
		return nil, err
	}

	// 解锁依赖已全部 done 的 blocked Job
	rows, err := tx.Query(ctx,
		`UPDATE job_queue d SET status = 'queued', next_run_at = $2, updated_at = $2
		 WHERE d.run_id = $1 AND d.status = 'blocked' AND d.depends_on @> ARRAY[$3]
		   AND NOT EXISTS (SELECT 1 FROM job_queue p
		                   WHERE p.run_id = d.run_id AND p.step_id = ANY(d.depends_on)
		                     AND p.status <> 'done')
		 RETURNING `+jobColumns, runID, now, stepID)
	if err != nil {
		return nil, err
	}
	var unblocked []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		unblocked = append(unblocked, *j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE workflow_runs SET status = 'completed', finished_at = $2
		 WHERE id = $1 AND status = 'running'
		   AND NOT EXISTS (SELECT 1 FROM job_queue WHERE run_id = $1 AND status <> 'done')`,
		runID, now)
	if err != nil {
		return nil, err
	}
	return unblocked, tx.Commit(ctx)
}

func (s *PGStore) FailJob(ctx context.Context, jobID, attemptID string, statusCode int, errText string, retryable bool, now time.Time) (*Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	j, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE job_attempts SET finished_at = $2, success = FALSE, status_code = $3, error_text = $4
		 WHERE id = $1`,
		attemptID, now, statusCode, errText)
	if err != nil {
		return nil, err
	}

	j.Attempts++
	j.UpdatedAt = now
	if retryable && j.Attempts < j.MaxAttempts {
		j.Status = StatusQueued
		j.NextRunAt = now.Add(j.Payload.Retry.Delay(j.Attempts))
		_, err = tx.Exec(ctx,
			`UPDATE job_queue SET status = 'queued', attempts = $2, next_run_at = $3, updated_at = $4
			 WHERE id = $1`,
			j.ID, j.Attempts, j.NextRunAt, now)
	} else {
		j.Status = StatusDead
		_, err = tx.Exec(ctx,
			`UPDATE job_queue SET status = 'dead', attempts = $2, updated_at = $3 WHERE id = $1`,
			j.ID, j.Attempts, now)
		if err == nil {
			_, err = tx.Exec(ctx,
				`UPDATE workflow_runs SET status = 'failed', finished_at = $2
				 WHERE id = $1 AND status = 'running'`,
				j.RunID, now)
		}
	}
	if err != nil {
		return nil, err
	}
	return j, tx.Commit(ctx)
}

func (s *PGStore) RequeueRateLimited(ctx context.Context, jobID, attemptID string, delay time.Duration, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE job_queue SET status = 'queued', next_run_at = $2, updated_at = $3 WHERE id = $1`,
		jobID, now.Add(delay), now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = tx.Exec(ctx,
		`UPDATE job_attempts SET finished_at = $2, success = FALSE, error_text = 'rate limited'
		 WHERE id = $1`,
		attemptID, now)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	return scanRun(s.pool.QueryRow(ctx,
		`SELECT id, workflow_key, user_id, COALESCE(intent_id, ''), status, created_at, finished_at
		 FROM workflow_runs WHERE id = $1`, runID))
}

func (s *PGStore) ListRunsByUser(ctx context.Context, userID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, workflow_key, user_id, COALESCE(intent_id, ''), status, created_at, finished_at
		 FROM workflow_runs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	var status string
	err := row.Scan(&r.ID, &r.WorkflowKey, &r.UserID, &r.IntentID, &status, &r.CreatedAt, &r.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = RunStatus(status)
	return &r, nil
}

func (s *PGStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

func (s *PGStore) ListJobsByRun(ctx context.Context, runID string) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE run_id = $1 ORDER BY step_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *PGStore) ListAttempts(ctx context.Context, jobID string) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, started_at, finished_at, success, COALESCE(status_code, 0), COALESCE(error_text, '')
		 FROM job_attempts WHERE job_id = $1 ORDER BY started_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.JobID, &a.StartedAt, &a.FinishedAt, &a.Success, &a.StatusCode, &a.ErrorText); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM job_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *PGStore) ReclaimStuck(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_queue SET status = 'queued', next_run_at = $2, updated_at = $2
		 WHERE status = 'running' AND updated_at < $1`,
		now.Add(-olderThan), now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
