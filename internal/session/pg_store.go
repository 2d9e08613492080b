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
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore Postgres 实现：education_sessions 表，
// 以 (user_id, week, day) 为键，artifacts 存 JSONB。建表语句见 schema.sql
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore 创建基于 PostgreSQL 的会话存储
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

// NewPGStoreWithPool 复用已有连接池
func NewPGStoreWithPool(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Close 关闭连接池
func (s *PGStore) Close() {
	s.pool.Close()
}

const sessionColumns = `id, user_id, week, day, phase, artifacts, etag, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	var phase string
	var artifacts []byte
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Week, &sess.Day, &phase,
		&artifacts, &sess.ETag, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Phase = Phase(phase)
	sess.Artifacts = make(map[string]json.RawMessage)
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &sess.Artifacts); err != nil {
			return nil, err
		}
	}
	return &sess, nil
}

func (s *PGStore) GetOrCreate(ctx context.Context, userID string, week, day int) (*Session, error) {
	now := time.Now()
	// 先尝试插入，冲突则读取现有行
	_, err := s.pool.Exec(ctx,
		`INSERT INTO education_sessions (id, user_id, week, day, phase, artifacts, etag, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, '{}'::jsonb, $6, $7, $7)
		 ON CONFLICT (user_id, week, day) DO NOTHING`,
		"session-"+uuid.New().String(), userID, week, day, string(PhasePlanning),
		"session-v-"+uuid.New().String(), now)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, userID, week, day)
}

func (s *PGStore) Get(ctx context.Context, userID string, week, day int) (*Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM education_sessions
		 WHERE user_id = $1 AND week = $2 AND day = $3`,
		userID, week, day))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

func (s *PGStore) Save(ctx context.Context, in *Session) error {
	artifacts, err := json.Marshal(in.Artifacts)
	if err != nil {
		return err
	}
	newETag := "session-v-" + uuid.New().String()
	now := time.Now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE education_sessions
		 SET phase = $1, artifacts = $2, etag = $3, updated_at = $4
		 WHERE user_id = $5 AND week = $6 AND day = $7 AND etag = $8`,
		string(in.Phase), artifacts, newETag, now,
		in.UserID, in.Week, in.Day, in.ETag)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// 行不存在或版本不一致
		if _, err := s.Get(ctx, in.UserID, in.Week, in.Day); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionMismatch
	}
	in.ETag = newETag
	in.UpdatedAt = now
	return nil
}

func (s *PGStore) ListByUser(ctx context.Context, userID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM education_sessions
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}
