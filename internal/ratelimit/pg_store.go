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

package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore Postgres 实现：rate_limits 表，单行 FOR UPDATE 保证原子读-改-写
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore 创建基于 PostgreSQL 的限流存储；dsn 为连接串
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

// NewPGStoreWithPool 复用已有连接池（与队列同库部署时）
func NewPGStoreWithPool(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Close 关闭连接池
func (s *PGStore) Close() {
	s.pool.Close()
}

// lockRow 在事务内取出并锁定桶行；不存在时插入满桶
func lockRow(ctx context.Context, tx pgx.Tx, key string, cfg Config, now time.Time) (Bucket, error) {
	var b Bucket
	b.Key = key
	err := tx.QueryRow(ctx,
		`SELECT tokens, capacity, refill_per_sec, last_refill_at FROM rate_limits WHERE key = $1 FOR UPDATE`,
		key).Scan(&b.Tokens, &b.Capacity, &b.RefillPerSec, &b.LastRefillAt)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return b, err
	}
	b = newBucket(key, cfg, now)
	_, err = tx.Exec(ctx,
		`INSERT INTO rate_limits (key, tokens, capacity, refill_per_sec, last_refill_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO NOTHING`,
		key, b.Tokens, b.Capacity, b.RefillPerSec, b.LastRefillAt)
	if err != nil {
		return b, err
	}
	// 并发首建时对方可能先插入；重新锁定读取权威行
	err = tx.QueryRow(ctx,
		`SELECT tokens, capacity, refill_per_sec, last_refill_at FROM rate_limits WHERE key = $1 FOR UPDATE`,
		key).Scan(&b.Tokens, &b.Capacity, &b.RefillPerSec, &b.LastRefillAt)
	return b, err
}

func (s *PGStore) Admit(ctx context.Context, key string, tokens float64, cfg Config, now time.Time) (bool, Bucket, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, Bucket{}, err
	}
	defer tx.Rollback(ctx)

	b, err := lockRow(ctx, tx, key, cfg, now)
	if err != nil {
		return false, Bucket{}, err
	}
	b.refill(now)
	admitted := b.Tokens >= tokens
	if admitted {
		b.Tokens -= tokens
	}
	_, err = tx.Exec(ctx,
		`UPDATE rate_limits SET tokens = $1, last_refill_at = $2 WHERE key = $3`,
		b.Tokens, b.LastRefillAt, key)
	if err != nil {
		return false, Bucket{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, Bucket{}, err
	}
	return admitted, b, nil
}

func (s *PGStore) Status(ctx context.Context, key string, cfg Config, now time.Time) (Bucket, error) {
	var b Bucket
	b.Key = key
	err := s.pool.QueryRow(ctx,
		`SELECT tokens, capacity, refill_per_sec, last_refill_at FROM rate_limits WHERE key = $1`,
		key).Scan(&b.Tokens, &b.Capacity, &b.RefillPerSec, &b.LastRefillAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return newBucket(key, cfg, now), nil
	}
	if err != nil {
		return b, err
	}
	b.refill(now)
	return b, nil
}

func (s *PGStore) Reset(ctx context.Context, key string, cfg Config, now time.Time) error {
	b := newBucket(key, cfg, now)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rate_limits (key, tokens, capacity, refill_per_sec, last_refill_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET tokens = $2, last_refill_at = $5`,
		key, b.Tokens, b.Capacity, b.RefillPerSec, b.LastRefillAt)
	return err
}
