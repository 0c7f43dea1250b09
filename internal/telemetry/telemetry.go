// Package telemetry 記錄對局與安全事件到關聯式資料庫。
//
// 系統設計考量：
//   事件落庫是事後分析用的副作用，絕不能拖慢對局路徑——
//   寫入以 fire-and-forget 方式在背景 goroutine 進行，
//   資料庫不可用時記錄警告並丟棄事件，動作本身照常完成。
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MatchEvent 對局事件
type MatchEvent struct {
	RoomID   string
	Identity string
	Kind     string // matched / fleet_placed / shot / game_over / cancelled / reconnected
	Detail   string
	At       time.Time
}

// SecurityEvent 安全事件
type SecurityEvent struct {
	Identity string
	Addr     string
	Kind     string // rate_limited / soft_ban / invalid_payload / reconnect_conflict
	Detail   string
	At       time.Time
}

// MatchSummary 終局摘要
type MatchSummary struct {
	RoomID     string
	Winner     string
	EndReason  string
	TotalShots int
	VsBot      bool
	Duration   time.Duration
	EndedAt    time.Time
}

// Sink 事件接收端
type Sink interface {
	RecordMatchEvent(ev MatchEvent)
	RecordSecurityEvent(ev SecurityEvent)
	RecordMatchSummary(sum MatchSummary)
	Close()
}

// NopSink 丟棄所有事件（未設定資料庫時使用）
type NopSink struct{}

func (NopSink) RecordMatchEvent(MatchEvent)       {}
func (NopSink) RecordSecurityEvent(SecurityEvent) {}
func (NopSink) RecordMatchSummary(MatchSummary)   {}
func (NopSink) Close()                            {}

const schema = `
CREATE TABLE IF NOT EXISTS match_events (
    id        BIGSERIAL PRIMARY KEY,
    room_id   TEXT        NOT NULL,
    identity  TEXT        NOT NULL,
    kind      TEXT        NOT NULL,
    detail    TEXT        NOT NULL DEFAULT '',
    at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS security_events (
    id        BIGSERIAL PRIMARY KEY,
    identity  TEXT        NOT NULL,
    addr      TEXT        NOT NULL,
    kind      TEXT        NOT NULL,
    detail    TEXT        NOT NULL DEFAULT '',
    at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS match_summaries (
    id          BIGSERIAL PRIMARY KEY,
    room_id     TEXT        NOT NULL,
    winner      TEXT        NOT NULL DEFAULT '',
    end_reason  TEXT        NOT NULL,
    total_shots INT         NOT NULL,
    vs_bot      BOOLEAN     NOT NULL,
    duration_ms BIGINT      NOT NULL,
    ended_at    TIMESTAMPTZ NOT NULL
);
`

// PostgresSink 以 PostgreSQL 持久化事件
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	jobs   chan func(context.Context)
	done   chan struct{}
}

// NewPostgresSink 連線資料庫並確保資料表存在。
// 背景工作者逐一執行寫入，通道滿時丟棄最舊語意換成直接丟棄新事件。
func NewPostgresSink(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresSink{
		pool:   pool,
		logger: logger,
		jobs:   make(chan func(context.Context), 256),
		done:   make(chan struct{}),
	}
	go s.worker()
	return s, nil
}

func (s *PostgresSink) worker() {
	defer close(s.done)
	for job := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		job(ctx)
		cancel()
	}
}

// submit 排入背景寫入；通道滿時丟棄並記錄
func (s *PostgresSink) submit(job func(context.Context)) {
	select {
	case s.jobs <- job:
	default:
		s.logger.Warn("telemetry queue full, event dropped")
	}
}

// RecordMatchEvent 記錄對局事件
func (s *PostgresSink) RecordMatchEvent(ev MatchEvent) {
	s.submit(func(ctx context.Context) {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO match_events (room_id, identity, kind, detail, at) VALUES ($1, $2, $3, $4, $5)`,
			ev.RoomID, ev.Identity, ev.Kind, ev.Detail, ev.At)
		if err != nil {
			s.logger.Warn("record match event failed", "error", err)
		}
	})
}

// RecordSecurityEvent 記錄安全事件
func (s *PostgresSink) RecordSecurityEvent(ev SecurityEvent) {
	s.submit(func(ctx context.Context) {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO security_events (identity, addr, kind, detail, at) VALUES ($1, $2, $3, $4, $5)`,
			ev.Identity, ev.Addr, ev.Kind, ev.Detail, ev.At)
		if err != nil {
			s.logger.Warn("record security event failed", "error", err)
		}
	})
}

// RecordMatchSummary 記錄終局摘要
func (s *PostgresSink) RecordMatchSummary(sum MatchSummary) {
	s.submit(func(ctx context.Context) {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO match_summaries (room_id, winner, end_reason, total_shots, vs_bot, duration_ms, ended_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sum.RoomID, sum.Winner, sum.EndReason, sum.TotalShots, sum.VsBot,
			sum.Duration.Milliseconds(), sum.EndedAt)
		if err != nil {
			s.logger.Warn("record match summary failed", "error", err)
		}
	})
}

// Close 排空背景寫入後關閉連線池
func (s *PostgresSink) Close() {
	close(s.jobs)
	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("telemetry drain timed out")
	}
	s.pool.Close()
}
