package coordinator

import (
	"context"
	"time"

	"github.com/koopa0/battleship-arena/internal/telemetry"
)

// Run 啟動定期掃描迴圈，ctx 取消時停止。
//
// 所有生命週期裁決集中在這一條迴圈：排隊逾時、暫存過期、
// 租約回收、限流桶回收、閒置終局、寬限期滿。沒有逐項計時器——
// 幾千個併發對局只需要一個 ticker。
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	var lastPresence time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, &lastPresence)
		}
	}
}

// sweep 單次掃描，步驟順序固定
func (s *Service) sweep(ctx context.Context, lastPresence *time.Time) {
	now := s.now()

	// 1. 在場標記刷新（分散式模式，間隔到期時）
	if s.store != nil && now.Sub(*lastPresence) >= s.cfg.PresenceRefresh {
		*lastPresence = now
		s.refreshPresence(ctx, now)
	}

	// 2. 排隊逾時 → 機器人對局
	for _, entry := range s.queue.TickTimeouts(s.cfg.QueueTimeout, now) {
		r := s.rooms.CreateBotMatch(entry, s.cfg.BotName, now)

		identity := entry.Identity
		s.mirror(ctx, "queue removal", func(ctx context.Context) error {
			return s.store.RemoveQueueEntry(ctx, identity)
		})
		s.mirrorRoom(ctx, r)

		s.notifyMatched(r, entry, s.cfg.BotName)
		s.sink.RecordMatchEvent(telemetry.MatchEvent{
			RoomID: r.ID, Identity: entry.Identity, Kind: "matched", Detail: "vs_bot", At: now,
		})
	}

	// 3. 暫存過期與租約回收
	for _, parked := range s.queue.ExpireParked(s.cfg.ParkedTTL, now) {
		tok := parked.Entry.Token
		s.mirror(ctx, "parked removal", func(ctx context.Context) error {
			return s.store.RemoveParked(ctx, tok)
		})
	}
	s.refreshRoomLeases()
	if expired := s.tokens.ExpireStale(now); len(expired) > 0 {
		s.logger.Debug("token leases expired", "count", len(expired))
	}

	// 4. 限流桶回收
	s.guard.GC(now)

	// 5. 閒置房間終局（無勝者）
	for _, r := range s.rooms.All() {
		if report, ended := r.EndForInactivity(s.cfg.RoomInactivityTimeout, now); ended {
			s.logger.Info("room ended for inactivity", "room_id", r.ID)
			s.finishRoom(ctx, r, "", report.Reason, report.TotalShots, now)
		}
	}

	// 6. 寬限期滿終局（留守方獲勝；雙方皆離開則無勝者）
	for _, r := range s.rooms.All() {
		if report, ended := r.GraceExpiry(s.cfg.ReconnectGrace, now); ended {
			s.logger.Info("room ended after grace expiry",
				"room_id", r.ID, "winner", report.Winner)
			s.finishRoom(ctx, r, report.Winner, report.Reason, report.TotalShots, now)
		}
	}
}

// refreshPresence 為仍然連線的房間參與者刷新在場標記
func (s *Service) refreshPresence(ctx context.Context, now time.Time) {
	for _, r := range s.rooms.All() {
		for _, h := range r.HumanParticipants() {
			if !s.sender.Connected(h) {
				continue
			}
			tok, ok := r.TokenFor(h)
			if !ok {
				continue
			}
			s.mirror(ctx, "presence touch", func(ctx context.Context) error {
				return s.store.TouchPresence(ctx, tok, now)
			})
		}
	}
}

// refreshRoomLeases 刷新活躍房間的令牌租約，避免被過期回收
func (s *Service) refreshRoomLeases() {
	for _, r := range s.rooms.All() {
		for _, h := range r.HumanParticipants() {
			if tok, ok := r.TokenFor(h); ok {
				s.tokens.Touch(tok)
			}
		}
	}
}

// Stats 調度核心統計（監控端點用）
func (s *Service) Stats() map[string]any {
	stats := map[string]any{
		"rooms":          s.rooms.Count(),
		"queue":          s.queue.Len(),
		"parked":         s.queue.ParkedLen(),
		"token_leases":   s.tokens.Count(),
		"limiter":        s.guard.Stats(),
		"distributed":    s.store != nil,
		"active_bot_run": s.activeBotRuns(),
	}
	return stats
}

func (s *Service) activeBotRuns() int {
	s.botMu.Lock()
	defer s.botMu.Unlock()
	return len(s.botRuns)
}
