// Package coordinator 是系統的調度核心。
//
// 系統設計考量：
//
//	所有入站動作走同一條路徑：軟封鎖檢查 → 信封解析 → 限流 →
//	路由到佇列/房間操作 → 事件推播給受影響的身分 → 共享儲存鏡像。
//
//	核心原則：
//	1. 解析先於信任 - 每種動作有自己的型別化載荷，格式錯誤立即拒絕並記入洪水統計
//	2. 本地權威 - 記憶體內狀態先行變更，鏡像是背景的盡力而為
//	3. 掃描驅動回收 - 排隊逾時、寬限期滿、閒置房間、租約與限流桶
//	   全部由單一定期掃描裁決，不養逐項計時器
//	4. 邊界恢復 - 處理器 panic 被調度邊界攔截，單一連線的錯誤不拖垮行程
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/koopa0/battleship-arena/internal/limiter"
	"github.com/koopa0/battleship-arena/internal/queue"
	"github.com/koopa0/battleship-arena/internal/room"
	"github.com/koopa0/battleship-arena/internal/store"
	"github.com/koopa0/battleship-arena/internal/telemetry"
	"github.com/koopa0/battleship-arena/internal/token"
	"github.com/koopa0/battleship-arena/pkg/apperrors"
)

// Sender 事件推播介面（由傳輸層實作）
type Sender interface {
	// Send 推播事件給指定身分；身分未連線時靜默丟棄
	Send(identity string, ev Event)
	// Connected 身分目前是否有活躍連線
	Connected(identity string) bool
}

// Config 調度核心設定
type Config struct {
	QueueTimeout          time.Duration `yaml:"queue_timeout"`
	RoomInactivityTimeout time.Duration `yaml:"room_inactivity_timeout"`
	ReconnectGrace        time.Duration `yaml:"reconnect_grace"`
	ParkedTTL             time.Duration `yaml:"parked_ttl"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`
	BotThinkDelay         time.Duration `yaml:"bot_think_delay"`
	PresenceRefresh       time.Duration `yaml:"presence_refresh"`
	BotName               string        `yaml:"bot_name"`
}

// DefaultConfig 預設調度設定
func DefaultConfig() Config {
	return Config{
		QueueTimeout:          30 * time.Second,
		RoomInactivityTimeout: 10 * time.Minute,
		ReconnectGrace:        60 * time.Second,
		ParkedTTL:             2 * time.Minute,
		SweepInterval:         time.Second,
		BotThinkDelay:         800 * time.Millisecond,
		PresenceRefresh:       30 * time.Second,
		BotName:               "Admiral Bot",
	}
}

// Service 調度核心
type Service struct {
	cfg    Config
	queue  *queue.Manager
	rooms  *room.Registry
	tokens *token.Service
	guard  *limiter.Guard
	store  *store.Adapter // nil = 單機模式
	sink   telemetry.Sink
	sender Sender
	logger *slog.Logger
	now    func() time.Time

	// 同一令牌的並發載入收斂為一次共享儲存讀取
	hydrateMu sync.Mutex
	hydrating map[string]chan struct{}

	// 每個房間至多一條機器人回合迴圈
	botMu   sync.Mutex
	botRuns map[string]bool
}

// NewService 建立調度核心
func NewService(
	cfg Config,
	q *queue.Manager,
	rooms *room.Registry,
	tokens *token.Service,
	guard *limiter.Guard,
	st *store.Adapter,
	sink telemetry.Sink,
	sender Sender,
	logger *slog.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		queue:     q,
		rooms:     rooms,
		tokens:    tokens,
		guard:     guard,
		store:     st,
		sink:      sink,
		sender:    sender,
		logger:    logger,
		now:       time.Now,
		hydrating: make(map[string]chan struct{}),
		botRuns:   make(map[string]bool),
	}
}

// HandleAction 處理一個入站動作。調度邊界：
// 軟封鎖 → 信封解析 → 限流 → 路由；panic 在此攔截。
func (s *Service) HandleAction(ctx context.Context, identity, addr string, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("handler panic", "identity", identity, "panic", rec)
			s.sendError(identity, apperrors.New(apperrors.CodeInternal, "internal error"), 0)
		}
	}()

	now := s.now()

	if remaining, banned := s.guard.CheckBan(identity, addr, now); banned {
		s.sendError(identity, apperrors.ErrSoftBanned, remaining)
		return
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Action == "" {
		s.recordInvalid(identity, addr, "malformed envelope", now)
		return
	}

	if err := s.guard.Allow(ctx, identity, addr, env.Action, now); err != nil {
		s.sink.RecordSecurityEvent(telemetry.SecurityEvent{
			Identity: identity, Addr: addr, Kind: "rate_limited", Detail: env.Action, At: now,
		})
		s.sendError(identity, err, 0)
		return
	}

	var err error
	switch env.Action {
	case ActionJoinQueue:
		var p joinQueuePayload
		if !s.decode(env.Data, &p, false, identity, addr, env.Action, now) {
			return
		}
		err = s.handleJoinQueue(ctx, identity, p, now)
	case ActionCancelQueue:
		err = s.handleCancelQueue(ctx, identity, now)
	case ActionPlaceFleet:
		var p placeFleetPayload
		if !s.decode(env.Data, &p, true, identity, addr, env.Action, now) {
			return
		}
		err = s.handlePlaceFleet(ctx, identity, p, now)
	case ActionFireShot:
		var p fireShotPayload
		if !s.decode(env.Data, &p, true, identity, addr, env.Action, now) {
			return
		}
		err = s.handleFireShot(ctx, identity, p, now)
	case ActionCancelGame:
		var p cancelGamePayload
		if !s.decode(env.Data, &p, false, identity, addr, env.Action, now) {
			return
		}
		err = s.handleCancelGame(ctx, identity, p, now)
	case ActionChat:
		var p chatPayload
		if !s.decode(env.Data, &p, true, identity, addr, env.Action, now) {
			return
		}
		err = s.handleChat(ctx, identity, p, now)
	default:
		s.recordInvalid(identity, addr, "unknown action "+env.Action, now)
		return
	}

	if err != nil {
		s.sendError(identity, err, 0)
	}
}

// decode 解碼動作載荷。
// 解碼失敗屬於格式錯誤（記入洪水統計），與語意層的拒絕分開處理。
func (s *Service) decode(raw json.RawMessage, v any, required bool, identity, addr, action string, now time.Time) bool {
	if len(raw) == 0 {
		if !required {
			return true
		}
		s.recordInvalid(identity, addr, action+": missing payload", now)
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.recordInvalid(identity, addr, action+": "+err.Error(), now)
		return false
	}
	return true
}

// recordInvalid 記入洪水統計，跨過閾值即通知封鎖
func (s *Service) recordInvalid(identity, addr, detail string, now time.Time) {
	s.sink.RecordSecurityEvent(telemetry.SecurityEvent{
		Identity: identity, Addr: addr, Kind: "invalid_payload", Detail: detail, At: now,
	})
	if duration, banned := s.guard.RecordInvalid(identity, addr, now); banned {
		s.sink.RecordSecurityEvent(telemetry.SecurityEvent{
			Identity: identity, Addr: addr, Kind: "soft_ban", Detail: duration.String(), At: now,
		})
		s.sendError(identity, apperrors.ErrSoftBanned, duration)
		return
	}
	s.sendError(identity, apperrors.ErrInvalidPayload.WithDetails(detail), 0)
}

// sendError 將錯誤轉為事件推播
func (s *Service) sendError(identity string, err error, retryAfter time.Duration) {
	payload := errorPayload{
		Code:    apperrors.Code(err),
		Message: err.Error(),
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		payload.Message = appErr.Message
		payload.Details = appErr.Details
	}
	if retryAfter > 0 {
		payload.RetryAfterMS = retryAfter.Milliseconds()
	}
	s.sender.Send(identity, Event{Type: EventError, Data: payload})
}

// ---- 佇列動作 ----

// handleJoinQueue 加入配對佇列。
//
// 令牌的解析順序決定語意：
//  1. 令牌綁定本地房間 → 重連
//  2. 分散式模式下令牌可解析到共享儲存的房間 → 載入後重連
//  3. 其餘交給佇列：命中暫存區則原位恢復，否則全新入列
func (s *Service) handleJoinQueue(ctx context.Context, identity string, p joinQueuePayload, now time.Time) error {
	if _, ok := s.rooms.RoomFor(identity); ok {
		return apperrors.New(apperrors.CodeState, "already in a room")
	}

	if p.Token != "" {
		if r, ok := s.rooms.RoomForToken(p.Token); ok {
			return s.reconnect(ctx, identity, p.Token, r, now)
		}
		if s.store != nil {
			r, err := s.hydrateRoom(ctx, p.Token)
			if err == nil && r != nil {
				return s.reconnect(ctx, identity, p.Token, r, now)
			}
			if err != nil && !apperrors.IsReconnectStale(err) {
				s.logger.Warn("room hydration failed", "error", err)
			}
			// 查無房間 → 令牌可能對應暫存的佇列位置。
			// 本地暫存區沒有時向共享儲存補位，跨實例的佇列恢復走這裡。
			if !s.queue.HasParked(p.Token) {
				parked, err := s.store.LoadParked(ctx, p.Token)
				switch {
				case err == nil:
					s.queue.AdoptParked(parked)
				case !errors.Is(err, store.ErrNotFound):
					s.logger.Warn("parked lookup failed", "error", err)
				}
			}
		}
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = "player"
	}

	res, err := s.queue.Join(identity, name, now, p.Token)
	if err != nil {
		return err
	}

	s.mirror(ctx, "queue entry", func(ctx context.Context) error {
		return s.store.SaveQueueEntry(ctx, res.Entry)
	})

	s.sender.Send(identity, Event{Type: EventQueued, Data: queuedPayload{
		JoinedAt:  res.Entry.JoinedAt,
		TimeoutMS: s.cfg.QueueTimeout.Milliseconds(),
		Token:     res.Entry.Token,
		Recovered: res.Recovered,
	}})

	if res.Recovered {
		s.mirror(ctx, "parked removal", func(ctx context.Context) error {
			return s.store.RemoveParked(ctx, res.Entry.Token)
		})
	}

	s.tryMatch(ctx, now)
	return nil
}

// handleCancelQueue 離開佇列
func (s *Service) handleCancelQueue(ctx context.Context, identity string, now time.Time) error {
	entry, ok := s.queue.Leave(identity)
	if !ok {
		return apperrors.New(apperrors.CodeState, "not in queue")
	}

	s.mirror(ctx, "queue removal", func(ctx context.Context) error {
		return s.store.RemoveQueueEntry(ctx, entry.Identity)
	})

	s.sender.Send(identity, Event{Type: EventCancelled, Data: cancelledPayload{Reason: "queue_cancelled"}})
	return nil
}

// tryMatch 嘗試配對並建房，直到佇列不足兩人
func (s *Service) tryMatch(ctx context.Context, now time.Time) {
	for {
		a, b, ok := s.queue.TakeMatch()
		if !ok {
			return
		}

		r := s.rooms.CreateMatch(a, b, now)

		s.mirror(ctx, "queue removal", func(ctx context.Context) error {
			if err := s.store.RemoveQueueEntry(ctx, a.Identity); err != nil {
				return err
			}
			return s.store.RemoveQueueEntry(ctx, b.Identity)
		})
		s.mirrorRoom(ctx, r)

		s.notifyMatched(r, a, b.Name)
		s.notifyMatched(r, b, a.Name)

		s.sink.RecordMatchEvent(telemetry.MatchEvent{
			RoomID: r.ID, Identity: a.Identity, Kind: "matched", Detail: b.Identity, At: now,
		})
	}
}

// notifyMatched 通知單方配對成功。
// 就緒旗標取自房間視圖：機器人對局中對手一開局即為就緒。
func (s *Service) notifyMatched(r *room.Room, entry *queue.Entry, opponentName string) {
	view := r.ViewFor(entry.Identity)
	s.sender.Send(entry.Identity, Event{Type: EventMatched, Data: matchedPayload{
		RoomID:        r.ID,
		OpponentName:  opponentName,
		Token:         entry.Token,
		VsBot:         r.VsBot,
		YouReady:      view.YouReady,
		OpponentReady: view.OpponentReady,
	}})
}

// ---- 房間動作 ----

// roomFor 解析身分綁定的房間；帶 roomID 時額外比對
func (s *Service) roomFor(identity, roomID string) (*room.Room, error) {
	r, ok := s.rooms.RoomFor(identity)
	if !ok {
		return nil, apperrors.ErrRoomNotFound
	}
	if roomID != "" && roomID != r.ID {
		return nil, apperrors.ErrRoomNotFound.WithDetails("room mismatch")
	}
	return r, nil
}

// handlePlaceFleet 提交艦隊佈局
func (s *Service) handlePlaceFleet(ctx context.Context, identity string, p placeFleetPayload, now time.Time) error {
	r, err := s.roomFor(identity, p.RoomID)
	if err != nil {
		return err
	}
	if p.Board == nil {
		return apperrors.ErrInvalidPayload.WithDetails("missing board")
	}

	report, err := r.PlaceFleet(identity, p.Board, now)
	if err != nil {
		return err
	}

	s.mirrorRoom(ctx, r)
	s.sink.RecordMatchEvent(telemetry.MatchEvent{
		RoomID: r.ID, Identity: identity, Kind: "fleet_placed", At: now,
	})

	for _, h := range r.HumanParticipants() {
		s.sender.Send(h, Event{Type: EventRoomState, Data: r.ViewFor(h)})
	}
	if report.Started {
		s.broadcastTurn(r, report.Turn)
	}
	return nil
}

// handleFireShot 處理射擊
func (s *Service) handleFireShot(ctx context.Context, identity string, p fireShotPayload, now time.Time) error {
	r, err := s.roomFor(identity, p.RoomID)
	if err != nil {
		return err
	}

	report, err := r.FireShot(identity, p.Coord, now)
	if err != nil {
		return err
	}

	s.sink.RecordMatchEvent(telemetry.MatchEvent{
		RoomID: r.ID, Identity: identity, Kind: "shot", Detail: string(report.Outcome.Result), At: now,
	})
	s.broadcastShot(r, identity, report)

	if report.Over {
		s.finishRoom(ctx, r, report.Winner, room.ReasonFleetSunk, report.TotalShots, now)
		return nil
	}

	s.mirrorRoom(ctx, r)
	if r.VsBot && report.Turn == r.BotID {
		s.startBotLoop(r)
	}
	return nil
}

// handleCancelGame 手動取消對局
func (s *Service) handleCancelGame(ctx context.Context, identity string, p cancelGamePayload, now time.Time) error {
	r, err := s.roomFor(identity, p.RoomID)
	if err != nil {
		return err
	}

	report, err := r.Cancel(identity, now)
	if err != nil {
		return err
	}

	for _, h := range r.HumanParticipants() {
		s.sender.Send(h, Event{Type: EventCancelled, Data: cancelledPayload{
			RoomID: r.ID,
			Reason: string(report.Reason),
			Winner: report.Winner,
		}})
	}
	s.cleanupRoom(ctx, r, now)
	return nil
}

// handleChat 房間內聊天
func (s *Service) handleChat(ctx context.Context, identity string, p chatPayload, now time.Time) error {
	r, err := s.roomFor(identity, p.RoomID)
	if err != nil {
		return err
	}

	switch p.Kind {
	case room.ChatText, room.ChatEmoji, room.ChatGif:
	default:
		return apperrors.ErrInvalidPayload.WithDetails("unknown chat kind")
	}
	if strings.TrimSpace(p.Body) == "" {
		return apperrors.ErrInvalidPayload.WithDetails("empty chat body")
	}

	msg, err := r.AddChat(identity, p.Kind, p.Body, now)
	if err != nil {
		return err
	}

	s.mirrorRoom(ctx, r)
	for _, h := range r.HumanParticipants() {
		s.sender.Send(h, Event{Type: EventChatMessage, Data: msg})
	}
	return nil
}

// ---- 重連 ----

// reconnect 以令牌接管房間席位。
//
// 衝突裁決：
//   - 令牌擁有者處於寬限期 → 無條件接管
//   - 擁有者在本行程仍有連線 → RECONNECT_CONFLICT
//   - 分散式模式下在場標記未過時 → RECONNECT_CONFLICT；
//     標記過時（TTL 已過或早於最近的優雅關機）→ 視為殘影，放行接管
func (s *Service) reconnect(ctx context.Context, identity, tok string, r *room.Room, now time.Time) error {
	if r.IsOver() {
		return apperrors.ErrReconnectStale
	}

	oldIdentity, inGrace, ok := r.OwnerOf(tok)
	if !ok {
		return apperrors.ErrReconnectStale
	}

	if !inGrace && oldIdentity != identity {
		if s.sender.Connected(oldIdentity) {
			s.sink.RecordSecurityEvent(telemetry.SecurityEvent{
				Identity: identity, Kind: "reconnect_conflict", Detail: r.ID, At: now,
			})
			return apperrors.ErrReconnectConflict
		}
		if s.store != nil {
			stale, err := s.store.PresenceStale(ctx, tok, now)
			if err != nil {
				// 降級：無法判斷在場狀態時放行，可用性優先
				s.logger.Warn("presence check failed", "error", err)
			} else if !stale {
				s.sink.RecordSecurityEvent(telemetry.SecurityEvent{
					Identity: identity, Kind: "reconnect_conflict", Detail: r.ID, At: now,
				})
				return apperrors.ErrReconnectConflict
			}
		}
	}

	previous, err := r.Rekey(tok, identity, now)
	if err != nil {
		return err
	}
	s.rooms.RebindIdentity(previous, identity, r.ID)

	// 接管房間席位後，同一身分殘留的佇列條目一併清掉：
	// 一個身分同一時刻只能持有一種席位
	if entry, ok := s.queue.Leave(identity); ok {
		s.mirror(ctx, "queue removal", func(ctx context.Context) error {
			return s.store.RemoveQueueEntry(ctx, entry.Identity)
		})
		s.logger.Info("residual queue entry dropped on reconnect", "identity", identity)
	}

	s.mirrorRoom(ctx, r)
	s.mirror(ctx, "presence touch", func(ctx context.Context) error {
		return s.store.TouchPresence(ctx, tok, now)
	})

	s.sender.Send(identity, Event{Type: EventReconnected, Data: reconnectedPayload{
		RoomID: r.ID,
		Token:  tok,
		View:   r.ViewFor(identity),
	}})

	opponent := r.Opponent(identity)
	if opponent != "" && !r.IsBot(opponent) {
		s.sender.Send(opponent, Event{Type: EventOpponentBack, Data: map[string]string{"room_id": r.ID}})
	}

	s.sink.RecordMatchEvent(telemetry.MatchEvent{
		RoomID: r.ID, Identity: identity, Kind: "reconnected", Detail: previous, At: now,
	})

	// 輪到機器人而迴圈早已停止（行程重啟後接手的房間）→ 重新拉起
	if r.VsBot && r.CurrentTurn() == r.BotID {
		s.startBotLoop(r)
	}
	return nil
}

// hydrateRoom 自共享儲存載入令牌對應的房間。
// 同一令牌的並發呼叫收斂成一次讀取，其餘等待後改查本地註冊表。
func (s *Service) hydrateRoom(ctx context.Context, tok string) (*room.Room, error) {
	s.hydrateMu.Lock()
	if ch, inflight := s.hydrating[tok]; inflight {
		s.hydrateMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if r, ok := s.rooms.RoomForToken(tok); ok {
			return r, nil
		}
		return nil, apperrors.ErrReconnectStale
	}
	ch := make(chan struct{})
	s.hydrating[tok] = ch
	s.hydrateMu.Unlock()

	defer func() {
		s.hydrateMu.Lock()
		delete(s.hydrating, tok)
		s.hydrateMu.Unlock()
		close(ch)
	}()

	roomID, err := s.store.ResolveToken(ctx, tok)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.ErrReconnectStale
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDependency, "resolve token")
	}

	snap, err := s.store.LoadRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.ErrReconnectStale
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDependency, "load room")
	}

	r := s.rooms.Adopt(room.FromSnapshot(snap))
	s.logger.Info("room hydrated from store", "room_id", r.ID)
	return r, nil
}

// ---- 斷線 ----

// Disconnect 連線關閉時由傳輸層呼叫。
// 排隊中 → 條目移入暫存區；對局中 → 房間進入寬限期並通知留守方。
func (s *Service) Disconnect(identity string) {
	ctx := context.Background()
	now := s.now()

	if parked, ok := s.queue.Park(identity, now); ok {
		s.mirror(ctx, "queue park", func(ctx context.Context) error {
			if err := s.store.RemoveQueueEntry(ctx, identity); err != nil {
				return err
			}
			return s.store.SaveParked(ctx, parked, s.cfg.ParkedTTL)
		})
		s.logger.Info("queue entry parked", "identity", identity)
		return
	}

	r, ok := s.rooms.RoomFor(identity)
	if !ok {
		return
	}
	tok, marked := r.MarkDisconnected(identity, now)
	if !marked {
		return
	}
	s.rooms.UnbindIdentity(identity)

	s.mirrorRoom(ctx, r)
	s.mirror(ctx, "presence clear", func(ctx context.Context) error {
		return s.store.ClearPresence(ctx, tok)
	})

	opponent := r.Opponent(identity)
	if opponent != "" && !r.IsBot(opponent) {
		s.sender.Send(opponent, Event{Type: EventOpponentDown, Data: opponentDownPayload{
			RoomID:  r.ID,
			GraceMS: s.cfg.ReconnectGrace.Milliseconds(),
		}})
	}
	s.logger.Info("participant disconnected", "identity", identity, "room_id", r.ID)
}

// ---- 機器人回合 ----

// startBotLoop 確保每個房間至多一條機器人迴圈
func (s *Service) startBotLoop(r *room.Room) {
	s.botMu.Lock()
	if s.botRuns[r.ID] {
		s.botMu.Unlock()
		return
	}
	s.botRuns[r.ID] = true
	s.botMu.Unlock()

	go s.botLoop(r)
}

// botLoop 機器人連續射擊，直到未命中、對局結束或回合易主。
// 每次迭代都重新驗證房間存活與回合歸屬——思考延遲期間
// 人類可能取消對局或寬限期滿。
func (s *Service) botLoop(r *room.Room) {
	defer func() {
		s.botMu.Lock()
		delete(s.botRuns, r.ID)
		s.botMu.Unlock()
	}()

	ctx := context.Background()
	for {
		time.Sleep(s.cfg.BotThinkDelay)

		if r.IsOver() || r.CurrentTurn() != r.BotID {
			return
		}

		now := s.now()
		report, _, err := r.BotFire(now)
		if err != nil {
			return
		}

		s.broadcastShot(r, r.BotID, report)

		if report.Over {
			s.finishRoom(ctx, r, report.Winner, room.ReasonFleetSunk, report.TotalShots, now)
			return
		}

		s.mirrorRoom(ctx, r)
		if report.Turn != r.BotID {
			return
		}
	}
}

// ---- 終局與廣播 ----

// broadcastTurn 向雙方人類廣播回合變更
func (s *Service) broadcastTurn(r *room.Room, turn string) {
	for _, h := range r.HumanParticipants() {
		s.sender.Send(h, Event{Type: EventTurnUpdate, Data: turnUpdatePayload{
			RoomID:   r.ID,
			Turn:     turn,
			YourTurn: turn == h,
		}})
	}
}

// broadcastShot 向雙方人類廣播射擊結果
func (s *Service) broadcastShot(r *room.Room, shooter string, report room.ShotReport) {
	for _, h := range r.HumanParticipants() {
		s.sender.Send(h, Event{Type: EventShotResult, Data: shotResultPayload{
			RoomID:   r.ID,
			Shooter:  shooter,
			ByYou:    shooter == h,
			Outcome:  report.Outcome,
			Turn:     report.Turn,
			YourTurn: report.Turn == h,
		}})
	}
}

// finishRoom 終局收尾：廣播 game_over、落庫摘要、移除房間。
// 雙方收到的 your/opponent 射擊數相加必等於 total。
func (s *Service) finishRoom(ctx context.Context, r *room.Room, winner string, reason room.EndReason, totalShots int, now time.Time) {
	for _, h := range r.HumanParticipants() {
		yours := r.ViewFor(h).YourShots
		s.sender.Send(h, Event{Type: EventGameOver, Data: gameOverPayload{
			RoomID:        r.ID,
			Winner:        winner,
			YouWon:        winner == h,
			Reason:        reason,
			TotalShots:    totalShots,
			YourShots:     yours,
			OpponentShots: totalShots - yours,
		}})
	}
	s.cleanupRoom(ctx, r, now)
}

// cleanupRoom 終局廣播後立即拆除房間：遙測摘要、鏡像刪除、註冊表移除
func (s *Service) cleanupRoom(ctx context.Context, r *room.Room, now time.Time) {
	summary := r.SummaryAt(now)
	s.sink.RecordMatchSummary(telemetry.MatchSummary{
		RoomID:     summary.RoomID,
		Winner:     summary.Winner,
		EndReason:  string(summary.Reason),
		TotalShots: summary.TotalShots,
		VsBot:      summary.VsBot,
		Duration:   summary.Duration,
		EndedAt:    now,
	})

	snap := r.Snapshot()
	s.mirror(ctx, "room deletion", func(ctx context.Context) error {
		return s.store.DeleteRoom(ctx, snap)
	})

	s.rooms.Remove(r.ID)
}

// ---- 共享儲存鏡像 ----

// mirrorRoom 非同步鏡像房間快照
func (s *Service) mirrorRoom(ctx context.Context, r *room.Room) {
	if s.store == nil {
		return
	}
	snap := r.Snapshot()
	s.mirror(ctx, "room snapshot", func(ctx context.Context) error {
		return s.store.SaveRoom(ctx, snap)
	})
}

// mirror 背景執行一次鏡像寫入，有限次重試後放棄並記錄。
// 鏡像永遠是建議性的：失敗不影響已完成的本地變更。
func (s *Service) mirror(_ context.Context, what string, op func(ctx context.Context) error) {
	if s.store == nil {
		return
	}
	go func() {
		const attempts = 3
		var err error
		for i := 0; i < attempts; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err = op(ctx)
			cancel()
			if err == nil {
				return
			}
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
		s.logger.Warn("store mirror failed", "what", what, "error", err)
	}()
}
