// Package room 實作對戰房間的生命週期狀態機與註冊表。
//
// 系統設計問題：
//   如何在不可靠連線與多行程部署下，讓對戰狀態保持一致且可恢復？
//
// 核心挑戰：
//   1. 狀態管理：房間有嚴格的階段轉換（setup → playing → over）
//   2. 斷線寬限：玩家斷線後房間需存活一段寬限期等待重連
//   3. 身分換置：重連成功時所有以身分為鍵的資料表必須原子性換鍵
//   4. 超時回收：閒置房間與寬限期滿一律由定期掃描裁決（無逐項計時器）
//
// 設計方案：
//   ✅ 顯式轉換表 - 合法 (階段, 事件) → 階段 全部列舉，非法轉換可被測試捕捉
//   ✅ Mutex 包護 - 每個房間自帶互斥鎖，操作前重新驗證階段
//   ✅ 令牌雙向映射 - identity→token 與 token→identity 嚴格互為反函數
//   ✅ 掃描驅動超時 - 以牆鐘截止時間換掉逐項計時器的生命週期管理
package room

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/koopa0/battleship-arena/internal/game"
	"github.com/koopa0/battleship-arena/pkg/apperrors"
)

// Phase 對局階段
type Phase string

const (
	PhaseSetup   Phase = "setup"   // 佈艦中
	PhasePlaying Phase = "playing" // 對戰中
	PhaseOver    Phase = "over"    // 已結束
)

// Status 房間狀態（與階段正交的管理維度）
type Status string

const (
	StatusSetup     Status = "setup"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// EndReason 對局結束原因（穩定字串，客戶端依此顯示）
type EndReason string

const (
	ReasonFleetSunk         EndReason = "fleet_sunk"
	ReasonManualCancel      EndReason = "manual_cancel"
	ReasonInactivityTimeout EndReason = "inactivity_timeout"
	ReasonDisconnectTimeout EndReason = "disconnect_timeout"
)

// Event 驅動階段轉換的事件
type Event string

const (
	EventAllReady     Event = "all_ready"
	EventFleetSunk    Event = "fleet_sunk"
	EventCancel       Event = "cancel"
	EventInactivity   Event = "inactivity"
	EventGraceExpired Event = "grace_expired"
)

// nextPhase 顯式轉換表：列舉全部合法 (階段, 事件) → 階段。
// 不在表內的組合一律非法，呼叫端轉為狀態錯誤。
func nextPhase(p Phase, e Event) (Phase, bool) {
	switch {
	case p == PhaseSetup && e == EventAllReady:
		return PhasePlaying, true
	case p == PhaseSetup && (e == EventCancel || e == EventInactivity):
		return PhaseOver, true
	case p == PhasePlaying && (e == EventFleetSunk || e == EventCancel ||
		e == EventInactivity || e == EventGraceExpired):
		return PhaseOver, true
	case p == PhaseSetup && e == EventGraceExpired:
		return PhaseOver, true
	default:
		return p, false
	}
}

// ChatKind 聊天訊息種類
type ChatKind string

const (
	ChatText  ChatKind = "text"
	ChatEmoji ChatKind = "emoji"
	ChatGif   ChatKind = "gif"
)

// ChatMessage 房間內聊天訊息
type ChatMessage struct {
	From string    `json:"from"`
	Name string    `json:"name"`
	Kind ChatKind  `json:"kind"`
	Body string    `json:"body"`
	At   time.Time `json:"at"`
}

// chatLogCap 聊天紀錄上限（FIFO 淘汰）
const chatLogCap = 100

// Room 一場兩人對戰
//
// 不變量：
//   - 每個活躍身分至多綁定一個房間（由 Registry 維護）
//   - Winner 只在 Over 為真之後設置，且只設置一次
//   - Turn ∈ 參與者 ∪ {機器人代打}
//   - Tokens 與 TokenOwner 嚴格互為反函數
//   - DisconnectedAt 只保存未結束房間的令牌
//
// 並發模型：
//   單一房間的處理器不保證天然互斥——任何共享儲存呼叫都是掛起點，
//   期間同一房間的其他事件可能插隊。因此每個變更操作在取得鎖後
//   都重新驗證階段/回合，而非信任呼叫前的檢查結果。
type Room struct {
	mu sync.Mutex

	ID           string
	Status       Status
	Phase        Phase
	Participants []string          // 參與者身分（含機器人代打）
	Names        map[string]string // identity -> 顯示名稱
	Boards       map[string]*game.Board
	Turn         string
	Winner       string
	Over         bool
	EndReason    EndReason
	CreatedAt    time.Time
	LastAction   time.Time

	Tokens         map[string]string    // identity -> token
	TokenOwner     map[string]string    // token -> identity（反向映射）
	DisconnectedAt map[string]time.Time // token -> 斷線時刻（寬限中）
	Ready          map[string]bool
	Shots          map[string]int

	VsBot bool
	BotID string
	AI    *game.AI

	Chat []ChatMessage
}

// IsBot 身分是否為機器人代打
func (r *Room) IsBot(identity string) bool {
	return r.VsBot && identity == r.BotID
}

// Opponent 取得對手身分
func (r *Room) Opponent(identity string) string {
	for _, p := range r.Participants {
		if p != identity {
			return p
		}
	}
	return ""
}

// touch 更新最後動作時間（呼叫端須持鎖）
func (r *Room) touch(now time.Time) {
	r.LastAction = now
}

// endLocked 結束對局（呼叫端須持鎖）。
// Winner 在此處一次性設置；之後任何變更操作都會被 Over 擋下。
func (r *Room) endLocked(e Event, winner string, reason EndReason, status Status) bool {
	next, ok := nextPhase(r.Phase, e)
	if !ok || r.Over {
		return false
	}
	r.Phase = next
	r.Over = true
	r.Winner = winner
	r.EndReason = reason
	r.Status = status
	return true
}

// PlaceReport 佈艦結果
type PlaceReport struct {
	Started bool   // 雙方就緒，對局開始
	Turn    string // 開局回合持有者（Started 時有效）
}

// PlaceFleet 提交艦隊佈局並標記就緒。
//
// 全員就緒後轉入 playing：開局回合在人類玩家間均勻隨機選出；
// 機器人房固定由人類先手。
func (r *Room) PlaceFleet(identity string, board *game.Board, now time.Time) (PlaceReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Over {
		return PlaceReport{}, apperrors.ErrRoomOver
	}
	if r.Phase != PhaseSetup {
		return PlaceReport{}, apperrors.ErrWrongPhase
	}
	if _, ok := r.Names[identity]; !ok {
		return PlaceReport{}, apperrors.ErrRoomNotFound.WithDetails("not a participant")
	}
	if r.Ready[identity] {
		return PlaceReport{}, apperrors.ErrWrongPhase.WithDetails("fleet already placed")
	}
	if err := game.ValidateFleet(board); err != nil {
		return PlaceReport{}, apperrors.Wrap(err, apperrors.CodeValidation, "invalid fleet layout")
	}

	r.Boards[identity] = board
	r.Ready[identity] = true
	r.touch(now)

	for _, p := range r.Participants {
		if !r.Ready[p] {
			return PlaceReport{}, nil
		}
	}

	next, ok := nextPhase(r.Phase, EventAllReady)
	if !ok {
		return PlaceReport{}, apperrors.ErrWrongPhase
	}
	r.Phase = next
	r.Status = StatusActive

	if r.VsBot {
		// 機器人房固定人類先手
		r.Turn = r.Opponent(r.BotID)
	} else {
		r.Turn = r.Participants[rand.Intn(len(r.Participants))]
	}

	return PlaceReport{Started: true, Turn: r.Turn}, nil
}

// ShotReport 射擊結果
type ShotReport struct {
	Outcome    game.ShotOutcome
	Turn       string // 本次射擊後的回合持有者
	Over       bool
	Winner     string
	TotalShots int
}

// FireShot 處理一發射擊。
//
// 規則：命中保留回合、未命中換手、擊沉致艦隊全滅即終局（勝者=射手）。
// 回合所有權與座標邊界在持鎖狀態下重新驗證。
func (r *Room) FireShot(identity string, c game.Coord, now time.Time) (ShotReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fireLocked(identity, c, now)
}

// BotFire 機器人代打射擊一發：由策略選座標、套用射擊、回報結果給策略。
// 整段在持鎖狀態下進行，期間人類方的重連換鍵不會插隊。
func (r *Room) BotFire(now time.Time) (ShotReport, game.Coord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.VsBot || r.AI == nil {
		return ShotReport{}, game.Coord{}, apperrors.ErrWrongPhase
	}
	human := r.Opponent(r.BotID)
	target := r.Boards[human]
	if target == nil {
		return ShotReport{}, game.Coord{}, apperrors.ErrWrongPhase
	}

	c := r.AI.NextShot(target)
	report, err := r.fireLocked(r.BotID, c, now)
	if err != nil {
		return ShotReport{}, c, err
	}
	r.AI.RegisterShot(c, report.Outcome)
	return report, c, nil
}

// fireLocked 射擊判定核心（呼叫端須持鎖）
func (r *Room) fireLocked(identity string, c game.Coord, now time.Time) (ShotReport, error) {
	if r.Over {
		return ShotReport{}, apperrors.ErrRoomOver
	}
	if r.Phase != PhasePlaying {
		return ShotReport{}, apperrors.ErrWrongPhase
	}
	if r.Turn != identity {
		return ShotReport{}, apperrors.ErrNotYourTurn
	}

	opponent := r.Opponent(identity)
	target := r.Boards[opponent]
	if target == nil {
		return ShotReport{}, apperrors.ErrWrongPhase.WithDetails("opponent board missing")
	}

	outcome, err := game.ApplyShot(target, c)
	if err != nil {
		return ShotReport{}, apperrors.Wrap(err, apperrors.CodeValidation, "invalid shot")
	}

	r.Shots[identity]++
	r.touch(now)

	if outcome.Result == game.ShotSunk && game.FleetExhausted(target) {
		r.endLocked(EventFleetSunk, identity, ReasonFleetSunk, StatusEnded)
		return ShotReport{
			Outcome:    outcome,
			Turn:       "",
			Over:       true,
			Winner:     identity,
			TotalShots: r.totalShotsLocked(),
		}, nil
	}

	if outcome.Result == game.ShotMiss {
		r.Turn = opponent
	}

	return ShotReport{Outcome: outcome, Turn: r.Turn}, nil
}

// totalShotsLocked 雙方射擊總數（呼叫端須持鎖）
func (r *Room) totalShotsLocked() int {
	total := 0
	for _, n := range r.Shots {
		total += n
	}
	return total
}

// TotalShots 雙方射擊總數
func (r *Room) TotalShots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalShotsLocked()
}

// EndReport 對局結束結果
type EndReport struct {
	Winner     string
	Reason     EndReason
	TotalShots int
}

// Cancel 手動取消對局。
// 勝者為仍然連線的人類對手；對手已斷線或為機器人時無勝者。
func (r *Room) Cancel(identity string, now time.Time) (EndReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Over {
		return EndReport{}, apperrors.ErrRoomOver
	}

	winner := ""
	opponent := r.Opponent(identity)
	if opponent != "" && !r.IsBot(opponent) {
		if tok, ok := r.Tokens[opponent]; ok {
			if _, gone := r.DisconnectedAt[tok]; !gone {
				winner = opponent
			}
		}
	}

	if !r.endLocked(EventCancel, winner, ReasonManualCancel, StatusCancelled) {
		return EndReport{}, apperrors.ErrWrongPhase
	}
	r.touch(now)

	return EndReport{Winner: winner, Reason: ReasonManualCancel, TotalShots: r.totalShotsLocked()}, nil
}

// EndForInactivity 閒置超時結束（無勝者）。由定期掃描呼叫。
func (r *Room) EndForInactivity(timeout time.Duration, now time.Time) (EndReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Over || now.Sub(r.LastAction) < timeout {
		return EndReport{}, false
	}
	if !r.endLocked(EventInactivity, "", ReasonInactivityTimeout, StatusEnded) {
		return EndReport{}, false
	}
	return EndReport{Reason: ReasonInactivityTimeout, TotalShots: r.totalShotsLocked()}, true
}

// MarkDisconnected 記錄參與者斷線，房間進入寬限期。
// 回傳綁定令牌；房間已結束時回傳 false。
func (r *Room) MarkDisconnected(identity string, now time.Time) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Over {
		return "", false
	}
	tok, ok := r.Tokens[identity]
	if !ok {
		return "", false
	}
	r.DisconnectedAt[tok] = now
	return tok, true
}

// GraceExpiry 檢查寬限期是否屆滿並結束對局。
// 勝者為仍然綁定（未斷線）的人類對手；雙方皆已離開則無勝者。
// 只由定期掃描呼叫——寬限期滿沒有逐項計時器。
func (r *Room) GraceExpiry(grace time.Duration, now time.Time) (EndReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Over {
		return EndReport{}, false
	}

	expired := false
	for _, at := range r.DisconnectedAt {
		if now.Sub(at) >= grace {
			expired = true
			break
		}
	}
	if !expired {
		return EndReport{}, false
	}

	winner := ""
	for _, p := range r.Participants {
		if r.IsBot(p) {
			continue
		}
		tok := r.Tokens[p]
		if _, gone := r.DisconnectedAt[tok]; !gone {
			winner = p
			break
		}
	}

	if !r.endLocked(EventGraceExpired, winner, ReasonDisconnectTimeout, StatusEnded) {
		return EndReport{}, false
	}
	return EndReport{Winner: winner, Reason: ReasonDisconnectTimeout, TotalShots: r.totalShotsLocked()}, true
}

// Rekey 將房間內所有以身分為鍵的資料表，從令牌目前的擁有者
// 原子性換鍵到新身分，並清除寬限標記。重連成功的核心步驟。
func (r *Room) Rekey(tok, newIdentity string, now time.Time) (oldIdentity string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Over {
		return "", apperrors.ErrReconnectStale
	}
	oldIdentity, ok := r.TokenOwner[tok]
	if !ok {
		return "", apperrors.ErrReconnectStale
	}
	if oldIdentity == newIdentity {
		delete(r.DisconnectedAt, tok)
		return oldIdentity, nil
	}

	for i, p := range r.Participants {
		if p == oldIdentity {
			r.Participants[i] = newIdentity
		}
	}
	r.Names[newIdentity] = r.Names[oldIdentity]
	delete(r.Names, oldIdentity)
	if board, ok := r.Boards[oldIdentity]; ok {
		r.Boards[newIdentity] = board
		delete(r.Boards, oldIdentity)
	}
	if ready, ok := r.Ready[oldIdentity]; ok {
		r.Ready[newIdentity] = ready
		delete(r.Ready, oldIdentity)
	}
	if shots, ok := r.Shots[oldIdentity]; ok {
		r.Shots[newIdentity] = shots
		delete(r.Shots, oldIdentity)
	}
	r.Tokens[newIdentity] = tok
	delete(r.Tokens, oldIdentity)
	r.TokenOwner[tok] = newIdentity
	if r.Turn == oldIdentity {
		r.Turn = newIdentity
	}
	for i := range r.Chat {
		if r.Chat[i].From == oldIdentity {
			r.Chat[i].From = newIdentity
		}
	}

	delete(r.DisconnectedAt, tok)
	r.touch(now)
	return oldIdentity, nil
}

// AddChat 追加聊天訊息（超過上限 FIFO 淘汰）
func (r *Room) AddChat(identity string, kind ChatKind, body string, now time.Time) (ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Over {
		return ChatMessage{}, apperrors.ErrRoomOver
	}
	name, ok := r.Names[identity]
	if !ok {
		return ChatMessage{}, apperrors.ErrRoomNotFound.WithDetails("not a participant")
	}

	msg := ChatMessage{From: identity, Name: name, Kind: kind, Body: body, At: now}
	r.Chat = append(r.Chat, msg)
	if len(r.Chat) > chatLogCap {
		r.Chat = r.Chat[len(r.Chat)-chatLogCap:]
	}
	r.touch(now)
	return msg, nil
}

// GraceInfo 寬限中令牌的資訊（通知留守方倒數用）
type GraceInfo struct {
	Token          string
	DisconnectedAt time.Time
}

// PendingGraces 目前處於寬限期的令牌
func (r *Room) PendingGraces() []GraceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]GraceInfo, 0, len(r.DisconnectedAt))
	for tok, at := range r.DisconnectedAt {
		infos = append(infos, GraceInfo{Token: tok, DisconnectedAt: at})
	}
	return infos
}

// View 單一參與者視角的房間狀態投影。
// 對手艦隊只露出已被擊中的格位（棋盤內容由引擎持有，這裡只做投影）。
type View struct {
	RoomID        string        `json:"room_id"`
	Phase         Phase         `json:"phase"`
	Status        Status        `json:"status"`
	You           string        `json:"you"`
	OpponentName  string        `json:"opponent_name"`
	VsBot         bool          `json:"vs_bot"`
	YourBoard     *game.Board   `json:"your_board,omitempty"`
	OpponentShots []game.Coord  `json:"opponent_board_shots,omitempty"`
	Turn          string        `json:"turn"`
	YouReady      bool          `json:"you_ready"`
	OpponentReady bool          `json:"opponent_ready"`
	YourShots     int           `json:"your_shots"`
	OpponentDown  bool          `json:"opponent_disconnected"`
	Over          bool          `json:"over"`
	Winner        string        `json:"winner,omitempty"`
	Chat          []ChatMessage `json:"chat,omitempty"`
}

// ViewFor 產生指定參與者視角的狀態投影
func (r *Room) ViewFor(identity string) View {
	r.mu.Lock()
	defer r.mu.Unlock()

	opponent := r.Opponent(identity)
	v := View{
		RoomID:        r.ID,
		Phase:         r.Phase,
		Status:        r.Status,
		You:           identity,
		OpponentName:  r.Names[opponent],
		VsBot:         r.VsBot,
		YourBoard:     r.Boards[identity],
		Turn:          r.Turn,
		YouReady:      r.Ready[identity],
		OpponentReady: r.Ready[opponent],
		YourShots:     r.Shots[identity],
		Over:          r.Over,
		Winner:        r.Winner,
		Chat:          append([]ChatMessage(nil), r.Chat...),
	}
	if opp := r.Boards[opponent]; opp != nil {
		v.OpponentShots = append([]game.Coord(nil), opp.Shots...)
	}
	if tok, ok := r.Tokens[opponent]; ok {
		_, v.OpponentDown = r.DisconnectedAt[tok]
	}
	return v
}

// Summary 對局摘要（遙測用）
type Summary struct {
	RoomID     string        `json:"room_id"`
	Winner     string        `json:"winner,omitempty"`
	Reason     EndReason     `json:"reason"`
	VsBot      bool          `json:"vs_bot"`
	TotalShots int           `json:"total_shots"`
	Duration   time.Duration `json:"duration"`
}

// SummaryAt 產生對局摘要
func (r *Room) SummaryAt(now time.Time) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summary{
		RoomID:     r.ID,
		Winner:     r.Winner,
		Reason:     r.EndReason,
		VsBot:      r.VsBot,
		TotalShots: r.totalShotsLocked(),
		Duration:   now.Sub(r.CreatedAt),
	}
}

// IsOver 對局是否已結束
func (r *Room) IsOver() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Over
}

// CurrentTurn 當前回合持有者
func (r *Room) CurrentTurn() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Turn
}

// HumanParticipants 人類參與者清單
func (r *Room) HumanParticipants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var humans []string
	for _, p := range r.Participants {
		if !r.IsBot(p) {
			humans = append(humans, p)
		}
	}
	return humans
}

// TokenFor 查詢參與者綁定的令牌
func (r *Room) TokenFor(identity string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.Tokens[identity]
	return tok, ok
}

// OwnerOf 查詢令牌目前的擁有者與其寬限狀態
func (r *Room) OwnerOf(tok string) (identity string, inGrace bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok = r.TokenOwner[tok]
	if !ok {
		return "", false, false
	}
	_, inGrace = r.DisconnectedAt[tok]
	return identity, inGrace, true
}

// String 除錯輸出
func (r *Room) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("room %s phase=%s status=%s turn=%s over=%v", r.ID, r.Phase, r.Status, r.Turn, r.Over)
}
