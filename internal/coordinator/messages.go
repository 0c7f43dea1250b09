package coordinator

import (
	"encoding/json"
	"time"

	"github.com/koopa0/battleship-arena/internal/game"
	"github.com/koopa0/battleship-arena/internal/room"
)

// envelope 入站動作的外層信封。
// Data 延遲解碼：先辨識動作種類，再以對應的型別嚴格解析。
type envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// 入站動作種類
const (
	ActionJoinQueue   = "join_queue"
	ActionCancelQueue = "cancel_queue"
	ActionPlaceFleet  = "place_fleet"
	ActionFireShot    = "fire_shot"
	ActionCancelGame  = "cancel_game"
	ActionChat        = "chat"
)

// joinQueuePayload 加入佇列
type joinQueuePayload struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

// placeFleetPayload 提交艦隊佈局
type placeFleetPayload struct {
	RoomID string      `json:"room_id"`
	Board  *game.Board `json:"board"`
}

// fireShotPayload 射擊
type fireShotPayload struct {
	RoomID string     `json:"room_id"`
	Coord  game.Coord `json:"coord"`
}

// cancelGamePayload 取消對局
type cancelGamePayload struct {
	RoomID string `json:"room_id"`
}

// chatPayload 聊天訊息
type chatPayload struct {
	RoomID string        `json:"room_id"`
	Kind   room.ChatKind `json:"kind"`
	Body   string        `json:"body"`
}

// Event 出站事件
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// 出站事件種類
const (
	EventQueued       = "queued"
	EventMatched      = "matched"
	EventRoomState    = "room_state"
	EventTurnUpdate   = "turn_update"
	EventShotResult   = "shot_result"
	EventGameOver     = "game_over"
	EventCancelled    = "cancelled"
	EventError        = "error"
	EventChatMessage  = "chat_message"
	EventChatHistory  = "chat_history"
	EventOpponentDown = "opponent_disconnected"
	EventOpponentBack = "opponent_reconnected"
	EventReconnected  = "reconnected"
)

// queuedPayload 已入列通知
type queuedPayload struct {
	JoinedAt  time.Time `json:"joined_at"`
	TimeoutMS int64     `json:"timeout_ms"`
	Token     string    `json:"token"`
	Recovered bool      `json:"recovered,omitempty"`
}

// matchedPayload 配對成功通知
type matchedPayload struct {
	RoomID        string `json:"room_id"`
	OpponentName  string `json:"opponent_name"`
	Token         string `json:"token"`
	VsBot         bool   `json:"vs_bot"`
	YouReady      bool   `json:"you_ready"`
	OpponentReady bool   `json:"opponent_ready"`
}

// turnUpdatePayload 回合變更通知
type turnUpdatePayload struct {
	RoomID   string `json:"room_id"`
	Turn     string `json:"turn"`
	YourTurn bool   `json:"your_turn"`
}

// shotResultPayload 射擊結果通知（射手與目標方各收一份）
type shotResultPayload struct {
	RoomID   string           `json:"room_id"`
	Shooter  string           `json:"shooter"`
	ByYou    bool             `json:"by_you"`
	Outcome  game.ShotOutcome `json:"outcome"`
	Turn     string           `json:"turn"`
	YourTurn bool             `json:"your_turn"`
}

// gameOverPayload 終局通知。
// 不變量：YourShots + OpponentShots == TotalShots（雙方視角皆然）。
type gameOverPayload struct {
	RoomID        string         `json:"room_id"`
	Winner        string         `json:"winner,omitempty"`
	YouWon        bool           `json:"you_won"`
	Reason        room.EndReason `json:"reason"`
	TotalShots    int            `json:"total_shots"`
	YourShots     int            `json:"your_shots"`
	OpponentShots int            `json:"opponent_shots"`
}

// cancelledPayload 取消通知
type cancelledPayload struct {
	RoomID string `json:"room_id,omitempty"`
	Reason string `json:"reason"`
	Winner string `json:"winner,omitempty"`
}

// errorPayload 錯誤通知
type errorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      string `json:"details,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// opponentDownPayload 對手斷線通知（附寬限倒數）
type opponentDownPayload struct {
	RoomID  string `json:"room_id"`
	GraceMS int64  `json:"grace_ms"`
}

// reconnectedPayload 重連成功通知（附完整房間視圖）
type reconnectedPayload struct {
	RoomID string    `json:"room_id"`
	Token  string    `json:"token"`
	View   room.View `json:"view"`
}
