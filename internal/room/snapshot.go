package room

import (
	"time"

	"github.com/koopa0/battleship-arena/internal/game"
)

// Snapshot 房間的可序列化投影。
//
// 用途：
//   分散式模式下鏡像到共享儲存，讓其他行程（或重啟後的本行程）
//   能以令牌解析並重建整個對局——棋盤、回合、就緒狀態、
//   射擊計數、寬限標記與機器人策略全數保留。
type Snapshot struct {
	ID             string                 `json:"id"`
	Status         Status                 `json:"status"`
	Phase          Phase                  `json:"phase"`
	Participants   []string               `json:"participants"`
	Names          map[string]string      `json:"names"`
	Boards         map[string]*game.Board `json:"boards"`
	Turn           string                 `json:"turn"`
	Winner         string                 `json:"winner,omitempty"`
	Over           bool                   `json:"over"`
	EndReason      EndReason              `json:"end_reason,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	LastAction     time.Time              `json:"last_action"`
	Tokens         map[string]string      `json:"tokens"`
	DisconnectedAt map[string]time.Time   `json:"disconnected_at,omitempty"`
	Ready          map[string]bool        `json:"ready"`
	Shots          map[string]int         `json:"shots"`
	VsBot          bool                   `json:"vs_bot"`
	BotID          string                 `json:"bot_id,omitempty"`
	AI             *game.AI               `json:"ai,omitempty"`
	Chat           []ChatMessage          `json:"chat,omitempty"`
}

// Snapshot 擷取房間當前狀態的投影。
// 棋盤與機器人策略為深拷貝：鏡像寫入在背景 goroutine 序列化快照，
// 不得與進行中對局共享可變狀態。
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		ID:             r.ID,
		Status:         r.Status,
		Phase:          r.Phase,
		Participants:   append([]string(nil), r.Participants...),
		Names:          copyMap(r.Names),
		Boards:         copyBoards(r.Boards),
		Turn:           r.Turn,
		Winner:         r.Winner,
		Over:           r.Over,
		EndReason:      r.EndReason,
		CreatedAt:      r.CreatedAt,
		LastAction:     r.LastAction,
		Tokens:         copyMap(r.Tokens),
		DisconnectedAt: copyMap(r.DisconnectedAt),
		Ready:          copyMap(r.Ready),
		Shots:          copyMap(r.Shots),
		VsBot:          r.VsBot,
		BotID:          r.BotID,
		AI:             r.AI.Clone(),
		Chat:           append([]ChatMessage(nil), r.Chat...),
	}
	return snap
}

// FromSnapshot 由投影重建房間。
// TokenOwner 反向映射由 Tokens 推導，維持互為反函數的不變量。
func FromSnapshot(snap Snapshot) *Room {
	r := &Room{
		ID:             snap.ID,
		Status:         snap.Status,
		Phase:          snap.Phase,
		Participants:   append([]string(nil), snap.Participants...),
		Names:          copyMap(snap.Names),
		Boards:         copyBoards(snap.Boards),
		Turn:           snap.Turn,
		Winner:         snap.Winner,
		Over:           snap.Over,
		EndReason:      snap.EndReason,
		CreatedAt:      snap.CreatedAt,
		LastAction:     snap.LastAction,
		Tokens:         copyMap(snap.Tokens),
		TokenOwner:     make(map[string]string, len(snap.Tokens)),
		DisconnectedAt: copyMap(snap.DisconnectedAt),
		Ready:          copyMap(snap.Ready),
		Shots:          copyMap(snap.Shots),
		VsBot:          snap.VsBot,
		BotID:          snap.BotID,
		AI:             snap.AI.Clone(),
		Chat:           append([]ChatMessage(nil), snap.Chat...),
	}
	for identity, tok := range r.Tokens {
		r.TokenOwner[tok] = identity
	}
	if r.Names == nil {
		r.Names = make(map[string]string)
	}
	if r.Boards == nil {
		r.Boards = make(map[string]*game.Board)
	}
	if r.Tokens == nil {
		r.Tokens = make(map[string]string)
	}
	if r.DisconnectedAt == nil {
		r.DisconnectedAt = make(map[string]time.Time)
	}
	if r.Ready == nil {
		r.Ready = make(map[string]bool)
	}
	if r.Shots == nil {
		r.Shots = make(map[string]int)
	}
	return r
}

// copyBoards 深拷貝棋盤映射
func copyBoards(src map[string]*game.Board) map[string]*game.Board {
	if src == nil {
		return nil
	}
	dst := make(map[string]*game.Board, len(src))
	for k, b := range src {
		dst[k] = b.Clone()
	}
	return dst
}

// copyMap 淺拷貝 map（值為不可變或值型別時使用）
func copyMap[K comparable, V any](src map[K]V) map[K]V {
	if src == nil {
		return nil
	}
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
