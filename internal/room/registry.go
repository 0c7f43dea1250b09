package room

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/battleship-arena/internal/game"
	"github.com/koopa0/battleship-arena/internal/queue"
	"github.com/koopa0/battleship-arena/internal/token"
)

// Registry 房間註冊表
//
// 維護三個索引：
//   - rooms：roomID → Room
//   - byIdentity：活躍身分 → roomID（每個身分至多一間）
//   - byToken：重連令牌 → roomID（跨連線解析重連目標）
//
// 房間在終局廣播送出後立即移除——外界觀察不到半拆除狀態。
type Registry struct {
	mu         sync.RWMutex
	rooms      map[string]*Room
	byIdentity map[string]string
	byToken    map[string]string
	tokens     *token.Service
	logger     *slog.Logger
}

// NewRegistry 建立房間註冊表
func NewRegistry(tokens *token.Service, logger *slog.Logger) *Registry {
	return &Registry{
		rooms:      make(map[string]*Room),
		byIdentity: make(map[string]string),
		byToken:    make(map[string]string),
		tokens:     tokens,
		logger:     logger,
	}
}

// CreateMatch 由配對成功的兩名佇列條目建房。
// 雙方的佇列令牌改綁為房間租約，身分與令牌索引同步建立。
func (reg *Registry) CreateMatch(a, b *queue.Entry, now time.Time) *Room {
	r := newRoom(now)
	r.Participants = []string{a.Identity, b.Identity}
	r.Names[a.Identity] = a.Name
	r.Names[b.Identity] = b.Name
	r.Tokens[a.Identity] = a.Token
	r.Tokens[b.Identity] = b.Token
	r.TokenOwner[a.Token] = a.Identity
	r.TokenOwner[b.Token] = b.Identity

	reg.tokens.Rebind(a.Token, token.KindRoom)
	reg.tokens.Rebind(b.Token, token.KindRoom)

	reg.mu.Lock()
	reg.rooms[r.ID] = r
	reg.byIdentity[a.Identity] = r.ID
	reg.byIdentity[b.Identity] = r.ID
	reg.byToken[a.Token] = r.ID
	reg.byToken[b.Token] = r.ID
	reg.mu.Unlock()

	reg.logger.Info("room created",
		"room_id", r.ID, "a", a.Identity, "b", b.Identity)
	return r
}

// CreateBotMatch 為排隊逾時的玩家建立機器人對局。
// 機器人代打沒有令牌、沒有連線；其艦隊立即隨機佈置並標記就緒。
func (reg *Registry) CreateBotMatch(entry *queue.Entry, botName string, now time.Time) *Room {
	r := newRoom(now)
	botID := "bot:" + r.ID
	r.VsBot = true
	r.BotID = botID
	r.AI = game.NewAI()
	r.Participants = []string{entry.Identity, botID}
	r.Names[entry.Identity] = entry.Name
	r.Names[botID] = botName
	r.Tokens[entry.Identity] = entry.Token
	r.TokenOwner[entry.Token] = entry.Identity

	botBoard := game.NewBoard()
	game.PlaceFleetRandomly(botBoard)
	r.Boards[botID] = botBoard
	r.Ready[botID] = true

	reg.tokens.Rebind(entry.Token, token.KindRoom)

	reg.mu.Lock()
	reg.rooms[r.ID] = r
	reg.byIdentity[entry.Identity] = r.ID
	reg.byToken[entry.Token] = r.ID
	reg.mu.Unlock()

	reg.logger.Info("bot room created", "room_id", r.ID, "identity", entry.Identity)
	return r
}

// newRoom 建立空房間骨架
func newRoom(now time.Time) *Room {
	return &Room{
		ID:             uuid.NewString(),
		Status:         StatusSetup,
		Phase:          PhaseSetup,
		Names:          make(map[string]string),
		Boards:         make(map[string]*game.Board),
		Tokens:         make(map[string]string),
		TokenOwner:     make(map[string]string),
		DisconnectedAt: make(map[string]time.Time),
		Ready:          make(map[string]bool),
		Shots:          make(map[string]int),
		CreatedAt:      now,
		LastAction:     now,
	}
}

// Get 查詢房間
func (reg *Registry) Get(roomID string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}

// RoomFor 查詢身分綁定的房間
func (reg *Registry) RoomFor(identity string) (*Room, bool) {
	reg.mu.RLock()
	roomID, ok := reg.byIdentity[identity]
	if !ok {
		reg.mu.RUnlock()
		return nil, false
	}
	r := reg.rooms[roomID]
	reg.mu.RUnlock()
	return r, r != nil
}

// RoomForToken 以令牌解析房間
func (reg *Registry) RoomForToken(tok string) (*Room, bool) {
	reg.mu.RLock()
	roomID, ok := reg.byToken[tok]
	if !ok {
		reg.mu.RUnlock()
		return nil, false
	}
	r := reg.rooms[roomID]
	reg.mu.RUnlock()
	return r, r != nil
}

// UnbindIdentity 解除身分 → 房間的綁定（斷線時呼叫；房間本身保持存活）
func (reg *Registry) UnbindIdentity(identity string) {
	reg.mu.Lock()
	delete(reg.byIdentity, identity)
	reg.mu.Unlock()
}

// RebindIdentity 重連成功後把房間綁定換到新身分
func (reg *Registry) RebindIdentity(oldIdentity, newIdentity, roomID string) {
	reg.mu.Lock()
	delete(reg.byIdentity, oldIdentity)
	reg.byIdentity[newIdentity] = roomID
	reg.mu.Unlock()
}

// Remove 自註冊表移除房間，釋放所有令牌租約與索引。
// 在終局廣播之後立即呼叫。
func (reg *Registry) Remove(roomID string) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if !ok {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, roomID)

	r.mu.Lock()
	for _, p := range r.Participants {
		delete(reg.byIdentity, p)
	}
	toks := make([]string, 0, len(r.TokenOwner))
	for tok := range r.TokenOwner {
		delete(reg.byToken, tok)
		toks = append(toks, tok)
	}
	r.mu.Unlock()
	reg.mu.Unlock()

	for _, tok := range toks {
		reg.tokens.Release(tok)
	}
	reg.logger.Info("room removed", "room_id", roomID)
}

// All 目前所有房間的快照清單（掃描與監控用）
func (reg *Registry) All() []*Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// Count 房間數量
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// Adopt 將自共享儲存重建的房間納入註冊表（分散式模式的懶載入）。
// 同 ID 房間已存在時以既有者為準，回傳既有房間。
func (reg *Registry) Adopt(r *Room) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if existing, ok := reg.rooms[r.ID]; ok {
		return existing
	}
	reg.rooms[r.ID] = r

	r.mu.Lock()
	for _, p := range r.Participants {
		if !r.IsBot(p) {
			// 跨行程重建的房間內，舊身分對應的連線不在本行程；
			// 只重建令牌索引，身分綁定等重連成功後再建立
			if tok, ok := r.Tokens[p]; ok {
				reg.byToken[tok] = r.ID
				reg.tokens.Rebind(tok, token.KindRoom)
			}
		}
	}
	r.mu.Unlock()
	return r
}
