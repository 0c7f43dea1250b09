// Package queue 實作配對佇列與斷線暫存。
//
// 系統設計問題：
//   等待配對的玩家斷線後，如何讓他回來時不必重新排隊？
//
// 設計方案：
//   - 活躍佇列：identity → Entry，一個身分至多一筆（冪等加入）
//   - 暫存區（parked）：斷線玩家的 Entry 改以令牌為鍵保存，
//     之後帶著同一令牌加入時原位恢復，保留原始 JoinedAt，
//     排隊逾時的公平性因此能跨越一次斷線
//
// 配對策略：
//   隨機取兩名而非 FIFO——配對成本維持 O(n)，
//   也避免隊首阻塞的複雜度（規格明定的取捨）。
package queue

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/koopa0/battleship-arena/internal/token"
)

// Entry 等待配對的玩家記錄
type Entry struct {
	Identity string    `json:"identity"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
	Token    string    `json:"token"`
}

// Parked 斷線後以令牌為鍵暫存的佇列位置
type Parked struct {
	Entry    Entry     `json:"entry"`
	ParkedAt time.Time `json:"parked_at"`
}

// JoinResult 加入佇列的結果
type JoinResult struct {
	Entry     *Entry
	Recovered bool // 透過令牌從暫存區恢復
	Existing  bool // 身分已在佇列中（冪等返回）
}

// Manager 配對佇列管理器
type Manager struct {
	mu      sync.Mutex
	entries map[string]*Entry  // identity -> entry
	parked  map[string]*Parked // token -> parked entry
	tokens  *token.Service
	logger  *slog.Logger
}

// NewManager 建立佇列管理器
func NewManager(tokens *token.Service, logger *slog.Logger) *Manager {
	return &Manager{
		entries: make(map[string]*Entry),
		parked:  make(map[string]*Parked),
		tokens:  tokens,
		logger:  logger,
	}
}

// Join 加入佇列。
//
// 三種路徑，依序判斷：
//  1. 身分已有活躍條目 → 冪等返回（名稱以最新為準）
//  2. 令牌命中暫存區 → 原位恢復到新身分名下，保留原始 JoinedAt
//  3. 全新加入 → 預約令牌（指定令牌僅在未被租用時採納，否則重新生成）
func (m *Manager) Join(identity, name string, now time.Time, requestedToken string) (JoinResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[identity]; ok {
		existing.Name = name
		return JoinResult{Entry: existing, Existing: true}, nil
	}

	if requestedToken != "" {
		if parked, ok := m.parked[requestedToken]; ok {
			delete(m.parked, requestedToken)
			entry := &Entry{
				Identity: identity,
				Name:     name,
				JoinedAt: parked.Entry.JoinedAt,
				Token:    parked.Entry.Token,
			}
			m.entries[identity] = entry
			m.tokens.Rebind(entry.Token, token.KindQueue)
			m.logger.Info("queue entry recovered from parked",
				"identity", identity, "joined_at", entry.JoinedAt)
			return JoinResult{Entry: entry, Recovered: true}, nil
		}
	}

	tok, err := m.tokens.Reserve(token.KindQueue, requestedToken)
	if err != nil {
		return JoinResult{}, err
	}

	entry := &Entry{
		Identity: identity,
		Name:     name,
		JoinedAt: now,
		Token:    tok,
	}
	m.entries[identity] = entry
	return JoinResult{Entry: entry}, nil
}

// Leave 離開佇列並釋放令牌租約
func (m *Manager) Leave(identity string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[identity]
	if !ok {
		return nil, false
	}
	delete(m.entries, identity)
	m.tokens.Release(entry.Token)
	return entry, true
}

// Park 將斷線玩家的條目移入暫存區（以令牌為鍵）
func (m *Manager) Park(identity string, now time.Time) (*Parked, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[identity]
	if !ok {
		return nil, false
	}
	delete(m.entries, identity)

	parked := &Parked{Entry: *entry, ParkedAt: now}
	m.parked[entry.Token] = parked
	m.tokens.Rebind(entry.Token, token.KindParked)
	return parked, true
}

// HasParked 令牌是否在本地暫存區
func (m *Manager) HasParked(tok string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.parked[tok]
	return ok
}

// AdoptParked 收養來自共享儲存的停泊條目（跨實例恢復）。
// 令牌已在本地活躍或停泊時不動作：本地狀態優先，鏡像只是補位。
func (m *Manager) AdoptParked(p *Parked) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.parked[p.Entry.Token]; ok {
		return false
	}
	for _, entry := range m.entries {
		if entry.Token == p.Entry.Token {
			return false
		}
	}

	cp := *p
	m.parked[cp.Entry.Token] = &cp
	m.tokens.Rebind(cp.Entry.Token, token.KindParked)
	m.logger.Info("parked entry adopted",
		"identity", cp.Entry.Identity, "joined_at", cp.Entry.JoinedAt)
	return true
}

// TakeMatch 取出一對玩家進行配對。
//
// 不足兩人時回傳 ok=false；成功時兩名玩家保證身分相異，
// 且在回傳當下已原子性地自佇列移除。令牌租約保持不動，
// 由呼叫端在建房時改綁為 room。
func (m *Manager) TakeMatch() (a, b *Entry, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) < 2 {
		return nil, nil, false
	}

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	// 無偏隨機取樣：洗牌後取前兩名
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	a = m.entries[ids[0]]
	b = m.entries[ids[1]]
	delete(m.entries, ids[0])
	delete(m.entries, ids[1])
	return a, b, true
}

// TickTimeouts 移除並回報所有等待超過 timeout 的條目。
// 由定期掃描驅動，用於觸發機器人對局。令牌租約由呼叫端處理。
func (m *Manager) TickTimeouts(timeout time.Duration, now time.Time) []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var timedOut []*Entry
	for id, entry := range m.entries {
		if now.Sub(entry.JoinedAt) >= timeout {
			delete(m.entries, id)
			timedOut = append(timedOut, entry)
		}
	}
	return timedOut
}

// ExpireParked 移除暫存超過 ttl 的條目並釋放其令牌
func (m *Manager) ExpireParked(ttl time.Duration, now time.Time) []*Parked {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Parked
	for tok, parked := range m.parked {
		if now.Sub(parked.ParkedAt) >= ttl {
			delete(m.parked, tok)
			m.tokens.Release(tok)
			expired = append(expired, parked)
		}
	}
	return expired
}

// Get 查詢身分的活躍條目
func (m *Manager) Get(identity string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[identity]
	return entry, ok
}

// Len 活躍佇列長度
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ParkedLen 暫存區大小
func (m *Manager) ParkedLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.parked)
}
