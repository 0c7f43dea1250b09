// Package limiter 實作個人級限流與濫用防護。
//
// 系統設計問題：
//   如何在狀態被污染之前，擋下惡意或失控客戶端的請求洪水？
//
// 兩套彼此獨立的機制：
//
//  1. 視窗計數器：以 (身分, 動作) 為鍵的計數視窗，視窗期滿歸零重開，
//     期內超過上限即拒絕且不留任何副作用；另以 (網路位址, 動作) 維護一套
//     更寬鬆的視窗（更大的視窗與上限），涵蓋換身分重連的濫用。
//
//  2. 無效載荷洪水防護：統計 (身分, 位址) 的格式錯誤載荷次數，
//     跨過閾值即施加限時軟封鎖——在解析任何載荷之前就拒絕該身分的
//     全部動作，並附上剩餘封鎖時間。
//
// 資源回收：
//   兩套機制的桶都由定期掃描回收，逐出 LastSeen 超過視窗寬鬆倍數的桶，
//   記憶體用量與「近期活躍的身分數」成正比而非歷史總量。
package limiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/battleship-arena/pkg/apperrors"
)

// Rule 單一維度的限流規則
type Rule struct {
	Window  time.Duration `yaml:"window"`
	Ceiling int           `yaml:"ceiling"`
}

// FloodRule 無效載荷洪水防護規則
type FloodRule struct {
	Window      time.Duration `yaml:"window"`
	Threshold   int           `yaml:"threshold"`
	BanDuration time.Duration `yaml:"ban_duration"`
}

// Config 防護設定
type Config struct {
	// ActionRules 依動作名稱指定規則；未列出的動作套用 DefaultRule
	ActionRules map[string]Rule `yaml:"action_rules"`
	DefaultRule Rule            `yaml:"default_rule"`
	// AddressRule 以網路位址為鍵的寬鬆視窗
	AddressRule Rule      `yaml:"address_rule"`
	Flood       FloodRule `yaml:"flood"`
}

// DefaultConfig 預設防護設定
func DefaultConfig() Config {
	return Config{
		ActionRules: map[string]Rule{
			"fire_shot": {Window: 10 * time.Second, Ceiling: 30},
			"chat":      {Window: 10 * time.Second, Ceiling: 15},
		},
		DefaultRule: Rule{Window: 10 * time.Second, Ceiling: 20},
		AddressRule: Rule{Window: time.Minute, Ceiling: 300},
		Flood:       FloodRule{Window: time.Minute, Threshold: 10, BanDuration: 5 * time.Minute},
	}
}

// windowState 單一鍵的視窗計數
type windowState struct {
	WindowStart time.Time
	Count       int
	LastSeen    time.Time
}

// floodState 無效載荷統計與封鎖狀態
type floodState struct {
	WindowStart time.Time
	Count       int
	LastSeen    time.Time
	BanUntil    time.Time
}

// Guard 限流與濫用防護
//
// 分散式模式：
//   設置 Shared 後，每次檢查同時諮詢共享計數器，本地或共享任一超限即擋下，
//   上限因此在整個叢集範圍內成立。共享儲存失敗視為「未超限」——
//   可用性優先於嚴格執法（與整體降級策略一致）。
type Guard struct {
	mu       sync.Mutex
	cfg      Config
	identity map[string]*windowState // "identity|action" -> state
	address  map[string]*windowState // "addr|action" -> state
	flood    map[string]*floodState  // "identity|addr" -> state
	Shared   *DistributedWindow
	logger   *slog.Logger
}

// NewGuard 建立防護
func NewGuard(cfg Config, logger *slog.Logger) *Guard {
	return &Guard{
		cfg:      cfg,
		identity: make(map[string]*windowState),
		address:  make(map[string]*windowState),
		flood:    make(map[string]*floodState),
		logger:   logger,
	}
}

// ruleFor 查出動作適用的規則
func (g *Guard) ruleFor(action string) Rule {
	if rule, ok := g.cfg.ActionRules[action]; ok {
		return rule
	}
	return g.cfg.DefaultRule
}

// Allow 檢查一次動作是否放行。
//
// 超限回傳 RATE_LIMITED 且不記入計數（被拒絕的動作不留狀態）；
// 放行則記入身分與位址兩個視窗。
func (g *Guard) Allow(ctx context.Context, identity, addr, action string, now time.Time) error {
	g.mu.Lock()

	idRule := g.ruleFor(action)
	idKey := identity + "|" + action
	if !windowAdmits(g.identity, idKey, idRule, now) {
		g.mu.Unlock()
		return apperrors.ErrRateLimited.WithDetails(action)
	}

	addrKey := addr + "|" + action
	if !windowAdmits(g.address, addrKey, g.cfg.AddressRule, now) {
		// 身分視窗已記入一次，回滾以維持「拒絕不留狀態」
		g.identity[idKey].Count--
		g.mu.Unlock()
		return apperrors.ErrRateLimited.WithDetails(action)
	}
	g.mu.Unlock()

	if g.Shared != nil {
		allowed, err := g.Shared.Allow(ctx, "rl:"+identity+":"+action)
		if err != nil {
			// 降級：共享計數器失敗時不限流
			g.logger.Warn("shared rate limit check failed", "error", err)
			return nil
		}
		if !allowed {
			// 共享視窗拒絕時本地兩個視窗同樣回滾，維持「拒絕不留狀態」
			g.mu.Lock()
			if state, ok := g.identity[idKey]; ok && state.Count > 0 {
				state.Count--
			}
			if state, ok := g.address[addrKey]; ok && state.Count > 0 {
				state.Count--
			}
			g.mu.Unlock()
			return apperrors.ErrRateLimited.WithDetails(action)
		}
	}

	return nil
}

// windowAdmits 視窗計數檢查：期滿重開，期內超限拒絕
func windowAdmits(table map[string]*windowState, key string, rule Rule, now time.Time) bool {
	state, ok := table[key]
	if !ok || now.Sub(state.WindowStart) >= rule.Window {
		table[key] = &windowState{WindowStart: now, Count: 1, LastSeen: now}
		return true
	}

	if state.Count >= rule.Ceiling {
		state.LastSeen = now
		return false
	}
	state.Count++
	state.LastSeen = now
	return true
}

// CheckBan 查詢身分是否處於軟封鎖中，回傳剩餘時間。
// 此檢查發生在任何載荷解析之前。
func (g *Guard) CheckBan(identity, addr string, now time.Time) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.flood[identity+"|"+addr]
	if !ok {
		return 0, false
	}
	if now.Before(state.BanUntil) {
		return state.BanUntil.Sub(now), true
	}
	return 0, false
}

// RecordInvalid 記錄一次格式錯誤的載荷。
// 跨過閾值時施加軟封鎖並回傳封鎖時長。
func (g *Guard) RecordInvalid(identity, addr string, now time.Time) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := identity + "|" + addr
	state, ok := g.flood[key]
	if !ok || now.Sub(state.WindowStart) >= g.cfg.Flood.Window {
		state = &floodState{WindowStart: now}
		g.flood[key] = state
	}

	state.Count++
	state.LastSeen = now

	if state.Count >= g.cfg.Flood.Threshold {
		state.BanUntil = now.Add(g.cfg.Flood.BanDuration)
		state.Count = 0
		state.WindowStart = now
		g.logger.Warn("soft ban imposed",
			"identity", identity, "addr", addr, "duration", g.cfg.Flood.BanDuration)
		return g.cfg.Flood.BanDuration, true
	}
	return 0, false
}

// GC 逐出閒置的桶（由定期掃描驅動）。
// 逐出門檻取視窗的寬鬆倍數，避免邊界上的桶被過早回收。
func (g *Guard) GC(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	const idleFactor = 10
	evicted := 0

	for key, state := range g.identity {
		if now.Sub(state.LastSeen) > g.cfg.DefaultRule.Window*idleFactor {
			delete(g.identity, key)
			evicted++
		}
	}
	for key, state := range g.address {
		if now.Sub(state.LastSeen) > g.cfg.AddressRule.Window*idleFactor {
			delete(g.address, key)
			evicted++
		}
	}
	for key, state := range g.flood {
		if now.Sub(state.LastSeen) > g.cfg.Flood.Window*idleFactor && now.After(state.BanUntil) {
			delete(g.flood, key)
			evicted++
		}
	}
	return evicted
}

// Stats 防護統計（監控用）
func (g *Guard) Stats() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()

	banned := 0
	now := time.Now()
	for _, state := range g.flood {
		if now.Before(state.BanUntil) {
			banned++
		}
	}
	return map[string]any{
		"identity_buckets": len(g.identity),
		"address_buckets":  len(g.address),
		"flood_buckets":    len(g.flood),
		"active_bans":      banned,
	}
}
