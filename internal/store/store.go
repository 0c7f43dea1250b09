// Package store 實作分散式模式的共享狀態鏡像。
//
// 系統設計考量：
//   單機模式下所有狀態都在行程記憶體內；分散式模式下，
//   佇列條目、房間快照、令牌對應與連線在場標記鏡像到 Redis，
//   讓任何實例都能接手重連、讓排程掃描看見全叢集的佇列。
//
// 鏡像是「建議性」的：
//   寫入失敗只記錄警告，動作本身照常完成——本地權威狀態
//   永遠先行，共享儲存不可用時系統退化為單機行為而非整體失效。
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/battleship-arena/internal/queue"
	"github.com/koopa0/battleship-arena/internal/room"
)

// 鍵命名慣例（冒號分隔的命名空間）
const (
	keyPrefix      = "arena:"
	keyRoom        = keyPrefix + "room:"     // arena:room:<roomID> → JSON 快照
	keyToken       = keyPrefix + "token:"    // arena:token:<token> → roomID
	keyQueue       = keyPrefix + "queue:"    // arena:queue:<identity> → JSON 條目
	keyParked      = keyPrefix + "parked:"   // arena:parked:<token> → JSON 條目
	keyPresence    = keyPrefix + "presence:" // arena:presence:<token> → 時間戳記
	keyShutdownAt  = keyPrefix + "shutdown_at"
	scanBatchCount = 100
)

// ErrNotFound 查無資料
var ErrNotFound = errors.New("store: not found")

// Adapter 共享儲存轉接器
type Adapter struct {
	client      *redis.Client
	roomTTL     time.Duration
	presenceTTL time.Duration
	logger      *slog.Logger
}

// Config 轉接器設定
type Config struct {
	RoomTTL     time.Duration `yaml:"room_ttl"`
	PresenceTTL time.Duration `yaml:"presence_ttl"`
}

// DefaultConfig 預設轉接器設定
func DefaultConfig() Config {
	return Config{
		RoomTTL:     30 * time.Minute,
		PresenceTTL: 90 * time.Second,
	}
}

// NewAdapter 建立共享儲存轉接器
func NewAdapter(client *redis.Client, cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:      client,
		roomTTL:     cfg.RoomTTL,
		presenceTTL: cfg.PresenceTTL,
		logger:      logger,
	}
}

// Ping 檢查共享儲存可達性（就緒探針用）
func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// ---- 房間快照 ----

// SaveRoom 鏡像房間快照，並同步令牌 → 房間的解析映射
func (a *Adapter) SaveRoom(ctx context.Context, snap room.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal room snapshot: %w", err)
	}

	pipe := a.client.Pipeline()
	pipe.Set(ctx, keyRoom+snap.ID, data, a.roomTTL)
	for _, tok := range snap.Tokens {
		pipe.Set(ctx, keyToken+tok, snap.ID, a.roomTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save room %s: %w", snap.ID, err)
	}
	return nil
}

// LoadRoom 載入房間快照
func (a *Adapter) LoadRoom(ctx context.Context, roomID string) (room.Snapshot, error) {
	data, err := a.client.Get(ctx, keyRoom+roomID).Bytes()
	if errors.Is(err, redis.Nil) {
		return room.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return room.Snapshot{}, fmt.Errorf("load room %s: %w", roomID, err)
	}

	var snap room.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return room.Snapshot{}, fmt.Errorf("unmarshal room %s: %w", roomID, err)
	}
	return snap, nil
}

// DeleteRoom 移除房間快照與其全部令牌映射
func (a *Adapter) DeleteRoom(ctx context.Context, snap room.Snapshot) error {
	keys := make([]string, 0, len(snap.Tokens)+1)
	keys = append(keys, keyRoom+snap.ID)
	for _, tok := range snap.Tokens {
		keys = append(keys, keyToken+tok)
	}
	if err := a.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete room %s: %w", snap.ID, err)
	}
	return nil
}

// ResolveToken 以令牌解析房間 ID（跨實例重連的入口）
func (a *Adapter) ResolveToken(ctx context.Context, tok string) (string, error) {
	roomID, err := a.client.Get(ctx, keyToken+tok).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve token: %w", err)
	}
	return roomID, nil
}

// ---- 佇列鏡像 ----

// SaveQueueEntry 鏡像佇列條目
func (a *Adapter) SaveQueueEntry(ctx context.Context, entry *queue.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if err := a.client.Set(ctx, keyQueue+entry.Identity, data, a.roomTTL).Err(); err != nil {
		return fmt.Errorf("save queue entry %s: %w", entry.Identity, err)
	}
	return nil
}

// RemoveQueueEntry 移除佇列條目鏡像
func (a *Adapter) RemoveQueueEntry(ctx context.Context, identity string) error {
	return a.client.Del(ctx, keyQueue+identity).Err()
}

// CountQueued 全叢集排隊人數（監控視圖用）
func (a *Adapter) CountQueued(ctx context.Context) (int, error) {
	count := 0
	iter := a.client.Scan(ctx, 0, keyQueue+"*", scanBatchCount).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("count queued: %w", err)
	}
	return count, nil
}

// ---- 停泊條目鏡像 ----

// SaveParked 鏡像停泊條目（以令牌為鍵，供跨實例重連恢復）
func (a *Adapter) SaveParked(ctx context.Context, p *queue.Parked, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal parked entry: %w", err)
	}
	if err := a.client.Set(ctx, keyParked+p.Entry.Token, data, ttl).Err(); err != nil {
		return fmt.Errorf("save parked entry: %w", err)
	}
	return nil
}

// LoadParked 以令牌載入停泊條目
func (a *Adapter) LoadParked(ctx context.Context, tok string) (*queue.Parked, error) {
	data, err := a.client.Get(ctx, keyParked+tok).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load parked entry: %w", err)
	}
	var p queue.Parked
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal parked entry: %w", err)
	}
	return &p, nil
}

// RemoveParked 移除停泊條目鏡像
func (a *Adapter) RemoveParked(ctx context.Context, tok string) error {
	return a.client.Del(ctx, keyParked+tok).Err()
}

// ---- 連線在場標記 ----

// TouchPresence 更新令牌的在場標記（值為毫秒時間戳記，附 TTL）。
// 由連線存活期間的定期掃描刷新。
func (a *Adapter) TouchPresence(ctx context.Context, tok string, now time.Time) error {
	val := strconv.FormatInt(now.UnixMilli(), 10)
	return a.client.Set(ctx, keyPresence+tok, val, a.presenceTTL).Err()
}

// ClearPresence 清除在場標記（斷線時呼叫）
func (a *Adapter) ClearPresence(ctx context.Context, tok string) error {
	return a.client.Del(ctx, keyPresence+tok).Err()
}

// PresenceStale 判斷令牌的在場標記是否已過時。
//
// 過時條件（任一成立）：
//   - 標記不存在或超過在場 TTL 未刷新（持有者行程死亡、標記過期）
//   - 標記早於最近一次的優雅關機時間（持有者實例已下線，
//     標記殘留只因 TTL 尚未走完）
//
// 重連遇到「在場」的既有連線時，過時 → 視為殘影放行接管；
// 未過時 → 真衝突，拒絕。
func (a *Adapter) PresenceStale(ctx context.Context, tok string, now time.Time) (bool, error) {
	val, err := a.client.Get(ctx, keyPresence+tok).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("check presence: %w", err)
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return true, nil
	}
	touched := time.UnixMilli(ms)

	if now.Sub(touched) > a.presenceTTL {
		return true, nil
	}

	shutdownAt, err := a.lastShutdown(ctx)
	if err != nil {
		return false, err
	}
	if !shutdownAt.IsZero() && touched.Before(shutdownAt) {
		return true, nil
	}
	return false, nil
}

// ---- 優雅關機標記 ----

// MarkGracefulShutdown 記錄優雅關機時間。
// 下線實例留下的在場標記會在 TTL 內殘留；此標記讓其他實例
// 能立即判定那些標記已無人持有。
func (a *Adapter) MarkGracefulShutdown(ctx context.Context, now time.Time) error {
	val := strconv.FormatInt(now.UnixMilli(), 10)
	return a.client.Set(ctx, keyShutdownAt, val, 24*time.Hour).Err()
}

// lastShutdown 最近一次優雅關機時間；無記錄時回傳零值
func (a *Adapter) lastShutdown(ctx context.Context) (time.Time, error) {
	val, err := a.client.Get(ctx, keyShutdownAt).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load shutdown marker: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}
