package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DistributedWindow 以 Redis 實作的叢集級滑動視窗。
//
// 為何需要？
//   單機視窗無法在多實例間共享狀態：
//   上限 30 發/10 秒、3 個實例各自計數 → 實際 90 發/10 秒。
//
// 實作策略：
//   Redis Sorted Set 儲存請求時間戳記：
//     ZADD key score member（score = 毫秒時間戳記，member = 請求 ID）
//   Lua 腳本保證「清理過期 → 計數 → 條件寫入」的原子性，
//   避免多實例間的 check-then-act 競態。
type DistributedWindow struct {
	client *redis.Client
	limit  int64
	window time.Duration
	script *redis.Script
}

// Lua 腳本：滑動視窗
//
// KEYS[1]: Sorted Set 的 key
// ARGV[1]: 視窗大小（秒）
// ARGV[2]: 上限
// ARGV[3]: 當前時間（毫秒時間戳記）
// ARGV[4]: 請求 ID
var slidingWindowScript = `
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local request_id = ARGV[4]

local window_start = now - (window * 1000)

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, request_id)
    redis.call('EXPIRE', key, window + 60)
    return 1
else
    return 0
end
`

// NewDistributedWindow 建立叢集級滑動視窗
func NewDistributedWindow(client *redis.Client, limit int64, window time.Duration) *DistributedWindow {
	return &DistributedWindow{
		client: client,
		limit:  limit,
		window: window,
		script: redis.NewScript(slidingWindowScript),
	}
}

// Allow 檢查是否放行。
//
// 錯誤處理策略：
//   Redis 不可用時回傳 (true, err)——呼叫端記錄錯誤後照常放行，
//   退回單機限流的行為而非讓整個動作失敗。
func (dw *DistributedWindow) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()
	windowSeconds := int64(dw.window.Seconds())

	result, err := dw.script.Run(
		ctx,
		dw.client,
		[]string{key},
		windowSeconds,
		dw.limit,
		now,
		uuid.NewString(),
	).Int()

	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return result == 1, nil
}
