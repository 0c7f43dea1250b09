package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/battleship-arena/internal/game"
	"github.com/koopa0/battleship-arena/internal/limiter"
	"github.com/koopa0/battleship-arena/internal/queue"
	"github.com/koopa0/battleship-arena/internal/room"
	"github.com/koopa0/battleship-arena/internal/telemetry"
	"github.com/koopa0/battleship-arena/internal/token"
	"github.com/koopa0/battleship-arena/pkg/apperrors"
)

// fakeSender 收集推播事件的測試替身
type fakeSender struct {
	mu        sync.Mutex
	events    map[string][]Event
	connected map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		events:    make(map[string][]Event),
		connected: make(map[string]bool),
	}
}

func (f *fakeSender) Send(identity string, ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[identity] = append(f.events[identity], ev)
}

func (f *fakeSender) Connected(identity string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[identity]
}

func (f *fakeSender) setConnected(identity string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[identity] = up
}

// last 取指定身分最後一個指定種類的事件
func (f *fakeSender) last(identity, eventType string) (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := f.events[identity]
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == eventType {
			return evs[i], true
		}
	}
	return Event{}, false
}

func (f *fakeSender) count(identity, eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events[identity] {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// testEnv 完整的記憶體內測試環境（無 Redis、無 Postgres）
type testEnv struct {
	svc    *Service
	sender *fakeSender
	clock  *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	tokens := token.NewService(time.Hour)
	q := queue.NewManager(tokens, logger)
	rooms := room.NewRegistry(tokens, logger)

	guard := limiter.NewGuard(limiter.Config{
		ActionRules: map[string]limiter.Rule{},
		DefaultRule: limiter.Rule{Window: 10 * time.Second, Ceiling: 1000},
		AddressRule: limiter.Rule{Window: time.Minute, Ceiling: 10000},
		Flood:       limiter.FloodRule{Window: time.Minute, Threshold: 3, BanDuration: 5 * time.Minute},
	}, logger)

	sender := newFakeSender()
	cfg := DefaultConfig()
	cfg.BotThinkDelay = time.Millisecond

	svc := NewService(cfg, q, rooms, tokens, guard, nil, telemetry.NopSink{}, sender, logger)

	now := time.Now()
	svc.now = func() time.Time { return now }

	return &testEnv{svc: svc, sender: sender, clock: &now}
}

func (env *testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env *testEnv) sweepOnce() {
	var lastPresence time.Time
	env.svc.sweep(context.Background(), &lastPresence)
}

// act 組出入站動作的原始訊息
func act(t *testing.T, action string, data any) []byte {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		require.NoError(t, err)
	}
	msg, err := json.Marshal(envelope{Action: action, Data: raw})
	require.NoError(t, err)
	return msg
}

func (env *testEnv) dispatch(t *testing.T, identity string, raw []byte) {
	t.Helper()
	env.svc.HandleAction(context.Background(), identity, "10.0.0.1", raw)
}

// fleet 一組合法艦隊
func fleet() *game.Board {
	b := game.NewBoard()
	for i, class := range game.FleetSpec {
		cells := make([]game.Coord, 0, class.Size)
		for j := 0; j < class.Size; j++ {
			cells = append(cells, game.Coord{X: i * 2, Y: j})
		}
		b.Ships = append(b.Ships, &game.Ship{Name: class.Name, Cells: cells})
	}
	return b
}

// matchPair 讓兩名玩家完成配對，回傳雙方的 matched 載荷
func matchPair(t *testing.T, env *testEnv) (a, b matchedPayload) {
	t.Helper()
	env.sender.setConnected("alice", true)
	env.sender.setConnected("bob", true)

	env.dispatch(t, "alice", act(t, ActionJoinQueue, joinQueuePayload{Name: "Alice"}))
	env.dispatch(t, "bob", act(t, ActionJoinQueue, joinQueuePayload{Name: "Bob"}))

	evA, ok := env.sender.last("alice", EventMatched)
	require.True(t, ok, "alice must be matched")
	evB, ok := env.sender.last("bob", EventMatched)
	require.True(t, ok, "bob must be matched")
	return evA.Data.(matchedPayload), evB.Data.(matchedPayload)
}

// TestJoinAndMatch 兩人入列 → 同一間房
func TestJoinAndMatch(t *testing.T) {
	env := newTestEnv(t)

	env.dispatch(t, "alice", act(t, ActionJoinQueue, joinQueuePayload{Name: "Alice"}))
	queued, ok := env.sender.last("alice", EventQueued)
	require.True(t, ok)
	assert.NotEmpty(t, queued.Data.(queuedPayload).Token)

	env.dispatch(t, "bob", act(t, ActionJoinQueue, joinQueuePayload{Name: "Bob"}))

	a, _ := env.sender.last("alice", EventMatched)
	b, _ := env.sender.last("bob", EventMatched)
	pa := a.Data.(matchedPayload)
	pb := b.Data.(matchedPayload)

	assert.Equal(t, pa.RoomID, pb.RoomID)
	assert.Equal(t, "Bob", pa.OpponentName)
	assert.Equal(t, "Alice", pb.OpponentName)
	assert.NotEqual(t, pa.Token, pb.Token)
	assert.False(t, pa.VsBot)
	assert.False(t, pa.YouReady)
	assert.False(t, pa.OpponentReady)
	assert.Equal(t, 0, env.svc.queue.Len())
	assert.Equal(t, 1, env.svc.rooms.Count())
}

// TestSoloTimeoutBotMatch 單人排隊逾時 → 機器人對局
func TestSoloTimeoutBotMatch(t *testing.T) {
	env := newTestEnv(t)
	env.sender.setConnected("alice", true)

	env.dispatch(t, "alice", act(t, ActionJoinQueue, joinQueuePayload{Name: "Alice"}))
	require.Equal(t, 1, env.svc.queue.Len())

	// 逾時前掃描不觸發
	env.sweepOnce()
	_, matched := env.sender.last("alice", EventMatched)
	assert.False(t, matched)

	env.advance(env.svc.cfg.QueueTimeout + time.Second)
	env.sweepOnce()

	ev, ok := env.sender.last("alice", EventMatched)
	require.True(t, ok)
	payload := ev.Data.(matchedPayload)
	assert.True(t, payload.VsBot)
	assert.Equal(t, env.svc.cfg.BotName, payload.OpponentName)
	assert.False(t, payload.YouReady)
	assert.True(t, payload.OpponentReady, "bot fleet is placed at room creation")
	assert.Equal(t, 0, env.svc.queue.Len())

	// 人類佈艦即開局且先手
	env.dispatch(t, "alice", act(t, ActionPlaceFleet, placeFleetPayload{Board: fleet()}))
	turn, ok := env.sender.last("alice", EventTurnUpdate)
	require.True(t, ok)
	assert.True(t, turn.Data.(turnUpdatePayload).YourTurn)
}

// TestCancelQueue 離開佇列
func TestCancelQueue(t *testing.T) {
	env := newTestEnv(t)

	env.dispatch(t, "alice", act(t, ActionJoinQueue, joinQueuePayload{Name: "Alice"}))
	env.dispatch(t, "alice", act(t, ActionCancelQueue, nil))

	ev, ok := env.sender.last("alice", EventCancelled)
	require.True(t, ok)
	assert.Equal(t, "queue_cancelled", ev.Data.(cancelledPayload).Reason)
	assert.Equal(t, 0, env.svc.queue.Len())

	// 不在佇列時取消 → 狀態錯誤
	env.dispatch(t, "alice", act(t, ActionCancelQueue, nil))
	errEv, ok := env.sender.last("alice", EventError)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeState, errEv.Data.(errorPayload).Code)
}

// TestFullGame 完整對局：佈艦 → 射擊 → 終局，射擊數帳目一致
func TestFullGame(t *testing.T) {
	env := newTestEnv(t)
	matchPair(t, env)

	env.dispatch(t, "alice", act(t, ActionPlaceFleet, placeFleetPayload{Board: fleet()}))
	env.dispatch(t, "bob", act(t, ActionPlaceFleet, placeFleetPayload{Board: fleet()}))

	r, ok := env.svc.rooms.RoomFor("alice")
	require.True(t, ok)
	shooter := r.CurrentTurn()

	// 先手連續命中整支艦隊
	for i, class := range game.FleetSpec {
		for j := 0; j < class.Size; j++ {
			env.dispatch(t, shooter, act(t, ActionFireShot,
				fireShotPayload{Coord: game.Coord{X: i * 2, Y: j}}))
		}
	}

	for _, identity := range []string{"alice", "bob"} {
		ev, ok := env.sender.last(identity, EventGameOver)
		require.True(t, ok, "%s must receive game_over", identity)
		payload := ev.Data.(gameOverPayload)
		assert.Equal(t, shooter, payload.Winner)
		assert.Equal(t, room.ReasonFleetSunk, payload.Reason)
		assert.Equal(t, payload.TotalShots, payload.YourShots+payload.OpponentShots)
		assert.Equal(t, 17, payload.TotalShots)
	}

	// 終局廣播後房間立即移除
	assert.Equal(t, 0, env.svc.rooms.Count())
}

// TestTurnEnforcement 回合外射擊被拒絕
func TestTurnEnforcement(t *testing.T) {
	env := newTestEnv(t)
	matchPair(t, env)

	env.dispatch(t, "alice", act(t, ActionPlaceFleet, placeFleetPayload{Board: fleet()}))
	env.dispatch(t, "bob", act(t, ActionPlaceFleet, placeFleetPayload{Board: fleet()}))

	r, _ := env.svc.rooms.RoomFor("alice")
	waiting := r.Opponent(r.CurrentTurn())

	env.dispatch(t, waiting, act(t, ActionFireShot,
		fireShotPayload{Coord: game.Coord{X: 9, Y: 9}}))
	ev, ok := env.sender.last(waiting, EventError)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeState, ev.Data.(errorPayload).Code)
}

// TestCancelGame 手動取消：留守對手獲勝
func TestCancelGame(t *testing.T) {
	env := newTestEnv(t)
	matchPair(t, env)

	env.dispatch(t, "alice", act(t, ActionPlaceFleet, placeFleetPayload{Board: fleet()}))
	env.dispatch(t, "bob", act(t, ActionPlaceFleet, placeFleetPayload{Board: fleet()}))

	env.dispatch(t, "alice", act(t, ActionCancelGame, nil))

	ev, ok := env.sender.last("bob", EventCancelled)
	require.True(t, ok)
	payload := ev.Data.(cancelledPayload)
	assert.Equal(t, string(room.ReasonManualCancel), payload.Reason)
	assert.Equal(t, "bob", payload.Winner)
	assert.Equal(t, 0, env.svc.rooms.Count())
}

// TestDisconnectReconnect 斷線寬限與令牌重連
func TestDisconnectReconnect(t *testing.T) {
	env := newTestEnv(t)
	a, _ := matchPair(t, env)

	env.dispatch(t, "alice", act(t, ActionPlaceFleet, placeFleetPayload{Board: fleet()}))
	env.dispatch(t, "bob", act(t, ActionPlaceFleet, placeFleetPayload{Board: fleet()}))

	env.sender.setConnected("alice", false)
	env.svc.Disconnect("alice")

	down, ok := env.sender.last("bob", EventOpponentDown)
	require.True(t, ok)
	assert.Equal(t, a.RoomID, down.Data.(opponentDownPayload).RoomID)

	// 寬限期內帶令牌回來（新連線 = 新身分）
	env.advance(10 * time.Second)
	env.sender.setConnected("alice-next", true)
	env.dispatch(t, "alice-next", act(t, ActionJoinQueue,
		joinQueuePayload{Name: "Alice", Token: a.Token}))

	rec, ok := env.sender.last("alice-next", EventReconnected)
	require.True(t, ok)
	payload := rec.Data.(reconnectedPayload)
	assert.Equal(t, a.RoomID, payload.RoomID)
	assert.Equal(t, a.Token, payload.Token)
	assert.True(t, payload.View.YouReady, "board must survive the reconnect")

	_, ok = env.sender.last("bob", EventOpponentBack)
	assert.True(t, ok)

	// 房間綁定換到新身分
	r, ok := env.svc.rooms.RoomFor("alice-next")
	require.True(t, ok)
	assert.Equal(t, a.RoomID, r.ID)
	_, ok = env.svc.rooms.RoomFor("alice")
	assert.False(t, ok)
}

// TestReconnectDropsQueueEntry 排隊中的身分以令牌接管房間席位後，
// 佇列條目必須一併移除：一個身分同一時刻只能持有一種席位
func TestReconnectDropsQueueEntry(t *testing.T) {
	env := newTestEnv(t)
	a, _ := matchPair(t, env)

	env.sender.setConnected("alice", false)
	env.svc.Disconnect("alice")

	// carol 先排隊，再持 alice 的令牌在寬限期內接管席位
	env.sender.setConnected("carol", true)
	env.dispatch(t, "carol", act(t, ActionJoinQueue, joinQueuePayload{Name: "Carol"}))
	require.Equal(t, 1, env.svc.queue.Len())

	env.dispatch(t, "carol", act(t, ActionJoinQueue,
		joinQueuePayload{Name: "Carol", Token: a.Token}))

	rec, ok := env.sender.last("carol", EventReconnected)
	require.True(t, ok)
	assert.Equal(t, a.RoomID, rec.Data.(reconnectedPayload).RoomID)

	assert.Equal(t, 0, env.svc.queue.Len(), "queue seat must be released on takeover")
	r, ok := env.svc.rooms.RoomFor("carol")
	require.True(t, ok)
	assert.Equal(t, a.RoomID, r.ID)
}

// TestReconnectConflict 擁有者仍在線時令牌被拒
func TestReconnectConflict(t *testing.T) {
	env := newTestEnv(t)
	a, _ := matchPair(t, env)

	// alice 沒斷線，mallory 持有令牌嘗試接管
	env.dispatch(t, "mallory", act(t, ActionJoinQueue,
		joinQueuePayload{Name: "Mallory", Token: a.Token}))

	ev, ok := env.sender.last("mallory", EventError)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeReconnectConflict, ev.Data.(errorPayload).Code)

	// 擁有者離線（無寬限標記、無本地連線）→ 允許接管
	env.sender.setConnected("alice", false)
	env.dispatch(t, "mallory", act(t, ActionJoinQueue,
		joinQueuePayload{Name: "Mallory", Token: a.Token}))
	_, ok = env.sender.last("mallory", EventReconnected)
	assert.True(t, ok)
}

// TestGraceExpirySweep 寬限期滿由掃描裁決，留守方獲勝
func TestGraceExpirySweep(t *testing.T) {
	env := newTestEnv(t)
	matchPair(t, env)

	env.dispatch(t, "alice", act(t, ActionPlaceFleet, placeFleetPayload{Board: fleet()}))
	env.dispatch(t, "bob", act(t, ActionPlaceFleet, placeFleetPayload{Board: fleet()}))

	env.sender.setConnected("alice", false)
	env.svc.Disconnect("alice")

	// 寬限未滿：房間存活
	env.advance(30 * time.Second)
	env.sweepOnce()
	assert.Equal(t, 1, env.svc.rooms.Count())

	env.advance(env.svc.cfg.ReconnectGrace)
	env.sweepOnce()

	ev, ok := env.sender.last("bob", EventGameOver)
	require.True(t, ok)
	payload := ev.Data.(gameOverPayload)
	assert.Equal(t, "bob", payload.Winner)
	assert.Equal(t, room.ReasonDisconnectTimeout, payload.Reason)
	assert.Equal(t, 0, env.svc.rooms.Count())
}

// TestQueueDisconnectRecovery 排隊中斷線 → 暫存 → 令牌恢復保留資歷
func TestQueueDisconnectRecovery(t *testing.T) {
	env := newTestEnv(t)

	env.dispatch(t, "alice", act(t, ActionJoinQueue, joinQueuePayload{Name: "Alice"}))
	queued, _ := env.sender.last("alice", EventQueued)
	tok := queued.Data.(queuedPayload).Token
	joinedAt := queued.Data.(queuedPayload).JoinedAt

	env.svc.Disconnect("alice")
	assert.Equal(t, 0, env.svc.queue.Len())
	assert.Equal(t, 1, env.svc.queue.ParkedLen())

	env.advance(20 * time.Second)
	env.dispatch(t, "alice-next", act(t, ActionJoinQueue,
		joinQueuePayload{Name: "Alice", Token: tok}))

	recovered, ok := env.sender.last("alice-next", EventQueued)
	require.True(t, ok)
	payload := recovered.Data.(queuedPayload)
	assert.True(t, payload.Recovered)
	assert.Equal(t, joinedAt, payload.JoinedAt, "queue seniority must survive the disconnect")
	assert.Equal(t, tok, payload.Token)
}

// TestInvalidFlood 連續無效載荷 → 軟封鎖 → 一切動作被擋
func TestInvalidFlood(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		env.dispatch(t, "mallory", []byte("not json at all"))
	}

	ev, ok := env.sender.last("mallory", EventError)
	require.True(t, ok)
	payload := ev.Data.(errorPayload)
	assert.Equal(t, apperrors.CodeSoftBan, payload.Code)
	assert.Positive(t, payload.RetryAfterMS)

	// 封鎖期間合法動作也被擋下，且附剩餘時間
	env.dispatch(t, "mallory", act(t, ActionJoinQueue, joinQueuePayload{Name: "M"}))
	ev, _ = env.sender.last("mallory", EventError)
	payload = ev.Data.(errorPayload)
	assert.Equal(t, apperrors.CodeSoftBan, payload.Code)
	assert.Equal(t, 0, env.svc.queue.Len())

	// 封鎖期滿解除
	env.advance(6 * time.Minute)
	env.dispatch(t, "mallory", act(t, ActionJoinQueue, joinQueuePayload{Name: "M"}))
	_, ok = env.sender.last("mallory", EventQueued)
	assert.True(t, ok)
}

// TestRateLimit 動作視窗：第 N+1 次被拒、視窗期滿恢復
func TestRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.svc.guard = limiter.NewGuard(limiter.Config{
		ActionRules: map[string]limiter.Rule{
			ActionChat: {Window: 10 * time.Second, Ceiling: 2},
		},
		DefaultRule: limiter.Rule{Window: 10 * time.Second, Ceiling: 1000},
		AddressRule: limiter.Rule{Window: time.Minute, Ceiling: 10000},
		Flood:       limiter.FloodRule{Window: time.Minute, Threshold: 10, BanDuration: time.Minute},
	}, slog.New(slog.DiscardHandler))

	matchPair(t, env)
	r, _ := env.svc.rooms.RoomFor("alice")

	chat := act(t, ActionChat, chatPayload{RoomID: r.ID, Kind: room.ChatText, Body: "hi"})
	env.dispatch(t, "alice", chat)
	env.dispatch(t, "alice", chat)
	assert.Equal(t, 2, env.sender.count("alice", EventChatMessage))

	env.dispatch(t, "alice", chat)
	ev, ok := env.sender.last("alice", EventError)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeRateLimited, ev.Data.(errorPayload).Code)

	// 視窗期滿後恢復
	env.advance(11 * time.Second)
	env.dispatch(t, "alice", chat)
	assert.Equal(t, 3, env.sender.count("alice", EventChatMessage))
}

// TestChatBroadcast 聊天訊息雙方可見，歷史存活於房間視圖
func TestChatBroadcast(t *testing.T) {
	env := newTestEnv(t)
	matchPair(t, env)
	r, _ := env.svc.rooms.RoomFor("alice")

	env.dispatch(t, "alice", act(t, ActionChat,
		chatPayload{RoomID: r.ID, Kind: room.ChatEmoji, Body: "🚢"}))

	for _, identity := range []string{"alice", "bob"} {
		ev, ok := env.sender.last(identity, EventChatMessage)
		require.True(t, ok)
		msg := ev.Data.(room.ChatMessage)
		assert.Equal(t, room.ChatEmoji, msg.Kind)
		assert.Equal(t, "🚢", msg.Body)
	}

	// 未知種類被拒
	env.dispatch(t, "alice", act(t, ActionChat,
		chatPayload{RoomID: r.ID, Kind: "sticker", Body: "x"}))
	ev, _ := env.sender.last("alice", EventError)
	assert.Equal(t, apperrors.CodeValidation, ev.Data.(errorPayload).Code)
}

// TestInactivitySweep 閒置房間由掃描結束，無勝者
func TestInactivitySweep(t *testing.T) {
	env := newTestEnv(t)
	matchPair(t, env)

	env.advance(env.svc.cfg.RoomInactivityTimeout + time.Minute)
	env.sweepOnce()

	for _, identity := range []string{"alice", "bob"} {
		ev, ok := env.sender.last(identity, EventGameOver)
		require.True(t, ok)
		payload := ev.Data.(gameOverPayload)
		assert.Empty(t, payload.Winner)
		assert.Equal(t, room.ReasonInactivityTimeout, payload.Reason)
	}
	assert.Equal(t, 0, env.svc.rooms.Count())
}

// TestPanicRecovery 處理器 panic 不拖垮調度，回報內部錯誤
func TestPanicRecovery(t *testing.T) {
	env := newTestEnv(t)

	// 人為弄壞註冊表讓處理器在路由後 panic
	env.svc.rooms = nil
	assert.NotPanics(t, func() {
		env.dispatch(t, "alice", act(t, ActionJoinQueue, joinQueuePayload{Name: "A"}))
	})

	ev, ok := env.sender.last("alice", EventError)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeInternal, ev.Data.(errorPayload).Code)
}
