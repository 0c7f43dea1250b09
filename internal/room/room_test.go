package room_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/battleship-arena/internal/game"
	"github.com/koopa0/battleship-arena/internal/queue"
	"github.com/koopa0/battleship-arena/internal/room"
	"github.com/koopa0/battleship-arena/internal/token"
	"github.com/koopa0/battleship-arena/pkg/apperrors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fleet 建立一組合法艦隊
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

// newMatch 建立一間雙人房
func newMatch(t *testing.T) (*room.Registry, *room.Room, *token.Service) {
	t.Helper()
	tokens := token.NewService(time.Hour)
	reg := room.NewRegistry(tokens, discardLogger())

	a := &queue.Entry{Identity: "alice", Name: "Alice", Token: uuid.NewString()}
	b := &queue.Entry{Identity: "bob", Name: "Bob", Token: uuid.NewString()}
	r := reg.CreateMatch(a, b, time.Now())
	return reg, r, tokens
}

// startPlaying 雙方佈艦完成，回傳先手
func startPlaying(t *testing.T, r *room.Room) string {
	t.Helper()
	now := time.Now()

	report, err := r.PlaceFleet("alice", fleet(), now)
	require.NoError(t, err)
	require.False(t, report.Started)

	report, err = r.PlaceFleet("bob", fleet(), now)
	require.NoError(t, err)
	require.True(t, report.Started)
	return report.Turn
}

// TestPlaceFleet 測試佈艦與開局
func TestPlaceFleet(t *testing.T) {
	t.Run("both ready starts the game", func(t *testing.T) {
		_, r, _ := newMatch(t)
		turn := startPlaying(t, r)
		assert.Contains(t, []string{"alice", "bob"}, turn)
		assert.Equal(t, turn, r.CurrentTurn())
	})

	t.Run("invalid fleet rejected", func(t *testing.T) {
		_, r, _ := newMatch(t)
		b := fleet()
		b.Ships = b.Ships[:3]

		_, err := r.PlaceFleet("alice", b, time.Now())
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeValidation, apperrors.Code(err))
	})

	t.Run("double placement rejected", func(t *testing.T) {
		_, r, _ := newMatch(t)
		_, err := r.PlaceFleet("alice", fleet(), time.Now())
		require.NoError(t, err)

		_, err = r.PlaceFleet("alice", fleet(), time.Now())
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeState, apperrors.Code(err))
	})

	t.Run("non participant rejected", func(t *testing.T) {
		_, r, _ := newMatch(t)
		_, err := r.PlaceFleet("mallory", fleet(), time.Now())
		assert.Error(t, err)
	})

	t.Run("bot room human goes first", func(t *testing.T) {
		tokens := token.NewService(time.Hour)
		reg := room.NewRegistry(tokens, discardLogger())
		entry := &queue.Entry{Identity: "alice", Name: "Alice", Token: uuid.NewString()}
		r := reg.CreateBotMatch(entry, "Bot", time.Now())

		report, err := r.PlaceFleet("alice", fleet(), time.Now())
		require.NoError(t, err)
		require.True(t, report.Started)
		assert.Equal(t, "alice", report.Turn)
	})
}

// TestFireShot 測試射擊與回合規則
func TestFireShot(t *testing.T) {
	t.Run("rejected before playing phase", func(t *testing.T) {
		_, r, _ := newMatch(t)
		_, err := r.FireShot("alice", game.Coord{X: 0, Y: 0}, time.Now())
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeState, apperrors.Code(err))
	})

	t.Run("rejected when not your turn", func(t *testing.T) {
		_, r, _ := newMatch(t)
		turn := startPlaying(t, r)
		other := r.Opponent(turn)

		_, err := r.FireShot(other, game.Coord{X: 9, Y: 9}, time.Now())
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeState, apperrors.Code(err))
	})

	t.Run("miss passes the turn, hit retains it", func(t *testing.T) {
		_, r, _ := newMatch(t)
		turn := startPlaying(t, r)
		other := r.Opponent(turn)

		// (9,9) 必為空格
		report, err := r.FireShot(turn, game.Coord{X: 9, Y: 9}, time.Now())
		require.NoError(t, err)
		assert.Equal(t, game.ShotMiss, report.Outcome.Result)
		assert.Equal(t, other, report.Turn)

		// (0,0) 是航艦首格，換手後由對方命中
		report, err = r.FireShot(other, game.Coord{X: 0, Y: 0}, time.Now())
		require.NoError(t, err)
		assert.Equal(t, game.ShotHit, report.Outcome.Result)
		assert.Equal(t, other, report.Turn)
	})

	t.Run("sinking the fleet ends the game exactly once", func(t *testing.T) {
		_, r, _ := newMatch(t)
		turn := startPlaying(t, r)

		// 連續命中整支艦隊（命中保留回合）
		var last room.ShotReport
		cells := allFleetCells()
		for i, c := range cells {
			report, err := r.FireShot(turn, c, time.Now())
			require.NoError(t, err, "shot %d", i)
			last = report
		}

		require.True(t, last.Over)
		assert.Equal(t, turn, last.Winner)
		assert.Equal(t, len(cells), last.TotalShots)
		assert.True(t, r.IsOver())

		// 終局後一切變更被擋下
		_, err := r.FireShot(turn, game.Coord{X: 9, Y: 9}, time.Now())
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeState, apperrors.Code(err))
		_, err = r.Cancel(turn, time.Now())
		assert.Error(t, err)
	})
}

// allFleetCells 標準佈局的全部艦隊格位
func allFleetCells() []game.Coord {
	var cells []game.Coord
	for i, class := range game.FleetSpec {
		for j := 0; j < class.Size; j++ {
			cells = append(cells, game.Coord{X: i * 2, Y: j})
		}
	}
	return cells
}

// TestCancel 測試手動取消
func TestCancel(t *testing.T) {
	t.Run("connected opponent wins", func(t *testing.T) {
		_, r, _ := newMatch(t)
		startPlaying(t, r)

		report, err := r.Cancel("alice", time.Now())
		require.NoError(t, err)
		assert.Equal(t, "bob", report.Winner)
		assert.Equal(t, room.ReasonManualCancel, report.Reason)
		assert.True(t, r.IsOver())
	})

	t.Run("no winner when opponent already disconnected", func(t *testing.T) {
		_, r, _ := newMatch(t)
		startPlaying(t, r)

		_, ok := r.MarkDisconnected("bob", time.Now())
		require.True(t, ok)

		report, err := r.Cancel("alice", time.Now())
		require.NoError(t, err)
		assert.Empty(t, report.Winner)
	})
}

// TestInactivity 測試閒置超時終局
func TestInactivity(t *testing.T) {
	_, r, _ := newMatch(t)
	startPlaying(t, r)

	_, ended := r.EndForInactivity(10*time.Minute, time.Now().Add(5*time.Minute))
	assert.False(t, ended)

	report, ended := r.EndForInactivity(10*time.Minute, time.Now().Add(11*time.Minute))
	require.True(t, ended)
	assert.Empty(t, report.Winner)
	assert.Equal(t, room.ReasonInactivityTimeout, report.Reason)

	// 結束後再掃描不會重複觸發
	_, ended = r.EndForInactivity(10*time.Minute, time.Now().Add(20*time.Minute))
	assert.False(t, ended)
}

// TestGraceExpiry 測試寬限期滿終局
func TestGraceExpiry(t *testing.T) {
	t.Run("remaining participant wins", func(t *testing.T) {
		_, r, _ := newMatch(t)
		startPlaying(t, r)
		now := time.Now()

		_, ok := r.MarkDisconnected("alice", now)
		require.True(t, ok)

		// 寬限未滿
		_, ended := r.GraceExpiry(time.Minute, now.Add(30*time.Second))
		assert.False(t, ended)

		report, ended := r.GraceExpiry(time.Minute, now.Add(61*time.Second))
		require.True(t, ended)
		assert.Equal(t, "bob", report.Winner)
		assert.Equal(t, room.ReasonDisconnectTimeout, report.Reason)
	})

	t.Run("no winner when both sides left", func(t *testing.T) {
		_, r, _ := newMatch(t)
		startPlaying(t, r)
		now := time.Now()

		_, ok := r.MarkDisconnected("alice", now)
		require.True(t, ok)
		_, ok = r.MarkDisconnected("bob", now)
		require.True(t, ok)

		report, ended := r.GraceExpiry(time.Minute, now.Add(2*time.Minute))
		require.True(t, ended)
		assert.Empty(t, report.Winner)
	})
}

// TestRekey 測試重連換鍵：所有以身分為鍵的資料表原子性換到新身分
func TestRekey(t *testing.T) {
	_, r, _ := newMatch(t)
	turn := startPlaying(t, r)
	now := time.Now()

	// 製造一些身分綁定的狀態
	_, err := r.FireShot(turn, game.Coord{X: 9, Y: 9}, now)
	require.NoError(t, err)
	_, err = r.AddChat("alice", room.ChatText, "hello", now)
	require.NoError(t, err)

	tok, ok := r.TokenFor("alice")
	require.True(t, ok)
	_, ok = r.MarkDisconnected("alice", now)
	require.True(t, ok)

	holder := r.CurrentTurn()
	previous, err := r.Rekey(tok, "alice-next", now)
	require.NoError(t, err)
	assert.Equal(t, "alice", previous)

	// 新身分完整接手
	view := r.ViewFor("alice-next")
	assert.Equal(t, "alice-next", view.You)
	assert.NotNil(t, view.YourBoard)
	assert.True(t, view.YouReady)

	// 令牌映射互為反函數
	owner, inGrace, ok := r.OwnerOf(tok)
	require.True(t, ok)
	assert.Equal(t, "alice-next", owner)
	assert.False(t, inGrace, "grace mark must be cleared")

	// 回合與聊天紀錄一併換鍵
	expected := holder
	if holder == "alice" {
		expected = "alice-next"
	}
	assert.Equal(t, expected, r.CurrentTurn())
	require.NotEmpty(t, view.Chat)
	assert.Equal(t, "alice-next", view.Chat[0].From)

	// 舊身分不再是參與者
	_, err = r.PlaceFleet("alice", fleet(), now)
	assert.Error(t, err)
}

// TestRekeyStale 測試失效令牌的換鍵
func TestRekeyStale(t *testing.T) {
	_, r, _ := newMatch(t)
	startPlaying(t, r)

	_, err := r.Rekey(uuid.NewString(), "someone", time.Now())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeReconnectStale, apperrors.Code(err))

	// 終局後令牌一律失效
	_, err = r.Cancel("alice", time.Now())
	require.NoError(t, err)
	tok, _ := r.TokenFor("bob")
	_, err = r.Rekey(tok, "bob-next", time.Now())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeReconnectStale, apperrors.Code(err))
}

// TestChatLog 測試聊天紀錄上限
func TestChatLog(t *testing.T) {
	_, r, _ := newMatch(t)
	now := time.Now()

	for i := 0; i < 105; i++ {
		_, err := r.AddChat("alice", room.ChatText, "msg", now)
		require.NoError(t, err)
	}

	view := r.ViewFor("alice")
	assert.Len(t, view.Chat, 100)
}

// TestSnapshotRoundtrip 測試快照重建
func TestSnapshotRoundtrip(t *testing.T) {
	_, r, _ := newMatch(t)
	turn := startPlaying(t, r)
	now := time.Now()

	_, err := r.FireShot(turn, game.Coord{X: 0, Y: 0}, now)
	require.NoError(t, err)
	_, err = r.AddChat("alice", room.ChatEmoji, "🎯", now)
	require.NoError(t, err)

	snap := r.Snapshot()
	restored := room.FromSnapshot(snap)

	assert.Equal(t, r.ID, restored.ID)
	assert.Equal(t, r.CurrentTurn(), restored.CurrentTurn())
	assert.Equal(t, r.TotalShots(), restored.TotalShots())

	// 反向令牌映射由快照推導重建
	tok, ok := r.TokenFor("alice")
	require.True(t, ok)
	owner, _, ok := restored.OwnerOf(tok)
	require.True(t, ok)
	assert.Equal(t, "alice", owner)

	view := restored.ViewFor("alice")
	assert.NotNil(t, view.YourBoard)
	assert.Len(t, view.Chat, 1)
}

// TestSnapshotIsolation 測試快照與活房間不共享可變狀態。
// 鏡像寫入在背景序列化快照，棋盤與機器人策略必須是深拷貝。
func TestSnapshotIsolation(t *testing.T) {
	_, r, _ := newMatch(t)
	turn := startPlaying(t, r)
	now := time.Now()

	// 先手命中一格後擷取快照
	_, err := r.FireShot(turn, game.Coord{X: 0, Y: 0}, now)
	require.NoError(t, err)
	snap := r.Snapshot()

	shotsBefore := make(map[string]int)
	hitsBefore := make(map[string]int)
	for id, b := range snap.Boards {
		shotsBefore[id] = len(b.Shots)
		hitsBefore[id] = b.Ships[0].Hits
	}

	// 命中保留回合，快照之後同一艘船繼續挨打
	_, err = r.FireShot(r.CurrentTurn(), game.Coord{X: 0, Y: 1}, now)
	require.NoError(t, err)
	_, err = r.FireShot(r.CurrentTurn(), game.Coord{X: 0, Y: 2}, now)
	require.NoError(t, err)

	for id, b := range snap.Boards {
		assert.Equal(t, shotsBefore[id], len(b.Shots), "snapshot board mutated: %s", id)
		assert.Equal(t, hitsBefore[id], b.Ships[0].Hits, "snapshot ship mutated: %s", id)
	}

	// 機器人房：策略候選清單同樣必須是獨立副本
	tokens := token.NewService(time.Hour)
	reg := room.NewRegistry(tokens, discardLogger())
	entry := &queue.Entry{Identity: "carol", Name: "Carol", Token: uuid.NewString()}
	br := reg.CreateBotMatch(entry, "Bot", time.Now())

	bsnap := br.Snapshot()
	require.NotNil(t, bsnap.AI)
	before := len(bsnap.AI.Candidates)

	br.AI.RegisterShot(game.Coord{X: 5, Y: 5}, game.ShotOutcome{Result: game.ShotHit})
	assert.Len(t, bsnap.AI.Candidates, before, "snapshot AI state mutated")
}

// TestRegistry 測試註冊表索引與移除
func TestRegistry(t *testing.T) {
	reg, r, tokens := newMatch(t)

	got, ok := reg.RoomFor("alice")
	require.True(t, ok)
	assert.Equal(t, r.ID, got.ID)

	tok, _ := r.TokenFor("bob")
	got, ok = reg.RoomForToken(tok)
	require.True(t, ok)
	assert.Equal(t, r.ID, got.ID)

	// 令牌租約已改綁為房間
	kind, ok := tokens.KindOf(tok)
	require.True(t, ok)
	assert.Equal(t, token.KindRoom, kind)

	reg.Remove(r.ID)
	_, ok = reg.RoomFor("alice")
	assert.False(t, ok)
	_, ok = reg.RoomForToken(tok)
	assert.False(t, ok)
	_, ok = tokens.KindOf(tok)
	assert.False(t, ok, "lease must be released on removal")
}

// TestAdopt 測試跨行程重建房間的納入
func TestAdopt(t *testing.T) {
	_, r, _ := newMatch(t)
	startPlaying(t, r)
	snap := r.Snapshot()

	tokens := token.NewService(time.Hour)
	reg := room.NewRegistry(tokens, discardLogger())
	adopted := reg.Adopt(room.FromSnapshot(snap))

	tok, ok := adopted.TokenFor("alice")
	require.True(t, ok)

	got, ok := reg.RoomForToken(tok)
	require.True(t, ok)
	assert.Equal(t, r.ID, got.ID)

	kind, ok := tokens.KindOf(tok)
	require.True(t, ok)
	assert.Equal(t, token.KindRoom, kind)

	// 同 ID 已存在時以既有者為準
	again := reg.Adopt(room.FromSnapshot(snap))
	assert.Same(t, adopted, again)
}
