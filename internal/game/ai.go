package game

import "math/rand"

// AI 機器人射擊策略
//
// 採用經典的 hunt / target 兩段式策略：
//
//	hunt：隨機射擊未嘗試過的格位，直到命中
//	target：命中後將四個相鄰格位排入候選清單，優先清空候選；
//	        擊沉後清空候選，回到 hunt 模式
//
// 狀態設計：
//   - AI 自身不記錄棋盤，已射擊格位一律以對手棋盤的 Shots 為準，
//     重連回放後不會出現 AI 與棋盤認知不一致的問題。
//   - candidates 可序列化，納入房間快照後機器人策略可跨行程接續。
type AI struct {
	Candidates []Coord `json:"candidates"`
}

// NewAI 建立機器人策略狀態
func NewAI() *AI {
	return &AI{}
}

// Clone 深拷貝策略狀態
func (a *AI) Clone() *AI {
	if a == nil {
		return nil
	}
	return &AI{Candidates: append([]Coord(nil), a.Candidates...)}
}

// NextShot 選出下一發射擊座標。
//
// target 模式優先：候選清單去除已射擊格位後取第一個；
// 清單耗盡則退回 hunt 模式隨機取樣。
func (a *AI) NextShot(opponent *Board) Coord {
	for len(a.Candidates) > 0 {
		c := a.Candidates[0]
		a.Candidates = a.Candidates[1:]
		if c.InBounds() && !opponent.ShotAt(c) {
			return c
		}
	}

	// hunt：收集所有未射擊格位後隨機挑選
	var open []Coord
	for y := 0; y < BoardSize; y++ {
		for x := 0; x < BoardSize; x++ {
			c := Coord{X: x, Y: y}
			if !opponent.ShotAt(c) {
				open = append(open, c)
			}
		}
	}
	if len(open) == 0 {
		// 棋盤已滿，理論上對局早已結束
		return Coord{}
	}
	return open[rand.Intn(len(open))]
}

// RegisterShot 回報射擊結果，更新策略狀態
func (a *AI) RegisterShot(c Coord, outcome ShotOutcome) {
	switch outcome.Result {
	case ShotHit:
		a.Candidates = append(a.Candidates,
			Coord{X: c.X - 1, Y: c.Y},
			Coord{X: c.X + 1, Y: c.Y},
			Coord{X: c.X, Y: c.Y - 1},
			Coord{X: c.X, Y: c.Y + 1},
		)
	case ShotSunk:
		a.Candidates = nil
	}
}
