// Package game 提供海戰棋的棋盤、艦隊與射擊判定原語。
//
// 本套件是純規則引擎：不認識房間、連線或玩家身分，
// 只透過窄介面（建盤、佈艦、驗證、射擊判定、艦隊殲滅判斷）被協調核心呼叫。
// 所有函數皆為確定性操作（亂數來源除外），便於單元測試。
package game

import (
	"fmt"
	"math/rand"
)

// BoardSize 棋盤邊長（10×10 標準規格）
const BoardSize = 10

// ShotResult 射擊結果
type ShotResult string

const (
	ShotMiss ShotResult = "miss" // 未命中
	ShotHit  ShotResult = "hit"  // 命中
	ShotSunk ShotResult = "sunk" // 命中且擊沉
)

// Coord 棋盤座標（0 起算）
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// InBounds 檢查座標是否在棋盤內
func (c Coord) InBounds() bool {
	return c.X >= 0 && c.X < BoardSize && c.Y >= 0 && c.Y < BoardSize
}

// ShipClass 艦種規格
type ShipClass struct {
	Name string
	Size int
}

// FleetSpec 標準艦隊組成：5/4/3/3/2
var FleetSpec = []ShipClass{
	{Name: "carrier", Size: 5},
	{Name: "battleship", Size: 4},
	{Name: "cruiser", Size: 3},
	{Name: "submarine", Size: 3},
	{Name: "destroyer", Size: 2},
}

// Ship 一艘艦艇：固定格位加上命中計數
type Ship struct {
	Name  string  `json:"name"`
	Cells []Coord `json:"cells"`
	Hits  int     `json:"hits"`
}

// Sunk 艦艇是否已被擊沉
func (s *Ship) Sunk() bool {
	return s.Hits >= len(s.Cells)
}

// occupies 檢查艦艇是否佔據指定格位
func (s *Ship) occupies(c Coord) bool {
	for _, cell := range s.Cells {
		if cell == c {
			return true
		}
	}
	return false
}

// Board 單一玩家的棋盤
//
// 序列化設計：
//   - Ships 與 Shots 都是單純的值切片，JSON 編碼後即可作為房間快照的一部分
//     寫入共享儲存，跨行程重建時不需要任何修補步驟。
//   - 已射擊格位以座標清單記錄；棋盤僅 100 格，線性查找足夠。
type Board struct {
	Ships []*Ship `json:"ships"`
	Shots []Coord `json:"shots"`
}

// ShotOutcome 一次射擊的判定結果
type ShotOutcome struct {
	Result   ShotResult `json:"result"`
	ShipName string     `json:"ship,omitempty"` // 擊沉時回報艦種
	Coord    Coord      `json:"coord"`
}

// NewBoard 建立空棋盤
func NewBoard() *Board {
	return &Board{}
}

// Clone 深拷貝棋盤，艦艇與射擊記錄皆為獨立副本
func (b *Board) Clone() *Board {
	if b == nil {
		return nil
	}
	dst := &Board{
		Ships: make([]*Ship, len(b.Ships)),
		Shots: append([]Coord(nil), b.Shots...),
	}
	for i, ship := range b.Ships {
		dst.Ships[i] = &Ship{
			Name:  ship.Name,
			Cells: append([]Coord(nil), ship.Cells...),
			Hits:  ship.Hits,
		}
	}
	return dst
}

// ShotAt 檢查格位是否已被射擊過
func (b *Board) ShotAt(c Coord) bool {
	for _, s := range b.Shots {
		if s == c {
			return true
		}
	}
	return false
}

// shipAt 找出佔據格位的艦艇
func (b *Board) shipAt(c Coord) *Ship {
	for _, ship := range b.Ships {
		if ship.occupies(c) {
			return ship
		}
	}
	return nil
}

// ApplyShot 對棋盤套用一發射擊並回傳判定結果。
//
// 規則：
//   - 座標必須在棋盤內
//   - 同一格位不可重複射擊（視為無效輸入，狀態不變）
//   - 命中後艦艇剩餘格位歸零即為擊沉
func ApplyShot(b *Board, c Coord) (ShotOutcome, error) {
	if !c.InBounds() {
		return ShotOutcome{}, fmt.Errorf("coord out of bounds: (%d,%d)", c.X, c.Y)
	}
	if b.ShotAt(c) {
		return ShotOutcome{}, fmt.Errorf("cell already shot: (%d,%d)", c.X, c.Y)
	}

	b.Shots = append(b.Shots, c)

	ship := b.shipAt(c)
	if ship == nil {
		return ShotOutcome{Result: ShotMiss, Coord: c}, nil
	}

	ship.Hits++
	if ship.Sunk() {
		return ShotOutcome{Result: ShotSunk, ShipName: ship.Name, Coord: c}, nil
	}
	return ShotOutcome{Result: ShotHit, Coord: c}, nil
}

// FleetExhausted 艦隊是否已全數擊沉
func FleetExhausted(b *Board) bool {
	if len(b.Ships) == 0 {
		return false
	}
	for _, ship := range b.Ships {
		if !ship.Sunk() {
			return false
		}
	}
	return true
}

// ValidateFleet 驗證棋盤上的艦隊佈局。
//
// 檢查項目：
//   - 艦隊組成必須與 FleetSpec 完全一致（艦種大小的多重集合）
//   - 每艘艦艇直線連續排列（水平或垂直）
//   - 所有格位皆在棋盤內且互不重疊
func ValidateFleet(b *Board) error {
	if len(b.Ships) != len(FleetSpec) {
		return fmt.Errorf("fleet must have %d ships, got %d", len(FleetSpec), len(b.Ships))
	}

	// 大小多重集合比對
	want := make(map[int]int)
	for _, class := range FleetSpec {
		want[class.Size]++
	}
	for _, ship := range b.Ships {
		want[len(ship.Cells)]--
	}
	for size, n := range want {
		if n != 0 {
			return fmt.Errorf("fleet composition mismatch at ship size %d", size)
		}
	}

	occupied := make(map[Coord]bool)
	for _, ship := range b.Ships {
		if err := validateShipShape(ship); err != nil {
			return err
		}
		for _, c := range ship.Cells {
			if !c.InBounds() {
				return fmt.Errorf("ship %s out of bounds at (%d,%d)", ship.Name, c.X, c.Y)
			}
			if occupied[c] {
				return fmt.Errorf("ships overlap at (%d,%d)", c.X, c.Y)
			}
			occupied[c] = true
		}
	}

	return nil
}

// validateShipShape 檢查艦艇為直線且連續
func validateShipShape(ship *Ship) error {
	if len(ship.Cells) < 2 {
		return fmt.Errorf("ship %s too small", ship.Name)
	}

	horizontal := true
	vertical := true
	first := ship.Cells[0]
	for _, c := range ship.Cells[1:] {
		if c.Y != first.Y {
			horizontal = false
		}
		if c.X != first.X {
			vertical = false
		}
	}
	if !horizontal && !vertical {
		return fmt.Errorf("ship %s is not a straight line", ship.Name)
	}

	// 連續性：沿主軸排序後逐格比對
	axis := make(map[int]bool, len(ship.Cells))
	minVal := BoardSize
	for _, c := range ship.Cells {
		v := c.X
		if vertical && !horizontal {
			v = c.Y
		}
		if axis[v] {
			return fmt.Errorf("ship %s has duplicate cells", ship.Name)
		}
		axis[v] = true
		if v < minVal {
			minVal = v
		}
	}
	for i := 0; i < len(ship.Cells); i++ {
		if !axis[minVal+i] {
			return fmt.Errorf("ship %s is not contiguous", ship.Name)
		}
	}

	return nil
}

// PlaceFleetRandomly 在棋盤上隨機佈置標準艦隊。
//
// 採用拒絕取樣：隨機選方向與起點，與既有艦艇重疊則重試。
// 10×10 棋盤對 5 艘艦艇而言非常寬鬆，重試次數實務上個位數。
func PlaceFleetRandomly(b *Board) {
	b.Ships = nil
	occupied := make(map[Coord]bool)

	for _, class := range FleetSpec {
		for {
			cells, ok := randomPlacement(class.Size, occupied)
			if !ok {
				continue
			}
			for _, c := range cells {
				occupied[c] = true
			}
			b.Ships = append(b.Ships, &Ship{Name: class.Name, Cells: cells})
			break
		}
	}
}

// randomPlacement 嘗試一次隨機擺放
func randomPlacement(size int, occupied map[Coord]bool) ([]Coord, bool) {
	horizontal := rand.Intn(2) == 0

	var x, y int
	if horizontal {
		x = rand.Intn(BoardSize - size + 1)
		y = rand.Intn(BoardSize)
	} else {
		x = rand.Intn(BoardSize)
		y = rand.Intn(BoardSize - size + 1)
	}

	cells := make([]Coord, 0, size)
	for i := 0; i < size; i++ {
		c := Coord{X: x, Y: y}
		if horizontal {
			c.X += i
		} else {
			c.Y += i
		}
		if occupied[c] {
			return nil, false
		}
		cells = append(cells, c)
	}
	return cells, true
}
