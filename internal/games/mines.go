package games

import (
	"math"

	"github.com/shopspring/decimal"
)

// Mines is played on a 5x5 grid. The board is fixed at bet time from
// mineCount draws; the player then reveals tiles one by one and may cash
// out between reveals. Mine positions stay hidden until loss or cashout.

const (
	MinesGridSize = 25
	minesMinCount = 1
	minesMaxCount = 24
)

// MinesBet opens a mines game. The stake is debited when the board is
// placed, not at resolution.
type MinesBet struct {
	MineCount int             `json:"mineCount"`
	Amount    decimal.Decimal `json:"amount"`
}

func (b *MinesBet) Game() Type             { return TypeMines }
func (b *MinesBet) Stake() decimal.Decimal { return b.Amount }

// FloatCount is one draw per mine.
func (b *MinesBet) FloatCount() int { return b.MineCount }

func (b *MinesBet) Validate() error {
	if b.MineCount < minesMinCount || b.MineCount > minesMaxCount {
		return invalidBet("mine count must be between %d and %d, got %d", minesMinCount, minesMaxCount, b.MineCount)
	}
	if !b.Amount.IsPositive() {
		return invalidBet("stake must be positive, got %s", b.Amount)
	}
	return nil
}

// MinesPlacement is a freshly placed board. Positions must not reach the
// player until the game ends.
type MinesPlacement struct {
	MineCount int             `json:"mine_count"`
	Positions []int           `json:"positions,omitempty"`
	Bet       decimal.Decimal `json:"bet"`
}

// Concealed returns a copy safe to hand to the player mid-game.
func (p *MinesPlacement) Concealed() *MinesPlacement {
	return &MinesPlacement{MineCount: p.MineCount, Bet: p.Bet}
}

// Payout of the placement itself is zero; winnings are paid at cashout.
func (p *MinesPlacement) Payout() decimal.Decimal { return decimal.Zero }

// PlaceMines selects mineCount unique positions on the grid, one draw per
// mine. Each draw picks an index into the pool of remaining cells, so
// positions are unique by construction and the layout is a pure function
// of the draws.
func PlaceMines(draws []float64, mineCount int) ([]int, error) {
	if mineCount < minesMinCount || mineCount > minesMaxCount {
		return nil, invalidBet("mine count must be between %d and %d, got %d", minesMinCount, minesMaxCount, mineCount)
	}
	if len(draws) < mineCount {
		return nil, invalidBet("mines requires %d draws, got %d", mineCount, len(draws))
	}

	pool := make([]int, MinesGridSize)
	for i := range pool {
		pool[i] = i
	}

	positions := make([]int, 0, mineCount)
	for i := 0; i < mineCount; i++ {
		f := draws[i]
		if f < 0 || f >= 1 {
			return nil, invalidBet("draw %d out of range [0, 1): %f", i, f)
		}
		idx := int(math.Floor(f * float64(len(pool))))
		if idx >= len(pool) {
			idx = len(pool) - 1
		}
		positions = append(positions, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}

	return positions, nil
}

// MinesMultiplier is the cashout multiplier after safeReveals safe tiles:
// (25 / (25 - mineCount))^safeReveals. Exact decimal arithmetic, so e.g.
// 5 mines and 3 reveals is precisely 1.953125.
func MinesMultiplier(mineCount, safeReveals int) decimal.Decimal {
	if safeReveals <= 0 {
		return decimal.NewFromInt(1)
	}
	base := decimal.NewFromInt(MinesGridSize).Div(decimal.NewFromInt(int64(MinesGridSize - mineCount)))
	return base.Pow(decimal.NewFromInt(int64(safeReveals)))
}
