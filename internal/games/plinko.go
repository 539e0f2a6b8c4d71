package games

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Plinko drops a ball through 16 rows of pegs; each row is one independent
// left/right step decided by one draw. The final bucket indexes a per-risk
// multiplier table.

const PlinkoRows = 16

// plinkoPayouts maps risk level to the 17-entry multiplier table for a
// 16-row board. Tables follow the standard house configuration.
var plinkoPayouts = map[string][]float64{
	"low": {
		16, 9, 2, 1.4, 1.4, 1.2, 1.1, 1, 0.5, 1, 1.1, 1.2, 1.4, 1.4, 2, 9, 16,
	},
	"medium": {
		110, 41, 10, 5, 3, 1.5, 1, 0.5, 0.3, 0.5, 1, 1.5, 3, 5, 10, 41, 110,
	},
	"high": {
		1000, 130, 26, 9, 4, 2, 0.2, 0.2, 0.2, 0.2, 0.2, 2, 4, 9, 26, 130, 1000,
	},
}

// PlinkoBet drops one ball at the given risk level.
type PlinkoBet struct {
	Risk   string          `json:"risk"`
	Amount decimal.Decimal `json:"amount"`
}

func (b *PlinkoBet) Game() Type             { return TypePlinko }
func (b *PlinkoBet) Stake() decimal.Decimal { return b.Amount }
func (b *PlinkoBet) FloatCount() int        { return PlinkoRows }

func (b *PlinkoBet) Validate() error {
	risk := strings.ToLower(strings.TrimSpace(b.Risk))
	if _, ok := plinkoPayouts[risk]; !ok {
		return invalidBet("plinko risk must be low, medium or high, got %q", b.Risk)
	}
	if !b.Amount.IsPositive() {
		return invalidBet("stake must be positive, got %s", b.Amount)
	}
	return nil
}

// PlinkoResult is the terminal outcome of one drop.
type PlinkoResult struct {
	Risk        string          `json:"risk"`
	Path        []string        `json:"path"`
	Bucket      int             `json:"bucket"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	TotalStake  decimal.Decimal `json:"total_stake"`
	TotalPayout decimal.Decimal `json:"total_payout"`
}

func (r *PlinkoResult) Payout() decimal.Decimal { return r.TotalPayout }

// ResolvePlinko walks the 16 binary steps. A draw >= 0.5 steps right; the
// bucket index is the number of right steps.
func ResolvePlinko(draws []float64, bet *PlinkoBet) (*PlinkoResult, error) {
	if len(draws) < PlinkoRows {
		return nil, invalidBet("plinko requires %d draws, got %d", PlinkoRows, len(draws))
	}

	risk := strings.ToLower(strings.TrimSpace(bet.Risk))
	table, ok := plinkoPayouts[risk]
	if !ok {
		return nil, invalidBet("plinko risk must be low, medium or high, got %q", bet.Risk)
	}

	path := make([]string, PlinkoRows)
	bucket := 0
	for i := 0; i < PlinkoRows; i++ {
		f := draws[i]
		if f < 0 || f >= 1 {
			return nil, invalidBet("draw %d out of range [0, 1): %f", i, f)
		}
		if f >= 0.5 {
			bucket++
			path[i] = "right"
		} else {
			path[i] = "left"
		}
	}

	multiplier := decimal.NewFromFloat(table[bucket])

	return &PlinkoResult{
		Risk:        risk,
		Path:        path,
		Bucket:      bucket,
		Multiplier:  multiplier,
		TotalStake:  bet.Amount,
		TotalPayout: bet.Amount.Mul(multiplier),
	}, nil
}
