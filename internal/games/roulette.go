package games

import (
	"math"

	"github.com/shopspring/decimal"
)

// European roulette: 37 pockets (0-36), no house rules beyond the standard
// payout tables.

const roulettePockets = 37

// redPockets is the fixed red set of a European wheel.
var redPockets = map[int]bool{
	1: true, 3: true, 5: true, 7: true, 9: true,
	12: true, 14: true, 16: true, 18: true, 19: true,
	21: true, 23: true, 25: true, 27: true, 30: true,
	32: true, 34: true, 36: true,
}

// rouletteOdds maps a wager type to its n:1 payout odds. A winning wager
// pays amount * (odds + 1), stake included.
var rouletteOdds = map[string]int64{
	"straight": 35,
	"split":    17,
	"street":   11,
	"corner":   8,
	"sixline":  5,
	"red":      1,
	"black":    1,
	"odd":      1,
	"even":     1,
	"low":      1,
	"high":     1,
	"dozen":    2,
	"column":   2,
}

// insideBetSizes gives the required pocket count per inside wager type.
var insideBetSizes = map[string]int{
	"straight": 1,
	"split":    2,
	"street":   3,
	"corner":   4,
	"sixline":  6,
}

// RouletteWager is a single wager within a roulette bet request.
type RouletteWager struct {
	Type string `json:"type"`
	// Numbers lists the covered pockets for inside wagers.
	Numbers []int `json:"numbers,omitempty"`
	// Pick selects the dozen or column (1-3).
	Pick   int             `json:"pick,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

// RouletteBet is a list of independent wagers resolved against one spin.
type RouletteBet struct {
	Wagers []RouletteWager `json:"wagers"`
}

func (b *RouletteBet) Game() Type      { return TypeRoulette }
func (b *RouletteBet) FloatCount() int { return 1 }

// Stake is the sum of all wager amounts.
func (b *RouletteBet) Stake() decimal.Decimal {
	total := decimal.Zero
	for _, w := range b.Wagers {
		total = total.Add(w.Amount)
	}
	return total
}

// Validate rejects the whole request if any wager is malformed. Nothing is
// drawn for a rejected request.
func (b *RouletteBet) Validate() error {
	if len(b.Wagers) == 0 {
		return invalidBet("roulette bet has no wagers")
	}
	for i, w := range b.Wagers {
		if _, ok := rouletteOdds[w.Type]; !ok {
			return invalidBet("wager %d: unknown type %q", i, w.Type)
		}
		if !w.Amount.IsPositive() {
			return invalidBet("wager %d: stake must be positive, got %s", i, w.Amount)
		}

		if size, inside := insideBetSizes[w.Type]; inside {
			if len(w.Numbers) != size {
				return invalidBet("wager %d: %s covers %d pockets, got %d", i, w.Type, size, len(w.Numbers))
			}
			seen := map[int]bool{}
			for _, n := range w.Numbers {
				if n < 0 || n > 36 {
					return invalidBet("wager %d: pocket %d out of range [0, 36]", i, n)
				}
				if seen[n] {
					return invalidBet("wager %d: pocket %d repeated", i, n)
				}
				seen[n] = true
			}
			continue
		}

		if w.Type == "dozen" || w.Type == "column" {
			if w.Pick < 1 || w.Pick > 3 {
				return invalidBet("wager %d: %s pick must be 1-3, got %d", i, w.Type, w.Pick)
			}
		}
	}
	return nil
}

// WagerOutcome is one wager's resolution against the spun pocket.
type WagerOutcome struct {
	Type   string          `json:"type"`
	Amount decimal.Decimal `json:"amount"`
	Won    bool            `json:"won"`
	Paid   decimal.Decimal `json:"paid"`
}

// RouletteResult is the terminal outcome of one spin.
type RouletteResult struct {
	Pocket      int             `json:"pocket"`
	Color       string          `json:"color"`
	Outcomes    []WagerOutcome  `json:"outcomes"`
	TotalStake  decimal.Decimal `json:"total_stake"`
	TotalPayout decimal.Decimal `json:"total_payout"`
}

func (r *RouletteResult) Payout() decimal.Decimal { return r.TotalPayout }

// PocketColor returns green/red/black for a pocket.
func PocketColor(pocket int) string {
	switch {
	case pocket == 0:
		return "green"
	case redPockets[pocket]:
		return "red"
	default:
		return "black"
	}
}

// ResolveRoulette spins the wheel with one draw and settles every wager
// independently against the resulting pocket.
func ResolveRoulette(draw float64, bet *RouletteBet) (*RouletteResult, error) {
	if draw < 0 || draw >= 1 {
		return nil, invalidBet("draw out of range [0, 1): %f", draw)
	}

	pocket := int(math.Floor(draw * roulettePockets))

	result := &RouletteResult{
		Pocket:      pocket,
		Color:       PocketColor(pocket),
		Outcomes:    make([]WagerOutcome, 0, len(bet.Wagers)),
		TotalStake:  bet.Stake(),
		TotalPayout: decimal.Zero,
	}

	for _, w := range bet.Wagers {
		won := wagerWins(w, pocket)
		paid := decimal.Zero
		if won {
			paid = w.Amount.Mul(decimal.NewFromInt(rouletteOdds[w.Type] + 1))
		}
		result.TotalPayout = result.TotalPayout.Add(paid)
		result.Outcomes = append(result.Outcomes, WagerOutcome{
			Type:   w.Type,
			Amount: w.Amount,
			Won:    won,
			Paid:   paid,
		})
	}

	return result, nil
}

func wagerWins(w RouletteWager, pocket int) bool {
	if _, inside := insideBetSizes[w.Type]; inside {
		for _, n := range w.Numbers {
			if n == pocket {
				return true
			}
		}
		return false
	}

	// Zero loses every outside wager.
	if pocket == 0 {
		return false
	}

	switch w.Type {
	case "red":
		return redPockets[pocket]
	case "black":
		return !redPockets[pocket]
	case "odd":
		return pocket%2 == 1
	case "even":
		return pocket%2 == 0
	case "low":
		return pocket <= 18
	case "high":
		return pocket >= 19
	case "dozen":
		return (pocket-1)/12 == w.Pick-1
	case "column":
		col := pocket % 3
		if col == 0 {
			col = 3
		}
		return col == w.Pick
	}
	return false
}
