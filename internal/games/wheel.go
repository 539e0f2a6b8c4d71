package games

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Wheel spins a segmented wheel; one draw selects the segment and the
// segment's multiplier settles the bet.

const wheelDefaultSegments = 10

// wheelPayouts: segments (10, 20, 30, 40, 50) → risk → per-segment multiplier.
var wheelPayouts = map[int]map[string][]float64{
	10: {
		"low":    {1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0},
		"medium": {0, 1.9, 0, 1.5, 0, 2, 0, 1.5, 0, 3},
		"high":   {0, 0, 0, 0, 0, 0, 0, 0, 0, 9.9},
	},
	20: {
		"low": {
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
		},
		"medium": {
			1.5, 0, 2, 0, 2, 0, 2, 0, 1.5, 0,
			3, 0, 1.8, 0, 2, 0, 2, 0, 2, 0,
		},
		"high": {
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 19.8,
		},
	},
	30: {
		"low": {
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
		},
		"medium": {
			1.5, 0, 1.5, 0, 2, 0, 1.5, 0, 2, 0,
			2, 0, 1.5, 0, 3, 0, 1.5, 0, 2, 0,
			2, 0, 1.7, 0, 4, 0, 1.5, 0, 2, 0,
		},
		"high": {
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 29.7,
		},
	},
	40: {
		"low": {
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
		},
		"medium": {
			2, 0, 3, 0, 2, 0, 1.5, 0, 3, 0,
			1.5, 0, 1.5, 0, 2, 0, 1.5, 0, 3, 0,
			1.5, 0, 2, 0, 2, 0, 1.6, 0, 2, 0,
			1.5, 0, 3, 0, 1.5, 0, 2, 0, 1.5, 0,
		},
		"high": {
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 39.6,
		},
	},
	50: {
		"low": {
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
			1.5, 1.2, 1.2, 1.2, 0, 1.2, 1.2, 1.2, 1.2, 0,
		},
		"medium": {
			2, 0, 1.5, 0, 2, 0, 1.5, 0, 3, 0,
			1.5, 0, 1.5, 0, 2, 0, 1.5, 0, 3, 0,
			1.5, 0, 2, 0, 1.5, 0, 2, 0, 2, 0,
			1.5, 0, 3, 0, 1.5, 0, 2, 0, 1.5, 0,
			1.5, 0, 5, 0, 1.5, 0, 2, 0, 1.5, 0,
		},
		"high": {
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 49.5,
		},
	},
}

// WheelBet spins once at the given segment count and risk level.
type WheelBet struct {
	Segments int             `json:"segments"`
	Risk     string          `json:"risk"`
	Amount   decimal.Decimal `json:"amount"`
}

func (b *WheelBet) Game() Type             { return TypeWheel }
func (b *WheelBet) Stake() decimal.Decimal { return b.Amount }
func (b *WheelBet) FloatCount() int        { return 1 }

func (b *WheelBet) Validate() error {
	segments := b.Segments
	if segments == 0 {
		segments = wheelDefaultSegments
	}
	riskTable, ok := wheelPayouts[segments]
	if !ok {
		return invalidBet("wheel segments must be one of 10, 20, 30, 40, 50; got %d", b.Segments)
	}
	risk := strings.ToLower(strings.TrimSpace(b.Risk))
	if _, ok := riskTable[risk]; !ok {
		return invalidBet("wheel risk must be low, medium or high, got %q", b.Risk)
	}
	if !b.Amount.IsPositive() {
		return invalidBet("stake must be positive, got %s", b.Amount)
	}
	return nil
}

// WheelResult is the terminal outcome of one spin.
type WheelResult struct {
	Segments    int             `json:"segments"`
	Risk        string          `json:"risk"`
	Index       int             `json:"index"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	TotalStake  decimal.Decimal `json:"total_stake"`
	TotalPayout decimal.Decimal `json:"total_payout"`
}

func (r *WheelResult) Payout() decimal.Decimal { return r.TotalPayout }

// ResolveWheel picks segment floor(draw * segments) and settles the bet at
// that segment's multiplier.
func ResolveWheel(draw float64, bet *WheelBet) (*WheelResult, error) {
	if draw < 0 || draw >= 1 {
		return nil, invalidBet("draw out of range [0, 1): %f", draw)
	}

	segments := bet.Segments
	if segments == 0 {
		segments = wheelDefaultSegments
	}
	risk := strings.ToLower(strings.TrimSpace(bet.Risk))
	table, ok := wheelPayouts[segments][risk]
	if !ok {
		return nil, invalidBet("no payout table for %d segments at risk %q", segments, bet.Risk)
	}

	index := int(math.Floor(draw * float64(segments)))
	if index >= segments {
		index = segments - 1
	}

	multiplier := decimal.NewFromFloat(table[index])

	return &WheelResult{
		Segments:    segments,
		Risk:        risk,
		Index:       index,
		Multiplier:  multiplier,
		TotalStake:  bet.Amount,
		TotalPayout: bet.Amount.Mul(multiplier),
	}, nil
}
