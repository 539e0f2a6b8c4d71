package games

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Type identifies a supported game.
type Type string

const (
	TypeRoulette Type = "roulette"
	TypeMines    Type = "mines"
	TypePlinko   Type = "plinko"
	TypeWheel    Type = "wheel"
)

// ErrInvalidBet wraps every bet-parameter rejection so callers can refuse a
// request before any draw (and therefore any nonce) is consumed.
type ErrInvalidBet struct {
	Reason string
}

func (e ErrInvalidBet) Error() string { return "invalid bet parameters: " + e.Reason }

func invalidBet(format string, args ...any) error {
	return ErrInvalidBet{Reason: fmt.Sprintf(format, args...)}
}

// Bet is one fully validated game request. Validate must pass before
// FloatCount draws are generated; resolvers never see a malformed bet.
type Bet interface {
	Game() Type
	Stake() decimal.Decimal
	FloatCount() int
	Validate() error
}

// Stateful reports whether a game keeps a session active across multiple
// calls. Mines is the only stateful game; the rest resolve in one shot.
func Stateful(t Type) bool { return t == TypeMines }

// Known reports whether t names a registered game.
func Known(t Type) bool {
	switch t {
	case TypeRoulette, TypeMines, TypePlinko, TypeWheel:
		return true
	}
	return false
}

// DecodeBet parses raw JSON bet parameters into the typed bet for the game.
// The returned bet is validated; a decode or validation failure means no
// draw may be spent on the request.
func DecodeBet(t Type, raw json.RawMessage) (Bet, error) {
	var bet Bet
	switch t {
	case TypeRoulette:
		b := &RouletteBet{}
		if err := json.Unmarshal(raw, b); err != nil {
			return nil, invalidBet("malformed roulette bet: %v", err)
		}
		bet = b
	case TypeMines:
		b := &MinesBet{}
		if err := json.Unmarshal(raw, b); err != nil {
			return nil, invalidBet("malformed mines bet: %v", err)
		}
		bet = b
	case TypePlinko:
		b := &PlinkoBet{}
		if err := json.Unmarshal(raw, b); err != nil {
			return nil, invalidBet("malformed plinko bet: %v", err)
		}
		bet = b
	case TypeWheel:
		b := &WheelBet{}
		if err := json.Unmarshal(raw, b); err != nil {
			return nil, invalidBet("malformed wheel bet: %v", err)
		}
		bet = b
	default:
		return nil, invalidBet("unknown game %q", t)
	}

	if err := bet.Validate(); err != nil {
		return nil, err
	}
	return bet, nil
}

// Result is the game-specific outcome of one resolved round.
type Result interface {
	// Payout is the total amount returned to the player, stake included.
	Payout() decimal.Decimal
}

// Resolve evaluates a validated bet against the round's draws. Pure: no
// I/O, no mutation, fully deterministic in the draw values.
func Resolve(bet Bet, draws []float64) (Result, error) {
	if len(draws) < bet.FloatCount() {
		return nil, fmt.Errorf("%s requires %d draws, got %d", bet.Game(), bet.FloatCount(), len(draws))
	}

	switch b := bet.(type) {
	case *RouletteBet:
		return ResolveRoulette(draws[0], b)
	case *PlinkoBet:
		return ResolvePlinko(draws, b)
	case *WheelBet:
		return ResolveWheel(draws[0], b)
	case *MinesBet:
		// Mines placement is not a terminal outcome; the session layer
		// drives reveals and cashout against the placed board.
		positions, err := PlaceMines(draws, b.MineCount)
		if err != nil {
			return nil, err
		}
		return &MinesPlacement{MineCount: b.MineCount, Positions: positions, Bet: b.Amount}, nil
	default:
		return nil, fmt.Errorf("no resolver for game %q", bet.Game())
	}
}
