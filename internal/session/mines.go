package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/velvetbet/casino-core/internal/games"
	"github.com/velvetbet/casino-core/internal/store"
)

// Mines reveal errors.
var (
	ErrTileOutOfRange = errors.New("tile index out of range")
	ErrTileRevealed   = errors.New("tile already revealed")
	ErrNothingToCash  = errors.New("cashout requires at least one revealed tile")
)

// minesState is the durable mid-game state of a mines session, stored in
// the session row. Positions never leave the server until the game ends.
type minesState struct {
	MineCount  int             `json:"mine_count"`
	Positions  []int           `json:"positions"`
	Stake      decimal.Decimal `json:"stake"`
	ClientSeed string          `json:"client_seed"`
	Nonce      uint64          `json:"nonce"`
	Revealed   []int           `json:"revealed"`
}

func (s *minesState) isMine(tile int) bool {
	for _, p := range s.Positions {
		if p == tile {
			return true
		}
	}
	return false
}

func (s *minesState) isRevealed(tile int) bool {
	for _, r := range s.Revealed {
		if r == tile {
			return true
		}
	}
	return false
}

// RevealResult is the outcome of a single tile reveal.
type RevealResult struct {
	SessionID  string          `json:"session_id"`
	Tile       int             `json:"tile"`
	Mine       bool            `json:"mine"`
	Revealed   []int           `json:"revealed"`
	Multiplier decimal.Decimal `json:"multiplier"`
	// Set when the game ends, either by hitting a mine or by revealing
	// every safe tile (which cashes out automatically).
	Resolved   bool            `json:"resolved"`
	Positions  []int           `json:"positions,omitempty"`
	Payout     decimal.Decimal `json:"payout"`
	NewBalance decimal.Decimal `json:"new_balance,omitempty"`
	ServerSeed string          `json:"server_seed,omitempty"`
}

// RevealTile uncovers one tile of an active mines session. Hitting a mine
// ends the game as a loss; uncovering the last safe tile cashes out at
// the full multiplier automatically.
func (m *Manager) RevealTile(ctx context.Context, sessionID string, tile int) (*RevealResult, error) {
	lock := m.lockSession(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, state, err := m.activeMines(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if tile < 0 || tile >= games.MinesGridSize {
		return nil, fmt.Errorf("%w: %d", ErrTileOutOfRange, tile)
	}
	if state.isRevealed(tile) {
		return nil, fmt.Errorf("%w: %d", ErrTileRevealed, tile)
	}

	res := &RevealResult{SessionID: sess.ID, Tile: tile}

	if state.isMine(tile) {
		// Loss. The stake was debited at placement, so nothing moves on
		// the ledger; the session just closes and the board is revealed.
		sess.Status = store.SessionResolved
		sess.StateJSON = ""
		if err := m.db.UpdateSession(ctx, sess); err != nil {
			return nil, err
		}
		m.releaseSession(sess.ID)

		res.Mine = true
		res.Resolved = true
		res.Revealed = state.Revealed
		res.Positions = state.Positions
		res.Payout = decimal.Zero
		res.ServerSeed = sess.ServerSeed
		m.logger.Printf("mines_lost session=%s tile=%d reveals=%d", sess.ID, tile, len(state.Revealed))
		return res, nil
	}

	state.Revealed = append(state.Revealed, tile)
	res.Revealed = state.Revealed
	res.Multiplier = games.MinesMultiplier(state.MineCount, len(state.Revealed))

	if len(state.Revealed) == games.MinesGridSize-state.MineCount {
		return m.settleMinesCashout(ctx, sess, state, res)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	sess.StateJSON = string(raw)
	if err := m.db.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Printf("mines_reveal session=%s tile=%d reveals=%d mult=%s",
		sess.ID, tile, len(state.Revealed), res.Multiplier)
	return res, nil
}

// CashOut ends an active mines session, paying stake times the current
// multiplier. At least one tile must be revealed.
func (m *Manager) CashOut(ctx context.Context, sessionID string) (*RevealResult, error) {
	lock := m.lockSession(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, state, err := m.activeMines(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(state.Revealed) == 0 {
		return nil, ErrNothingToCash
	}

	res := &RevealResult{
		SessionID:  sess.ID,
		Tile:       -1,
		Revealed:   state.Revealed,
		Multiplier: games.MinesMultiplier(state.MineCount, len(state.Revealed)),
	}
	return m.settleMinesCashout(ctx, sess, state, res)
}

// settleMinesCashout pays out and closes the session in one transaction.
// Caller holds the session lock.
func (m *Manager) settleMinesCashout(ctx context.Context, sess *store.SessionRecord, state *minesState, res *RevealResult) (*RevealResult, error) {
	payout := state.Stake.Mul(games.MinesMultiplier(state.MineCount, len(state.Revealed)))

	sess.Status = store.SessionResolved
	sess.StateJSON = ""
	newBalance, err := m.db.CashOutSession(ctx, sess, payout)
	if err != nil {
		return nil, err
	}
	m.releaseSession(sess.ID)

	res.Resolved = true
	res.Positions = state.Positions
	res.Payout = payout
	res.NewBalance = newBalance
	res.ServerSeed = sess.ServerSeed
	m.logger.Printf("mines_cashout session=%s reveals=%d payout=%s", sess.ID, len(state.Revealed), payout)
	return res, nil
}

// activeMines loads a session and decodes its mines state, rejecting
// sessions that are resolved or have no board placed.
func (m *Manager) activeMines(ctx context.Context, sessionID string) (*store.SessionRecord, *minesState, error) {
	sess, err := m.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.Status == store.SessionResolved {
		return nil, nil, ErrSessionResolved
	}
	if sess.Status != store.SessionActive || sess.StateJSON == "" {
		return nil, nil, ErrNoOpenGame
	}
	var state minesState
	if err := json.Unmarshal([]byte(sess.StateJSON), &state); err != nil {
		return nil, nil, fmt.Errorf("decode session state: %w", err)
	}
	return sess, &state, nil
}
