package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/velvetbet/casino-core/internal/engine"
	"github.com/velvetbet/casino-core/internal/games"
	"github.com/velvetbet/casino-core/internal/store"
)

// Session-layer errors. Validation failures are returned before any draw
// or nonce is consumed.
var (
	ErrNonceMismatch   = errors.New("nonce does not match the session's next nonce")
	ErrSessionResolved = errors.New("session already resolved")
	ErrGameMismatch    = errors.New("bet game does not match session game")
	ErrSessionBusy     = errors.New("another active session exists for this game")
	ErrNoOpenGame      = errors.New("no game in progress for this session")
)

const defaultTTL = 5 * time.Minute

// Manager drives the session state machine: initialized → active →
// resolved, one-way. Bets within one session are strictly serialized by a
// per-session lock; the nonce-increment-and-draw step plus the ledger
// settle run as one atomic unit under it.
type Manager struct {
	db     store.DB
	logger *log.Logger
	ttl    time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a session manager over the given store. ttl bounds
// how long an idle session may stay open; zero means the default.
func NewManager(db store.DB, logger *log.Logger, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{
		db:     db,
		logger: logger,
		ttl:    ttl,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockSession returns the mutex serializing one session's bets.
func (m *Manager) lockSession(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// releaseSession drops a resolved session's lock entry.
func (m *Manager) releaseSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, id)
}

// Init commits a fresh server seed and opens a session for the player.
// Stateful games allow at most one open session per (player, game).
func (m *Manager) Init(ctx context.Context, player string, gameType games.Type) (*store.SessionRecord, error) {
	if player == "" {
		return nil, fmt.Errorf("player address is required")
	}
	if !games.Known(gameType) {
		return nil, fmt.Errorf("unknown game %q", gameType)
	}

	if games.Stateful(gameType) {
		if _, err := m.db.OpenSession(ctx, player, string(gameType)); err == nil {
			return nil, ErrSessionBusy
		} else if !errors.Is(err, store.ErrSessionNotFound) {
			return nil, err
		}
	}

	serverSeed, serverSeedHash, err := engine.Commit()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &store.SessionRecord{
		ID:             uuid.New().String(),
		Player:         player,
		Game:           string(gameType),
		ServerSeed:     serverSeed,
		ServerSeedHash: serverSeedHash,
		Status:         store.SessionInitialized,
		NextNonce:      1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.db.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.logger.Printf("session_init id=%s player=%s game=%s hash=%s", sess.ID, player, gameType, serverSeedHash)
	return sess, nil
}

// RoundResult is the session-level outcome of one placed bet.
type RoundResult struct {
	SessionID  string          `json:"session_id"`
	Nonce      uint64          `json:"nonce"`
	Game       games.Type      `json:"game"`
	Result     games.Result    `json:"result"`
	Stake      decimal.Decimal `json:"stake"`
	Payout     decimal.Decimal `json:"payout"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Resolved   bool            `json:"resolved"`
	// ServerSeed is revealed only once the session is resolved.
	ServerSeed string `json:"server_seed,omitempty"`
}

// PlaceBet validates and settles one round. The bet must carry the
// session's next nonce; a mismatched nonce, a malformed bet or an
// insufficient balance all fail before the nonce is consumed.
func (m *Manager) PlaceBet(ctx context.Context, sessionID, clientSeed string, nonce uint64, bet games.Bet) (*RoundResult, error) {
	lock := m.lockSession(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.SessionResolved {
		return nil, ErrSessionResolved
	}
	if sess.Game != string(bet.Game()) {
		return nil, ErrGameMismatch
	}
	if nonce != sess.NextNonce {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrNonceMismatch, nonce, sess.NextNonce)
	}
	if err := bet.Validate(); err != nil {
		return nil, err
	}
	if bet.Game() == games.TypeMines && sess.Status == store.SessionActive {
		// A mines board is already placed; reveals don't go through PlaceBet.
		return nil, ErrSessionBusy
	}

	draws := engine.Floats(clientSeed, sess.ServerSeed, nonce, bet.FloatCount())
	result, err := games.Resolve(bet, draws)
	if err != nil {
		return nil, err
	}

	round := &RoundResult{
		SessionID: sess.ID,
		Nonce:     nonce,
		Game:      bet.Game(),
		Result:    result,
		Stake:     bet.Stake(),
		Payout:    result.Payout(),
	}

	sess.NextNonce = nonce + 1
	stored := result
	if placement, ok := result.(*games.MinesPlacement); ok {
		state := minesState{
			MineCount:  placement.MineCount,
			Positions:  placement.Positions,
			Stake:      placement.Bet,
			ClientSeed: clientSeed,
			Nonce:      nonce,
		}
		raw, err := json.Marshal(state)
		if err != nil {
			return nil, err
		}
		sess.Status = store.SessionActive
		sess.StateJSON = string(raw)
		// The board lives only in the session state until the game ends.
		// History rows are readable mid-game, so they carry the concealed
		// placement; once the seed is revealed the board is reproducible
		// from the verify endpoint.
		stored = placement.Concealed()
	} else {
		sess.Status = store.SessionResolved
	}

	resultJSON, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}

	newBalance, err := m.db.SettleRound(ctx, store.Settlement{
		Session:    sess,
		ClientSeed: clientSeed,
		Nonce:      nonce,
		Stake:      round.Stake,
		Payout:     round.Payout,
		ResultJSON: string(resultJSON),
	})
	if err != nil {
		return nil, err
	}
	round.NewBalance = newBalance

	if sess.Status == store.SessionResolved {
		round.Resolved = true
		round.ServerSeed = sess.ServerSeed
		m.releaseSession(sess.ID)
	} else if placement, ok := result.(*games.MinesPlacement); ok {
		round.Result = placement.Concealed()
	}

	m.logger.Printf("round_settled session=%s game=%s nonce=%d stake=%s payout=%s resolved=%t",
		sess.ID, sess.Game, nonce, round.Stake, round.Payout, round.Resolved)
	return round, nil
}

// Session returns the durable record for a session id.
func (m *Manager) Session(ctx context.Context, id string) (*store.SessionRecord, error) {
	return m.db.GetSession(ctx, id)
}

// OpenMinesSession finds the player's in-progress mines session.
func (m *Manager) OpenMinesSession(ctx context.Context, player string) (*store.SessionRecord, error) {
	return m.db.OpenSession(ctx, player, string(games.TypeMines))
}

// Reap resolves sessions idle past the TTL. A forfeited mines game counts
// as a loss: the stake was debited at board placement and stays with the
// house; nothing is silently dropped from the ledger.
func (m *Manager) Reap(ctx context.Context) error {
	stale, err := m.db.StaleSessions(ctx, time.Now().Add(-m.ttl), 100)
	if err != nil {
		return err
	}

	for i := range stale {
		sess := &stale[i]
		lock := m.lockSession(sess.ID)
		lock.Lock()

		current, err := m.db.GetSession(ctx, sess.ID)
		if err == nil && current.Status != store.SessionResolved {
			current.Status = store.SessionResolved
			if err := m.db.UpdateSession(ctx, current); err != nil {
				m.logger.Printf("reap_failed session=%s err=%v", current.ID, err)
			} else {
				m.logger.Printf("session_expired session=%s game=%s", current.ID, current.Game)
			}
		}

		lock.Unlock()
		m.releaseSession(sess.ID)
	}
	return nil
}

// RunReaper periodically reaps expired sessions until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Reap(ctx); err != nil {
				m.logger.Printf("reap_error err=%v", err)
			}
		}
	}
}
