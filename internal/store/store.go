package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel errors surfaced to the session and API layers.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNegativeAmount      = errors.New("amount must be positive")
)

// Session statuses. Transitions are one-way:
// initialized → active → resolved.
const (
	SessionInitialized = "initialized"
	SessionActive      = "active"
	SessionResolved    = "resolved"
)

// SessionRecord is one game session's durable state. The raw server seed
// is held here until reveal; only the hash leaves the store before then.
type SessionRecord struct {
	ID             string    `json:"id"`
	Player         string    `json:"player"`
	Game           string    `json:"game"`
	ServerSeed     string    `json:"-"`
	ServerSeedHash string    `json:"server_seed_hash"`
	Status         string    `json:"status"`
	NextNonce      uint64    `json:"next_nonce"`
	StateJSON      string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BalanceRecord is one player's ledger row. Mutated only through the
// store's atomic operations; never read-modify-written outside them.
type BalanceRecord struct {
	Address        string          `json:"address"`
	Balance        decimal.Decimal `json:"balance"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
	TotalWagered   decimal.Decimal `json:"total_wagered"`
	TotalWon       decimal.Decimal `json:"total_won"`
	GamesPlayed    int64           `json:"games_played"`
}

// Round is one append-only game-history row.
type Round struct {
	ID         int64           `json:"id"`
	SessionID  string          `json:"session_id"`
	Player     string          `json:"player"`
	Game       string          `json:"game"`
	Nonce      uint64          `json:"nonce"`
	ClientSeed string          `json:"client_seed"`
	ServerSeed string          `json:"server_seed"`
	Stake      decimal.Decimal `json:"stake"`
	Payout     decimal.Decimal `json:"payout"`
	ResultJSON string          `json:"result"`
	CreatedAt  time.Time       `json:"created_at"`
}

// WithdrawalRequest is one signed settlement authorization, appended when
// the settlement signer issues a signature.
type WithdrawalRequest struct {
	ID        int64           `json:"id"`
	Player    string          `json:"player"`
	Amount    decimal.Decimal `json:"amount"`
	Nonce     uint64          `json:"nonce"`
	Deadline  time.Time       `json:"deadline"`
	Signature string          `json:"signature"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Settlement bundles one round's balance mutation, history row and session
// update into a single transaction. All-or-nothing: a failed balance check
// leaves the session (and its nonce) untouched.
type Settlement struct {
	Session    *SessionRecord
	ClientSeed string
	Nonce      uint64
	Stake      decimal.Decimal
	Payout     decimal.Decimal
	ResultJSON string
}

// DB is the durable store behind the balance ledger and session manager.
type DB interface {
	Close() error

	CreateSession(ctx context.Context, s *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	UpdateSession(ctx context.Context, s *SessionRecord) error
	OpenSession(ctx context.Context, player, game string) (*SessionRecord, error)
	StaleSessions(ctx context.Context, idleSince time.Time, limit int) ([]SessionRecord, error)

	Balance(ctx context.Context, address string) (BalanceRecord, error)
	Deposit(ctx context.Context, address string, amount decimal.Decimal) (decimal.Decimal, error)
	Withdraw(ctx context.Context, address string, amount decimal.Decimal) (decimal.Decimal, error)
	DebitAndCredit(ctx context.Context, address string, stake, payout decimal.Decimal) (decimal.Decimal, error)
	Credit(ctx context.Context, address string, amount decimal.Decimal) (decimal.Decimal, error)

	SettleRound(ctx context.Context, st Settlement) (decimal.Decimal, error)
	CashOutSession(ctx context.Context, s *SessionRecord, payout decimal.Decimal) (decimal.Decimal, error)
	SessionRounds(ctx context.Context, sessionID string) ([]Round, error)

	SaveWithdrawalRequest(ctx context.Context, w *WithdrawalRequest) error
	NextWithdrawalNonce(ctx context.Context, player string) (uint64, error)
}
