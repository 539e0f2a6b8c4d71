package api

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/velvetbet/casino-core/internal/relay"
)

// EngineVersion identifies the engine build in responses and logs.
const EngineVersion = "1.0.0"

// EngineError is the structured error envelope every failing request
// returns.
type EngineError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
}

// Error implements the error interface
func (e EngineError) Error() string {
	return e.Message
}

// Error types surfaced to callers.
const (
	// Validation errors, resolved before any nonce or draw is consumed
	ErrTypeSessionNotFound  = "session_not_found"
	ErrTypeInvalidBetParams = "invalid_bet_parameters"
	ErrTypeInsufficient     = "insufficient_balance"
	ErrTypeNonceMismatch    = "nonce_mismatch"
	ErrTypeValidation       = "validation_error"

	// Settlement and relay errors
	ErrTypeInvalidSignature = "invalid_signature"
	ErrTypeNonceReplay      = "nonce_replay"
	ErrTypeRelayer          = "relayer_unavailable"
	ErrTypeContractRevert   = "contract_revert"
	ErrTypeDeadlineExpired  = "deadline_expired"

	// System errors
	ErrTypeInternal = "internal_error"
	ErrTypeTimeout  = "timeout"
)

// ErrorCategory represents error categories for monitoring
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryGame       ErrorCategory = "game"
	CategorySettlement ErrorCategory = "settlement"
	CategorySystem     ErrorCategory = "system"
)

// GetErrorCategory returns the category for an error type
func GetErrorCategory(errType string) ErrorCategory {
	switch errType {
	case ErrTypeInvalidBetParams, ErrTypeValidation, ErrTypeInsufficient:
		return CategoryValidation
	case ErrTypeSessionNotFound, ErrTypeNonceMismatch:
		return CategoryGame
	case ErrTypeInvalidSignature, ErrTypeNonceReplay, ErrTypeRelayer, ErrTypeContractRevert, ErrTypeDeadlineExpired:
		return CategorySettlement
	default:
		return CategorySystem
	}
}

// InitRequest opens a session.
type InitRequest struct {
	PlayerAddress string `json:"playerAddress"`
	GameType      string `json:"gameType"`
}

// InitResponse carries the commitment the player verifies against later.
type InitResponse struct {
	SessionID      string          `json:"sessionId"`
	ServerSeedHash string          `json:"serverSeedHash"`
	CurrentBalance decimal.Decimal `json:"currentBalance"`
}

// BetRequest places one round. BetParams is decoded per game.
type BetRequest struct {
	SessionID  string          `json:"sessionId"`
	ClientSeed string          `json:"clientSeed"`
	Nonce      uint64          `json:"nonce"`
	BetParams  json.RawMessage `json:"betParams"`
}

// RevealRequest uncovers one mines tile.
type RevealRequest struct {
	SessionID string `json:"sessionId"`
	Tile      int    `json:"tile"`
}

// CashoutRequest ends an active mines game. The board and revealed tiles
// are authoritative server-side; only the session is named.
type CashoutRequest struct {
	PlayerAddress string `json:"playerAddress"`
	SessionID     string `json:"sessionId,omitempty"`
}

// VerifyRequest replays a round from public inputs.
type VerifyRequest struct {
	ClientSeed     string          `json:"clientSeed"`
	ServerSeed     string          `json:"serverSeed"`
	ServerSeedHash string          `json:"serverSeedHash,omitempty"`
	Nonce          uint64          `json:"nonce"`
	GameType       string          `json:"gameType"`
	GameParams     json.RawMessage `json:"gameParams"`
}

// VerifyResponse is the independently recomputed outcome.
type VerifyResponse struct {
	Verified       bool            `json:"verified"`
	ServerSeedHash string          `json:"serverSeedHash"`
	Draws          []float64       `json:"draws"`
	Result         interface{}     `json:"result"`
	Payout         decimal.Decimal `json:"payout"`
}

// PrepareRelayRequest asks for an unsigned meta-transaction.
type PrepareRelayRequest struct {
	PlayerAddress string        `json:"playerAddress"`
	Target        string        `json:"target"`
	Data          hexutil.Bytes `json:"data"`
	Value         string        `json:"value,omitempty"`
}

// PrepareRelayResponse is what the player signs.
type PrepareRelayResponse struct {
	Request     *relay.MetaTransactionRequest `json:"request"`
	Digest      hexutil.Bytes                 `json:"digest"`
	Eligibility relay.Eligibility             `json:"eligibility"`
}

// GaslessDepositRequest submits a signed deposit meta-transaction.
type GaslessDepositRequest struct {
	PlayerAddress string                        `json:"playerAddress"`
	Amount        decimal.Decimal               `json:"amount"`
	Request       *relay.MetaTransactionRequest `json:"request"`
	Signature     hexutil.Bytes                 `json:"signature"`
}

// GaslessWithdrawRequest asks for a signed settlement, optionally relayed.
type GaslessWithdrawRequest struct {
	PlayerAddress string                        `json:"playerAddress"`
	Amount        decimal.Decimal               `json:"amount"`
	Request       *relay.MetaTransactionRequest `json:"request,omitempty"`
	Signature     hexutil.Bytes                 `json:"signature,omitempty"`
}

// RelayOutcome reports how a gasless submission ended: confirmed
// sponsored, or handed back as a player-paid direct call.
type RelayOutcome struct {
	Sponsored bool              `json:"sponsored"`
	Receipt   *relay.Receipt    `json:"receipt,omitempty"`
	Direct    *relay.DirectCall `json:"direct,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// VersionInfo contains engine version information
type VersionInfo struct {
	EngineVersion string `json:"engine_version"`
	GitCommit     string `json:"git_commit,omitempty"`
	BuildTime     string `json:"build_time,omitempty"`
}
