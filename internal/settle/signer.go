package settle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/velvetbet/casino-core/internal/store"
)

// Settlement errors.
var (
	ErrDeadlineExpired  = errors.New("withdrawal deadline expired")
	ErrInvalidSignature = errors.New("invalid withdrawal signature")
	ErrZeroAmount       = errors.New("withdrawal amount must be positive")
)

// TokenDecimals is the scale used when converting ledger decimals to
// on-chain uint256 amounts.
const TokenDecimals = 18

const defaultDeadlineWindow = 15 * time.Minute

// Withdrawal is one off-chain balance settlement authorization, signed by
// the house and redeemable on the settlement contract until the deadline.
type Withdrawal struct {
	Player       common.Address  `json:"player"`
	Amount       decimal.Decimal `json:"amount"`
	AmountWei    *big.Int        `json:"amount_wei"`
	Nonce        uint64          `json:"nonce"`
	Deadline     time.Time       `json:"deadline"`
	BalanceProof common.Hash     `json:"balance_proof"`
	Signature    string          `json:"signature"`
}

// Signer issues EIP-712 withdrawal authorizations against the house key.
type Signer struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	domain   apitypes.TypedDataDomain
	db       store.DB
	deadline time.Duration

	// Serializes nonce allocation so concurrent requests can't collide
	// on the UNIQUE(player, nonce) constraint after the debit landed.
	mu sync.Mutex
}

// Config binds the signer to one settlement contract deployment.
type Config struct {
	PrivateKeyHex  string
	ChainID        int64
	ContractAddr   string
	DeadlineWindow time.Duration
}

// NewSigner parses the house key and fixes the EIP-712 domain.
func NewSigner(db store.DB, cfg Config) (*Signer, error) {
	key, err := crypto.HexToECDSA(cfg.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse settlement key: %w", err)
	}
	if !common.IsHexAddress(cfg.ContractAddr) {
		return nil, fmt.Errorf("invalid settlement contract address %q", cfg.ContractAddr)
	}
	window := cfg.DeadlineWindow
	if window <= 0 {
		window = defaultDeadlineWindow
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		domain: apitypes.TypedDataDomain{
			Name:              "VelvetBetSettlement",
			Version:           "1",
			ChainId:           (*math.HexOrDecimal256)(big.NewInt(cfg.ChainID)),
			VerifyingContract: cfg.ContractAddr,
		},
		db:       db,
		deadline: window,
	}, nil
}

// Address is the house signing address the contract must trust.
func (s *Signer) Address() common.Address { return s.address }

// withdrawalTypes is the typed-data schema the settlement contract
// verifies against.
var withdrawalTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Withdrawal": {
		{Name: "player", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "balanceProof", Type: "bytes32"},
	},
}

// typedData assembles the full EIP-712 payload for one withdrawal.
func (s *Signer) typedData(w *Withdrawal) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       withdrawalTypes,
		PrimaryType: "Withdrawal",
		Domain:      s.domain,
		Message: apitypes.TypedDataMessage{
			"player":       w.Player.Hex(),
			"amount":       (*math.HexOrDecimal256)(w.AmountWei),
			"nonce":        (*math.HexOrDecimal256)(new(big.Int).SetUint64(w.Nonce)),
			"deadline":     (*math.HexOrDecimal256)(big.NewInt(w.Deadline.Unix())),
			"balanceProof": w.BalanceProof.Hex(),
		},
	}
}

// BalanceProof commits the player's post-withdrawal ledger state into the
// signed payload, binding the signature to this exact balance snapshot.
func BalanceProof(player common.Address, balance decimal.Decimal, nonce uint64) common.Hash {
	return crypto.Keccak256Hash(
		player.Bytes(),
		[]byte(balance.String()),
		new(big.Int).SetUint64(nonce).Bytes(),
	)
}

// ToWei scales a ledger amount to the token's base unit.
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(TokenDecimals).BigInt()
}

// SignWithdrawal debits the ledger and returns a signed authorization for
// the amount. The debit and the signature are issued together: a failed
// balance check signs nothing, and a signing failure refunds the debit.
func (s *Signer) SignWithdrawal(ctx context.Context, player common.Address, amount decimal.Decimal) (*Withdrawal, error) {
	if !amount.IsPositive() {
		return nil, ErrZeroAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.db.NextWithdrawalNonce(ctx, player.Hex())
	if err != nil {
		return nil, err
	}

	remaining, err := s.db.Withdraw(ctx, player.Hex(), amount)
	if err != nil {
		return nil, err
	}

	w := &Withdrawal{
		Player:       player,
		Amount:       amount,
		AmountWei:    ToWei(amount),
		Nonce:        nonce,
		Deadline:     time.Now().Add(s.deadline).Truncate(time.Second),
		BalanceProof: BalanceProof(player, remaining, nonce),
	}

	sig, err := s.sign(w)
	if err != nil {
		if _, crErr := s.db.Credit(ctx, player.Hex(), amount); crErr != nil {
			return nil, fmt.Errorf("sign withdrawal: %w (refund failed: %v)", err, crErr)
		}
		return nil, fmt.Errorf("sign withdrawal: %w", err)
	}
	w.Signature = sig

	if err := s.db.SaveWithdrawalRequest(ctx, &store.WithdrawalRequest{
		Player:    player.Hex(),
		Amount:    amount,
		Nonce:     nonce,
		Deadline:  w.Deadline,
		Signature: sig,
		Status:    "signed",
	}); err != nil {
		return nil, err
	}
	return w, nil
}

// sign hashes the typed data and produces a 65-byte r||s||v signature with
// v in {27, 28}, the form Solidity's ecrecover expects.
func (s *Signer) sign(w *Withdrawal) (string, error) {
	digest, _, err := apitypes.TypedDataAndHash(s.typedData(w))
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// VerifyWithdrawal recovers the signer of an authorization and checks it
// against the house address and the deadline.
func (s *Signer) VerifyWithdrawal(w *Withdrawal) error {
	if time.Now().After(w.Deadline) {
		return ErrDeadlineExpired
	}
	sig, err := hexutil.Decode(w.Signature)
	if err != nil || len(sig) != 65 {
		return ErrInvalidSignature
	}
	digest, _, err := apitypes.TypedDataAndHash(s.typedData(w))
	if err != nil {
		return err
	}
	recovered := make([]byte, 65)
	copy(recovered, sig)
	if recovered[64] >= 27 {
		recovered[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, recovered)
	if err != nil {
		return ErrInvalidSignature
	}
	if crypto.PubkeyToAddress(*pub) != s.address {
		return ErrInvalidSignature
	}
	return nil
}
