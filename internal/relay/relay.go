package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/sethvargo/go-retry"
)

// Relay errors. Terminal errors surface to the caller as-is; retryable
// ones trigger the direct-transaction fallback.
var (
	ErrInvalidSignature    = errors.New("meta-transaction signature does not match sender")
	ErrNonceReplay         = errors.New("forwarder nonce already consumed")
	ErrContractRevert      = errors.New("forwarder execution reverted")
	ErrRelayerUnavailable  = errors.New("relayer unavailable")
	ErrConfirmationTimeout = errors.New("transaction not confirmed in time")
)

// Terminal reports whether a relay failure must not fall back to the
// direct path.
func Terminal(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrNonceReplay) ||
		errors.Is(err, ErrContractRevert)
}

// minimalForwarderABI covers the calls the relay makes against the
// trusted forwarder contract.
const minimalForwarderABI = `[
	{"name":"getNonce","type":"function","stateMutability":"view",
	 "inputs":[{"name":"from","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"execute","type":"function","stateMutability":"payable",
	 "inputs":[
	  {"name":"req","type":"tuple","components":[
	   {"name":"from","type":"address"},
	   {"name":"to","type":"address"},
	   {"name":"value","type":"uint256"},
	   {"name":"gas","type":"uint256"},
	   {"name":"nonce","type":"uint256"},
	   {"name":"data","type":"bytes"}]},
	  {"name":"signature","type":"bytes"}],
	 "outputs":[{"name":"","type":"bool"},{"name":"","type":"bytes"}]}
]`

// ChainBackend is the chain RPC surface the relay depends on. Satisfied
// by *ethclient.Client; tests substitute a fake.
type ChainBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EligibilityService decides whether the house sponsors a player's gas.
type EligibilityService interface {
	CanSponsor(ctx context.Context, player, target common.Address, gasEstimate uint64) (bool, string, error)
}

// MetaTransactionRequest is one forwarder request. Immutable once signed;
// the forwarder-scoped nonce makes each signed request single-use.
type MetaTransactionRequest struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Gas   uint64         `json:"gas"`
	Nonce uint64         `json:"nonce"`
	Data  hexutil.Bytes  `json:"data"`
}

// Receipt is the confirmed on-chain outcome of a sponsored submission.
type Receipt struct {
	TxHash      common.Hash `json:"tx_hash"`
	GasUsed     uint64      `json:"gas_used"`
	BlockNumber uint64      `json:"block_number"`
}

// Eligibility is the sponsorship decision for one request.
type Eligibility struct {
	CanSponsor bool   `json:"can_sponsor"`
	Reason     string `json:"reason,omitempty"`
}

// DirectCall is the fallback handed to the player when the house does not
// or cannot sponsor: same target and calldata, player pays gas.
type DirectCall struct {
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Data  hexutil.Bytes  `json:"data"`
}

// Config fixes the relay's chain bindings. Injected, never global.
type Config struct {
	RelayerKeyHex  string
	ChainID        int64
	ForwarderAddr  string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Relay sponsors gas for eligible meta-transactions and submits them
// through the trusted forwarder.
type Relay struct {
	backend     ChainBackend
	eligibility EligibilityService
	logger      *log.Logger

	key       *ecdsa.PrivateKey
	relayer   common.Address
	chainID   *big.Int
	forwarder common.Address
	fwdABI    abi.ABI
	domain    apitypes.TypedDataDomain

	confirmTimeout time.Duration
	pollInterval   time.Duration

	// submitted guards against re-submitting a signed request whose
	// forwarder nonce may already be in flight.
	mu        sync.Mutex
	submitted map[string]common.Hash
}

// New builds a relay over the given backend. eligibility may be nil, in
// which case every request is sponsored.
func New(backend ChainBackend, eligibility EligibilityService, logger *log.Logger, cfg Config) (*Relay, error) {
	key, err := crypto.HexToECDSA(cfg.RelayerKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse relayer key: %w", err)
	}
	if !common.IsHexAddress(cfg.ForwarderAddr) {
		return nil, fmt.Errorf("invalid forwarder address %q", cfg.ForwarderAddr)
	}
	parsed, err := abi.JSON(strings.NewReader(minimalForwarderABI))
	if err != nil {
		return nil, fmt.Errorf("parse forwarder abi: %w", err)
	}

	confirm := cfg.ConfirmTimeout
	if confirm <= 0 {
		confirm = 90 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &Relay{
		backend:     backend,
		eligibility: eligibility,
		logger:      logger,
		key:         key,
		relayer:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:     big.NewInt(cfg.ChainID),
		forwarder:   common.HexToAddress(cfg.ForwarderAddr),
		fwdABI:      parsed,
		domain: apitypes.TypedDataDomain{
			Name:              "MinimalForwarder",
			Version:           "0.0.1",
			ChainId:           (*math.HexOrDecimal256)(big.NewInt(cfg.ChainID)),
			VerifyingContract: cfg.ForwarderAddr,
		},
		confirmTimeout: confirm,
		pollInterval:   poll,
		submitted:      make(map[string]common.Hash),
	}, nil
}

// CheckEligibility asks the sponsorship policy for a decision. An
// unreachable policy service fails open to the direct path instead of
// blocking the player.
func (r *Relay) CheckEligibility(ctx context.Context, player, target common.Address, gasEstimate uint64) Eligibility {
	if r.eligibility == nil {
		return Eligibility{CanSponsor: true}
	}
	ok, reason, err := r.eligibility.CanSponsor(ctx, player, target, gasEstimate)
	if err != nil {
		r.logger.Printf("eligibility_unreachable player=%s err=%v", player.Hex(), err)
		return Eligibility{CanSponsor: false, Reason: "eligibility service unreachable, use direct path"}
	}
	return Eligibility{CanSponsor: ok, Reason: reason}
}

// ForwarderNonce reads the player's current forwarder-scoped nonce.
func (r *Relay) ForwarderNonce(ctx context.Context, player common.Address) (uint64, error) {
	input, err := r.fwdABI.Pack("getNonce", player)
	if err != nil {
		return 0, err
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.forwarder, Data: input}, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRelayerUnavailable, err)
	}
	results, err := r.fwdABI.Unpack("getNonce", out)
	if err != nil {
		return 0, err
	}
	return results[0].(*big.Int).Uint64(), nil
}

// PrepareMetaTransaction assembles an unsigned request with the player's
// current forwarder nonce and a gas estimate for the inner call.
func (r *Relay) PrepareMetaTransaction(ctx context.Context, player, target common.Address, data []byte, value *big.Int) (*MetaTransactionRequest, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	nonce, err := r.ForwarderNonce(ctx, player)
	if err != nil {
		return nil, err
	}
	gas, err := r.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  player,
		To:    &target,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: estimate gas: %v", ErrRelayerUnavailable, err)
	}
	return &MetaTransactionRequest{
		From:  player,
		To:    target,
		Value: value,
		Gas:   gas,
		Nonce: nonce,
		Data:  data,
	}, nil
}

// forwardRequestTypes is the MinimalForwarder EIP-712 schema the player
// signs against.
var forwardRequestTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"ForwardRequest": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "gas", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "data", Type: "bytes"},
	},
}

// RequestDigest is the EIP-712 digest the player must sign for a request.
func (r *Relay) RequestDigest(req *MetaTransactionRequest) ([]byte, error) {
	typed := apitypes.TypedData{
		Types:       forwardRequestTypes,
		PrimaryType: "ForwardRequest",
		Domain:      r.domain,
		Message: apitypes.TypedDataMessage{
			"from":  req.From.Hex(),
			"to":    req.To.Hex(),
			"value": (*math.HexOrDecimal256)(req.Value),
			"gas":   (*math.HexOrDecimal256)(new(big.Int).SetUint64(req.Gas)),
			"nonce": (*math.HexOrDecimal256)(new(big.Int).SetUint64(req.Nonce)),
			"data":  hexutil.Encode(req.Data),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	return digest, err
}

// verifySignature recovers the signer of a request and checks it against
// request.from.
func (r *Relay) verifySignature(req *MetaTransactionRequest, signature []byte) error {
	if len(signature) != 65 {
		return ErrInvalidSignature
	}
	digest, err := r.RequestDigest(req)
	if err != nil {
		return err
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return ErrInvalidSignature
	}
	if crypto.PubkeyToAddress(*pub) != req.From {
		return ErrInvalidSignature
	}
	return nil
}

func requestKey(req *MetaTransactionRequest) string {
	return fmt.Sprintf("%s:%d", req.From.Hex(), req.Nonce)
}

// ExecuteGasless verifies and submits a signed request through the
// forwarder with the relayer paying gas. A request whose forwarder nonce
// was already consumed, or that this relay already submitted, is rejected
// with ErrNonceReplay; it is never resubmitted while the original may
// still land.
func (r *Relay) ExecuteGasless(ctx context.Context, req *MetaTransactionRequest, signature []byte) (*Receipt, error) {
	if err := r.verifySignature(req, signature); err != nil {
		return nil, err
	}

	// Reserve the key before touching the network so two concurrent
	// submissions of the same signed request cannot both broadcast. The
	// reservation is released only on failures where nothing went out.
	key := requestKey(req)
	r.mu.Lock()
	if prior, ok := r.submitted[key]; ok {
		r.mu.Unlock()
		if prior == (common.Hash{}) {
			return nil, fmt.Errorf("%w: submission in flight", ErrNonceReplay)
		}
		return nil, fmt.Errorf("%w: already submitted as %s", ErrNonceReplay, prior.Hex())
	}
	r.submitted[key] = common.Hash{}
	r.mu.Unlock()

	current, err := r.ForwarderNonce(ctx, req.From)
	if err != nil {
		r.release(key)
		return nil, err
	}
	if req.Nonce < current {
		r.release(key)
		return nil, fmt.Errorf("%w: request nonce %d, forwarder at %d", ErrNonceReplay, req.Nonce, current)
	}

	input, err := r.fwdABI.Pack("execute", struct {
		From  common.Address
		To    common.Address
		Value *big.Int
		Gas   *big.Int
		Nonce *big.Int
		Data  []byte
	}{
		From:  req.From,
		To:    req.To,
		Value: req.Value,
		Gas:   new(big.Int).SetUint64(req.Gas),
		Nonce: new(big.Int).SetUint64(req.Nonce),
		Data:  req.Data,
	}, signature)
	if err != nil {
		r.release(key)
		return nil, err
	}

	tx, err := r.submit(ctx, key, input, req)
	if err != nil {
		return nil, err
	}
	return r.waitMined(ctx, tx)
}

func (r *Relay) release(key string) {
	r.mu.Lock()
	delete(r.submitted, key)
	r.mu.Unlock()
}

// submit signs and broadcasts the outer transaction, retrying transient
// RPC failures with backoff. The caller holds the submitted reservation
// for the request's key; submit releases it only on failures where the
// transaction never reached the network, and otherwise records the outer
// hash so a timed-out send is never retried under a fresh outer nonce
// while the original may still land.
func (r *Relay) submit(ctx context.Context, key string, input []byte, req *MetaTransactionRequest) (*types.Transaction, error) {
	relayerNonce, err := r.backend.PendingNonceAt(ctx, r.relayer)
	if err != nil {
		r.release(key)
		return nil, fmt.Errorf("%w: %v", ErrRelayerUnavailable, err)
	}
	gasPrice, err := r.backend.SuggestGasPrice(ctx)
	if err != nil {
		r.release(key)
		return nil, fmt.Errorf("%w: %v", ErrRelayerUnavailable, err)
	}

	// Forwarder overhead on top of the inner call's gas.
	outerGas := req.Gas + 60_000

	tx := types.NewTransaction(relayerNonce, r.forwarder, req.Value, outerGas, gasPrice, input)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(r.chainID), r.key)
	if err != nil {
		r.release(key)
		return nil, err
	}

	r.mu.Lock()
	r.submitted[key] = signed.Hash()
	r.mu.Unlock()

	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if sendErr := r.backend.SendTransaction(ctx, signed); sendErr != nil {
			return retry.RetryableError(sendErr)
		}
		return nil
	})
	if err != nil {
		r.release(key)
		return nil, fmt.Errorf("%w: %v", ErrRelayerUnavailable, err)
	}

	r.logger.Printf("relay_submitted tx=%s from=%s fwd_nonce=%d", signed.Hash().Hex(), req.From.Hex(), req.Nonce)
	return signed, nil
}

// waitMined polls for the receipt until the confirmation timeout. A
// reverted execution surfaces as ErrContractRevert.
func (r *Relay) waitMined(ctx context.Context, tx *types.Transaction) (*Receipt, error) {
	deadline := time.Now().Add(r.confirmTimeout)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		rcpt, err := r.backend.TransactionReceipt(ctx, tx.Hash())
		if err == nil && rcpt != nil {
			if rcpt.Status != types.ReceiptStatusSuccessful {
				return nil, fmt.Errorf("%w: tx %s", ErrContractRevert, tx.Hash().Hex())
			}
			return &Receipt{
				TxHash:      rcpt.TxHash,
				GasUsed:     rcpt.GasUsed,
				BlockNumber: rcpt.BlockNumber.Uint64(),
			}, nil
		}

		if time.Now().After(deadline) {
			// Do not clear the submitted mark: the transaction may still
			// land, and resubmitting would double-spend the forwarder nonce.
			return nil, fmt.Errorf("%w: tx %s", ErrConfirmationTimeout, tx.Hash().Hex())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Fallback converts a request into the player-paid direct call carrying
// the same target and calldata. Only meaningful for non-terminal
// failures; terminal ones must surface instead.
func Fallback(req *MetaTransactionRequest) *DirectCall {
	return &DirectCall{To: req.To, Value: req.Value, Data: req.Data}
}
