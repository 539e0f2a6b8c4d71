package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/velvetbet/casino-core/internal/relay"
	"github.com/velvetbet/casino-core/internal/session"
	"github.com/velvetbet/casino-core/internal/settle"
	"github.com/velvetbet/casino-core/internal/store"
)

const (
	testPlayer = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	houseKey   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

func newTestServer(t *testing.T) (*httptest.Server, store.DB) {
	t.Helper()
	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "casino.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessions := session.NewManager(db, log.New(io.Discard, "", 0), time.Minute)
	signer, err := settle.NewSigner(db, settle.Config{
		PrivateKeyHex: houseKey,
		ChainID:       31337,
		ContractAddr:  "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	})
	if err != nil {
		t.Fatalf("NewSigner() error: %v", err)
	}

	srv := NewServer(db, sessions, signer, nil, "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, db
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp
}

// roundPayload mirrors the round response with the game result left raw.
type roundPayload struct {
	SessionID  string          `json:"session_id"`
	Nonce      uint64          `json:"nonce"`
	Game       string          `json:"game"`
	Result     json.RawMessage `json:"result"`
	Stake      decimal.Decimal `json:"stake"`
	Payout     decimal.Decimal `json:"payout"`
	Resolved   bool            `json:"resolved"`
	ServerSeed string          `json:"server_seed"`
}

func initSession(t *testing.T, ts *httptest.Server, game string) InitResponse {
	t.Helper()
	var out InitResponse
	resp := postJSON(t, ts, "/api/game/init", InitRequest{PlayerAddress: testPlayer, GameType: game}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("init status = %d", resp.StatusCode)
	}
	return out
}

func TestGameInitReturnsCommitment(t *testing.T) {
	ts, db := newTestServer(t)
	if _, err := db.Deposit(context.Background(), testPlayer, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}

	out := initSession(t, ts, "roulette")
	if out.SessionID == "" {
		t.Error("missing session id")
	}
	if len(out.ServerSeedHash) != 64 {
		t.Errorf("server seed hash length = %d, want 64", len(out.ServerSeedHash))
	}
	if !out.CurrentBalance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance = %s, want 100", out.CurrentBalance)
	}
}

func TestGameInitValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	var envelope EngineError
	resp := postJSON(t, ts, "/api/game/init", InitRequest{PlayerAddress: "nope", GameType: "roulette"}, &envelope)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad address status = %d, want 400", resp.StatusCode)
	}
	if envelope.Type != ErrTypeValidation {
		t.Errorf("error type = %q, want %q", envelope.Type, ErrTypeValidation)
	}

	resp = postJSON(t, ts, "/api/game/init", InitRequest{PlayerAddress: testPlayer, GameType: "baccarat"}, &envelope)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown game status = %d, want 400", resp.StatusCode)
	}
}

func TestRouletteRoundOverHTTP(t *testing.T) {
	ts, db := newTestServer(t)
	if _, err := db.Deposit(context.Background(), testPlayer, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	init := initSession(t, ts, "roulette")

	var round roundPayload
	resp := postJSON(t, ts, "/api/game/roulette", BetRequest{
		SessionID:  init.SessionID,
		ClientSeed: "lucky",
		Nonce:      1,
		BetParams:  json.RawMessage(`{"wagers":[{"type":"red","amount":"10"}]}`),
	}, &round)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bet status = %d", resp.StatusCode)
	}
	if !round.Resolved {
		t.Error("roulette round should resolve")
	}
	if round.ServerSeed == "" {
		t.Error("resolved round must reveal the server seed")
	}

	// The revealed seed must match the commitment.
	var verify VerifyResponse
	resp = postJSON(t, ts, "/api/verify", VerifyRequest{
		ClientSeed:     "lucky",
		ServerSeed:     round.ServerSeed,
		ServerSeedHash: init.ServerSeedHash,
		Nonce:          1,
		GameType:       "roulette",
		GameParams:     json.RawMessage(`{"wagers":[{"type":"red","amount":"10"}]}`),
	}, &verify)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d", resp.StatusCode)
	}
	if !verify.Verified {
		t.Error("verify rejected an honest round")
	}
	if !verify.Payout.Equal(round.Payout) {
		t.Errorf("verify payout = %s, round payout = %s", verify.Payout, round.Payout)
	}
}

func TestVerifyRejectsForgedSeed(t *testing.T) {
	ts, _ := newTestServer(t)

	var verify VerifyResponse
	resp := postJSON(t, ts, "/api/verify", VerifyRequest{
		ClientSeed:     "seedA",
		ServerSeed:     "forged",
		ServerSeedHash: "0000000000000000000000000000000000000000000000000000000000000000",
		Nonce:          1,
		GameType:       "roulette",
		GameParams:     json.RawMessage(`{"wagers":[{"type":"red","amount":"10"}]}`),
	}, &verify)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d", resp.StatusCode)
	}
	if verify.Verified {
		t.Error("verify accepted a seed that does not hash to the commitment")
	}
}

func TestNonceMismatchOverHTTP(t *testing.T) {
	ts, db := newTestServer(t)
	if _, err := db.Deposit(context.Background(), testPlayer, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	init := initSession(t, ts, "roulette")

	var envelope EngineError
	resp := postJSON(t, ts, "/api/game/roulette", BetRequest{
		SessionID:  init.SessionID,
		ClientSeed: "lucky",
		Nonce:      9,
		BetParams:  json.RawMessage(`{"wagers":[{"type":"red","amount":"10"}]}`),
	}, &envelope)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	if envelope.Type != ErrTypeNonceMismatch {
		t.Errorf("error type = %q, want %q", envelope.Type, ErrTypeNonceMismatch)
	}
}

func TestInsufficientBalanceOverHTTP(t *testing.T) {
	ts, db := newTestServer(t)
	if _, err := db.Deposit(context.Background(), testPlayer, decimal.NewFromInt(5)); err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	init := initSession(t, ts, "roulette")

	var envelope EngineError
	resp := postJSON(t, ts, "/api/game/roulette", BetRequest{
		SessionID:  init.SessionID,
		ClientSeed: "lucky",
		Nonce:      1,
		BetParams:  json.RawMessage(`{"wagers":[{"type":"red","amount":"10"}]}`),
	}, &envelope)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", resp.StatusCode)
	}
	if envelope.Type != ErrTypeInsufficient {
		t.Errorf("error type = %q, want %q", envelope.Type, ErrTypeInsufficient)
	}

	// The balance must be untouched.
	bal, _ := db.Balance(context.Background(), testPlayer)
	if !bal.Balance.Equal(decimal.NewFromInt(5)) {
		t.Errorf("balance = %s, want 5", bal.Balance)
	}
}

func TestSessionNotFoundOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	var envelope EngineError
	resp := postJSON(t, ts, "/api/game/roulette", BetRequest{
		SessionID:  "does-not-exist",
		ClientSeed: "x",
		Nonce:      1,
		BetParams:  json.RawMessage(`{"wagers":[{"type":"red","amount":"1"}]}`),
	}, &envelope)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if envelope.Type != ErrTypeSessionNotFound {
		t.Errorf("error type = %q, want %q", envelope.Type, ErrTypeSessionNotFound)
	}
}

func TestMinesOverHTTP(t *testing.T) {
	ts, db := newTestServer(t)
	if _, err := db.Deposit(context.Background(), testPlayer, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	init := initSession(t, ts, "mines")

	var round roundPayload
	resp := postJSON(t, ts, "/api/game/mines", BetRequest{
		SessionID:  init.SessionID,
		ClientSeed: "s",
		Nonce:      1,
		BetParams:  json.RawMessage(`{"mineCount":1,"amount":"10"}`),
	}, &round)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mines bet status = %d", resp.StatusCode)
	}
	if round.Resolved {
		t.Fatal("mines placement resolved the session")
	}

	// With one mine, reveal tiles until the first safe hit.
	var reveal session.RevealResult
	hit := false
	for tile := 0; tile < 2; tile++ {
		resp = postJSON(t, ts, "/api/game/mines/reveal", RevealRequest{SessionID: init.SessionID, Tile: tile}, &reveal)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("reveal status = %d", resp.StatusCode)
		}
		if !reveal.Mine {
			hit = true
			break
		}
		// First tile was the mine: game over, payout zero.
		if !reveal.Resolved {
			t.Fatal("mine hit must resolve the session")
		}
		return
	}
	if !hit {
		t.Fatal("no safe tile in first two reveals with one mine")
	}

	var out session.RevealResult
	resp = postJSON(t, ts, "/api/game/mines/cashout", CashoutRequest{PlayerAddress: testPlayer}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cashout status = %d", resp.StatusCode)
	}
	if !out.Resolved || !out.Payout.IsPositive() {
		t.Errorf("cashout outcome = %+v, want resolved positive payout", out)
	}
}

func TestActiveMinesHistoryConcealsBoard(t *testing.T) {
	ts, db := newTestServer(t)
	if _, err := db.Deposit(context.Background(), testPlayer, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	init := initSession(t, ts, "mines")

	var round roundPayload
	resp := postJSON(t, ts, "/api/game/mines", BetRequest{
		SessionID:  init.SessionID,
		ClientSeed: "s",
		Nonce:      1,
		BetParams:  json.RawMessage(`{"mineCount":5,"amount":"10"}`),
	}, &round)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mines bet status = %d", resp.StatusCode)
	}

	// While the game is live, history must not give away the board or the
	// seed that derives it. Both become public once the session resolves.
	histResp, err := http.Get(fmt.Sprintf("%s/api/session/%s/rounds", ts.URL, init.SessionID))
	if err != nil {
		t.Fatalf("GET rounds error: %v", err)
	}
	defer histResp.Body.Close()
	if histResp.StatusCode != http.StatusOK {
		t.Fatalf("rounds status = %d", histResp.StatusCode)
	}
	var rounds []store.Round
	if err := json.NewDecoder(histResp.Body).Decode(&rounds); err != nil {
		t.Fatalf("decode rounds: %v", err)
	}
	if len(rounds) != 1 {
		t.Fatalf("history rows = %d, want 1", len(rounds))
	}
	if strings.Contains(rounds[0].ResultJSON, "positions") {
		t.Errorf("live mines history leaked the board: %s", rounds[0].ResultJSON)
	}
	if rounds[0].ServerSeed != "" {
		t.Error("live mines history leaked the server seed")
	}
}

func TestGaslessWithdrawSignsAuthorization(t *testing.T) {
	ts, db := newTestServer(t)
	if _, err := db.Deposit(context.Background(), testPlayer, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}

	var out struct {
		Withdrawal settle.Withdrawal `json:"withdrawal"`
	}
	resp := postJSON(t, ts, "/api/withdraw/gasless", GaslessWithdrawRequest{
		PlayerAddress: testPlayer,
		Amount:        decimal.NewFromInt(30),
	}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("withdraw status = %d", resp.StatusCode)
	}
	if out.Withdrawal.Signature == "" {
		t.Error("missing settlement signature")
	}
	if out.Withdrawal.Nonce != 1 {
		t.Errorf("settlement nonce = %d, want 1", out.Withdrawal.Nonce)
	}

	bal, _ := db.Balance(context.Background(), testPlayer)
	if !bal.Balance.Equal(decimal.NewFromInt(70)) {
		t.Errorf("balance = %s, want 70", bal.Balance)
	}
}

// unreachableBackend fails every chain RPC. Used where the relay must
// reject before touching the network.
type unreachableBackend struct{}

func (unreachableBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("no chain")
}
func (unreachableBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("no chain")
}
func (unreachableBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return nil, errors.New("no chain")
}
func (unreachableBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, errors.New("no chain")
}
func (unreachableBackend) SendTransaction(context.Context, *types.Transaction) error {
	return errors.New("no chain")
}
func (unreachableBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, errors.New("no chain")
}

func TestGaslessWithdrawKeepsAuthorizationOnRelayRejection(t *testing.T) {
	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "casino.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sessions := session.NewManager(db, log.New(io.Discard, "", 0), time.Minute)
	signer, err := settle.NewSigner(db, settle.Config{
		PrivateKeyHex: houseKey,
		ChainID:       31337,
		ContractAddr:  "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	})
	if err != nil {
		t.Fatalf("NewSigner() error: %v", err)
	}
	rl, err := relay.New(unreachableBackend{}, nil, log.New(io.Discard, "", 0), relay.Config{
		RelayerKeyHex: houseKey,
		ChainID:       31337,
		ForwarderAddr: "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0",
	})
	if err != nil {
		t.Fatalf("relay.New() error: %v", err)
	}
	srv := NewServer(db, sessions, signer, rl, "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	if _, err := db.Deposit(context.Background(), testPlayer, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}

	// An unverifiable relay signature is terminal, but the ledger was
	// already debited: the signed authorization must still reach the
	// player inside the error envelope.
	var envelope EngineError
	resp := postJSON(t, ts, "/api/withdraw/gasless", GaslessWithdrawRequest{
		PlayerAddress: testPlayer,
		Amount:        decimal.NewFromInt(30),
		Request: &relay.MetaTransactionRequest{
			From:  common.HexToAddress(testPlayer),
			To:    common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
			Value: big.NewInt(0),
			Gas:   50_000,
			Nonce: 0,
			Data:  []byte{0x01},
		},
		Signature: []byte{0xde, 0xad},
	}, &envelope)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if envelope.Type != ErrTypeInvalidSignature {
		t.Errorf("error type = %q, want %q", envelope.Type, ErrTypeInvalidSignature)
	}
	withdrawal, ok := envelope.Context["withdrawal"].(map[string]interface{})
	if !ok {
		t.Fatalf("error context lacks the signed withdrawal: %+v", envelope.Context)
	}
	if sig, _ := withdrawal["signature"].(string); sig == "" {
		t.Error("withdrawal in error context carries no signature")
	}

	// Debited exactly once.
	bal, _ := db.Balance(context.Background(), testPlayer)
	if !bal.Balance.Equal(decimal.NewFromInt(70)) {
		t.Errorf("balance = %s, want 70", bal.Balance)
	}
}

func TestRejectsUnknownRequestFields(t *testing.T) {
	ts, _ := newTestServer(t)

	var envelope EngineError
	resp := postJSON(t, ts, "/api/game/init", map[string]interface{}{
		"playerAddress": testPlayer,
		"gameType":      "roulette",
		"spurious":      true,
	}, &envelope)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if envelope.Type != ErrTypeValidation {
		t.Errorf("error type = %q, want %q", envelope.Type, ErrTypeValidation)
	}
}

func TestGaslessDepositFallsBackWithoutRelay(t *testing.T) {
	ts, db := newTestServer(t)

	var out RelayOutcome
	resp := postJSON(t, ts, "/api/deposit/gasless", map[string]interface{}{
		"playerAddress": testPlayer,
		"amount":        "10",
		"request": map[string]interface{}{
			"from":  testPlayer,
			"to":    "0x5FbDB2315678afecb367f032d93F642f64180aa3",
			"value": 0,
			"gas":   50000,
			"nonce": 0,
			"data":  "0xdead",
		},
	}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit status = %d", resp.StatusCode)
	}
	if out.Sponsored {
		t.Error("deposit sponsored without a relay")
	}
	if out.Direct == nil {
		t.Fatal("fallback direct call missing")
	}

	// No credit on the fallback path.
	bal, _ := db.Balance(context.Background(), testPlayer)
	if !bal.Balance.IsZero() {
		t.Errorf("balance = %s, want 0", bal.Balance)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/health", "/health/ready", "/health/live", "/version"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
		if got := resp.Header.Get("X-Engine-Version"); got != EngineVersion {
			t.Errorf("GET %s version header = %q", path, got)
		}
	}
}

func TestBalanceEndpoint(t *testing.T) {
	ts, db := newTestServer(t)
	if _, err := db.Deposit(context.Background(), testPlayer, decimal.NewFromInt(42)); err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("%s/api/balance/%s", ts.URL, testPlayer))
	if err != nil {
		t.Fatalf("GET balance error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var rec store.BalanceRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if !rec.Balance.Equal(decimal.NewFromInt(42)) {
		t.Errorf("balance = %s, want 42", rec.Balance)
	}
}
