package session

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/velvetbet/casino-core/internal/engine"
	"github.com/velvetbet/casino-core/internal/games"
	"github.com/velvetbet/casino-core/internal/store"
)

func newTestManager(t *testing.T) (*Manager, store.DB) {
	t.Helper()
	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "casino.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(db, log.New(io.Discard, "", 0), time.Minute), db
}

func fund(t *testing.T, db store.DB, player string, amount int64) {
	t.Helper()
	if _, err := db.Deposit(context.Background(), player, decimal.NewFromInt(amount)); err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
}

func TestInitOpensSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Init(ctx, "0xabc", games.TypeRoulette)
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if sess.Status != store.SessionInitialized {
		t.Errorf("status = %q, want %q", sess.Status, store.SessionInitialized)
	}
	if sess.NextNonce != 1 {
		t.Errorf("next nonce = %d, want 1", sess.NextNonce)
	}
	if sess.ServerSeedHash == "" || sess.ServerSeed == "" {
		t.Error("seed commitment missing")
	}
}

func TestInitRejectsUnknownGame(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Init(context.Background(), "0xabc", games.Type("baccarat")); err == nil {
		t.Fatal("Init() accepted unknown game")
	}
}

func TestPlaceBetAdvancesNonce(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	fund(t, db, "0xabc", 1000)

	sess, err := m.Init(ctx, "0xabc", games.TypeRoulette)
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	bet := &games.RouletteBet{Wagers: []games.RouletteWager{
		{Type: "red", Amount: decimal.NewFromInt(10)},
	}}
	round, err := m.PlaceBet(ctx, sess.ID, "lucky", 1, bet)
	if err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}
	if round.Nonce != 1 {
		t.Errorf("round nonce = %d, want 1", round.Nonce)
	}
	if !round.Resolved {
		t.Error("roulette round should resolve immediately")
	}
	if round.ServerSeed != sess.ServerSeed {
		t.Error("resolved round must reveal the server seed")
	}

	got, err := db.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if got.NextNonce != 2 {
		t.Errorf("next nonce = %d, want 2", got.NextNonce)
	}
	if got.Status != store.SessionResolved {
		t.Errorf("status = %q, want resolved", got.Status)
	}
}

func TestPlaceBetNonceMismatch(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	fund(t, db, "0xabc", 1000)

	sess, _ := m.Init(ctx, "0xabc", games.TypePlinko)
	bet := &games.PlinkoBet{Risk: "low", Amount: decimal.NewFromInt(5)}

	if _, err := m.PlaceBet(ctx, sess.ID, "s", 2, bet); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("stale nonce error = %v, want ErrNonceMismatch", err)
	}
	if _, err := m.PlaceBet(ctx, sess.ID, "s", 0, bet); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("zero nonce error = %v, want ErrNonceMismatch", err)
	}

	got, _ := db.GetSession(ctx, sess.ID)
	if got.NextNonce != 1 {
		t.Errorf("rejected bet consumed a nonce: next = %d", got.NextNonce)
	}
}

func TestPlaceBetOnResolvedSession(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	fund(t, db, "0xabc", 1000)

	sess, _ := m.Init(ctx, "0xabc", games.TypeWheel)
	bet := &games.WheelBet{Segments: 10, Risk: "low", Amount: decimal.NewFromInt(5)}
	if _, err := m.PlaceBet(ctx, sess.ID, "s", 1, bet); err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}
	if _, err := m.PlaceBet(ctx, sess.ID, "s", 2, bet); !errors.Is(err, ErrSessionResolved) {
		t.Fatalf("bet on resolved session error = %v, want ErrSessionResolved", err)
	}
}

func TestPlaceBetGameMismatch(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	fund(t, db, "0xabc", 1000)

	sess, _ := m.Init(ctx, "0xabc", games.TypeRoulette)
	bet := &games.PlinkoBet{Risk: "low", Amount: decimal.NewFromInt(5)}
	if _, err := m.PlaceBet(ctx, sess.ID, "s", 1, bet); !errors.Is(err, ErrGameMismatch) {
		t.Fatalf("error = %v, want ErrGameMismatch", err)
	}
}

func TestInsufficientBalanceConsumesNoNonce(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	fund(t, db, "0xabc", 5)

	sess, _ := m.Init(ctx, "0xabc", games.TypeRoulette)
	bet := &games.RouletteBet{Wagers: []games.RouletteWager{
		{Type: "red", Amount: decimal.NewFromInt(100)},
	}}
	if _, err := m.PlaceBet(ctx, sess.ID, "s", 1, bet); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}

	got, _ := db.GetSession(ctx, sess.ID)
	if got.NextNonce != 1 {
		t.Errorf("failed bet consumed a nonce: next = %d", got.NextNonce)
	}
	if got.Status != store.SessionInitialized {
		t.Errorf("failed bet changed status to %q", got.Status)
	}
	if rounds, _ := db.SessionRounds(ctx, sess.ID); len(rounds) != 0 {
		t.Errorf("failed bet wrote %d history rows", len(rounds))
	}
}

func TestDeterministicReplay(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	fund(t, db, "0xabc", 1000)
	fund(t, db, "0xdef", 1000)

	sessA, err := m.Init(ctx, "0xabc", games.TypeRoulette)
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	// A session's seed is fixed at creation, so the replaying session is
	// created directly with the same commitment.
	now := time.Now().UTC()
	sessB := &store.SessionRecord{
		ID:             uuid.New().String(),
		Player:         "0xdef",
		Game:           string(games.TypeRoulette),
		ServerSeed:     sessA.ServerSeed,
		ServerSeedHash: sessA.ServerSeedHash,
		Status:         store.SessionInitialized,
		NextNonce:      1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := db.CreateSession(ctx, sessB); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	bet := &games.RouletteBet{Wagers: []games.RouletteWager{
		{Type: "straight", Numbers: []int{17}, Amount: decimal.NewFromInt(1)},
	}}
	r1, err := m.PlaceBet(ctx, sessA.ID, "seed", 1, bet)
	if err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}
	r2, err := m.PlaceBet(ctx, sessB.ID, "seed", 1, bet)
	if err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}

	p1 := r1.Result.(*games.RouletteResult).Pocket
	p2 := r2.Result.(*games.RouletteResult).Pocket
	if p1 != p2 {
		t.Errorf("same seeds and nonce produced pockets %d and %d", p1, p2)
	}
}

func TestMinesFullFlow(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	fund(t, db, "0xabc", 100)

	sess, err := m.Init(ctx, "0xabc", games.TypeMines)
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	stake := decimal.NewFromInt(10)
	round, err := m.PlaceBet(ctx, sess.ID, "s", 1, &games.MinesBet{MineCount: 5, Amount: stake})
	if err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}
	if round.Resolved {
		t.Fatal("mines placement must not resolve the session")
	}
	if placement, ok := round.Result.(*games.MinesPlacement); !ok {
		t.Fatalf("result type = %T, want *games.MinesPlacement", round.Result)
	} else if placement.Positions != nil {
		t.Error("placement result leaked mine positions")
	}
	// Stake debited up front.
	bal, _ := db.Balance(ctx, "0xabc")
	if !bal.Balance.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("balance after placement = %s, want 90", bal.Balance)
	}
	// The persisted history row must be just as blind as the response.
	if rounds, _ := db.SessionRounds(ctx, sess.ID); len(rounds) != 1 {
		t.Fatalf("history rows = %d, want 1", len(rounds))
	} else if strings.Contains(rounds[0].ResultJSON, "positions") {
		t.Errorf("stored placement leaked mine positions: %s", rounds[0].ResultJSON)
	}

	// Recover the board from the stored state to pick safe tiles.
	rec, _ := db.GetSession(ctx, sess.ID)
	positions, err := games.PlaceMines(
		// Same derivation the manager used.
		minesDraws(t, "s", rec.ServerSeed, 1, 5), 5)
	if err != nil {
		t.Fatalf("PlaceMines() error: %v", err)
	}
	mined := make(map[int]bool, len(positions))
	for _, p := range positions {
		mined[p] = true
	}

	var safe []int
	for tile := 0; tile < games.MinesGridSize && len(safe) < 3; tile++ {
		if !mined[tile] {
			safe = append(safe, tile)
		}
	}
	for i, tile := range safe {
		rev, err := m.RevealTile(ctx, sess.ID, tile)
		if err != nil {
			t.Fatalf("RevealTile(%d) error: %v", tile, err)
		}
		if rev.Mine {
			t.Fatalf("tile %d flagged as mine", tile)
		}
		if len(rev.Revealed) != i+1 {
			t.Errorf("revealed count = %d, want %d", len(rev.Revealed), i+1)
		}
	}

	out, err := m.CashOut(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CashOut() error: %v", err)
	}
	// (25/20)^3 = 1.953125 on a 10 stake.
	want := decimal.RequireFromString("19.53125")
	if !out.Payout.Equal(want) {
		t.Errorf("payout = %s, want %s", out.Payout, want)
	}
	if !out.Resolved {
		t.Error("cashout must resolve the session")
	}
	if out.ServerSeed != rec.ServerSeed {
		t.Error("cashout must reveal the server seed")
	}
	if len(out.Positions) != 5 {
		t.Errorf("cashout revealed %d positions, want 5", len(out.Positions))
	}

	bal, _ = db.Balance(ctx, "0xabc")
	if !bal.Balance.Equal(decimal.RequireFromString("109.53125")) {
		t.Errorf("final balance = %s, want 109.53125", bal.Balance)
	}
}

func TestMinesLossClosesSession(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	fund(t, db, "0xabc", 100)

	sess, _ := m.Init(ctx, "0xabc", games.TypeMines)
	if _, err := m.PlaceBet(ctx, sess.ID, "s", 1, &games.MinesBet{MineCount: 24, Amount: decimal.NewFromInt(10)}); err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}

	// With 24 mines only one tile is safe, so find a mined one.
	rec, _ := db.GetSession(ctx, sess.ID)
	positions, _ := games.PlaceMines(minesDraws(t, "s", rec.ServerSeed, 1, 24), 24)

	rev, err := m.RevealTile(ctx, sess.ID, positions[0])
	if err != nil {
		t.Fatalf("RevealTile() error: %v", err)
	}
	if !rev.Mine || !rev.Resolved {
		t.Fatal("revealing a mine must end the game")
	}
	if len(rev.Positions) != 24 {
		t.Errorf("loss revealed %d positions, want 24", len(rev.Positions))
	}

	bal, _ := db.Balance(ctx, "0xabc")
	if !bal.Balance.Equal(decimal.NewFromInt(90)) {
		t.Errorf("balance after loss = %s, want 90 (stake stays with the house)", bal.Balance)
	}
	if _, err := m.RevealTile(ctx, sess.ID, 0); !errors.Is(err, ErrSessionResolved) {
		t.Errorf("reveal after loss error = %v, want ErrSessionResolved", err)
	}
}

func TestCashOutRequiresReveal(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	fund(t, db, "0xabc", 100)

	sess, _ := m.Init(ctx, "0xabc", games.TypeMines)
	if _, err := m.PlaceBet(ctx, sess.ID, "s", 1, &games.MinesBet{MineCount: 3, Amount: decimal.NewFromInt(10)}); err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}
	if _, err := m.CashOut(ctx, sess.ID); !errors.Is(err, ErrNothingToCash) {
		t.Fatalf("error = %v, want ErrNothingToCash", err)
	}
}

func TestRevealRejectsBadTiles(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	fund(t, db, "0xabc", 100)

	sess, _ := m.Init(ctx, "0xabc", games.TypeMines)
	if _, err := m.PlaceBet(ctx, sess.ID, "s", 1, &games.MinesBet{MineCount: 1, Amount: decimal.NewFromInt(10)}); err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}

	if _, err := m.RevealTile(ctx, sess.ID, -1); !errors.Is(err, ErrTileOutOfRange) {
		t.Errorf("tile -1 error = %v, want ErrTileOutOfRange", err)
	}
	if _, err := m.RevealTile(ctx, sess.ID, 25); !errors.Is(err, ErrTileOutOfRange) {
		t.Errorf("tile 25 error = %v, want ErrTileOutOfRange", err)
	}

	rec, _ := db.GetSession(ctx, sess.ID)
	positions, _ := games.PlaceMines(minesDraws(t, "s", rec.ServerSeed, 1, 1), 1)
	safe := 0
	if positions[0] == 0 {
		safe = 1
	}
	if _, err := m.RevealTile(ctx, sess.ID, safe); err != nil {
		t.Fatalf("RevealTile() error: %v", err)
	}
	if _, err := m.RevealTile(ctx, sess.ID, safe); !errors.Is(err, ErrTileRevealed) {
		t.Errorf("repeat reveal error = %v, want ErrTileRevealed", err)
	}
}

func TestSecondMinesSessionRejected(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	fund(t, db, "0xabc", 100)

	if _, err := m.Init(ctx, "0xabc", games.TypeMines); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if _, err := m.Init(ctx, "0xabc", games.TypeMines); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second mines session error = %v, want ErrSessionBusy", err)
	}
	// Stateless games are unaffected.
	if _, err := m.Init(ctx, "0xabc", games.TypeRoulette); err != nil {
		t.Errorf("roulette Init() error: %v", err)
	}
}

func TestReapExpiresIdleSessions(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	fund(t, db, "0xabc", 100)

	sess, _ := m.Init(ctx, "0xabc", games.TypeMines)
	if _, err := m.PlaceBet(ctx, sess.ID, "s", 1, &games.MinesBet{MineCount: 3, Amount: decimal.NewFromInt(10)}); err != nil {
		t.Fatalf("PlaceBet() error: %v", err)
	}

	// A manager with a nanosecond TTL sees the session as idle at once.
	time.Sleep(5 * time.Millisecond)
	reaper := NewManager(db, log.New(io.Discard, "", 0), time.Nanosecond)
	if err := reaper.Reap(ctx); err != nil {
		t.Fatalf("Reap() error: %v", err)
	}

	got, _ := db.GetSession(ctx, sess.ID)
	if got.Status != store.SessionResolved {
		t.Errorf("reaped session status = %q, want resolved", got.Status)
	}
	// Forfeited game is a loss; the stake stays debited.
	bal, _ := db.Balance(ctx, "0xabc")
	if !bal.Balance.Equal(decimal.NewFromInt(90)) {
		t.Errorf("balance after forfeiture = %s, want 90", bal.Balance)
	}
	// A new session can open now.
	if _, err := m.Init(ctx, "0xabc", games.TypeMines); err != nil {
		t.Errorf("Init() after reap error: %v", err)
	}
}

func minesDraws(t *testing.T, clientSeed, serverSeed string, nonce uint64, count int) []float64 {
	t.Helper()
	return engine.Floats(clientSeed, serverSeed, nonce, count)
}
