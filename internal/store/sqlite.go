package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLite implements DB on a single SQLite file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens/creates the database at path and runs migrations.
func NewSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is not concurrent for writes

	s := &SQLite{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			player TEXT NOT NULL,
			game TEXT NOT NULL,
			server_seed TEXT NOT NULL,
			server_seed_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			next_nonce INTEGER NOT NULL,
			state_json TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_player_game ON sessions(player, game, status);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(status, updated_at);`,

		`CREATE TABLE IF NOT EXISTS balances (
			address TEXT PRIMARY KEY,
			balance TEXT NOT NULL,
			total_deposited TEXT NOT NULL,
			total_wagered TEXT NOT NULL,
			total_won TEXT NOT NULL,
			games_played INTEGER NOT NULL DEFAULT 0
		);`,

		`CREATE TABLE IF NOT EXISTS game_rounds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			player TEXT NOT NULL,
			game TEXT NOT NULL,
			nonce INTEGER NOT NULL,
			client_seed TEXT NOT NULL,
			server_seed TEXT NOT NULL,
			stake TEXT NOT NULL,
			payout TEXT NOT NULL,
			result_json TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(session_id, nonce),
			FOREIGN KEY(session_id) REFERENCES sessions(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_game_rounds_player ON game_rounds(player, created_at DESC);`,

		`CREATE TABLE IF NOT EXISTS withdrawal_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			player TEXT NOT NULL,
			amount TEXT NOT NULL,
			nonce INTEGER NOT NULL,
			deadline TIMESTAMP NOT NULL,
			signature TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(player, nonce)
		);`,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return tx.Commit()
}

// --------- Sessions ---------

func (s *SQLite) CreateSession(ctx context.Context, sess *SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(id, player, game, server_seed, server_seed_hash, status, next_nonce, state_json, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Player, sess.Game, sess.ServerSeed, sess.ServerSeedHash,
		sess.Status, sess.NextNonce, sess.StateJSON, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC())
	return err
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, player, game, server_seed, server_seed_hash, status, next_nonce, state_json, created_at, updated_at
		FROM sessions WHERE id=?`, id)
	return scanSession(row)
}

func (s *SQLite) UpdateSession(ctx context.Context, sess *SessionRecord) error {
	sess.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status=?, next_nonce=?, state_json=?, updated_at=? WHERE id=?`,
		sess.Status, sess.NextNonce, sess.StateJSON, sess.UpdatedAt, sess.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// OpenSession returns the player's non-resolved session for a game, or
// ErrSessionNotFound if none is open.
func (s *SQLite) OpenSession(ctx context.Context, player, game string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, player, game, server_seed, server_seed_hash, status, next_nonce, state_json, created_at, updated_at
		FROM sessions WHERE player=? AND game=? AND status != ?
		ORDER BY created_at DESC LIMIT 1`, player, game, SessionResolved)
	return scanSession(row)
}

// StaleSessions lists non-resolved sessions idle since before idleSince.
func (s *SQLite) StaleSessions(ctx context.Context, idleSince time.Time, limit int) ([]SessionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, player, game, server_seed, server_seed_hash, status, next_nonce, state_json, created_at, updated_at
		FROM sessions WHERE status != ? AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`, SessionResolved, idleSince.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.Player, &rec.Game, &rec.ServerSeed, &rec.ServerSeedHash,
			&rec.Status, &rec.NextNonce, &rec.StateJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	err := row.Scan(&rec.ID, &rec.Player, &rec.Game, &rec.ServerSeed, &rec.ServerSeedHash,
		&rec.Status, &rec.NextNonce, &rec.StateJSON, &rec.CreatedAt, &rec.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrSessionNotFound
	case err != nil:
		return nil, err
	}
	return &rec, nil
}

// --------- Balance ledger ---------

// Balance returns the ledger row for an address; a missing row reads as an
// all-zero record.
func (s *SQLite) Balance(ctx context.Context, address string) (BalanceRecord, error) {
	return balanceTx(ctx, s.db, address)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balanceTx(ctx context.Context, q queryRower, address string) (BalanceRecord, error) {
	rec := BalanceRecord{
		Address:        address,
		Balance:        decimal.Zero,
		TotalDeposited: decimal.Zero,
		TotalWagered:   decimal.Zero,
		TotalWon:       decimal.Zero,
	}
	var balance, deposited, wagered, won string
	err := q.QueryRowContext(ctx, `
		SELECT balance, total_deposited, total_wagered, total_won, games_played
		FROM balances WHERE address=?`, address).
		Scan(&balance, &deposited, &wagered, &won, &rec.GamesPlayed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return rec, nil
	case err != nil:
		return rec, err
	}

	if rec.Balance, err = decimal.NewFromString(balance); err != nil {
		return rec, fmt.Errorf("corrupt balance for %s: %w", address, err)
	}
	if rec.TotalDeposited, err = decimal.NewFromString(deposited); err != nil {
		return rec, fmt.Errorf("corrupt total_deposited for %s: %w", address, err)
	}
	if rec.TotalWagered, err = decimal.NewFromString(wagered); err != nil {
		return rec, fmt.Errorf("corrupt total_wagered for %s: %w", address, err)
	}
	if rec.TotalWon, err = decimal.NewFromString(won); err != nil {
		return rec, fmt.Errorf("corrupt total_won for %s: %w", address, err)
	}
	return rec, nil
}

func writeBalanceTx(ctx context.Context, tx *sql.Tx, rec BalanceRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances(address, balance, total_deposited, total_wagered, total_won, games_played)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			balance=excluded.balance,
			total_deposited=excluded.total_deposited,
			total_wagered=excluded.total_wagered,
			total_won=excluded.total_won,
			games_played=excluded.games_played`,
		rec.Address, rec.Balance.String(), rec.TotalDeposited.String(),
		rec.TotalWagered.String(), rec.TotalWon.String(), rec.GamesPlayed)
	return err
}

// Deposit atomically adds amount to the address balance, creating the
// ledger row on first deposit.
func (s *SQLite) Deposit(ctx context.Context, address string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrNegativeAmount
	}
	var newBalance decimal.Decimal
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := balanceTx(ctx, tx, address)
		if err != nil {
			return err
		}
		rec.Balance = rec.Balance.Add(amount)
		rec.TotalDeposited = rec.TotalDeposited.Add(amount)
		newBalance = rec.Balance
		return writeBalanceTx(ctx, tx, rec)
	})
	return newBalance, err
}

// Withdraw atomically subtracts amount, gated on the resulting balance
// staying non-negative.
func (s *SQLite) Withdraw(ctx context.Context, address string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrNegativeAmount
	}
	var newBalance decimal.Decimal
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := balanceTx(ctx, tx, address)
		if err != nil {
			return err
		}
		if rec.Balance.LessThan(amount) {
			return ErrInsufficientBalance
		}
		rec.Balance = rec.Balance.Sub(amount)
		newBalance = rec.Balance
		return writeBalanceTx(ctx, tx, rec)
	})
	return newBalance, err
}

// DebitAndCredit settles one bet: verify balance >= stake, apply
// balance - stake + payout, and bump the aggregate stats, all in one
// transaction. A failed pre-check leaves everything untouched.
func (s *SQLite) DebitAndCredit(ctx context.Context, address string, stake, payout decimal.Decimal) (decimal.Decimal, error) {
	var newBalance decimal.Decimal
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		newBalance, err = debitAndCreditTx(ctx, tx, address, stake, payout)
		return err
	})
	return newBalance, err
}

func debitAndCreditTx(ctx context.Context, tx *sql.Tx, address string, stake, payout decimal.Decimal) (decimal.Decimal, error) {
	if stake.IsNegative() || payout.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	rec, err := balanceTx(ctx, tx, address)
	if err != nil {
		return decimal.Zero, err
	}
	if rec.Balance.LessThan(stake) {
		return decimal.Zero, ErrInsufficientBalance
	}
	rec.Balance = rec.Balance.Sub(stake).Add(payout)
	rec.TotalWagered = rec.TotalWagered.Add(stake)
	rec.TotalWon = rec.TotalWon.Add(payout)
	rec.GamesPlayed++
	if err := writeBalanceTx(ctx, tx, rec); err != nil {
		return decimal.Zero, err
	}
	return rec.Balance, nil
}

// Credit adds winnings without counting a new game (mines cashout pays
// against the round that was already settled at board placement).
func (s *SQLite) Credit(ctx context.Context, address string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	var newBalance decimal.Decimal
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := balanceTx(ctx, tx, address)
		if err != nil {
			return err
		}
		rec.Balance = rec.Balance.Add(amount)
		rec.TotalWon = rec.TotalWon.Add(amount)
		newBalance = rec.Balance
		return writeBalanceTx(ctx, tx, rec)
	})
	return newBalance, err
}

// --------- Round settlement ---------

// SettleRound applies the ledger mutation, appends the history row and
// persists the session's new state in one transaction. If the balance
// check fails the session row is untouched, so no nonce is consumed.
func (s *SQLite) SettleRound(ctx context.Context, st Settlement) (decimal.Decimal, error) {
	var newBalance decimal.Decimal
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		newBalance, err = debitAndCreditTx(ctx, tx, st.Session.Player, st.Stake, st.Payout)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO game_rounds(session_id, player, game, nonce, client_seed, server_seed, stake, payout, result_json, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.Session.ID, st.Session.Player, st.Session.Game, st.Nonce, st.ClientSeed,
			st.Session.ServerSeed, st.Stake.String(), st.Payout.String(), st.ResultJSON, now); err != nil {
			return fmt.Errorf("append round: %w", err)
		}

		st.Session.UpdatedAt = now
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status=?, next_nonce=?, state_json=?, updated_at=? WHERE id=?`,
			st.Session.Status, st.Session.NextNonce, st.Session.StateJSON, now, st.Session.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
	return newBalance, err
}

// CashOutSession credits the payout of a stepwise game and persists the
// session's terminal state in one transaction. The round was counted when
// the board was placed, so games_played stays put.
func (s *SQLite) CashOutSession(ctx context.Context, sess *SessionRecord, payout decimal.Decimal) (decimal.Decimal, error) {
	if payout.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	var newBalance decimal.Decimal
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := balanceTx(ctx, tx, sess.Player)
		if err != nil {
			return err
		}
		rec.Balance = rec.Balance.Add(payout)
		rec.TotalWon = rec.TotalWon.Add(payout)
		newBalance = rec.Balance
		if err := writeBalanceTx(ctx, tx, rec); err != nil {
			return err
		}

		sess.UpdatedAt = time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status=?, next_nonce=?, state_json=?, updated_at=? WHERE id=?`,
			sess.Status, sess.NextNonce, sess.StateJSON, sess.UpdatedAt, sess.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
	return newBalance, err
}

func (s *SQLite) SessionRounds(ctx context.Context, sessionID string) ([]Round, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, player, game, nonce, client_seed, server_seed, stake, payout, result_json, created_at
		FROM game_rounds WHERE session_id=? ORDER BY nonce ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Round
	for rows.Next() {
		var r Round
		var stake, payout string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Player, &r.Game, &r.Nonce,
			&r.ClientSeed, &r.ServerSeed, &stake, &payout, &r.ResultJSON, &r.CreatedAt); err != nil {
			return nil, err
		}
		if r.Stake, err = decimal.NewFromString(stake); err != nil {
			return nil, err
		}
		if r.Payout, err = decimal.NewFromString(payout); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --------- Withdrawal requests ---------

func (s *SQLite) SaveWithdrawalRequest(ctx context.Context, w *WithdrawalRequest) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO withdrawal_requests(player, amount, nonce, deadline, signature, status, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		w.Player, w.Amount.String(), w.Nonce, w.Deadline.UTC(), w.Signature, w.Status, w.CreatedAt)
	if err != nil {
		return err
	}
	w.ID, err = res.LastInsertId()
	return err
}

// NextWithdrawalNonce returns one past the highest nonce ever signed for a
// player, starting at 1.
func (s *SQLite) NextWithdrawalNonce(ctx context.Context, player string) (uint64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(nonce) FROM withdrawal_requests WHERE player=?`, player).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return uint64(max.Int64) + 1, nil
}

// --------- Helpers ---------

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
