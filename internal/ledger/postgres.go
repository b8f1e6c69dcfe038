package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"pool-ledger/internal/model"
)

// PGStore is the durable Store backed by Postgres.
type PGStore struct{ DB *sql.DB }

func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PGStore{DB: db}, nil
}

func (s *PGStore) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// ── Accounts ─────────────────────────────────────────

func (s *PGStore) CreateAccount(ctx context.Context, email, passwordHash, displayName string, role model.Role) (*model.Account, error) {
	a := &model.Account{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO accounts (email, password_hash, display_name, role) VALUES ($1,$2,$3,$4)
		 RETURNING id, email, password_hash, display_name, role, balance, held, active, frozen, created_at`,
		email, passwordHash, displayName, role,
	).Scan(&a.ID, &a.Email, &a.PasswordHash, &a.DisplayName, &a.Role, &a.Balance, &a.Held, &a.Active, &a.Frozen, &a.CreatedAt)
	return a, err
}

func (s *PGStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.scanAccount(s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, display_name, role, balance, held, active, frozen, created_at
		 FROM accounts WHERE id=$1`, id))
}

func (s *PGStore) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return s.scanAccount(s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, display_name, role, balance, held, active, frozen, created_at
		 FROM accounts WHERE email=$1`, email))
}

func (s *PGStore) scanAccount(row *sql.Row) (*model.Account, error) {
	a := &model.Account{}
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.DisplayName, &a.Role, &a.Balance, &a.Held, &a.Active, &a.Frozen, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *PGStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, email, password_hash, display_name, role, balance, held, active, frozen, created_at
		 FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.DisplayName, &a.Role, &a.Balance, &a.Held, &a.Active, &a.Frozen, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) DeactivateAccount(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts SET active=false WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ── Ledger ───────────────────────────────────────────

func (s *PGStore) Apply(ctx context.Context, accountID string, typ model.TxType, amount int64, ref string) (*model.Transaction, error) {
	if typ == model.TxManualAdjust {
		return nil, fmt.Errorf("manual adjustments go through ManualAdjust")
	}
	if amount <= 0 {
		return nil, ErrInvalidStake
	}
	return s.post(ctx, accountID, typ, SignAmount(typ, amount), ref, "")
}

func (s *PGStore) ManualAdjust(ctx context.Context, accountID string, amount int64, reason string) (*model.Transaction, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	if amount == 0 {
		return nil, ErrInvalidStake
	}
	return s.post(ctx, accountID, model.TxManualAdjust, amount, "", reason)
}

// post appends one transaction under a row lock so the balance check and
// the write cannot interleave with a concurrent hold.
func (s *PGStore) post(ctx context.Context, accountID string, typ model.TxType, signed int64, ref, reason string) (*model.Transaction, error) {
	dbTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback()

	a := &model.Account{}
	err = dbTx.QueryRow(
		`SELECT id, balance, held, active, frozen FROM accounts WHERE id=$1 FOR UPDATE`, accountID,
	).Scan(&a.ID, &a.Balance, &a.Held, &a.Active, &a.Frozen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.Frozen {
		return nil, ErrAccountFrozen
	}

	switch typ {
	case model.TxStakeHold:
		if !a.Active {
			return nil, ErrAccountInactive
		}
		if a.Balance < -signed {
			return nil, ErrInsufficientBalance
		}
	case model.TxStakeRelease, model.TxRefund:
		if a.Held < signed {
			return nil, fmt.Errorf("held %d cannot cover %s of %d", a.Held, typ, signed)
		}
	case model.TxLossDebit:
		if a.Held < -signed {
			return nil, fmt.Errorf("held %d cannot cover %s of %d", a.Held, typ, -signed)
		}
	case model.TxManualAdjust:
		if a.Balance+signed < 0 {
			return nil, ErrInsufficientBalance
		}
	}

	balance, held := NextTx(a.Balance, a.Held, typ, signed)
	if _, err := dbTx.Exec(`UPDATE accounts SET balance=$1, held=$2 WHERE id=$3`, balance, held, accountID); err != nil {
		return nil, err
	}

	out := &model.Transaction{
		AccountID:    accountID,
		Type:         typ,
		Amount:       signed,
		BalanceAfter: balance,
		HeldAfter:    held,
		Ref:          ref,
		Reason:       reason,
	}
	err = dbTx.QueryRow(
		`INSERT INTO transactions (account_id, type, amount, balance_after, held_after, ref, reason)
		 VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''))
		 RETURNING seq, created_at`,
		accountID, typ, signed, balance, held, ref, reason,
	).Scan(&out.Seq, &out.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := dbTx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) Transactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT seq, account_id, type, amount, balance_after, held_after, COALESCE(ref,''), COALESCE(reason,''), created_at
		 FROM transactions WHERE account_id=$1 ORDER BY seq`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.Seq, &t.AccountID, &t.Type, &t.Amount, &t.BalanceAfter, &t.HeldAfter, &t.Ref, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) Replay(ctx context.Context, accountID string) error {
	txs, err := s.Transactions(ctx, accountID)
	if err != nil {
		return err
	}
	a, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if a == nil {
		return ErrAccountNotFound
	}
	balance, held := ReplayTransactions(txs)
	if balance != a.Balance || held != a.Held {
		if _, err := s.DB.ExecContext(ctx, `UPDATE accounts SET frozen=true WHERE id=$1`, accountID); err != nil {
			return err
		}
		return fmt.Errorf("account %s: replay (%d,%d) vs stored (%d,%d): %w",
			accountID, balance, held, a.Balance, a.Held, ErrCorruptReplay)
	}
	return nil
}

func (s *PGStore) Reconcile(ctx context.Context, accountID string) error {
	if err := s.Replay(ctx, accountID); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE accounts SET frozen=false WHERE id=$1`, accountID)
	return err
}

// ── Games ────────────────────────────────────────────

func (s *PGStore) CreateGame(ctx context.Context, arenaID string) (*model.Game, error) {
	g := &model.Game{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO games (arena_id) VALUES ($1)
		 RETURNING id, arena_id, status, winning_side, created_at, settled_at`, arenaID,
	).Scan(&g.ID, &g.ArenaID, &g.Status, &g.WinningSide, &g.CreatedAt, &g.SettledAt)
	return g, err
}

func (s *PGStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	g := &model.Game{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, arena_id, status, winning_side, created_at, settled_at FROM games WHERE id=$1`, id,
	).Scan(&g.ID, &g.ArenaID, &g.Status, &g.WinningSide, &g.CreatedAt, &g.SettledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

func (s *PGStore) ListGames(ctx context.Context, arenaID string) ([]model.Game, error) {
	return s.queryGames(ctx,
		`SELECT id, arena_id, status, winning_side, created_at, settled_at FROM games
		 WHERE ($1 = '' OR arena_id=$1) ORDER BY created_at`, arenaID)
}

func (s *PGStore) OpenGames(ctx context.Context) ([]model.Game, error) {
	return s.queryGames(ctx,
		`SELECT id, arena_id, status, winning_side, created_at, settled_at FROM games
		 WHERE status='OPEN' ORDER BY created_at`)
}

func (s *PGStore) queryGames(ctx context.Context, q string, args ...any) ([]model.Game, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Game
	for rows.Next() {
		var g model.Game
		if err := rows.Scan(&g.ID, &g.ArenaID, &g.Status, &g.WinningSide, &g.CreatedAt, &g.SettledAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PGStore) SetGameStatus(ctx context.Context, id string, status model.GameStatus, winner *model.Side) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE games SET status=$1,
		        winning_side=COALESCE($2, winning_side),
		        settled_at=CASE WHEN $1='SETTLED' THEN now() ELSE settled_at END
		 WHERE id=$3 AND status <> 'SETTLED'`, status, winner, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrImmutableRecord
	}
	return nil
}

// ── Wagers / Booked Bets ─────────────────────────────

func (s *PGStore) InsertWager(ctx context.Context, w *model.Wager) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	return s.DB.QueryRowContext(ctx,
		`INSERT INTO wagers (id, game_id, account_id, side, stake, status, seq, parent_id, submitted_at)
		 VALUES ($1,$2,$3,$4,$5,$6,
		         CASE WHEN $7 > 0 THEN $7 ELSE (SELECT COALESCE(MAX(seq),0)+1 FROM wagers WHERE game_id=$2) END,
		         $8,$9)
		 RETURNING seq`,
		w.ID, w.GameID, w.AccountID, w.Side, w.Stake, w.Status, w.Seq, w.ParentID, w.SubmittedAt,
	).Scan(&w.Seq)
}

func (s *PGStore) GetWager(ctx context.Context, id string) (*model.Wager, error) {
	w := &model.Wager{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, game_id, account_id, side, stake, status, seq, parent_id, submitted_at
		 FROM wagers WHERE id=$1`, id,
	).Scan(&w.ID, &w.GameID, &w.AccountID, &w.Side, &w.Stake, &w.Status, &w.Seq, &w.ParentID, &w.SubmittedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *PGStore) TransitionWager(ctx context.Context, id string, from, to model.WagerStatus) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE wagers SET status=$1 WHERE id=$2 AND status=$3`, to, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		w, err := s.GetWager(ctx, id)
		if err != nil {
			return err
		}
		if w == nil {
			return fmt.Errorf("wager not found")
		}
		if w.Status.Terminal() {
			return ErrImmutableRecord
		}
		return fmt.Errorf("wager %s is %s, not %s", id, w.Status, from)
	}
	return nil
}

func (s *PGStore) WagersByGame(ctx context.Context, gameID string, statuses ...model.WagerStatus) ([]model.Wager, error) {
	q := `SELECT id, game_id, account_id, side, stake, status, seq, parent_id, submitted_at
	      FROM wagers WHERE game_id=$1`
	args := []any{gameID}
	if len(statuses) > 0 {
		q += ` AND status = ANY($2)`
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		args = append(args, pq.Array(ss))
	}
	q += ` ORDER BY seq`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Wager
	for rows.Next() {
		var w model.Wager
		if err := rows.Scan(&w.ID, &w.GameID, &w.AccountID, &w.Side, &w.Stake, &w.Status, &w.Seq, &w.ParentID, &w.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PGStore) InsertBookedBet(ctx context.Context, b *model.BookedBet) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	return s.DB.QueryRowContext(ctx,
		`INSERT INTO booked_bets (id, game_id, amount, wager_a, wager_b, account_a, account_b, seq, booked_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,
		         (SELECT COALESCE(MAX(seq),0)+1 FROM booked_bets WHERE game_id=$2), $8)
		 RETURNING seq`,
		b.ID, b.GameID, b.Amount, b.WagerA, b.WagerB, b.AccountA, b.AccountB, b.BookedAt,
	).Scan(&b.Seq)
}

func (s *PGStore) BetsByGame(ctx context.Context, gameID string) ([]model.BookedBet, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, game_id, amount, wager_a, wager_b, account_a, account_b, seq, settled, booked_at
		 FROM booked_bets WHERE game_id=$1 ORDER BY seq`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BookedBet
	for rows.Next() {
		var b model.BookedBet
		if err := rows.Scan(&b.ID, &b.GameID, &b.Amount, &b.WagerA, &b.WagerB, &b.AccountA, &b.AccountB, &b.Seq, &b.Settled, &b.BookedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkBetSettled(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE booked_bets SET settled=true WHERE id=$1 AND settled=false`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrImmutableRecord
	}
	return nil
}

// ── Snapshots / Audit Records ────────────────────────

func (s *PGStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	balances, err := json.Marshal(snap.Balances)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO snapshots (arena_id, game_id, phase, total, balances, taken_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		snap.ArenaID, snap.GameID, snap.Phase, snap.Total, balances, snap.TakenAt)
	return err
}

func (s *PGStore) SaveAuditRecord(ctx context.Context, r *model.AuditRecord) error {
	pre, err := json.Marshal(r.Pre)
	if err != nil {
		return err
	}
	post, err := json.Marshal(r.Post)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO audit_records (game_id, arena_id, pre, post, delta, winner_gain, loser_loss, balanced, prev_hash, hash, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.GameID, r.ArenaID, pre, post, r.Delta, r.WinnerGain, r.LoserLoss, r.Balanced, r.PrevHash, r.Hash, r.CreatedAt)
	return err
}

func (s *PGStore) GetAuditRecord(ctx context.Context, gameID string) (*model.AuditRecord, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT game_id, arena_id, pre, post, delta, winner_gain, loser_loss, balanced, prev_hash, hash, created_at
		 FROM audit_records WHERE game_id=$1`, gameID)
	r, err := scanAuditRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *PGStore) AuditRecords(ctx context.Context, arenaID string) ([]model.AuditRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT game_id, arena_id, pre, post, delta, winner_gain, loser_loss, balanced, prev_hash, hash, created_at
		 FROM audit_records WHERE ($1 = '' OR arena_id=$1) ORDER BY created_at`, arenaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditRecord
	for rows.Next() {
		r, err := scanAuditRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanAuditRecord(scan func(...any) error) (*model.AuditRecord, error) {
	r := &model.AuditRecord{}
	var pre, post []byte
	if err := scan(&r.GameID, &r.ArenaID, &pre, &post, &r.Delta, &r.WinnerGain, &r.LoserLoss, &r.Balanced, &r.PrevHash, &r.Hash, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(pre, &r.Pre); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(post, &r.Post); err != nil {
		return nil, err
	}
	return r, nil
}
