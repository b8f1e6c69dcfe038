package ledger

import (
	"context"
	"errors"

	"pool-ledger/internal/model"
)

var (
	// ErrInvalidStake occurs when a wager or adjustment carries a
	// non-positive amount.
	ErrInvalidStake = errors.New("invalid stake")

	// ErrInsufficientBalance occurs when a hold would exceed the account's
	// spendable balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAccountNotFound occurs when the referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountInactive occurs when a deactivated account attempts a hold.
	ErrAccountInactive = errors.New("account inactive")

	// ErrAccountFrozen occurs when writes are attempted against an account
	// halted by a failed replay, pending manual reconciliation.
	ErrAccountFrozen = errors.New("account frozen pending manual audit")

	// ErrCorruptReplay indicates replaying an account's transactions did not
	// reproduce its stored balance. The account is frozen until reconciled.
	ErrCorruptReplay = errors.New("ledger replay does not reproduce balance")

	// ErrReasonRequired occurs when a manual adjustment is attempted without
	// an operator-supplied reason.
	ErrReasonRequired = errors.New("manual adjustment requires a reason")

	// ErrImmutableRecord occurs on any attempt to mutate a record already in
	// the hard ledger.
	ErrImmutableRecord = errors.New("record is immutable")
)

// Store is the durable home of accounts, the append-only transaction log,
// and the hard ledger of settled games. Balances are mutated only through
// Apply and ManualAdjust; settled wagers, booked bets and audit records
// have no update or delete path.
type Store interface {
	// Accounts. Accounts are never deleted, only deactivated.
	CreateAccount(ctx context.Context, email, passwordHash, displayName string, role model.Role) (*model.Account, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	DeactivateAccount(ctx context.Context, id string) error

	// Ledger. Apply appends one typed transaction; amount is the positive
	// stake or paired amount, signed internally per type. ManualAdjust is
	// the only operation that may change the system's total coin supply.
	Apply(ctx context.Context, accountID string, typ model.TxType, amount int64, ref string) (*model.Transaction, error)
	ManualAdjust(ctx context.Context, accountID string, amount int64, reason string) (*model.Transaction, error)
	Transactions(ctx context.Context, accountID string) ([]model.Transaction, error)
	// Replay re-derives the account's balances from its transaction log.
	// On mismatch the account is frozen and ErrCorruptReplay returned.
	Replay(ctx context.Context, accountID string) error
	// Reconcile re-runs replay for a frozen account and unfreezes it if the
	// log now reproduces the stored balances.
	Reconcile(ctx context.Context, accountID string) error

	// Games.
	CreateGame(ctx context.Context, arenaID string) (*model.Game, error)
	GetGame(ctx context.Context, id string) (*model.Game, error)
	ListGames(ctx context.Context, arenaID string) ([]model.Game, error)
	OpenGames(ctx context.Context) ([]model.Game, error)
	SetGameStatus(ctx context.Context, id string, status model.GameStatus, winner *model.Side) error

	// Wagers and booked bets.
	InsertWager(ctx context.Context, w *model.Wager) error
	GetWager(ctx context.Context, id string) (*model.Wager, error)
	// TransitionWager moves a wager from one status to another, enforcing
	// that terminal states are never left.
	TransitionWager(ctx context.Context, id string, from, to model.WagerStatus) error
	WagersByGame(ctx context.Context, gameID string, statuses ...model.WagerStatus) ([]model.Wager, error)
	InsertBookedBet(ctx context.Context, b *model.BookedBet) error
	BetsByGame(ctx context.Context, gameID string) ([]model.BookedBet, error)
	MarkBetSettled(ctx context.Context, id string) error

	// Snapshots and audit records (hard ledger).
	SaveSnapshot(ctx context.Context, s *model.Snapshot) error
	SaveAuditRecord(ctx context.Context, r *model.AuditRecord) error
	GetAuditRecord(ctx context.Context, gameID string) (*model.AuditRecord, error)
	AuditRecords(ctx context.Context, arenaID string) ([]model.AuditRecord, error)
}

// NextTx computes the account state after one transaction. This is the
// single definition of how each transaction type moves coins; both store
// implementations and replay verification go through it.
//
// amount is signed as stored on the transaction: negative for holds and
// loss debits, positive for releases, refunds and payouts, either for
// manual adjustments.
func NextTx(balance, held int64, typ model.TxType, amount int64) (int64, int64) {
	switch typ {
	case model.TxStakeHold:
		// Coins move from spendable into escrow.
		return balance + amount, held - amount
	case model.TxStakeRelease, model.TxRefund:
		// Escrow returns to spendable.
		return balance + amount, held - amount
	case model.TxWinPayout:
		// Opponent's paired stake arrives as spendable coins.
		return balance + amount, held
	case model.TxLossDebit:
		// Escrowed stake is consumed with no refund.
		return balance, held + amount
	case model.TxManualAdjust:
		return balance + amount, held
	}
	return balance, held
}

// SignAmount converts a positive stake/paired amount into the signed value
// stored on a transaction of the given type.
func SignAmount(typ model.TxType, amount int64) int64 {
	switch typ {
	case model.TxStakeHold, model.TxLossDebit:
		return -amount
	default:
		return amount
	}
}

// ReplayTransactions folds an account's transaction log from a zero seed
// and returns the resulting balance and held amounts.
func ReplayTransactions(txs []model.Transaction) (balance, held int64) {
	for _, tx := range txs {
		balance, held = NextTx(balance, held, tx.Type, tx.Amount)
	}
	return balance, held
}
