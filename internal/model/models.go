package model

import "time"

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// Opposite returns the other side of a game.
func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

func (s Side) Valid() bool { return s == SideA || s == SideB }

type GameStatus string

const (
	GameOpen     GameStatus = "OPEN"
	GameSettling GameStatus = "SETTLING"
	GameSettled  GameStatus = "SETTLED"
)

type WagerStatus string

const (
	WagerPending  WagerStatus = "PENDING"
	WagerBooked   WagerStatus = "BOOKED"
	WagerWon      WagerStatus = "SETTLED_WON"
	WagerLost     WagerStatus = "SETTLED_LOST"
	WagerRefunded WagerStatus = "REFUNDED"
)

// Terminal reports whether the status is immutable.
func (s WagerStatus) Terminal() bool {
	return s == WagerWon || s == WagerLost || s == WagerRefunded
}

type TxType string

const (
	TxStakeHold    TxType = "STAKE_HOLD"
	TxStakeRelease TxType = "STAKE_RELEASE"
	TxWinPayout    TxType = "WIN_PAYOUT"
	TxLossDebit    TxType = "LOSS_DEBIT"
	TxRefund       TxType = "REFUND"
	TxManualAdjust TxType = "MANUAL_ADJUST"
)

type SnapshotPhase string

const (
	PhasePreGame     SnapshotPhase = "PRE_GAME"
	PhaseBetsPlaced  SnapshotPhase = "BETS_PLACED"
	PhaseBetsMatched SnapshotPhase = "BETS_MATCHED"
	PhasePostGame    SnapshotPhase = "POST_GAME"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ── Domain Objects ───────────────────────────────────

type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	Role         Role      `json:"role"`
	Balance      int64     `json:"balance"`
	Held         int64     `json:"held"`
	Active       bool      `json:"active"`
	Frozen       bool      `json:"frozen"`
	CreatedAt    time.Time `json:"created_at"`
}

// Total is the account's full coin count including escrowed stakes.
// Holds move coins from Balance into Held, so Balance alone is the
// spendable amount.
func (a Account) Total() int64 { return a.Balance + a.Held }

type Game struct {
	ID          string     `json:"id"`
	ArenaID     string     `json:"arena_id"`
	Status      GameStatus `json:"status"`
	WinningSide *Side      `json:"winning_side,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

type Wager struct {
	ID          string      `json:"id"`
	GameID      string      `json:"game_id"`
	AccountID   string      `json:"account_id"`
	Side        Side        `json:"side"`
	Stake       int64       `json:"stake"`
	Status      WagerStatus `json:"status"`
	Seq         int64       `json:"seq"`
	ParentID    *string     `json:"parent_id,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

type BookedBet struct {
	ID       string    `json:"id"`
	GameID   string    `json:"game_id"`
	Amount   int64     `json:"amount"`
	WagerA   string    `json:"wager_a"`
	WagerB   string    `json:"wager_b"`
	AccountA string    `json:"account_a"`
	AccountB string    `json:"account_b"`
	Seq      int64     `json:"seq"`
	Settled  bool      `json:"settled"`
	BookedAt time.Time `json:"booked_at"`
}

type Transaction struct {
	Seq          int64     `json:"seq"`
	AccountID    string    `json:"account_id"`
	Type         TxType    `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	HeldAfter    int64     `json:"held_after"`
	Ref          string    `json:"ref,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Snapshot struct {
	ArenaID  string           `json:"arena_id"`
	GameID   string           `json:"game_id"`
	Phase    SnapshotPhase    `json:"phase"`
	Total    int64            `json:"total"`
	Balances map[string]int64 `json:"balances"`
	TakenAt  time.Time        `json:"taken_at"`
}

type AuditRecord struct {
	GameID     string    `json:"game_id"`
	ArenaID    string    `json:"arena_id"`
	Pre        Snapshot  `json:"pre"`
	Post       Snapshot  `json:"post"`
	Delta      int64     `json:"delta"`
	WinnerGain int64     `json:"winner_gain"`
	LoserLoss  int64     `json:"loser_loss"`
	Balanced   bool      `json:"balanced"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// Severity ranks a record by the magnitude of its coin delta.
func (r AuditRecord) Severity() Severity {
	d := r.Delta
	if d < 0 {
		d = -d
	}
	switch {
	case d > 100:
		return SeverityCritical
	case d > 50:
		return SeverityHigh
	case d > 10:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ── API Types ────────────────────────────────────────

type SubmitWagerReq struct {
	Side  Side  `json:"side"`
	Stake int64 `json:"stake"`
}

type SubmitWagerResult struct {
	WagerID string      `json:"wager_id"`
	Status  WagerStatus `json:"status"`
	Booked  []BookedBet `json:"booked"`
}

type QueueSnapshot struct {
	SideA []Wager `json:"side_a"`
	SideB []Wager `json:"side_b"`
}

type SettleResult struct {
	Record   AuditRecord `json:"record"`
	Settled  int         `json:"settled_bets"`
	Refunded int         `json:"refunded_wagers"`
}

type HealthSummary struct {
	ArenaID    string    `json:"arena_id"`
	Games      int       `json:"games"`
	Balanced   int       `json:"balanced"`
	Unbalanced int       `json:"unbalanced"`
	Anomalies  []Anomaly `json:"anomalies"`
	ChainOK    bool      `json:"chain_ok"`
}

type Anomaly struct {
	GameID   string   `json:"game_id"`
	Delta    int64    `json:"delta"`
	Severity Severity `json:"severity"`
}
