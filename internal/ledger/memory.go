package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"pool-ledger/internal/model"
)

// MemStore is a concurrency-safe in-memory Store. It backs unit tests and
// single-process deployments that do not need durability.
type MemStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	txs      map[string][]model.Transaction // accountID -> log, seq order
	txSeq    int64
	games    map[string]*model.Game
	wagers   map[string]*model.Wager
	wagerSeq map[string]int64 // gameID -> last seq
	bets     map[string]*model.BookedBet
	betSeq   map[string]int64
	snaps    []model.Snapshot
	audits   map[string]*model.AuditRecord // gameID -> record
	auditLog []model.AuditRecord           // insertion order
}

func NewMemStore() *MemStore {
	return &MemStore{
		accounts: make(map[string]*model.Account),
		txs:      make(map[string][]model.Transaction),
		games:    make(map[string]*model.Game),
		wagers:   make(map[string]*model.Wager),
		wagerSeq: make(map[string]int64),
		bets:     make(map[string]*model.BookedBet),
		betSeq:   make(map[string]int64),
		audits:   make(map[string]*model.AuditRecord),
	}
}

// ── Accounts ─────────────────────────────────────────

func (s *MemStore) CreateAccount(_ context.Context, email, passwordHash, displayName string, role model.Role) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Email == email {
			return nil, fmt.Errorf("email already registered")
		}
	}
	a := &model.Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: passwordHash,
		DisplayName:  displayName,
		Role:         role,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	s.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (s *MemStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemStore) GetAccountByEmail(_ context.Context, email string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) DeactivateAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	a.Active = false
	return nil
}

// ── Ledger ───────────────────────────────────────────

func (s *MemStore) Apply(_ context.Context, accountID string, typ model.TxType, amount int64, ref string) (*model.Transaction, error) {
	if typ == model.TxManualAdjust {
		return nil, fmt.Errorf("manual adjustments go through ManualAdjust")
	}
	if amount <= 0 {
		return nil, ErrInvalidStake
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if a.Frozen {
		return nil, ErrAccountFrozen
	}

	switch typ {
	case model.TxStakeHold:
		if !a.Active {
			return nil, ErrAccountInactive
		}
		if a.Balance < amount {
			return nil, ErrInsufficientBalance
		}
	case model.TxStakeRelease, model.TxRefund, model.TxLossDebit:
		if a.Held < amount {
			return nil, fmt.Errorf("held %d cannot cover %s of %d", a.Held, typ, amount)
		}
	}

	return s.appendTx(a, typ, SignAmount(typ, amount), ref, ""), nil
}

func (s *MemStore) ManualAdjust(_ context.Context, accountID string, amount int64, reason string) (*model.Transaction, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	if amount == 0 {
		return nil, ErrInvalidStake
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if a.Frozen {
		return nil, ErrAccountFrozen
	}
	if a.Balance+amount < 0 {
		return nil, ErrInsufficientBalance
	}

	return s.appendTx(a, model.TxManualAdjust, amount, "", reason), nil
}

// appendTx applies the typed delta and appends the log entry. Caller holds
// the write lock and has validated preconditions.
func (s *MemStore) appendTx(a *model.Account, typ model.TxType, signed int64, ref, reason string) *model.Transaction {
	a.Balance, a.Held = NextTx(a.Balance, a.Held, typ, signed)
	s.txSeq++
	tx := model.Transaction{
		Seq:          s.txSeq,
		AccountID:    a.ID,
		Type:         typ,
		Amount:       signed,
		BalanceAfter: a.Balance,
		HeldAfter:    a.Held,
		Ref:          ref,
		Reason:       reason,
		CreatedAt:    time.Now().UTC(),
	}
	s.txs[a.ID] = append(s.txs[a.ID], tx)
	return &tx
}

func (s *MemStore) Transactions(_ context.Context, accountID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.txs[accountID]
	out := make([]model.Transaction, len(log))
	copy(out, log)
	return out, nil
}

func (s *MemStore) Replay(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replayLocked(accountID)
}

func (s *MemStore) replayLocked(accountID string) error {
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	balance, held := ReplayTransactions(s.txs[accountID])
	if balance != a.Balance || held != a.Held {
		a.Frozen = true
		return fmt.Errorf("account %s: replay (%d,%d) vs stored (%d,%d): %w",
			accountID, balance, held, a.Balance, a.Held, ErrCorruptReplay)
	}
	return nil
}

func (s *MemStore) Reconcile(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if err := s.replayLocked(accountID); err != nil {
		return err
	}
	a.Frozen = false
	return nil
}

// ── Games ────────────────────────────────────────────

func (s *MemStore) CreateGame(_ context.Context, arenaID string) (*model.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &model.Game{
		ID:        uuid.New().String(),
		ArenaID:   arenaID,
		Status:    model.GameOpen,
		CreatedAt: time.Now().UTC(),
	}
	s.games[g.ID] = g
	cp := *g
	return &cp, nil
}

func (s *MemStore) GetGame(_ context.Context, id string) (*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.games[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (s *MemStore) ListGames(_ context.Context, arenaID string) ([]model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Game
	for _, g := range s.games {
		if arenaID == "" || g.ArenaID == arenaID {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) OpenGames(_ context.Context) ([]model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Game
	for _, g := range s.games {
		if g.Status == model.GameOpen {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) SetGameStatus(_ context.Context, id string, status model.GameStatus, winner *model.Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[id]
	if !ok {
		return fmt.Errorf("game not found")
	}
	if g.Status == model.GameSettled {
		return ErrImmutableRecord
	}
	g.Status = status
	if winner != nil {
		w := *winner
		g.WinningSide = &w
	}
	if status == model.GameSettled {
		now := time.Now().UTC()
		g.SettledAt = &now
	}
	return nil
}

// ── Wagers / Booked Bets ─────────────────────────────

func (s *MemStore) InsertWager(_ context.Context, w *model.Wager) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.wagers[w.ID]; exists {
		return fmt.Errorf("wager %s already exists", w.ID)
	}
	if w.Seq == 0 {
		s.wagerSeq[w.GameID]++
		w.Seq = s.wagerSeq[w.GameID]
	} else if w.Seq > s.wagerSeq[w.GameID] {
		s.wagerSeq[w.GameID] = w.Seq
	}
	cp := *w
	s.wagers[w.ID] = &cp
	return nil
}

func (s *MemStore) GetWager(_ context.Context, id string) (*model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wagers[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *MemStore) TransitionWager(_ context.Context, id string, from, to model.WagerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wagers[id]
	if !ok {
		return fmt.Errorf("wager not found")
	}
	if w.Status.Terminal() {
		return ErrImmutableRecord
	}
	if w.Status != from {
		return fmt.Errorf("wager %s is %s, not %s", id, w.Status, from)
	}
	w.Status = to
	return nil
}

func (s *MemStore) WagersByGame(_ context.Context, gameID string, statuses ...model.WagerStatus) ([]model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Wager
	for _, w := range s.wagers {
		if w.GameID != gameID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, w.Status) {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemStore) InsertBookedBet(_ context.Context, b *model.BookedBet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bets[b.ID]; exists {
		return fmt.Errorf("booked bet %s already exists", b.ID)
	}
	if b.Seq == 0 {
		s.betSeq[b.GameID]++
		b.Seq = s.betSeq[b.GameID]
	}
	cp := *b
	s.bets[b.ID] = &cp
	return nil
}

func (s *MemStore) BetsByGame(_ context.Context, gameID string) ([]model.BookedBet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.BookedBet
	for _, b := range s.bets {
		if b.GameID == gameID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemStore) MarkBetSettled(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bets[id]
	if !ok {
		return fmt.Errorf("booked bet not found")
	}
	if b.Settled {
		return ErrImmutableRecord
	}
	b.Settled = true
	return nil
}

// ── Snapshots / Audit Records ────────────────────────

func (s *MemStore) SaveSnapshot(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, *snap)
	return nil
}

func (s *MemStore) SaveAuditRecord(_ context.Context, r *model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.audits[r.GameID]; exists {
		return ErrImmutableRecord
	}
	cp := *r
	s.audits[r.GameID] = &cp
	s.auditLog = append(s.auditLog, cp)
	return nil
}

func (s *MemStore) GetAuditRecord(_ context.Context, gameID string) (*model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.audits[gameID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) AuditRecords(_ context.Context, arenaID string) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AuditRecord
	for _, r := range s.auditLog {
		if arenaID == "" || r.ArenaID == arenaID {
			out = append(out, r)
		}
	}
	return out, nil
}

func containsStatus(list []model.WagerStatus, st model.WagerStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}
