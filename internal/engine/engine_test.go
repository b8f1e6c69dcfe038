package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"pool-ledger/internal/audit"
	"pool-ledger/internal/ledger"
	"pool-ledger/internal/model"
)

func newTestEngine(t *testing.T) (*GameEngine, *ledger.MemStore) {
	t.Helper()
	store := ledger.NewMemStore()
	auditor := audit.New(store)
	game, err := store.CreateGame(context.Background(), "arena-1")
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	eng, err := newGameEngine(context.Background(), *game, store, auditor, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng, store
}

func fundedAccount(t *testing.T, store *ledger.MemStore, n int, coins int64) *model.Account {
	t.Helper()
	ctx := context.Background()
	acct, err := store.CreateAccount(ctx, fmt.Sprintf("player%d@test.local", n), "x", fmt.Sprintf("Player %d", n), model.RoleUser)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := store.ManualAdjust(ctx, acct.ID, coins, "initial deposit"); err != nil {
		t.Fatalf("fund account: %v", err)
	}
	return acct
}

func accountState(t *testing.T, store *ledger.MemStore, id string) (balance, held int64) {
	t.Helper()
	acct, err := store.GetAccount(context.Background(), id)
	if err != nil || acct == nil {
		t.Fatalf("get account %s: %v", id, err)
	}
	return acct.Balance, acct.Held
}

func totalCoins(t *testing.T, store *ledger.MemStore) int64 {
	t.Helper()
	accounts, err := store.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	var sum int64
	for _, a := range accounts {
		sum += a.Total()
	}
	return sum
}

func TestEqualStakesBookFully(t *testing.T) {
	eng, store := newTestEngine(t)
	p1 := fundedAccount(t, store, 1, 500)
	p2 := fundedAccount(t, store, 2, 500)

	r1, err := eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100})
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if r1.Status != model.WagerPending || len(r1.Booked) != 0 {
		t.Fatalf("expected pending with no bets, got %s with %d bets", r1.Status, len(r1.Booked))
	}
	if bal, held := accountState(t, store, p1.ID); bal != 400 || held != 100 {
		t.Fatalf("expected 400/100 after hold, got %d/%d", bal, held)
	}

	r2, err := eng.submit(p2.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 100})
	if err != nil {
		t.Fatalf("submit B: %v", err)
	}
	if len(r2.Booked) != 1 || r2.Booked[0].Amount != 100 {
		t.Fatalf("expected one bet of 100, got %+v", r2.Booked)
	}
	if r2.Status != model.WagerBooked {
		t.Fatalf("expected booked, got %s", r2.Status)
	}

	snap := eng.queue.Snapshot()
	if len(snap.SideA) != 0 || len(snap.SideB) != 0 {
		t.Fatalf("expected empty queues, got %d/%d", len(snap.SideA), len(snap.SideB))
	}
}

func TestSplitKeepsQueuePriority(t *testing.T) {
	eng, store := newTestEngine(t)
	p1 := fundedAccount(t, store, 1, 500)
	p2 := fundedAccount(t, store, 2, 500)
	p3 := fundedAccount(t, store, 3, 500)

	if _, err := eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 150}); err != nil {
		t.Fatalf("submit A1: %v", err)
	}
	if _, err := eng.submit(p2.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100}); err != nil {
		t.Fatalf("submit A2: %v", err)
	}

	// B's 100 pairs with the oldest A wager; the 50 remainder must keep
	// A1's place ahead of A2.
	r, err := eng.submit(p3.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 100})
	if err != nil {
		t.Fatalf("submit B: %v", err)
	}
	if len(r.Booked) != 1 || r.Booked[0].Amount != 100 {
		t.Fatalf("expected one bet of 100, got %+v", r.Booked)
	}

	snap := eng.queue.Snapshot()
	if len(snap.SideA) != 2 {
		t.Fatalf("expected 2 pending on A, got %d", len(snap.SideA))
	}
	front := snap.SideA[0]
	if front.Stake != 50 || front.AccountID != p1.ID || front.ParentID == nil {
		t.Fatalf("expected p1's 50-coin remainder at the front, got %+v", front)
	}
	if snap.SideA[1].AccountID != p2.ID {
		t.Fatalf("expected p2's wager second, got %+v", snap.SideA[1])
	}

	// Next counter-wager must consume the remainder before p2's wager.
	r2, err := eng.submit(p3.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 60})
	if err != nil {
		t.Fatalf("submit B2: %v", err)
	}
	if len(r2.Booked) != 2 {
		t.Fatalf("expected 2 bets, got %d", len(r2.Booked))
	}
	if r2.Booked[0].Amount != 50 || r2.Booked[0].AccountA != p1.ID {
		t.Fatalf("expected remainder bet of 50 with p1 first, got %+v", r2.Booked[0])
	}
	if r2.Booked[1].Amount != 10 || r2.Booked[1].AccountA != p2.ID {
		t.Fatalf("expected bet of 10 with p2 second, got %+v", r2.Booked[1])
	}
}

func TestParentRecordKeepsOriginalStake(t *testing.T) {
	eng, store := newTestEngine(t)
	p1 := fundedAccount(t, store, 1, 500)
	p2 := fundedAccount(t, store, 2, 500)

	r1, err := eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 150})
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if _, err := eng.submit(p2.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 100}); err != nil {
		t.Fatalf("submit B: %v", err)
	}

	parent, err := store.GetWager(context.Background(), r1.WagerID)
	if err != nil || parent == nil {
		t.Fatalf("get parent: %v", err)
	}
	if parent.Stake != 150 || parent.Status != model.WagerBooked {
		t.Fatalf("expected parent booked with full stake 150, got %d %s", parent.Stake, parent.Status)
	}
}

func TestZeroStakeRejectedNoMutation(t *testing.T) {
	eng, store := newTestEngine(t)
	p1 := fundedAccount(t, store, 1, 500)

	before := totalCoins(t, store)
	txsBefore, _ := store.Transactions(context.Background(), p1.ID)

	_, err := eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 0})
	if !errors.Is(err, ledger.ErrInvalidStake) {
		t.Fatalf("expected ErrInvalidStake, got %v", err)
	}

	if bal, held := accountState(t, store, p1.ID); bal != 500 || held != 0 {
		t.Fatalf("account mutated: %d/%d", bal, held)
	}
	txsAfter, _ := store.Transactions(context.Background(), p1.ID)
	if len(txsAfter) != len(txsBefore) {
		t.Fatalf("transaction written for rejected wager")
	}
	if after := totalCoins(t, store); after != before {
		t.Fatalf("total coins changed: %d -> %d", before, after)
	}
	if eng.queue.Len() != 0 {
		t.Fatalf("queue not empty after rejection")
	}
}

func TestInsufficientBalanceRejected(t *testing.T) {
	eng, store := newTestEngine(t)
	p1 := fundedAccount(t, store, 1, 50)

	_, err := eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if bal, held := accountState(t, store, p1.ID); bal != 50 || held != 0 {
		t.Fatalf("account mutated: %d/%d", bal, held)
	}
}

func TestCancelPendingRefundsHold(t *testing.T) {
	eng, store := newTestEngine(t)
	p1 := fundedAccount(t, store, 1, 500)

	r, err := eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := eng.cancel(r.WagerID, p1.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if bal, held := accountState(t, store, p1.ID); bal != 500 || held != 0 {
		t.Fatalf("expected full refund, got %d/%d", bal, held)
	}
	w, _ := store.GetWager(context.Background(), r.WagerID)
	if w.Status != model.WagerRefunded {
		t.Fatalf("expected refunded, got %s", w.Status)
	}

	// Second cancel: the wager is terminal now.
	if err := eng.cancel(r.WagerID, p1.ID); !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("expected ErrNotCancelable, got %v", err)
	}
}

func TestCancelBookedAndForeignWagers(t *testing.T) {
	eng, store := newTestEngine(t)
	p1 := fundedAccount(t, store, 1, 500)
	p2 := fundedAccount(t, store, 2, 500)

	r1, _ := eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100})
	if err := eng.cancel(r1.WagerID, p2.ID); !errors.Is(err, ErrNotYourWager) {
		t.Fatalf("expected ErrNotYourWager, got %v", err)
	}

	if _, err := eng.submit(p2.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 100}); err != nil {
		t.Fatalf("submit B: %v", err)
	}
	if err := eng.cancel(r1.WagerID, p1.ID); !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("expected ErrNotCancelable for booked wager, got %v", err)
	}
}

func TestSettleMovesStakes(t *testing.T) {
	eng, store := newTestEngine(t)
	p1 := fundedAccount(t, store, 1, 500)
	p2 := fundedAccount(t, store, 2, 500)

	if _, err := eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100}); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if _, err := eng.submit(p2.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 100}); err != nil {
		t.Fatalf("submit B: %v", err)
	}

	res, err := eng.settle(model.SideA)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Settled != 1 || res.Refunded != 0 {
		t.Fatalf("expected 1 settled 0 refunded, got %d/%d", res.Settled, res.Refunded)
	}
	if !res.Record.Balanced || res.Record.Delta != 0 {
		t.Fatalf("expected balanced record, got delta=%d", res.Record.Delta)
	}
	if res.Record.WinnerGain != 100 || res.Record.LoserLoss != 100 {
		t.Fatalf("expected gain=loss=100, got %d/%d", res.Record.WinnerGain, res.Record.LoserLoss)
	}

	if bal, held := accountState(t, store, p1.ID); bal != 600 || held != 0 {
		t.Fatalf("winner: expected 600/0, got %d/%d", bal, held)
	}
	if bal, held := accountState(t, store, p2.ID); bal != 400 || held != 0 {
		t.Fatalf("loser: expected 400/0, got %d/%d", bal, held)
	}

	g, _ := store.GetGame(context.Background(), eng.game.ID)
	if g.Status != model.GameSettled || g.WinningSide == nil || *g.WinningSide != model.SideA {
		t.Fatalf("expected settled with winner A, got %+v", g)
	}
}

func TestSettleRefundsPendingRemainder(t *testing.T) {
	eng, store := newTestEngine(t)
	p1 := fundedAccount(t, store, 1, 500)
	p2 := fundedAccount(t, store, 2, 500)

	if _, err := eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 150}); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if _, err := eng.submit(p2.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 100}); err != nil {
		t.Fatalf("submit B: %v", err)
	}

	res, err := eng.settle(model.SideB)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Settled != 1 || res.Refunded != 1 {
		t.Fatalf("expected 1 settled 1 refunded, got %d/%d", res.Settled, res.Refunded)
	}

	// p1 lost the matched 100 and got the unmatched 50 back in full.
	if bal, held := accountState(t, store, p1.ID); bal != 400 || held != 0 {
		t.Fatalf("loser: expected 400/0, got %d/%d", bal, held)
	}
	if bal, held := accountState(t, store, p2.ID); bal != 600 || held != 0 {
		t.Fatalf("winner: expected 600/0, got %d/%d", bal, held)
	}
}

func TestSettleConservesCoins(t *testing.T) {
	eng, store := newTestEngine(t)
	p1 := fundedAccount(t, store, 1, 700)
	p2 := fundedAccount(t, store, 2, 300)
	p3 := fundedAccount(t, store, 3, 450)

	before := totalCoins(t, store)

	eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 250})
	eng.submit(p2.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 120})
	eng.submit(p3.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 80})
	eng.submit(p3.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 40})

	if after := totalCoins(t, store); after != before {
		t.Fatalf("matching changed total coins: %d -> %d", before, after)
	}

	res, err := eng.settle(model.SideB)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Record.Balanced {
		t.Fatalf("expected balanced settlement, delta=%d", res.Record.Delta)
	}
	if after := totalCoins(t, store); after != before {
		t.Fatalf("settlement changed total coins: %d -> %d", before, after)
	}
}

func TestDoubleSettleReturnsOriginalRecord(t *testing.T) {
	eng, store := newTestEngine(t)
	p1 := fundedAccount(t, store, 1, 500)
	p2 := fundedAccount(t, store, 2, 500)

	eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100})
	eng.submit(p2.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 100})

	first, err := eng.settle(model.SideA)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	txs1, _ := store.Transactions(context.Background(), p1.ID)

	second, err := eng.settle(model.SideB)
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if second.Record.Hash != first.Record.Hash {
		t.Fatalf("duplicate settle returned a different record")
	}

	txs2, _ := store.Transactions(context.Background(), p1.ID)
	if len(txs2) != len(txs1) {
		t.Fatalf("duplicate settle moved funds")
	}
}

func TestSubmitAfterSettleRejected(t *testing.T) {
	eng, store := newTestEngine(t)
	p1 := fundedAccount(t, store, 1, 500)
	p2 := fundedAccount(t, store, 2, 500)

	eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100})
	eng.submit(p2.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 100})
	if _, err := eng.settle(model.SideA); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if _, err := eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 50}); !errors.Is(err, ErrGameNotOpen) {
		t.Fatalf("expected ErrGameNotOpen, got %v", err)
	}
}

func TestResetClearsPendingOnly(t *testing.T) {
	eng, store := newTestEngine(t)
	p1 := fundedAccount(t, store, 1, 500)
	p2 := fundedAccount(t, store, 2, 500)

	eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100})
	eng.submit(p2.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 60})
	// 40 of p1's stake is still pending via the split remainder.

	cleared, err := eng.reset()
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared, got %d", cleared)
	}

	// The booked 60 stays escrowed; the 40 remainder came back.
	if bal, held := accountState(t, store, p1.ID); bal != 440 || held != 60 {
		t.Fatalf("expected 440/60, got %d/%d", bal, held)
	}
	bets, _ := store.BetsByGame(context.Background(), eng.game.ID)
	if len(bets) != 1 || bets[0].Settled {
		t.Fatalf("booked bets must survive a reset, got %+v", bets)
	}
	if eng.queue.Len() != 0 {
		t.Fatalf("queue not empty after reset")
	}
}

func TestManagerIndependentGames(t *testing.T) {
	store := ledger.NewMemStore()
	auditor := audit.New(store)
	mgr := NewManager(store, auditor, nil)

	p1 := fundedAccount(t, store, 1, 500)
	p2 := fundedAccount(t, store, 2, 500)

	g1, err := mgr.OpenGame(context.Background(), "arena-1")
	if err != nil {
		t.Fatalf("open game 1: %v", err)
	}
	g2, err := mgr.OpenGame(context.Background(), "arena-2")
	if err != nil {
		t.Fatalf("open game 2: %v", err)
	}

	e1, e2 := mgr.GetEngine(g1.ID), mgr.GetEngine(g2.ID)
	if e1 == nil || e2 == nil {
		t.Fatalf("engines not registered")
	}

	if _, err := e1.Submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100}); err != nil {
		t.Fatalf("submit game 1: %v", err)
	}
	if _, err := e2.Submit(p2.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 200}); err != nil {
		t.Fatalf("submit game 2: %v", err)
	}

	q1, q2 := e1.Queues(), e2.Queues()
	if len(q1.SideA) != 1 || len(q1.SideB) != 0 {
		t.Fatalf("game 1 queues wrong: %d/%d", len(q1.SideA), len(q1.SideB))
	}
	if len(q2.SideB) != 1 || q2.SideB[0].Stake != 200 {
		t.Fatalf("game 2 queues wrong: %+v", q2)
	}

	if _, err := e1.Settle(model.SideA); err != nil {
		t.Fatalf("settle game 1: %v", err)
	}
	mgr.StopEngine(g1.ID)

	// Game 2 is untouched by game 1's settlement.
	if q := e2.Queues(); len(q.SideB) != 1 {
		t.Fatalf("game 2 queue lost wagers: %+v", q)
	}
}

// flakyStore fails wager transitions for one chosen wager id.
type flakyStore struct {
	ledger.Store
	failWager string
}

func (f *flakyStore) TransitionWager(ctx context.Context, id string, from, to model.WagerStatus) error {
	if id == f.failWager {
		return fmt.Errorf("transition unavailable")
	}
	return f.Store.TransitionWager(ctx, id, from, to)
}

func TestStopEngineRejectsLateCommands(t *testing.T) {
	store := ledger.NewMemStore()
	auditor := audit.New(store)
	mgr := NewManager(store, auditor, nil)

	p1 := fundedAccount(t, store, 1, 500)
	p2 := fundedAccount(t, store, 2, 500)

	g, err := mgr.OpenGame(context.Background(), "arena-1")
	if err != nil {
		t.Fatalf("open game: %v", err)
	}

	// Handlers hold engine references across requests; a reference taken
	// before teardown must keep working after it.
	eng := mgr.GetEngine(g.ID)
	if _, err := eng.Submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.Submit(p2.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 100}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	first, err := eng.Settle(model.SideA)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	mgr.StopEngine(g.ID)
	mgr.StopEngine(g.ID) // idempotent

	if _, err := eng.Submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 50}); !errors.Is(err, ErrGameNotOpen) {
		t.Fatalf("expected ErrGameNotOpen after teardown, got %v", err)
	}
	if err := eng.Cancel("w", p1.ID); !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("expected ErrNotCancelable after teardown, got %v", err)
	}
	if q := eng.Queues(); len(q.SideA) != 0 || len(q.SideB) != 0 {
		t.Fatalf("expected empty queues after teardown, got %+v", q)
	}
	again, err := eng.Settle(model.SideB)
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled after teardown, got %v", err)
	}
	if again.Record.Hash != first.Record.Hash {
		t.Fatalf("teardown settle returned a different record")
	}
	if _, err := eng.Reset(); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled from reset after teardown, got %v", err)
	}

	// Funds untouched by the rejected commands.
	if bal, held := accountState(t, store, p1.ID); bal != 600 || held != 0 {
		t.Fatalf("winner mutated after teardown: %d/%d", bal, held)
	}
}

func TestFailedCancelKeepsQueuePosition(t *testing.T) {
	eng, store := newTestEngine(t)
	p1 := fundedAccount(t, store, 1, 500)
	p2 := fundedAccount(t, store, 2, 500)
	p3 := fundedAccount(t, store, 3, 500)

	r1, err := eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100})
	if err != nil {
		t.Fatalf("submit A1: %v", err)
	}
	if _, err := eng.submit(p2.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100}); err != nil {
		t.Fatalf("submit A2: %v", err)
	}

	if err := eng.cancel(r1.WagerID, p2.ID); !errors.Is(err, ErrNotYourWager) {
		t.Fatalf("expected ErrNotYourWager, got %v", err)
	}

	// p1's wager is still first in line.
	snap := eng.queue.Snapshot()
	if len(snap.SideA) != 2 || snap.SideA[0].ID != r1.WagerID {
		t.Fatalf("failed cancel demoted the wager: %+v", snap.SideA)
	}
	r3, err := eng.submit(p3.ID, model.SubmitWagerReq{Side: model.SideB, Stake: 100})
	if err != nil {
		t.Fatalf("submit B: %v", err)
	}
	if len(r3.Booked) != 1 || r3.Booked[0].AccountA != p1.ID {
		t.Fatalf("expected p1 to match first, got %+v", r3.Booked)
	}
}

func TestResetDropsClearedWagersOnError(t *testing.T) {
	store := ledger.NewMemStore()
	fs := &flakyStore{Store: store}
	auditor := audit.New(fs)
	game, err := store.CreateGame(context.Background(), "arena-1")
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	eng, err := newGameEngine(context.Background(), *game, fs, auditor, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	p1 := fundedAccount(t, store, 1, 500)
	p2 := fundedAccount(t, store, 2, 500)

	r1, err := eng.submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100})
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	r2, err := eng.submit(p2.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100})
	if err != nil {
		t.Fatalf("submit 2: %v", err)
	}

	fs.failWager = r2.WagerID
	cleared, err := eng.reset()
	if err == nil {
		t.Fatalf("expected reset error")
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared, got %d", cleared)
	}

	// The refunded wager left the queue; the failed one stays pending.
	snap := eng.queue.Snapshot()
	if len(snap.SideA) != 1 || snap.SideA[0].ID != r2.WagerID {
		t.Fatalf("queue out of sync with store: %+v", snap.SideA)
	}
	w1, _ := store.GetWager(context.Background(), r1.WagerID)
	if w1.Status != model.WagerRefunded {
		t.Fatalf("expected first wager refunded, got %s", w1.Status)
	}
	if bal, held := accountState(t, store, p1.ID); bal != 500 || held != 0 {
		t.Fatalf("expected p1 made whole, got %d/%d", bal, held)
	}

	// Once the store recovers, settle refunds the survivor cleanly.
	fs.failWager = ""
	res, err := eng.settle(model.SideA)
	if err != nil {
		t.Fatalf("settle after partial reset: %v", err)
	}
	if res.Refunded != 1 {
		t.Fatalf("expected 1 refund, got %d", res.Refunded)
	}
	if bal, held := accountState(t, store, p2.ID); bal != 500 || held != 0 {
		t.Fatalf("expected p2 made whole, got %d/%d", bal, held)
	}
}

func TestBootReloadsPendingQueue(t *testing.T) {
	store := ledger.NewMemStore()
	auditor := audit.New(store)
	p1 := fundedAccount(t, store, 1, 500)

	mgr := NewManager(store, auditor, nil)
	g, err := mgr.OpenGame(context.Background(), "arena-1")
	if err != nil {
		t.Fatalf("open game: %v", err)
	}
	if _, err := mgr.GetEngine(g.ID).Submit(p1.ID, model.SubmitWagerReq{Side: model.SideA, Stake: 100}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	mgr.StopEngine(g.ID)

	// Fresh manager over the same store, as after a restart.
	mgr2 := NewManager(store, auditor, nil)
	if err := mgr2.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	eng := mgr2.GetEngine(g.ID)
	if eng == nil {
		t.Fatalf("engine not rebooted for open game")
	}
	q := eng.Queues()
	if len(q.SideA) != 1 || q.SideA[0].Stake != 100 {
		t.Fatalf("pending queue not reloaded: %+v", q)
	}
}
