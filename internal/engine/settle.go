package engine

import (
	"context"
	"fmt"
	"log"

	"pool-ledger/internal/model"
)

// settle finalizes every wager of the game exactly once. It runs on the
// engine goroutine, so no submission or cancel can interleave with it.
//
// Once funds start moving there is no rollback: a failure part-way leaves
// the game in SETTLING, observable through the games API, for manual
// recovery. An unbalanced audit record is likewise recorded rather than
// reverted, and raised as a critical alert.
func (e *GameEngine) settle(winner model.Side) (model.SettleResult, error) {
	ctx := context.Background()

	if !winner.Valid() {
		return model.SettleResult{}, fmt.Errorf("winning side must be A or B")
	}
	if e.settled {
		return e.priorRecord(ctx)
	}
	game, err := e.store.GetGame(ctx, e.game.ID)
	if err != nil {
		return model.SettleResult{}, err
	}
	if game == nil {
		return model.SettleResult{}, fmt.Errorf("game not found")
	}
	if game.Status == model.GameSettled {
		e.settled = true
		return e.priorRecord(ctx)
	}

	if err := e.store.SetGameStatus(ctx, e.game.ID, model.GameSettling, nil); err != nil {
		return model.SettleResult{}, err
	}
	e.game.Status = model.GameSettling

	pre, err := e.auditor.Snapshot(ctx, e.game.ArenaID, e.game.ID, model.PhaseBetsMatched)
	if err != nil {
		return model.SettleResult{}, fmt.Errorf("pre-settlement snapshot: %w", err)
	}

	// Booked bets: the winner's hold converts back to balance plus the
	// opponent's paired stake; the loser's hold is consumed with no refund.
	bets, err := e.store.BetsByGame(ctx, e.game.ID)
	if err != nil {
		return model.SettleResult{}, err
	}
	var winnerGain, loserLoss int64
	settledBets := 0
	for _, bet := range bets {
		if bet.Settled {
			continue
		}
		winAcct, loseAcct := bet.AccountA, bet.AccountB
		winWager, loseWager := bet.WagerA, bet.WagerB
		if winner == model.SideB {
			winAcct, loseAcct = bet.AccountB, bet.AccountA
			winWager, loseWager = bet.WagerB, bet.WagerA
		}

		if _, err := e.store.Apply(ctx, winAcct, model.TxStakeRelease, bet.Amount, bet.ID); err != nil {
			return model.SettleResult{}, fmt.Errorf("bet %s: release winner stake: %w", bet.ID, err)
		}
		if _, err := e.store.Apply(ctx, winAcct, model.TxWinPayout, bet.Amount, bet.ID); err != nil {
			return model.SettleResult{}, fmt.Errorf("bet %s: win payout: %w", bet.ID, err)
		}
		if _, err := e.store.Apply(ctx, loseAcct, model.TxLossDebit, bet.Amount, bet.ID); err != nil {
			return model.SettleResult{}, fmt.Errorf("bet %s: loss debit: %w", bet.ID, err)
		}
		if err := e.store.TransitionWager(ctx, winWager, model.WagerBooked, model.WagerWon); err != nil {
			return model.SettleResult{}, err
		}
		if err := e.store.TransitionWager(ctx, loseWager, model.WagerBooked, model.WagerLost); err != nil {
			return model.SettleResult{}, err
		}
		if err := e.store.MarkBetSettled(ctx, bet.ID); err != nil {
			return model.SettleResult{}, err
		}
		winnerGain += bet.Amount
		loserLoss += bet.Amount
		settledBets++
	}

	// Unmatched stakes never participate in win or loss: full refund.
	a, b := e.queue.All()
	refunded := 0
	for _, w := range append(append([]*model.Wager{}, a...), b...) {
		if err := e.store.TransitionWager(ctx, w.ID, model.WagerPending, model.WagerRefunded); err != nil {
			return model.SettleResult{}, err
		}
		if _, err := e.store.Apply(ctx, w.AccountID, model.TxRefund, w.Stake, w.ID); err != nil {
			return model.SettleResult{}, fmt.Errorf("wager %s: refund: %w", w.ID, err)
		}
		refunded++
	}
	e.queue = NewBetQueue()

	// Everything below is hard-ledger history now.
	if err := e.store.SetGameStatus(ctx, e.game.ID, model.GameSettled, &winner); err != nil {
		return model.SettleResult{}, err
	}
	e.game.Status = model.GameSettled
	e.settled = true

	post, err := e.auditor.Snapshot(ctx, e.game.ArenaID, e.game.ID, model.PhasePostGame)
	if err != nil {
		return model.SettleResult{}, fmt.Errorf("post-settlement snapshot: %w", err)
	}
	record, err := e.auditor.Record(ctx, e.game, pre, post, winnerGain, loserLoss)
	if err != nil {
		return model.SettleResult{}, err
	}

	res := model.SettleResult{Record: *record, Settled: settledBets, Refunded: refunded}
	e.emit("game_settled", res)
	log.Printf("[engine] game %s settled %s: %d bets, %d refunds, delta=%d",
		e.game.ID, winner, settledBets, refunded, record.Delta)

	if !record.Balanced {
		log.Printf("[engine] CRITICAL: game %s settlement unbalanced: delta=%d winner_gain=%d loser_loss=%d",
			e.game.ID, record.Delta, record.WinnerGain, record.LoserLoss)
		e.emit("audit_alert", record)
		return res, ErrUnbalancedSettlement
	}
	return res, nil
}

// priorRecord serves the duplicate-settlement path: the stored audit
// record comes back unchanged alongside ErrAlreadySettled.
func (e *GameEngine) priorRecord(ctx context.Context) (model.SettleResult, error) {
	prior, err := e.store.GetAuditRecord(ctx, e.game.ID)
	if err != nil {
		return model.SettleResult{}, err
	}
	if prior == nil {
		return model.SettleResult{}, ErrAlreadySettled
	}
	return model.SettleResult{Record: *prior}, ErrAlreadySettled
}
