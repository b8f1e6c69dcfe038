package engine

import (
	"context"
	"log"

	"github.com/google/uuid"
	"pool-ledger/internal/model"
)

// match greedily pairs the incoming pending wager against the oldest
// pending wagers on the opposite side until one side runs dry. It returns
// the booked bets created.
//
// When stakes differ the smaller wager books fully and the larger one is
// split: the matched portion goes into the booked bet, and a child wager
// carrying the excess takes over the parent's queue position (same seq and
// submission timestamp, so FIFO priority is preserved). The parent record
// keeps its full original stake for audit traceability.
//
// Matching never fails from the caller's point of view: a store error
// aborts the current pairing and leaves the wager pending.
func (e *GameEngine) match(ctx context.Context, incoming *model.Wager) []model.BookedBet {
	var booked []model.BookedBet
	live := incoming

	for live != nil {
		counter := e.queue.Peek(live.Side.Opposite())
		if counter == nil {
			e.queue.Push(live)
			break
		}

		paired := live.Stake
		if counter.Stake < paired {
			paired = counter.Stake
		}

		bet, next, err := e.book(ctx, live, counter, paired)
		if err != nil {
			log.Printf("[engine] game %s: booking failed, wager %s stays pending: %v", e.game.ID, live.ID, err)
			e.queue.Push(live)
			break
		}
		booked = append(booked, *bet)
		live = next
	}
	return booked
}

// book pairs two opposing wagers for the given amount, splitting whichever
// side is larger. It returns the booked bet and, when the incoming wager
// was the larger one, its remainder to keep matching with.
func (e *GameEngine) book(ctx context.Context, incoming, counter *model.Wager, paired int64) (*model.BookedBet, *model.Wager, error) {
	// Split the larger wager before any status moves so a failure leaves
	// both wagers pending and unharmed.
	var incomingRest, counterRest *model.Wager
	if incoming.Stake > paired {
		incomingRest = e.splitRemainder(incoming, incoming.Stake-paired)
	}
	if counter.Stake > paired {
		counterRest = e.splitRemainder(counter, counter.Stake-paired)
	}

	bet := &model.BookedBet{
		ID:       uuid.New().String(),
		GameID:   e.game.ID,
		Amount:   paired,
		BookedAt: e.now(),
	}
	if incoming.Side == model.SideA {
		bet.WagerA, bet.AccountA = incoming.ID, incoming.AccountID
		bet.WagerB, bet.AccountB = counter.ID, counter.AccountID
	} else {
		bet.WagerA, bet.AccountA = counter.ID, counter.AccountID
		bet.WagerB, bet.AccountB = incoming.ID, incoming.AccountID
	}

	if counterRest != nil {
		if err := e.store.InsertWager(ctx, counterRest); err != nil {
			return nil, nil, err
		}
	}
	if incomingRest != nil {
		if err := e.store.InsertWager(ctx, incomingRest); err != nil {
			return nil, nil, err
		}
	}
	if err := e.store.TransitionWager(ctx, incoming.ID, model.WagerPending, model.WagerBooked); err != nil {
		return nil, nil, err
	}
	if err := e.store.TransitionWager(ctx, counter.ID, model.WagerPending, model.WagerBooked); err != nil {
		return nil, nil, err
	}
	if err := e.store.InsertBookedBet(ctx, bet); err != nil {
		return nil, nil, err
	}

	// Store writes done; update the in-memory queue.
	e.queue.Pop(counter.Side)
	if counterRest != nil {
		e.queue.PushFront(counterRest)
	}

	incoming.Status = model.WagerBooked
	counter.Status = model.WagerBooked
	return bet, incomingRest, nil
}

// splitRemainder builds the child wager carrying the unmatched excess of a
// split. It inherits the parent's seq and submission time so it keeps the
// parent's place in the FIFO order.
func (e *GameEngine) splitRemainder(parent *model.Wager, excess int64) *model.Wager {
	parentID := parent.ID
	return &model.Wager{
		ID:          uuid.New().String(),
		GameID:      parent.GameID,
		AccountID:   parent.AccountID,
		Side:        parent.Side,
		Stake:       excess,
		Status:      model.WagerPending,
		Seq:         parent.Seq,
		ParentID:    &parentID,
		SubmittedAt: parent.SubmittedAt,
	}
}
