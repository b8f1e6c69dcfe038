package engine

import "pool-ledger/internal/model"

// BetQueue holds the pending wagers of one game, partitioned by side, in
// FIFO submission order. It is owned by the game's engine goroutine and is
// never shared.
type BetQueue struct {
	sides map[model.Side][]*model.Wager
}

func NewBetQueue() *BetQueue {
	return &BetQueue{sides: map[model.Side][]*model.Wager{
		model.SideA: {},
		model.SideB: {},
	}}
}

// Push appends a wager to the back of its side's queue.
func (q *BetQueue) Push(w *model.Wager) {
	q.sides[w.Side] = append(q.sides[w.Side], w)
}

// PushFront reinserts a wager at the head of its side's queue. Used for
// split remainders, which keep their parent's submission priority.
func (q *BetQueue) PushFront(w *model.Wager) {
	q.sides[w.Side] = append([]*model.Wager{w}, q.sides[w.Side]...)
}

// Peek returns the oldest pending wager on the given side, or nil.
func (q *BetQueue) Peek(side model.Side) *model.Wager {
	s := q.sides[side]
	if len(s) == 0 {
		return nil
	}
	return s[0]
}

// Pop removes and returns the oldest pending wager on the given side.
func (q *BetQueue) Pop(side model.Side) *model.Wager {
	s := q.sides[side]
	if len(s) == 0 {
		return nil
	}
	w := s[0]
	q.sides[side] = s[1:]
	return w
}

// Find returns the queued wager with the given id, or nil. The wager
// keeps its queue position.
func (q *BetQueue) Find(wagerID string) *model.Wager {
	for _, s := range q.sides {
		for _, w := range s {
			if w.ID == wagerID {
				return w
			}
		}
	}
	return nil
}

// Remove deletes a wager by id from either side. Returns the removed wager
// or nil if it is not queued.
func (q *BetQueue) Remove(wagerID string) *model.Wager {
	for side, s := range q.sides {
		for i, w := range s {
			if w.ID == wagerID {
				q.sides[side] = append(s[:i], s[i+1:]...)
				return w
			}
		}
	}
	return nil
}

// All returns both side queues in FIFO order, without copying.
func (q *BetQueue) All() (a, b []*model.Wager) {
	return q.sides[model.SideA], q.sides[model.SideB]
}

func (q *BetQueue) Len() int {
	return len(q.sides[model.SideA]) + len(q.sides[model.SideB])
}

// Snapshot returns read-only copies of both side queues for display.
func (q *BetQueue) Snapshot() model.QueueSnapshot {
	snap := model.QueueSnapshot{SideA: []model.Wager{}, SideB: []model.Wager{}}
	for _, w := range q.sides[model.SideA] {
		snap.SideA = append(snap.SideA, *w)
	}
	for _, w := range q.sides[model.SideB] {
		snap.SideB = append(snap.SideB, *w)
	}
	return snap
}
