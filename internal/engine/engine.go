package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"pool-ledger/internal/audit"
	"pool-ledger/internal/ledger"
	"pool-ledger/internal/model"
)

var (
	// ErrNotCancelable occurs when cancel targets a wager that is no longer
	// pending.
	ErrNotCancelable = errors.New("wager not cancelable")

	// ErrAlreadySettled occurs on a duplicate settlement attempt; the caller
	// receives the original audit record unchanged.
	ErrAlreadySettled = errors.New("game already settled")

	// ErrUnbalancedSettlement flags a settlement whose audit record did not
	// balance. Funds have already moved; the record stands for out-of-band
	// reconciliation.
	ErrUnbalancedSettlement = errors.New("settlement violated coin conservation")

	// ErrGameNotOpen occurs when a wager targets a game that is settling or
	// settled.
	ErrGameNotOpen = errors.New("game not open")

	// ErrNotYourWager occurs when cancel targets another account's wager.
	ErrNotYourWager = errors.New("wager belongs to another account")
)

// PublishFunc broadcasts a message to an arena's subscribers.
type PublishFunc func(arenaID, msgType string, data any)

// ── Manager ──────────────────────────────────────────

// Manager owns one GameEngine per open game. Each engine is a single
// goroutine, so wager submission, matching and settlement for one game id
// can never interleave, while different games proceed concurrently.
type Manager struct {
	engines map[string]*GameEngine
	mu      sync.RWMutex
	store   ledger.Store
	auditor *audit.Auditor
	publish PublishFunc
}

func NewManager(store ledger.Store, auditor *audit.Auditor, pub PublishFunc) *Manager {
	return &Manager{
		engines: make(map[string]*GameEngine),
		store:   store,
		auditor: auditor,
		publish: pub,
	}
}

// Boot restarts engines for every open game, reloading their pending
// queues from the store.
func (m *Manager) Boot(ctx context.Context) error {
	games, err := m.store.OpenGames(ctx)
	if err != nil {
		return err
	}
	for _, g := range games {
		if err := m.StartEngine(ctx, g); err != nil {
			return fmt.Errorf("boot %s: %w", g.ID, err)
		}
	}
	log.Printf("[engine] booted %d game engines", len(games))
	return nil
}

// OpenGame creates a game, takes its pre-game supply snapshot and starts
// its engine.
func (m *Manager) OpenGame(ctx context.Context, arenaID string) (*model.Game, error) {
	g, err := m.store.CreateGame(ctx, arenaID)
	if err != nil {
		return nil, err
	}
	if _, err := m.auditor.Snapshot(ctx, g.ArenaID, g.ID, model.PhasePreGame); err != nil {
		return nil, fmt.Errorf("pre-game snapshot: %w", err)
	}
	if err := m.StartEngine(ctx, *g); err != nil {
		return nil, err
	}
	return g, nil
}

func (m *Manager) StartEngine(ctx context.Context, game model.Game) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[game.ID]; ok {
		return nil
	}
	eng, err := newGameEngine(ctx, game, m.store, m.auditor, m.publish)
	if err != nil {
		return err
	}
	m.engines[game.ID] = eng
	// Background context: the engine outlives the request that created it.
	go eng.run(context.Background())
	return nil
}

func (m *Manager) GetEngine(gameID string) *GameEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[gameID]
}

// StopEngine retires a settled game's engine. Safe to call twice. Handlers
// still holding the engine get ErrGameNotOpen from later commands.
func (m *Manager) StopEngine(gameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eng, ok := m.engines[gameID]; ok {
		eng.close()
		delete(m.engines, gameID)
	}
}

// ── GameEngine ───────────────────────────────────────

// GameEngine is the single mutual-exclusion domain for one game id. All
// state transitions for the game's wagers run on its goroutine.
type GameEngine struct {
	game    model.Game
	queue   *BetQueue
	cmdCh   chan command
	store   ledger.Store
	auditor *audit.Auditor
	publish PublishFunc
	settled bool

	// closeMu orders command sends against StopEngine's channel close: a
	// handler holding a stale engine reference must get a rejection, not a
	// send on a closed channel.
	closeMu sync.RWMutex
	closed  bool

	// now is swappable for tests.
	now func() time.Time
}

func newGameEngine(ctx context.Context, game model.Game, store ledger.Store, auditor *audit.Auditor, pub PublishFunc) (*GameEngine, error) {
	queue := NewBetQueue()
	pending, err := store.WagersByGame(ctx, game.ID, model.WagerPending)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		w := pending[i]
		queue.Push(&w)
	}
	log.Printf("[engine] game %s: loaded %d pending wagers", game.ID, queue.Len())
	return &GameEngine{
		game:    game,
		queue:   queue,
		cmdCh:   make(chan command, 64),
		store:   store,
		auditor: auditor,
		publish: pub,
		settled: game.Status == model.GameSettled,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (e *GameEngine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-e.cmdCh:
			if !ok {
				return
			}
			cmd.exec(e)
		}
	}
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *GameEngine) }

type submitCmd struct {
	accountID string
	req       model.SubmitWagerReq
	ch        chan<- submitReply
}

type submitReply struct {
	res model.SubmitWagerResult
	err error
}

type cancelCmd struct {
	wagerID   string
	accountID string
	ch        chan<- error
}

type settleCmd struct {
	winner model.Side
	ch     chan<- settleReply
}

type settleReply struct {
	res model.SettleResult
	err error
}

type queuesCmd struct {
	ch chan<- model.QueueSnapshot
}

type resetCmd struct {
	ch chan<- resetReply
}

type resetReply struct {
	cleared int
	err     error
}

func (c submitCmd) exec(e *GameEngine) {
	res, err := e.submit(c.accountID, c.req)
	c.ch <- submitReply{res: res, err: err}
}
func (c cancelCmd) exec(e *GameEngine) { c.ch <- e.cancel(c.wagerID, c.accountID) }
func (c settleCmd) exec(e *GameEngine) {
	res, err := e.settle(c.winner)
	c.ch <- settleReply{res: res, err: err}
}
func (c queuesCmd) exec(e *GameEngine) { c.ch <- e.queue.Snapshot() }
func (c resetCmd) exec(e *GameEngine) {
	cleared, err := e.reset()
	c.ch <- resetReply{cleared: cleared, err: err}
}

// send delivers a command to the game goroutine. It reports false once the
// engine is retired; the read lock keeps the send ordered before close().
func (e *GameEngine) send(cmd command) bool {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return false
	}
	e.cmdCh <- cmd
	return true
}

// close retires the engine. Commands in flight are still drained by the
// run loop before the goroutine exits.
func (e *GameEngine) close() {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.cmdCh)
}

// Submit sends a wager to the game goroutine and waits for the outcome.
func (e *GameEngine) Submit(accountID string, req model.SubmitWagerReq) (model.SubmitWagerResult, error) {
	ch := make(chan submitReply, 1)
	if !e.send(submitCmd{accountID: accountID, req: req, ch: ch}) {
		return model.SubmitWagerResult{}, ErrGameNotOpen
	}
	r := <-ch
	return r.res, r.err
}

func (e *GameEngine) Cancel(wagerID, accountID string) error {
	ch := make(chan error, 1)
	if !e.send(cancelCmd{wagerID: wagerID, accountID: accountID, ch: ch}) {
		return ErrNotCancelable
	}
	return <-ch
}

// Settle finalizes the game for the winning side. Exactly-once: a second
// call returns the original audit record and ErrAlreadySettled.
func (e *GameEngine) Settle(winner model.Side) (model.SettleResult, error) {
	ch := make(chan settleReply, 1)
	if !e.send(settleCmd{winner: winner, ch: ch}) {
		// Retired engines only exist for settled games; serve the stored
		// record as the settle loop would.
		return e.priorRecord(context.Background())
	}
	r := <-ch
	return r.res, r.err
}

// Queues returns read-only copies of both pending queues.
func (e *GameEngine) Queues() model.QueueSnapshot {
	ch := make(chan model.QueueSnapshot, 1)
	if !e.send(queuesCmd{ch: ch}) {
		return model.QueueSnapshot{SideA: []model.Wager{}, SideB: []model.Wager{}}
	}
	return <-ch
}

// Reset cancels every pending wager, releasing their holds. The hard
// ledger (settled wagers, booked bets, audit records) is untouched.
func (e *GameEngine) Reset() (int, error) {
	ch := make(chan resetReply, 1)
	if !e.send(resetCmd{ch: ch}) {
		return 0, ErrAlreadySettled
	}
	r := <-ch
	return r.cleared, r.err
}

// ── Submit / Cancel ──────────────────────────────────

func (e *GameEngine) submit(accountID string, req model.SubmitWagerReq) (model.SubmitWagerResult, error) {
	ctx := context.Background()

	if e.settled || e.game.Status != model.GameOpen {
		return model.SubmitWagerResult{}, ErrGameNotOpen
	}
	if !req.Side.Valid() {
		return model.SubmitWagerResult{}, fmt.Errorf("side must be A or B")
	}
	if req.Stake <= 0 {
		return model.SubmitWagerResult{}, ledger.ErrInvalidStake
	}

	w := &model.Wager{
		ID:          uuid.New().String(),
		GameID:      e.game.ID,
		AccountID:   accountID,
		Side:        req.Side,
		Stake:       req.Stake,
		Status:      model.WagerPending,
		SubmittedAt: e.now(),
	}

	// Hold first so the same coins cannot back a second wager.
	if _, err := e.store.Apply(ctx, accountID, model.TxStakeHold, req.Stake, w.ID); err != nil {
		return model.SubmitWagerResult{}, err
	}
	if err := e.store.InsertWager(ctx, w); err != nil {
		// Undo the hold; the wager never existed.
		if _, relErr := e.store.Apply(ctx, accountID, model.TxStakeRelease, req.Stake, w.ID); relErr != nil {
			log.Printf("[engine] game %s: orphaned hold on %s: %v", e.game.ID, accountID, relErr)
		}
		return model.SubmitWagerResult{}, err
	}

	booked := e.match(ctx, w)

	e.publishQueues()
	for _, b := range booked {
		e.emit("bet_booked", b)
	}

	return model.SubmitWagerResult{WagerID: w.ID, Status: w.Status, Booked: booked}, nil
}

func (e *GameEngine) cancel(wagerID, accountID string) error {
	ctx := context.Background()

	w := e.queue.Find(wagerID)
	if w == nil {
		// Not pending here: booked, settled, or unknown.
		stored, err := e.store.GetWager(ctx, wagerID)
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("wager not found")
		}
		if stored.AccountID != accountID {
			return ErrNotYourWager
		}
		return ErrNotCancelable
	}
	if w.AccountID != accountID {
		return ErrNotYourWager
	}

	// Dequeue only once the store transition holds, so a failed cancel
	// never costs the wager its FIFO position.
	if err := e.store.TransitionWager(ctx, w.ID, model.WagerPending, model.WagerRefunded); err != nil {
		return err
	}
	e.queue.Remove(w.ID)
	if _, err := e.store.Apply(ctx, accountID, model.TxStakeRelease, w.Stake, w.ID); err != nil {
		log.Printf("[engine] game %s: hold release failed for canceled wager %s: %v", e.game.ID, w.ID, err)
		return err
	}

	e.publishQueues()
	return nil
}

func (e *GameEngine) reset() (int, error) {
	ctx := context.Background()
	if e.settled {
		return 0, ErrAlreadySettled
	}

	a, b := e.queue.All()
	cleared := 0
	for _, w := range append(append([]*model.Wager{}, a...), b...) {
		if err := e.store.TransitionWager(ctx, w.ID, model.WagerPending, model.WagerRefunded); err != nil {
			e.publishQueues()
			return cleared, err
		}
		// Refunded in the store: the wager leaves the queue even if the
		// hold release below fails, or a later settle would trip on it.
		e.queue.Remove(w.ID)
		if _, err := e.store.Apply(ctx, w.AccountID, model.TxStakeRelease, w.Stake, w.ID); err != nil {
			log.Printf("[engine] game %s: hold release failed for reset wager %s: %v", e.game.ID, w.ID, err)
			e.publishQueues()
			return cleared, err
		}
		cleared++
	}
	e.publishQueues()
	log.Printf("[engine] game %s: reset cleared %d pending wagers", e.game.ID, cleared)
	return cleared, nil
}

// ── Publishing ───────────────────────────────────────

func (e *GameEngine) publishQueues() {
	e.emit("queue_snapshot", e.queue.Snapshot())
}

func (e *GameEngine) emit(msgType string, data any) {
	if e.publish != nil {
		e.publish(e.game.ArenaID, msgType, data)
	}
}
