// Package audit implements the conservation auditor: it snapshots the total
// coin supply around every settlement, verifies the zero-sum invariant, and
// keeps a tamper-evident chain of audit records per arena.
package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pool-ledger/internal/ledger"
	"pool-ledger/internal/model"
)

type Auditor struct {
	store ledger.Store

	mu       sync.Mutex
	lastHash map[string]string // arenaID -> hash of the newest record
}

func New(store ledger.Store) *Auditor {
	return &Auditor{store: store, lastHash: make(map[string]string)}
}

// Snapshot sums every account's full coin count (spendable + held) and
// persists the result. O(accounts), no other side effects.
func (a *Auditor) Snapshot(ctx context.Context, arenaID, gameID string, phase model.SnapshotPhase) (model.Snapshot, error) {
	accounts, err := a.store.ListAccounts(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	snap := model.Snapshot{
		ArenaID:  arenaID,
		GameID:   gameID,
		Phase:    phase,
		Balances: make(map[string]int64, len(accounts)),
		TakenAt:  time.Now().UTC(),
	}
	for _, acct := range accounts {
		snap.Balances[acct.ID] = acct.Total()
		snap.Total += acct.Total()
	}
	if err := a.store.SaveSnapshot(ctx, &snap); err != nil {
		return model.Snapshot{}, err
	}
	return snap, nil
}

// Verify compares the two snapshots bracketing a settlement. Pure: safe to
// re-invoke on stored records at any later time.
func Verify(pre, post model.Snapshot, winnerGain, loserLoss int64) (delta int64, balanced bool) {
	delta = post.Total - pre.Total
	return delta, delta == 0 && winnerGain == loserLoss
}

// Record verifies a settlement's snapshot pair, chains the resulting audit
// record onto the arena's history, and persists it. The record is written
// whether or not it balances; an unbalanced record is the caller's alert.
func (a *Auditor) Record(ctx context.Context, game model.Game, pre, post model.Snapshot, winnerGain, loserLoss int64) (*model.AuditRecord, error) {
	delta, balanced := Verify(pre, post, winnerGain, loserLoss)
	r := &model.AuditRecord{
		GameID:     game.ID,
		ArenaID:    game.ArenaID,
		Pre:        pre,
		Post:       post,
		Delta:      delta,
		WinnerGain: winnerGain,
		LoserLoss:  loserLoss,
		Balanced:   balanced,
		CreatedAt:  time.Now().UTC(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	prev, err := a.prevHashLocked(ctx, game.ArenaID)
	if err != nil {
		return nil, err
	}
	r.PrevHash = prev
	r.Hash = HashRecord(prev, *r)
	if err := a.store.SaveAuditRecord(ctx, r); err != nil {
		return nil, fmt.Errorf("save audit record: %w", err)
	}
	a.lastHash[game.ArenaID] = r.Hash
	return r, nil
}

func (a *Auditor) prevHashLocked(ctx context.Context, arenaID string) (string, error) {
	if h, ok := a.lastHash[arenaID]; ok {
		return h, nil
	}
	// Cold cache: recover the chain tip from the store.
	records, err := a.store.AuditRecords(ctx, arenaID)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return GenesisHash, nil
	}
	return records[len(records)-1].Hash, nil
}

// Health aggregates an arena's audit history for operator triage.
func (a *Auditor) Health(ctx context.Context, arenaID string) (*model.HealthSummary, error) {
	records, err := a.store.AuditRecords(ctx, arenaID)
	if err != nil {
		return nil, err
	}
	sum := &model.HealthSummary{
		ArenaID:   arenaID,
		Games:     len(records),
		Anomalies: []model.Anomaly{},
		ChainOK:   VerifyChain(records),
	}
	for _, r := range records {
		if r.Balanced {
			sum.Balanced++
			continue
		}
		sum.Unbalanced++
		sum.Anomalies = append(sum.Anomalies, model.Anomaly{
			GameID:   r.GameID,
			Delta:    r.Delta,
			Severity: r.Severity(),
		})
	}
	sort.Slice(sum.Anomalies, func(i, j int) bool {
		di, dj := abs(sum.Anomalies[i].Delta), abs(sum.Anomalies[j].Delta)
		return di > dj
	})
	return sum, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
