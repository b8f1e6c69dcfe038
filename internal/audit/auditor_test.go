package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pool-ledger/internal/ledger"
	"pool-ledger/internal/model"
)

func seedAccounts(t *testing.T, s *ledger.MemStore, coins ...int64) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, len(coins))
	for i, c := range coins {
		a, err := s.CreateAccount(ctx, string(rune('a'+i))+"@test.local", "x", "P", model.RoleUser)
		require.NoError(t, err)
		if c > 0 {
			_, err = s.ManualAdjust(ctx, a.ID, c, "initial deposit")
			require.NoError(t, err)
		}
		ids[i] = a.ID
	}
	return ids
}

func TestSnapshotSumsFullBalances(t *testing.T) {
	s := ledger.NewMemStore()
	a := New(s)
	ctx := context.Background()
	ids := seedAccounts(t, s, 500, 300)

	// Escrowed coins still count toward the supply.
	_, err := s.Apply(ctx, ids[0], model.TxStakeHold, 200, "w1")
	require.NoError(t, err)

	snap, err := a.Snapshot(ctx, "arena-1", "game-1", model.PhasePreGame)
	require.NoError(t, err)
	assert.Equal(t, int64(800), snap.Total)
	assert.Equal(t, int64(500), snap.Balances[ids[0]])
	assert.Equal(t, int64(300), snap.Balances[ids[1]])
	assert.Equal(t, model.PhasePreGame, snap.Phase)
}

func TestVerifyArithmetic(t *testing.T) {
	pre := model.Snapshot{Total: 1000}
	post := model.Snapshot{Total: 1000}

	delta, balanced := Verify(pre, post, 100, 100)
	assert.Equal(t, int64(0), delta)
	assert.True(t, balanced)

	// Supply drift fails even when gain matches loss.
	delta, balanced = Verify(pre, model.Snapshot{Total: 1007}, 100, 100)
	assert.Equal(t, int64(7), delta)
	assert.False(t, balanced)

	// Zero drift but asymmetric settlement fails too.
	_, balanced = Verify(pre, post, 100, 90)
	assert.False(t, balanced)
}

func TestRecordChainsPerArena(t *testing.T) {
	s := ledger.NewMemStore()
	a := New(s)
	ctx := context.Background()

	game1 := model.Game{ID: "g1", ArenaID: "arena-1"}
	game2 := model.Game{ID: "g2", ArenaID: "arena-1"}
	other := model.Game{ID: "g3", ArenaID: "arena-2"}
	snap := model.Snapshot{Total: 1000}

	r1, err := a.Record(ctx, game1, snap, snap, 100, 100)
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, r1.PrevHash)
	assert.True(t, r1.Balanced)

	r2, err := a.Record(ctx, game2, snap, snap, 50, 50)
	require.NoError(t, err)
	assert.Equal(t, r1.Hash, r2.PrevHash)

	// A different arena starts its own chain from genesis.
	r3, err := a.Record(ctx, other, snap, snap, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, r3.PrevHash)

	records, err := s.AuditRecords(ctx, "arena-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, VerifyChain(records))
}

func TestChainTipRecoveredAfterRestart(t *testing.T) {
	s := ledger.NewMemStore()
	ctx := context.Background()
	snap := model.Snapshot{Total: 1000}

	a1 := New(s)
	r1, err := a1.Record(ctx, model.Game{ID: "g1", ArenaID: "arena-1"}, snap, snap, 100, 100)
	require.NoError(t, err)

	// New auditor over the same store must continue the chain, not restart it.
	a2 := New(s)
	r2, err := a2.Record(ctx, model.Game{ID: "g2", ArenaID: "arena-1"}, snap, snap, 50, 50)
	require.NoError(t, err)
	assert.Equal(t, r1.Hash, r2.PrevHash)

	records, _ := s.AuditRecords(ctx, "arena-1")
	assert.True(t, VerifyChain(records))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	s := ledger.NewMemStore()
	a := New(s)
	ctx := context.Background()
	snap := model.Snapshot{Total: 1000}

	_, err := a.Record(ctx, model.Game{ID: "g1", ArenaID: "arena-1"}, snap, snap, 100, 100)
	require.NoError(t, err)
	_, err = a.Record(ctx, model.Game{ID: "g2", ArenaID: "arena-1"}, snap, snap, 50, 50)
	require.NoError(t, err)

	records, _ := s.AuditRecords(ctx, "arena-1")
	require.True(t, VerifyChain(records))

	tampered := make([]model.AuditRecord, len(records))
	copy(tampered, records)
	tampered[0].WinnerGain = 999
	assert.False(t, VerifyChain(tampered))

	// Reordering breaks the chain as well.
	swapped := []model.AuditRecord{records[1], records[0]}
	assert.False(t, VerifyChain(swapped))
}

func TestHashDependsOnContent(t *testing.T) {
	r := model.AuditRecord{
		GameID: "g1", ArenaID: "arena-1",
		Delta: 0, WinnerGain: 100, LoserLoss: 100, Balanced: true,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h1 := HashRecord(GenesisHash, r)
	assert.Equal(t, h1, HashRecord(GenesisHash, r))

	r.Delta = 1
	assert.NotEqual(t, h1, HashRecord(GenesisHash, r))
}

func TestHealthRanksAnomaliesBySize(t *testing.T) {
	s := ledger.NewMemStore()
	a := New(s)
	ctx := context.Background()

	mk := func(id string, total2 int64) {
		_, err := a.Record(ctx, model.Game{ID: id, ArenaID: "arena-1"},
			model.Snapshot{Total: 1000}, model.Snapshot{Total: total2}, 100, 100)
		require.NoError(t, err)
	}
	mk("g-ok", 1000)
	mk("g-small", 1015)
	mk("g-big", 870)

	sum, err := a.Health(ctx, "arena-1")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Games)
	assert.Equal(t, 1, sum.Balanced)
	assert.Equal(t, 2, sum.Unbalanced)
	assert.True(t, sum.ChainOK)

	require.Len(t, sum.Anomalies, 2)
	assert.Equal(t, "g-big", sum.Anomalies[0].GameID)
	assert.Equal(t, model.SeverityCritical, sum.Anomalies[0].Severity)
	assert.Equal(t, "g-small", sum.Anomalies[1].GameID)
	assert.Equal(t, model.SeverityMedium, sum.Anomalies[1].Severity)
}

func TestSeverityThresholds(t *testing.T) {
	cases := []struct {
		delta int64
		want  model.Severity
	}{
		{0, model.SeverityLow},
		{10, model.SeverityLow},
		{11, model.SeverityMedium},
		{-30, model.SeverityMedium},
		{51, model.SeverityHigh},
		{100, model.SeverityHigh},
		{-101, model.SeverityCritical},
	}
	for _, c := range cases {
		r := model.AuditRecord{Delta: c.delta}
		assert.Equal(t, c.want, r.Severity(), "delta %d", c.delta)
	}
}
