package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/persistence"
	"LendLedger/internal/testutil"
)

func TestEventLogRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	require.NoError(t, migrator.Up(ctx))

	marketID := "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	events := []persistence.EventRow{
		{
			Sequence:       0,
			OpType:         "MarketCreated",
			IdempotencyKey: "create-1",
			MarketID:       &marketID,
			Payload:        []byte(`{"market_id":"` + marketID + `"}`),
			StateHash:      make([]byte, 32),
			PrevHash:       make([]byte, 32),
			Timestamp:      1_700_000_000,
		},
		{
			Sequence:       1,
			OpType:         "Supplied",
			IdempotencyKey: "supply-1",
			MarketID:       &marketID,
			Payload:        []byte(`{"assets":1000}`),
			StateHash:      make([]byte, 32),
			PrevHash:       make([]byte, 32),
			Timestamp:      1_700_000_001,
		},
	}
	journals := []persistence.JournalRow{
		{
			JournalID:     "11111111-1111-1111-1111-111111111111",
			BatchID:       "22222222-2222-2222-2222-222222222222",
			EventRef:      "supply-1",
			Sequence:      1,
			DebitAccount:  "system:vault:USDC",
			CreditAccount: "user:33333333-3333-3333-3333-333333333333:cash:USDC",
			Asset:         "USDC",
			Amount:        1000,
			JournalType:   "Supply",
			Timestamp:     1_700_000_001,
		},
	}

	writer := persistence.NewEventLogWriter(db)
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, writer.WriteEventBatch(ctx, tx, events))
	require.NoError(t, writer.WriteJournalBatch(ctx, tx, journals))
	require.NoError(t, tx.Commit())

	// Rewriting the same batch must not duplicate rows.
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, writer.WriteEventBatch(ctx, tx, events))
	require.NoError(t, writer.WriteJournalBatch(ctx, tx, journals))
	require.NoError(t, tx.Commit())

	snapMgr := persistence.NewSnapshotManager(db)

	envelopes, err := snapMgr.LoadEnvelopesFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, envelopes, 2)
	assert.Equal(t, event.OpTypeMarketCreated, envelopes[0].OpType)
	assert.Equal(t, "supply-1", envelopes[1].IdempotencyKey)

	rows, err := snapMgr.LoadJournalsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1000), rows[0].Amount)

	latest, err := snapMgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("Supplied", "supply-1")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = checker.IsDuplicate("Supplied", "never-seen")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestSnapshotSaveLoad(t *testing.T) {
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	require.NoError(t, migrator.Up(ctx))

	snapMgr := persistence.NewSnapshotManager(db)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap, "cold start has no snapshot")

	saved := &core.SnapshotState{
		Sequence:  42,
		StateHash: make([]byte, 32),
		Assets:    []string{"USDC", "WETH"},
		Balances: map[string]int64{
			"system:vault:USDC": 5000,
		},
		IdempotencyKeys: []string{"supply-1"},
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, snapMgr.SaveSnapshot(ctx, saved))

	// Saving the same sequence again replaces, not duplicates.
	saved.Balances["system:vault:USDC"] = 6000
	require.NoError(t, snapMgr.SaveSnapshot(ctx, saved))

	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(42), loaded.Sequence)
	assert.Equal(t, int64(6000), loaded.Balances["system:vault:USDC"])
	assert.Equal(t, []string{"USDC", "WETH"}, loaded.Assets)
}
