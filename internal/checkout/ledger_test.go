package checkout

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/logging"
	"github.com/game-data-manager/internal/models"
)

func quietLogger() *logging.Logger {
	l := logging.NewLogger(logging.LevelError, logging.FormatText)
	l.SetOutput(io.Discard)
	return l
}

func makeItems(n int) []models.WorkItem {
	items := make([]models.WorkItem, n)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range items {
		last := base.Add(time.Duration(i) * time.Minute)
		items[i] = models.WorkItem{
			ID:       fmt.Sprintf("item-%03d", i),
			Name:     fmt.Sprintf("Item %d", i),
			LastScan: &last,
		}
	}
	return items
}

func newLedger(store Store) *Ledger {
	return NewLedger(store, Config{DefaultBatchSize: 50, MaxBatchSize: 200}, quietLogger())
}

func TestAcquire_StalenessOrderAndExclusions(t *testing.T) {
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := old.Add(time.Hour)
	store := NewMemoryStore(
		models.WorkItem{ID: "b", LastScan: &newer},
		models.WorkItem{ID: "a", LastScan: &newer},
		models.WorkItem{ID: "never"},
		models.WorkItem{ID: "oldest", LastScan: &old},
		models.WorkItem{ID: "preset", Types: []string{models.ItemTypePreset}},
		models.WorkItem{ID: "noflea", Types: []string{models.ItemTypeNoFlea}},
		models.WorkItem{ID: "quest", Types: []string{models.ItemTypeQuest}},
	)
	ledger := newLedger(store)

	items, err := ledger.Acquire(context.Background(), AcquireRequest{ScannerID: 7, Category: models.CategoryPlayer, BatchSize: 10})
	require.NoError(t, err)

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
		require.NotNil(t, item.CheckoutScannerID)
		assert.Equal(t, int64(7), *item.CheckoutScannerID)
	}
	assert.Equal(t, []string{"never", "oldest", "a", "b"}, ids)
}

func TestAcquire_RefetchesOwnBatch(t *testing.T) {
	store := NewMemoryStore(makeItems(5)...)
	ledger := newLedger(store)
	ctx := context.Background()

	first, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 1, Category: models.CategoryPlayer, BatchSize: 3})
	require.NoError(t, err)
	second, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 1, Category: models.CategoryPlayer, BatchSize: 3})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 2, Category: models.CategoryPlayer, BatchSize: 3})
	require.NoError(t, err)
	assert.Len(t, other, 2)
}

func TestAcquire_BatchSizeBounds(t *testing.T) {
	store := NewMemoryStore(makeItems(300)...)
	ledger := newLedger(store)
	ctx := context.Background()

	items, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 1, Category: models.CategoryPlayer})
	require.NoError(t, err)
	assert.Len(t, items, 50)

	items, err = ledger.Acquire(ctx, AcquireRequest{ScannerID: 2, Category: models.CategoryPlayer, BatchSize: 1000})
	require.NoError(t, err)
	assert.Len(t, items, 200)

	_, err = ledger.Acquire(ctx, AcquireRequest{ScannerID: 3, Category: models.CategoryPlayer, BatchSize: -1})
	assert.True(t, apperrors.IsUserError(err))
}

func TestAcquire_CategoriesAreIndependent(t *testing.T) {
	store := NewMemoryStore(makeItems(4)...)
	ledger := newLedger(store)
	ctx := context.Background()

	_, err := ledger.StartTraderScan(ctx)
	require.NoError(t, err)

	player, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 1, Category: models.CategoryPlayer, BatchSize: 4})
	require.NoError(t, err)
	trader, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 2, Category: models.CategoryTrader, BatchSize: 4})
	require.NoError(t, err)

	assert.Len(t, player, 4)
	assert.Len(t, trader, 4)
	for _, item := range store.Items() {
		assert.Equal(t, int64(1), *item.CheckoutScannerID)
		assert.Equal(t, int64(2), *item.TraderCheckoutScannerID)
	}
}

func TestAcquire_TraderRequiresSession(t *testing.T) {
	store := NewMemoryStore(makeItems(3)...)
	ledger := newLedger(store)
	ctx := context.Background()

	items, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 1, Category: models.CategoryTrader})
	require.NoError(t, err)
	assert.Empty(t, items)
	for _, item := range store.Items() {
		assert.Nil(t, item.TraderCheckoutScannerID)
	}

	session, err := ledger.StartTraderScan(ctx)
	require.NoError(t, err)
	_, err = ledger.StartTraderScan(ctx)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	items, err = ledger.Acquire(ctx, AcquireRequest{ScannerID: 1, Category: models.CategoryTrader})
	require.NoError(t, err)
	assert.Len(t, items, 3)

	ended, err := ledger.EndTraderScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.ID, ended.ID)
	assert.NotNil(t, ended.Ended)

	active, err := ledger.ActiveTraderScan(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = ledger.EndTraderScan(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRelease_ScannedStampsLastScan(t *testing.T) {
	store := NewMemoryStore(makeItems(1)...)
	ledger := newLedger(store)
	ctx := context.Background()

	_, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 1, Category: models.CategoryPlayer, BatchSize: 1})
	require.NoError(t, err)

	before := time.Now()
	offers := 12
	n, err := ledger.Release(ctx, ReleaseRequest{ScannerID: 1, Category: models.CategoryPlayer, ItemID: "item-000", Scanned: true, OfferCount: &offers})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	item, _ := store.Item("item-000")
	assert.Nil(t, item.CheckoutScannerID)
	require.NotNil(t, item.LastScan)
	assert.False(t, item.LastScan.Before(before))
	assert.Equal(t, 12, *item.LastOfferCount)
}

func TestRelease_UnscannedAndSkipInsertKeepLastScan(t *testing.T) {
	store := NewMemoryStore(makeItems(2)...)
	ledger := newLedger(store)
	ctx := context.Background()

	_, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 1, Category: models.CategoryPlayer, BatchSize: 2})
	require.NoError(t, err)
	original, _ := store.Item("item-000")

	_, err = ledger.Release(ctx, ReleaseRequest{ScannerID: 1, Category: models.CategoryPlayer, ItemID: "item-000"})
	require.NoError(t, err)
	_, err = ledger.Release(ctx, ReleaseRequest{ScannerID: 1, Category: models.CategoryPlayer, ItemID: "item-001", Scanned: true, SkipPriceInsert: true})
	require.NoError(t, err)

	item, _ := store.Item("item-000")
	assert.Nil(t, item.CheckoutScannerID)
	assert.True(t, item.LastScan.Equal(*original.LastScan))

	skipped, _ := store.Item("item-001")
	assert.Nil(t, skipped.CheckoutScannerID)
	assert.True(t, skipped.LastScan.Before(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestRelease_WholeBatch(t *testing.T) {
	store := NewMemoryStore(makeItems(10)...)
	ledger := newLedger(store)
	ctx := context.Background()

	_, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 1, Category: models.CategoryPlayer, BatchSize: 6})
	require.NoError(t, err)
	_, err = ledger.Acquire(ctx, AcquireRequest{ScannerID: 2, Category: models.CategoryPlayer, BatchSize: 4})
	require.NoError(t, err)

	n, err := ledger.Release(ctx, ReleaseRequest{ScannerID: 1, Category: models.CategoryPlayer})
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	held := 0
	for _, item := range store.Items() {
		if item.CheckoutScannerID != nil {
			assert.Equal(t, int64(2), *item.CheckoutScannerID)
			held++
		}
	}
	assert.Equal(t, 4, held)
}

func TestSweep_ReleasesOnlyStaleScanners(t *testing.T) {
	store := NewMemoryStore(makeItems(10)...)
	ledger := newLedger(store)
	ctx := context.Background()

	_, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 1, Category: models.CategoryPlayer, BatchSize: 5})
	require.NoError(t, err)
	_, err = ledger.Acquire(ctx, AcquireRequest{ScannerID: 2, Category: models.CategoryPlayer, BatchSize: 5})
	require.NoError(t, err)
	store.SetScannerLastScan(1, models.CategoryPlayer, time.Now().Add(-20*time.Minute))

	result, err := ledger.Sweep(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, result.Scanners[models.CategoryPlayer])
	assert.Equal(t, int64(5), result.Released)

	for _, item := range store.Items() {
		if item.CheckoutScannerID != nil {
			assert.Equal(t, int64(2), *item.CheckoutScannerID)
		}
	}
}

func TestReleaseScanner_AllCategories(t *testing.T) {
	store := NewMemoryStore(makeItems(3)...)
	ledger := newLedger(store)
	ctx := context.Background()

	_, _ = ledger.StartTraderScan(ctx)
	_, _ = ledger.Acquire(ctx, AcquireRequest{ScannerID: 9, Category: models.CategoryPlayer, BatchSize: 3})
	_, _ = ledger.Acquire(ctx, AcquireRequest{ScannerID: 9, Category: models.CategoryTrader, BatchSize: 3})

	n, err := ledger.ReleaseScanner(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

// Two scanners asking for 50 items each out of 80 split the pool without
// overlap; concurrent pollers eventually lease every item to exactly one
// scanner.
func TestAcquire_TwoScannersShareThePool(t *testing.T) {
	t.Run("sequential", func(t *testing.T) {
		ledger := newLedger(NewMemoryStore(makeItems(80)...))
		ctx := context.Background()

		a, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 1, Category: models.CategoryPlayer, BatchSize: 50})
		require.NoError(t, err)
		b, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 2, Category: models.CategoryPlayer, BatchSize: 50})
		require.NoError(t, err)

		assert.Len(t, a, 50)
		assert.Len(t, b, 30)
		seen := make(map[string]bool)
		for _, item := range append(a, b...) {
			assert.False(t, seen[item.ID], "item %s leased twice", item.ID)
			seen[item.ID] = true
		}
		assert.LessOrEqual(t, len(seen), 80)
	})

	t.Run("concurrent", func(t *testing.T) {
		store := NewMemoryStore(makeItems(80)...)
		ledger := newLedger(store)
		ctx := context.Background()

		var wg sync.WaitGroup
		for _, id := range []int64{1, 2} {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				for i := 0; i < 3; i++ {
					_, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: id, Category: models.CategoryPlayer, BatchSize: 50})
					assert.NoError(t, err)
				}
			}(id)
		}
		wg.Wait()

		counts := map[int64]int{}
		for _, item := range store.Items() {
			require.NotNil(t, item.CheckoutScannerID, "item %s lost", item.ID)
			counts[*item.CheckoutScannerID]++
		}
		assert.Equal(t, 80, counts[1]+counts[2])
	})
}

func TestLeaseProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("acquire never returns items leased to another scanner", prop.ForAll(
		func(pool, firstBatch, secondBatch int) bool {
			store := NewMemoryStore(makeItems(pool)...)
			ledger := newLedger(store)
			ctx := context.Background()

			first, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 1, Category: models.CategoryPlayer, BatchSize: firstBatch})
			if err != nil {
				return false
			}
			second, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 2, Category: models.CategoryPlayer, BatchSize: secondBatch})
			if err != nil {
				return false
			}
			held := make(map[string]bool, len(first))
			for _, item := range first {
				held[item.ID] = true
			}
			for _, item := range second {
				if held[item.ID] || item.CheckoutScannerID == nil || *item.CheckoutScannerID != 2 {
					return false
				}
			}
			return len(first)+len(second) <= pool
		},
		gen.IntRange(0, 120),
		gen.IntRange(1, 60),
		gen.IntRange(1, 60),
	))

	properties.Property("releasing an item held by someone else changes nothing", prop.ForAll(
		func(pool, batch int, scanned bool) bool {
			store := NewMemoryStore(makeItems(pool)...)
			ledger := newLedger(store)
			ctx := context.Background()

			leased, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 1, Category: models.CategoryPlayer, BatchSize: batch})
			if err != nil {
				return false
			}
			before := store.Items()
			for _, item := range before {
				n, err := ledger.Release(ctx, ReleaseRequest{ScannerID: 2, Category: models.CategoryPlayer, ItemID: item.ID, Scanned: scanned})
				if err != nil || n != 0 {
					return false
				}
			}
			after := store.Items()
			for i := range before {
				if (before[i].CheckoutScannerID == nil) != (after[i].CheckoutScannerID == nil) {
					return false
				}
			}
			return len(leased) == min(pool, batch)
		},
		gen.IntRange(0, 40),
		gen.IntRange(1, 40),
		gen.Bool(),
	))

	properties.Property("scanned release clears the lease and stamps last scan", prop.ForAll(
		func(pool, batch int) bool {
			store := NewMemoryStore(makeItems(pool)...)
			ledger := newLedger(store)
			ctx := context.Background()

			leased, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 5, Category: models.CategoryPlayer, BatchSize: batch})
			if err != nil {
				return false
			}
			start := time.Now()
			for _, item := range leased {
				if _, err := ledger.Release(ctx, ReleaseRequest{ScannerID: 5, Category: models.CategoryPlayer, ItemID: item.ID, Scanned: true}); err != nil {
					return false
				}
				got, _ := store.Item(item.ID)
				if got.CheckoutScannerID != nil || got.LastScan == nil || got.LastScan.Before(start) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 40),
		gen.IntRange(1, 40),
	))

	properties.Property("sweep clears every lease of a stale scanner", prop.ForAll(
		func(pool, batch int) bool {
			store := NewMemoryStore(makeItems(pool)...)
			ledger := newLedger(store)
			ctx := context.Background()

			if _, err := ledger.Acquire(ctx, AcquireRequest{ScannerID: 3, Category: models.CategoryPlayer, BatchSize: batch}); err != nil {
				return false
			}
			store.SetScannerLastScan(3, models.CategoryPlayer, time.Now().Add(-time.Hour))
			if _, err := ledger.Sweep(ctx, 15*time.Minute); err != nil {
				return false
			}
			for _, item := range store.Items() {
				if item.CheckoutScannerID != nil {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 40),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
