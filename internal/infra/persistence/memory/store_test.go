package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/oddsmill/sequencer/errs"
	"github.com/oddsmill/sequencer/internal/domain"
	"github.com/oddsmill/sequencer/internal/infra/persistence/memory"
)

func queuedOrder(id, marketID string, priority int64) *domain.Order {
	return &domain.Order{
		ID:            id,
		MarketID:      marketID,
		Owner:         "0.0.1001",
		Side:          domain.SideBuy,
		Price:         decimal.RequireFromString("0.5"),
		Quantity:      decimal.RequireFromString("10"),
		Remaining:     decimal.RequireFromString("10"),
		Status:        domain.OrderStatusQueued,
		PriorityScore: priority,
		CreatedAt:     time.Now(),
	}
}

func TestOrderEnqueueRejectsDuplicateID(t *testing.T) {
	stores := memory.New().Stores()
	ctx := context.Background()

	require.NoError(t, stores.Orders.Enqueue(ctx, queuedOrder("o-1", "mkt-1", 1)))
	err := stores.Orders.Enqueue(ctx, queuedOrder("o-1", "mkt-1", 2))
	require.Error(t, err)
	require.Equal(t, errs.CodeConflict, errs.CodeOf(err))
}

func TestOrderGetReturnsCopy(t *testing.T) {
	stores := memory.New().Stores()
	ctx := context.Background()
	require.NoError(t, stores.Orders.Enqueue(ctx, queuedOrder("o-1", "mkt-1", 1)))

	first, err := stores.Orders.Get(ctx, "o-1")
	require.NoError(t, err)
	first.Status = domain.OrderStatusFilled

	second, err := stores.Orders.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusQueued, second.Status)
}

func TestDequeueBatchClaimsInPriorityOrder(t *testing.T) {
	stores := memory.New().Stores()
	ctx := context.Background()

	// Insert out of priority order.
	require.NoError(t, stores.Orders.Enqueue(ctx, queuedOrder("o-3", "mkt-1", 3)))
	require.NoError(t, stores.Orders.Enqueue(ctx, queuedOrder("o-1", "mkt-1", 1)))
	require.NoError(t, stores.Orders.Enqueue(ctx, queuedOrder("o-2", "mkt-1", 2)))
	require.NoError(t, stores.Orders.Enqueue(ctx, queuedOrder("x-1", "mkt-2", 1)))

	batch, err := stores.Orders.DequeueBatch(ctx, "mkt-1", 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, "o-1", batch[0].ID)
	require.Equal(t, "o-2", batch[1].ID)
	for _, o := range batch {
		require.Equal(t, domain.OrderStatusProcessing, o.Status)
	}

	// Claimed orders are not eligible again; the rest still is.
	rest, err := stores.Orders.DequeueBatch(ctx, "mkt-1", 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "o-3", rest[0].ID)
}

func TestRequeueProcessingRestoresClaimedOrders(t *testing.T) {
	stores := memory.New().Stores()
	ctx := context.Background()

	require.NoError(t, stores.Orders.Enqueue(ctx, queuedOrder("o-1", "mkt-1", 1)))
	_, err := stores.Orders.DequeueBatch(ctx, "mkt-1", 10)
	require.NoError(t, err)

	depth, err := stores.Orders.QueueDepth(ctx, "mkt-1")
	require.NoError(t, err)
	require.Zero(t, depth)

	require.NoError(t, stores.Orders.RequeueProcessing(ctx, "mkt-1"))
	depth, err = stores.Orders.QueueDepth(ctx, "mkt-1")
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestCancelQueuedOnlyTouchesQueuedOrders(t *testing.T) {
	stores := memory.New().Stores()
	ctx := context.Background()

	require.NoError(t, stores.Orders.Enqueue(ctx, queuedOrder("o-1", "mkt-1", 1)))
	cancelled, err := stores.Orders.CancelQueued(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, cancelled)

	cancelled, err = stores.Orders.CancelQueued(ctx, "o-1")
	require.NoError(t, err)
	require.False(t, cancelled)

	_, err = stores.Orders.CancelQueued(ctx, "missing")
	require.Error(t, err)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestTradeListingAndConfirmation(t *testing.T) {
	stores := memory.New().Stores()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, stores.Trades.Append(ctx, &domain.Trade{
			ID:       fmt.Sprintf("t-%d", i),
			MarketID: "mkt-1",
			Price:    decimal.RequireFromString("0.5"),
			Quantity: decimal.NewFromInt(int64(i)),
			Sequence: int64(i),
		}))
	}

	newest, err := stores.Trades.ListByMarket(ctx, "mkt-1", 2)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	require.Equal(t, "t-3", newest[0].ID)
	require.Equal(t, "t-2", newest[1].ID)

	require.NoError(t, stores.Trades.MarkMirrorConfirmed(ctx, "t-1", time.Now()))
	pending, err := stores.Trades.ListUnconfirmed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, trade := range pending {
		require.Nil(t, trade.MirrorConfirmedAt)
	}
}

func TestPositionGetDefaultsToZero(t *testing.T) {
	stores := memory.New().Stores()
	ctx := context.Background()

	pos, err := stores.Positions.Get(ctx, "mkt-1", "0.0.1001", domain.OutcomeYes)
	require.NoError(t, err)
	require.True(t, pos.Quantity.IsZero())
	require.Equal(t, domain.OutcomeYes, pos.Outcome)

	pos.Quantity = decimal.NewFromInt(7)
	pos.AvgEntryPrice = decimal.RequireFromString("0.6")
	require.NoError(t, stores.Positions.Upsert(ctx, pos))

	loaded, err := stores.Positions.Get(ctx, "mkt-1", "0.0.1001", domain.OutcomeYes)
	require.NoError(t, err)
	require.True(t, loaded.Quantity.Equal(decimal.NewFromInt(7)))

	byAccount, err := stores.Positions.ListByAccount(ctx, "0.0.1001")
	require.NoError(t, err)
	require.Len(t, byAccount, 1)
}

func TestMarketLifecycle(t *testing.T) {
	stores := memory.New().Stores()
	ctx := context.Background()

	market := &domain.Market{ID: "mkt-1", Question: "q", Status: domain.MarketStatusActive, CreatedAt: time.Now()}
	require.NoError(t, stores.Markets.Create(ctx, market))
	require.Error(t, stores.Markets.Create(ctx, market))

	require.NoError(t, stores.Markets.SetStatus(ctx, "mkt-1", domain.MarketStatusPaused))
	active, err := stores.Markets.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	_, err = stores.Markets.Get(ctx, "missing")
	require.Error(t, err)
	require.Equal(t, errs.CodeUnknownMarket, errs.CodeOf(err))
}

func TestStateRoundTripAndEmptyDefault(t *testing.T) {
	stores := memory.New().Stores()
	ctx := context.Background()

	empty, err := stores.State.Load(ctx, "mkt-1")
	require.NoError(t, err)
	require.Zero(t, empty.LastSequence)
	require.Empty(t, empty.Bids)

	state := &domain.SequencerState{
		MarketID:     "mkt-1",
		LastSequence: 4,
		Bids: []domain.LevelDetail{{
			Price: decimal.RequireFromString("0.5"),
			Orders: []domain.RestingRef{{
				OrderID:       "o-1",
				Owner:         "0.0.1001",
				Remaining:     decimal.NewFromInt(3),
				PriorityScore: 1,
			}},
		}},
	}
	require.NoError(t, stores.State.Save(ctx, state))

	loaded, err := stores.State.Load(ctx, "mkt-1")
	require.NoError(t, err)
	require.Equal(t, int64(4), loaded.LastSequence)
	require.Len(t, loaded.Bids, 1)
	require.False(t, loaded.UpdatedAt.IsZero())
}

func TestNextPriorityIsMonotonicPerMarket(t *testing.T) {
	stores := memory.New().Stores()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := stores.State.NextPriority(ctx, "mkt-1")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	other, err := stores.State.NextPriority(ctx, "mkt-2")
	require.NoError(t, err)
	require.Equal(t, int64(1), other)
}

func TestLeaseClaimSemantics(t *testing.T) {
	store := memory.New()
	stores := store.Stores()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	acquired, err := stores.State.AcquireLease(ctx, "mkt-1", "holder-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// A competing holder is refused while the lease is live.
	acquired, err = stores.State.AcquireLease(ctx, "mkt-1", "holder-b", time.Minute)
	require.NoError(t, err)
	require.False(t, acquired)

	// The current holder can renew.
	acquired, err = stores.State.AcquireLease(ctx, "mkt-1", "holder-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// An expired lease is up for grabs.
	store.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	acquired, err = stores.State.AcquireLease(ctx, "mkt-1", "holder-b", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// Release by a non-holder is a no-op; the real holder's release frees it.
	require.NoError(t, stores.State.ReleaseLease(ctx, "mkt-1", "holder-a"))
	acquired, err = stores.State.AcquireLease(ctx, "mkt-1", "holder-c", time.Minute)
	require.NoError(t, err)
	require.False(t, acquired)

	require.NoError(t, stores.State.ReleaseLease(ctx, "mkt-1", "holder-b"))
	acquired, err = stores.State.AcquireLease(ctx, "mkt-1", "holder-c", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}
