package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/oddsmill/sequencer/errs"
	"github.com/oddsmill/sequencer/internal/domain"
	"github.com/oddsmill/sequencer/internal/infra/persistence/memory"
	"github.com/oddsmill/sequencer/internal/ingest"
)

func newService(t *testing.T) (*ingest.Service, domain.Stores, string) {
	t.Helper()
	stores := memory.New().Stores()
	market := &domain.Market{
		ID:        "mkt-1",
		Question:  "Will the launch succeed?",
		Status:    domain.MarketStatusActive,
		CreatedAt: time.Now(),
	}
	require.NoError(t, stores.Markets.Create(context.Background(), market))
	return ingest.New(stores.Orders, stores.Markets, stores.State), stores, market.ID
}

func validRequest(marketID string) ingest.OrderRequest {
	return ingest.OrderRequest{
		Owner:    "0.0.1001",
		MarketID: marketID,
		Side:     domain.SideBuy,
		Price:    decimal.RequireFromString("0.5"),
		Quantity: decimal.RequireFromString("10"),
	}
}

func TestSubmitEnqueuesValidOrder(t *testing.T) {
	svc, stores, marketID := newService(t)
	ctx := context.Background()

	id, err := svc.Submit(ctx, validRequest(marketID))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	order, err := stores.Orders.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusQueued, order.Status)
	require.True(t, order.Remaining.Equal(order.Quantity))
	require.Equal(t, "0.0.1001", order.Owner)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	svc, _, marketID := newService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*ingest.OrderRequest)
	}{
		{"bad side", func(r *ingest.OrderRequest) { r.Side = "HOLD" }},
		{"zero price", func(r *ingest.OrderRequest) { r.Price = decimal.Zero }},
		{"price at one", func(r *ingest.OrderRequest) { r.Price = decimal.NewFromInt(1) }},
		{"price above one", func(r *ingest.OrderRequest) { r.Price = decimal.RequireFromString("1.2") }},
		{"off-tick price", func(r *ingest.OrderRequest) { r.Price = decimal.RequireFromString("0.5005") }},
		{"zero quantity", func(r *ingest.OrderRequest) { r.Quantity = decimal.Zero }},
		{"negative quantity", func(r *ingest.OrderRequest) { r.Quantity = decimal.RequireFromString("-5") }},
		{"missing owner", func(r *ingest.OrderRequest) { r.Owner = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest(marketID)
			tc.mutate(&req)
			_, err := svc.Submit(ctx, req)
			require.Error(t, err)
			require.Equal(t, errs.CodeValidation, errs.CodeOf(err))
		})
	}
}

func TestSubmitRejectsUnknownMarket(t *testing.T) {
	svc, _, _ := newService(t)

	req := validRequest("no-such-market")
	_, err := svc.Submit(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, errs.CodeUnknownMarket, errs.CodeOf(err))
}

func TestSubmitRejectsNonTradableMarket(t *testing.T) {
	svc, stores, marketID := newService(t)
	ctx := context.Background()

	for _, status := range []domain.MarketStatus{
		domain.MarketStatusPaused,
		domain.MarketStatusErrored,
		domain.MarketStatusResolved,
	} {
		require.NoError(t, stores.Markets.SetStatus(ctx, marketID, status))
		_, err := svc.Submit(ctx, validRequest(marketID))
		require.Error(t, err, "status %s", status)
		require.Equal(t, errs.CodeUnknownMarket, errs.CodeOf(err))
	}
}

func TestSubmitAssignsMonotonicPriority(t *testing.T) {
	svc, stores, marketID := newService(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := svc.Submit(ctx, validRequest(marketID))
		require.NoError(t, err)
		order, err := stores.Orders.Get(ctx, id)
		require.NoError(t, err)
		require.Greater(t, order.PriorityScore, last)
		last = order.PriorityScore
	}
}

func TestPriorityCountersAreIndependentPerMarket(t *testing.T) {
	svc, stores, marketID := newService(t)
	ctx := context.Background()

	other := &domain.Market{
		ID:        "mkt-2",
		Question:  "Will it rain tomorrow?",
		Status:    domain.MarketStatusActive,
		CreatedAt: time.Now(),
	}
	require.NoError(t, stores.Markets.Create(ctx, other))

	firstID, err := svc.Submit(ctx, validRequest(marketID))
	require.NoError(t, err)
	otherReq := validRequest(other.ID)
	otherID, err := svc.Submit(ctx, otherReq)
	require.NoError(t, err)

	first, err := stores.Orders.Get(ctx, firstID)
	require.NoError(t, err)
	second, err := stores.Orders.Get(ctx, otherID)
	require.NoError(t, err)
	require.Equal(t, first.PriorityScore, second.PriorityScore)
}

func TestCancelQueuedOrder(t *testing.T) {
	svc, stores, marketID := newService(t)
	ctx := context.Background()

	id, err := svc.Submit(ctx, validRequest(marketID))
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, id)
	require.NoError(t, err)
	require.True(t, cancelled)

	order, err := stores.Orders.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, order.Status)

	// A second cancel is a no-op, not an error.
	cancelled, err = svc.Cancel(ctx, id)
	require.NoError(t, err)
	require.False(t, cancelled)
}

func TestCancelLosesRaceToClaimedOrder(t *testing.T) {
	svc, stores, marketID := newService(t)
	ctx := context.Background()

	id, err := svc.Submit(ctx, validRequest(marketID))
	require.NoError(t, err)

	claimed, err := stores.Orders.DequeueBatch(ctx, marketID, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	cancelled, err := svc.Cancel(ctx, id)
	require.NoError(t, err)
	require.False(t, cancelled)

	order, err := stores.Orders.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusProcessing, order.Status)
}
