package book_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/oddsmill/sequencer/internal/book"
	"github.com/oddsmill/sequencer/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ref(id string, remaining string, priority int64) domain.RestingRef {
	return domain.RestingRef{OrderID: id, Owner: "acct-" + id, Remaining: d(remaining), PriorityScore: priority}
}

func TestInsertOrMergeKeepsSidesSorted(t *testing.T) {
	b := book.New("mkt-1")
	b.InsertOrMerge(domain.SideBuy, d("0.40"), ref("b1", "5", 1))
	b.InsertOrMerge(domain.SideBuy, d("0.45"), ref("b2", "5", 2))
	b.InsertOrMerge(domain.SideSell, d("0.60"), ref("s1", "3", 3))
	b.InsertOrMerge(domain.SideSell, d("0.55"), ref("s2", "3", 4))

	snap := b.Snapshot()
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	require.True(t, snap.Bids[0].Price.Equal(d("0.45")), "bids sorted descending")
	require.True(t, snap.Bids[1].Price.Equal(d("0.40")))
	require.True(t, snap.Asks[0].Price.Equal(d("0.55")), "asks sorted ascending")
	require.True(t, snap.Asks[1].Price.Equal(d("0.60")))

	best, ok := b.BestBid()
	require.True(t, ok)
	require.True(t, best.Price.Equal(d("0.45")))
	bestAsk, ok := b.BestAsk()
	require.True(t, ok)
	require.True(t, bestAsk.Price.Equal(d("0.55")))
}

func TestInsertOrMergeAggregatesDuplicatePrices(t *testing.T) {
	b := book.New("mkt-1")
	b.InsertOrMerge(domain.SideBuy, d("0.52"), ref("b1", "10", 1))
	b.InsertOrMerge(domain.SideBuy, d("0.52"), ref("b2", "4", 2))

	snap := b.Snapshot()
	require.Len(t, snap.Bids, 1, "no duplicate price levels per side")
	require.True(t, snap.Bids[0].AggregateQuantity.Equal(d("14")))
	require.Equal(t, 2, snap.Bids[0].OrderCount)
}

func TestFrontIsFIFOWithinLevel(t *testing.T) {
	b := book.New("mkt-1")
	b.InsertOrMerge(domain.SideBuy, d("0.52"), ref("early", "10", 1))
	b.InsertOrMerge(domain.SideBuy, d("0.52"), ref("late", "10", 2))

	front, ok := b.Front(domain.SideBuy)
	require.True(t, ok)
	require.Equal(t, "early", front.Ref.OrderID)

	// Consume the early order entirely; the late one takes the head.
	remaining, ok := b.RemoveOrShrink(domain.SideBuy, d("0.52"), d("10"), "early")
	require.True(t, ok)
	require.True(t, remaining.IsZero())

	front, ok = b.Front(domain.SideBuy)
	require.True(t, ok)
	require.Equal(t, "late", front.Ref.OrderID)
}

func TestRemoveOrShrinkDropsEmptyLevels(t *testing.T) {
	b := book.New("mkt-1")
	b.InsertOrMerge(domain.SideSell, d("0.60"), ref("s1", "4", 1))

	_, ok := b.RemoveOrShrink(domain.SideSell, d("0.60"), d("4"), "s1")
	require.True(t, ok)

	_, ok = b.BestAsk()
	require.False(t, ok, "level with zero aggregate quantity is removed")
	_, ok = b.LevelAt(domain.SideSell, d("0.60"))
	require.False(t, ok)
}

func TestRemoveOrShrinkPartial(t *testing.T) {
	b := book.New("mkt-1")
	b.InsertOrMerge(domain.SideBuy, d("0.52"), ref("b1", "10", 1))

	remaining, ok := b.RemoveOrShrink(domain.SideBuy, d("0.52"), d("4"), "b1")
	require.True(t, ok)
	require.True(t, remaining.Equal(d("6")))

	lv, ok := b.LevelAt(domain.SideBuy, d("0.52"))
	require.True(t, ok)
	require.True(t, lv.AggregateQuantity.Equal(d("6")))
	require.Equal(t, 1, lv.OrderCount)
}

func TestRemoveOrShrinkUnknownOrder(t *testing.T) {
	b := book.New("mkt-1")
	b.InsertOrMerge(domain.SideBuy, d("0.52"), ref("b1", "10", 1))

	_, ok := b.RemoveOrShrink(domain.SideBuy, d("0.52"), d("4"), "ghost")
	require.False(t, ok)
	_, ok = b.RemoveOrShrink(domain.SideBuy, d("0.99"), d("4"), "b1")
	require.False(t, ok)
}

func TestCrossedDetection(t *testing.T) {
	b := book.New("mkt-1")
	require.False(t, b.Crossed(), "empty book is never crossed")

	b.InsertOrMerge(domain.SideBuy, d("0.52"), ref("b1", "10", 1))
	require.False(t, b.Crossed(), "one-sided book is never crossed")

	b.InsertOrMerge(domain.SideSell, d("0.55"), ref("s1", "10", 2))
	require.False(t, b.Crossed())

	b.InsertOrMerge(domain.SideSell, d("0.50"), ref("s2", "10", 3))
	require.True(t, b.Crossed())
}

func TestStateRoundTripPreservesFIFO(t *testing.T) {
	b := book.New("mkt-1")
	b.InsertOrMerge(domain.SideBuy, d("0.52"), ref("early", "10", 1))
	b.InsertOrMerge(domain.SideBuy, d("0.52"), ref("late", "6", 2))
	b.InsertOrMerge(domain.SideSell, d("0.61"), ref("s1", "3", 3))
	b.AdvanceSequence()

	restored := book.Restore(b.State())
	require.Equal(t, int64(1), restored.Sequence())

	front, ok := restored.Front(domain.SideBuy)
	require.True(t, ok)
	require.Equal(t, "early", front.Ref.OrderID)

	snap := restored.Snapshot()
	require.Len(t, snap.Bids, 1)
	require.True(t, snap.Bids[0].AggregateQuantity.Equal(d("16")))
	require.Len(t, snap.Asks, 1)
}
