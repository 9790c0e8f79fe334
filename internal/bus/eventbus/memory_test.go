package eventbus_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oddsmill/sequencer/internal/bus/eventbus"
)

func event(marketID string, sequence int64) eventbus.CycleEvent {
	return eventbus.CycleEvent{MarketID: marketID, Sequence: sequence}
}

func TestPublishReachesAllMatchingSubscribers(t *testing.T) {
	bus := eventbus.NewBus()
	defer bus.Close()

	first, cancelFirst := bus.Subscribe("mkt-1", 4)
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe("mkt-1", 4)
	defer cancelSecond()

	bus.Publish(context.Background(), event("mkt-1", 1))

	require.Equal(t, int64(1), (<-first).Sequence)
	require.Equal(t, int64(1), (<-second).Sequence)
}

func TestSubscriberOnlySeesItsMarket(t *testing.T) {
	bus := eventbus.NewBus()
	defer bus.Close()

	events, cancel := bus.Subscribe("mkt-1", 4)
	defer cancel()

	ctx := context.Background()
	bus.Publish(ctx, event("mkt-2", 1))
	bus.Publish(ctx, event("mkt-1", 2))

	evt := <-events
	require.Equal(t, "mkt-1", evt.MarketID)
	require.Equal(t, int64(2), evt.Sequence)
	require.Empty(t, events)
}

func TestEmptyMarketSubscribesToAll(t *testing.T) {
	bus := eventbus.NewBus()
	defer bus.Close()

	events, cancel := bus.Subscribe("", 4)
	defer cancel()

	ctx := context.Background()
	bus.Publish(ctx, event("mkt-1", 1))
	bus.Publish(ctx, event("mkt-2", 2))

	require.Equal(t, "mkt-1", (<-events).MarketID)
	require.Equal(t, "mkt-2", (<-events).MarketID)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := eventbus.NewBus()
	defer bus.Close()

	events, cancel := bus.Subscribe("mkt-1", 1)
	defer cancel()

	ctx := context.Background()
	bus.Publish(ctx, event("mkt-1", 1))
	bus.Publish(ctx, event("mkt-1", 2)) // buffer full, dropped

	require.Equal(t, int64(1), (<-events).Sequence)
	require.Empty(t, events)
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := eventbus.NewBus()
	defer bus.Close()

	events, cancel := bus.Subscribe("mkt-1", 4)
	cancel()
	cancel() // idempotent

	bus.Publish(context.Background(), event("mkt-1", 1))

	_, open := <-events
	require.False(t, open)
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	bus := eventbus.NewBus()
	events, cancel := bus.Subscribe("mkt-1", 4)
	defer cancel()

	bus.Close()

	_, open := <-events
	require.False(t, open)

	// Publishing and re-closing after Close are no-ops.
	bus.Publish(context.Background(), event("mkt-1", 1))
	bus.Close()

	late, lateCancel := bus.Subscribe("mkt-1", 4)
	defer lateCancel()
	_, open = <-late
	require.False(t, open)
}
