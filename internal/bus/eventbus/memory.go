// Package eventbus fans completed matching cycles out to in-process
// consumers (the websocket feed, tests). The sequencer is the only
// publisher; the bus never feeds back into matching.
package eventbus

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/oddsmill/sequencer/internal/domain"
)

// CycleEvent describes one completed matching cycle.
type CycleEvent struct {
	MarketID  string              `json:"market_id"`
	Sequence  int64               `json:"sequence"`
	Trades    []*domain.Trade     `json:"trades"`
	Book      domain.BookSnapshot `json:"book"`
	EmittedAt time.Time           `json:"emitted_at"`
}

type subscriber struct {
	marketID string // empty subscribes to all markets
	ch       chan CycleEvent
}

// Bus is an in-memory cycle event bus. Delivery is best-effort: a slow
// subscriber drops events rather than stalling the sequencer.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	b := &Bus{subs: make(map[uint64]*subscriber)}
	meter := otel.Meter("eventbus")
	b.publishedCounter, _ = meter.Int64Counter("eventbus.cycles.published",
		metric.WithDescription("Number of cycle events published to the bus"),
		metric.WithUnit("{event}"))
	b.droppedCounter, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	b.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	return b
}

// Subscribe registers a consumer for one market's cycle events, or all
// markets when marketID is empty. The returned cancel function must be
// called to release the subscription.
func (b *Bus) Subscribe(marketID string, buffer int) (<-chan CycleEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{marketID: marketID, ch: make(chan CycleEvent, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	b.subscriberGauge.Add(context.Background(), 1)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
			b.subscriberGauge.Add(context.Background(), -1)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(ctx context.Context, evt CycleEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	attrs := metric.WithAttributes(attribute.String("market", evt.MarketID))
	b.publishedCounter.Add(ctx, 1, attrs)
	for _, sub := range b.subs {
		if sub.marketID != "" && sub.marketID != evt.MarketID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.droppedCounter.Add(ctx, 1, attrs)
		}
	}
}

// Close tears the bus down, closing all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
