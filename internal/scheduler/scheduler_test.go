package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oddsmill/sequencer/config"
	"github.com/oddsmill/sequencer/errs"
	"github.com/oddsmill/sequencer/internal/domain"
	"github.com/oddsmill/sequencer/internal/engine"
	"github.com/oddsmill/sequencer/internal/infra/persistence/memory"
	"github.com/oddsmill/sequencer/internal/scheduler"
)

// stubRunner records which markets were cycled and returns canned results.
type stubRunner struct {
	mu     sync.Mutex
	calls  []string
	result engine.CycleResult
	err    error
}

func (r *stubRunner) RunCycle(_ context.Context, marketID string) (engine.CycleResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, marketID)
	return r.result, r.err
}

func (r *stubRunner) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func settings() config.SchedulerSettings {
	return config.SchedulerSettings{
		Interval:     time.Minute,
		Workers:      2,
		QueueDepth:   16,
		TriggerRate:  0,
		TriggerBurst: 0,
	}
}

func newMarkets(t *testing.T, ids ...string) domain.MarketStore {
	t.Helper()
	markets := memory.New().Stores().Markets
	for _, id := range ids {
		require.NoError(t, markets.Create(context.Background(), &domain.Market{
			ID:        id,
			Question:  "q",
			Status:    domain.MarketStatusActive,
			CreatedAt: time.Now(),
		}))
	}
	return markets
}

func shutdown(t *testing.T, s *scheduler.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestTriggerFansOutAcrossActiveMarkets(t *testing.T) {
	runner := &stubRunner{result: engine.CycleResult{Processed: 1, Sequence: 1}}
	markets := newMarkets(t, "mkt-a", "mkt-b", "mkt-c")

	s, err := scheduler.New(runner, markets, settings())
	require.NoError(t, err)
	defer shutdown(t, s)

	result, err := s.Trigger(context.Background(), scheduler.ReasonManual, "")
	require.NoError(t, err)
	require.Equal(t, scheduler.ReasonManual, result.Reason)
	require.Equal(t, 3, result.Markets)
	require.Len(t, result.Outcomes, 3)
	require.ElementsMatch(t, []string{"mkt-a", "mkt-b", "mkt-c"}, runner.called())
}

func TestTriggerTargetsSingleMarket(t *testing.T) {
	runner := &stubRunner{}
	markets := newMarkets(t, "mkt-a", "mkt-b")

	s, err := scheduler.New(runner, markets, settings())
	require.NoError(t, err)
	defer shutdown(t, s)

	result, err := s.Trigger(context.Background(), scheduler.ReasonScheduled, "mkt-b")
	require.NoError(t, err)
	require.Equal(t, 1, result.Markets)
	require.Equal(t, []string{"mkt-b"}, runner.called())
}

func TestTriggerUnknownMarket(t *testing.T) {
	runner := &stubRunner{}
	s, err := scheduler.New(runner, newMarkets(t), settings())
	require.NoError(t, err)
	defer shutdown(t, s)

	_, err = s.Trigger(context.Background(), scheduler.ReasonManual, "no-such-market")
	require.Error(t, err)
	require.Equal(t, errs.CodeUnknownMarket, errs.CodeOf(err))
	require.Empty(t, runner.called())
}

func TestTriggerRejectsUnknownReason(t *testing.T) {
	runner := &stubRunner{}
	s, err := scheduler.New(runner, newMarkets(t, "mkt-a"), settings())
	require.NoError(t, err)
	defer shutdown(t, s)

	_, err = s.Trigger(context.Background(), scheduler.Reason("cron"), "")
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
	require.Empty(t, runner.called())
}

func TestTriggerWithNoActiveMarkets(t *testing.T) {
	runner := &stubRunner{}
	s, err := scheduler.New(runner, newMarkets(t), settings())
	require.NoError(t, err)
	defer shutdown(t, s)

	result, err := s.Trigger(context.Background(), scheduler.ReasonBackground, "")
	require.NoError(t, err)
	require.Zero(t, result.Markets)
	require.Empty(t, result.Outcomes)
}

func TestTriggerCollectsEngineErrors(t *testing.T) {
	runner := &stubRunner{err: errs.New("engine", errs.CodeMatchFault,
		errs.WithMessage("trade append failed"))}
	s, err := scheduler.New(runner, newMarkets(t, "mkt-a"), settings())
	require.NoError(t, err)
	defer shutdown(t, s)

	result, err := s.Trigger(context.Background(), scheduler.ReasonManual, "")
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	require.Contains(t, result.Outcomes[0].Error, "trade append failed")
}

func TestManualTriggerRateLimited(t *testing.T) {
	runner := &stubRunner{}
	cfg := settings()
	cfg.TriggerRate = 0.001 // effectively one token, no refill within the test
	cfg.TriggerBurst = 1
	s, err := scheduler.New(runner, newMarkets(t, "mkt-a"), cfg)
	require.NoError(t, err)
	defer shutdown(t, s)

	ctx := context.Background()
	_, err = s.Trigger(ctx, scheduler.ReasonManual, "")
	require.NoError(t, err)

	_, err = s.Trigger(ctx, scheduler.ReasonManual, "")
	require.Error(t, err)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))

	// Background triggers bypass the manual limiter.
	_, err = s.Trigger(ctx, scheduler.ReasonBackground, "")
	require.NoError(t, err)
}

func TestRunFiresBackgroundCycles(t *testing.T) {
	runner := &stubRunner{}
	cfg := settings()
	cfg.Interval = 10 * time.Millisecond
	s, err := scheduler.New(runner, newMarkets(t, "mkt-a"), cfg)
	require.NoError(t, err)
	defer shutdown(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(runner.called()) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
