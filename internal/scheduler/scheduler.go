// Package scheduler owns matching-cycle cadence and fan-out. It decides
// when cycles run; the engine's per-market claim decides whether an
// overlapping invocation proceeds.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/oddsmill/sequencer/config"
	"github.com/oddsmill/sequencer/errs"
	"github.com/oddsmill/sequencer/internal/domain"
	"github.com/oddsmill/sequencer/internal/engine"
	"github.com/oddsmill/sequencer/internal/observability"
	"github.com/oddsmill/sequencer/lib/async"
)

// Reason identifies what initiated a trigger.
type Reason string

const (
	// ReasonManual marks an operator- or test-initiated trigger.
	ReasonManual Reason = "manual_test"
	// ReasonBackground marks the built-in periodic trigger.
	ReasonBackground Reason = "background_cycle"
	// ReasonScheduled marks a trigger from an external scheduler.
	ReasonScheduled Reason = "scheduled"
)

// Valid reports whether the reason is a known trigger source.
func (r Reason) Valid() bool {
	switch r {
	case ReasonManual, ReasonBackground, ReasonScheduled:
		return true
	default:
		return false
	}
}

// CycleRunner abstracts the engine for the scheduler.
type CycleRunner interface {
	RunCycle(ctx context.Context, marketID string) (engine.CycleResult, error)
}

// MarketOutcome is one market's result within a trigger.
type MarketOutcome struct {
	MarketID string             `json:"market_id"`
	Result   engine.CycleResult `json:"result"`
	Error    string             `json:"error,omitempty"`
}

// TriggerResult summarises one fan-out across markets.
type TriggerResult struct {
	Reason   Reason          `json:"trigger"`
	Markets  int             `json:"markets"`
	Outcomes []MarketOutcome `json:"outcomes"`
}

// Scheduler fans RunCycle across active markets through a bounded pool.
// Overlapping triggers are safe: duplicates collapse against the engine's
// per-market claim, and fan-out never exceeds the pool's worker count.
type Scheduler struct {
	runner   CycleRunner
	markets  domain.MarketStore
	pool     *async.Pool
	interval time.Duration
	limiter  *rate.Limiter
}

// New constructs a Scheduler with its own worker pool.
func New(runner CycleRunner, markets domain.MarketStore, cfg config.SchedulerSettings) (*Scheduler, error) {
	pool, err := async.NewPool("scheduler", cfg.Workers, cfg.QueueDepth)
	if err != nil {
		return nil, err
	}
	burst := cfg.TriggerBurst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(cfg.TriggerRate)
	if cfg.TriggerRate <= 0 {
		limit = rate.Inf
	}
	return &Scheduler{
		runner:   runner,
		markets:  markets,
		pool:     pool,
		interval: cfg.Interval,
		limiter:  rate.NewLimiter(limit, burst),
	}, nil
}

// Run drives periodic background cycles until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Trigger(ctx, ReasonBackground, ""); err != nil {
				observability.Log().Error("background trigger",
					observability.F("error", err))
			}
		}
	}
}

// Trigger invokes RunCycle for every active market, or for one market when
// marketID is set, and waits for the fan-out to finish. Manual triggers are
// rate limited; periodic ones are not.
func (s *Scheduler) Trigger(ctx context.Context, reason Reason, marketID string) (TriggerResult, error) {
	result := TriggerResult{Reason: reason}
	if !reason.Valid() {
		return result, errs.New("scheduler", errs.CodeInvalid,
			errs.WithMessage("unknown trigger reason "+string(reason)))
	}
	if reason == ReasonManual && !s.limiter.Allow() {
		return result, errs.New("scheduler", errs.CodeUnavailable,
			errs.WithMessage("manual trigger rate exceeded"))
	}

	var targets []*domain.Market
	if marketID != "" {
		market, err := s.markets.Get(ctx, marketID)
		if err != nil {
			return result, err
		}
		targets = []*domain.Market{market}
	} else {
		active, err := s.markets.ListActive(ctx)
		if err != nil {
			return result, fmt.Errorf("list active markets: %w", err)
		}
		targets = active
	}
	result.Markets = len(targets)
	if len(targets) == 0 {
		return result, nil
	}

	outcomes := make(chan MarketOutcome, len(targets))
	pending := 0
	for _, market := range targets {
		id := market.ID
		task := func(taskCtx context.Context) error {
			res, err := s.runner.RunCycle(taskCtx, id)
			outcome := MarketOutcome{MarketID: id, Result: res}
			if err != nil {
				outcome.Error = err.Error()
			}
			outcomes <- outcome
			return err
		}
		if err := s.pool.Submit(ctx, task); err != nil {
			// Saturated pool: the market simply waits for the next trigger.
			result.Outcomes = append(result.Outcomes, MarketOutcome{MarketID: id, Error: err.Error()})
			continue
		}
		pending++
	}

	for pending > 0 {
		select {
		case <-ctx.Done():
			return result, fmt.Errorf("trigger wait: %w", ctx.Err())
		case outcome := <-outcomes:
			result.Outcomes = append(result.Outcomes, outcome)
			pending--
		}
	}
	return result, nil
}

// Shutdown drains the pool, waiting for in-flight cycles.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	return s.pool.Shutdown(ctx)
}
