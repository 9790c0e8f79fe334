// Package mirror reconciles settled trades against a mirror node's public
// API. Confirmation is observational: a trade that fails to confirm is
// flagged for operators, never unwound.
package mirror

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/oddsmill/sequencer/config"
	"github.com/oddsmill/sequencer/errs"
	"github.com/oddsmill/sequencer/internal/domain"
	"github.com/oddsmill/sequencer/internal/observability"
)

// TransactionRecord is the mirror node's view of one settlement transaction.
type TransactionRecord struct {
	TransactionID string `json:"transaction_id"`
	Result        string `json:"result"`
	ConsensusAt   string `json:"consensus_timestamp"`
}

// Confirmed reports whether the mirror node recorded the transaction as
// successful.
func (t TransactionRecord) Confirmed() bool {
	return strings.EqualFold(t.Result, "SUCCESS")
}

// AccountBalance is the mirror node's view of one account.
type AccountBalance struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

// Reconciler polls a mirror node for settlement confirmations.
type Reconciler struct {
	endpoint string
	client   *http.Client
	trades   domain.TradeStore
	cfg      config.MirrorSettings
	now      func() time.Time

	retriesCounter   metric.Int64Counter
	confirmedCounter metric.Int64Counter
}

// New constructs a Reconciler. The endpoint may be empty, in which case
// Enabled reports false and Run returns immediately.
func New(trades domain.TradeStore, cfg config.MirrorSettings) *Reconciler {
	r := &Reconciler{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		trades:   trades,
		cfg:      cfg,
		now:      time.Now,
	}
	meter := otel.Meter("mirror")
	r.retriesCounter, _ = meter.Int64Counter("sequencer_mirror_retries_total",
		metric.WithDescription("Mirror-node fetch attempts that required a retry"),
		metric.WithUnit("{attempt}"))
	r.confirmedCounter, _ = meter.Int64Counter("sequencer_mirror_confirmations_total",
		metric.WithDescription("Trade confirmation outcomes by result"),
		metric.WithUnit("{trade}"))
	return r
}

// Enabled reports whether a mirror endpoint is configured.
func (r *Reconciler) Enabled() bool { return r.endpoint != "" }

// sweepBatchSize bounds one sweep so a long backlog drains across polls.
const sweepBatchSize = 200

// Run polls for unconfirmed trades on the configured interval until the
// context ends.
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.Enabled() {
		observability.Log().Info("mirror reconciliation disabled, no endpoint configured")
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				observability.Log().Error("mirror sweep", observability.F("error", err))
			}
		}
	}
}

// Sweep confirms every trade that is still pending mirror confirmation.
// Individual failures are logged and skipped so one stuck transaction
// cannot starve the rest of the sweep.
func (r *Reconciler) Sweep(ctx context.Context) error {
	pending, err := r.trades.ListUnconfirmed(ctx, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("list unconfirmed trades: %w", err)
	}
	for _, trade := range pending {
		if err := r.Confirm(ctx, trade); err != nil {
			observability.Log().Error("trade confirmation failed",
				observability.F("trade", trade.ID),
				observability.F("tx_ref", trade.TxRef),
				observability.F("error", err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// Confirm fetches the trade's settlement transaction from the mirror node,
// retrying with exponential backoff up to the configured attempt cap.
// Mirror nodes lag consensus, so early 404s are expected and retried.
func (r *Reconciler) Confirm(ctx context.Context, trade *domain.Trade) error {
	if trade.TxRef == "" {
		return errs.New("mirror", errs.CodeReconciliation,
			errs.WithMarket(trade.MarketID),
			errs.WithReason("missing_tx_ref"),
			errs.WithMessage("trade has no settlement transaction reference"))
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = r.cfg.InitialDelay
	backoffCfg.MaxInterval = r.cfg.MaxDelay

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		record, err := r.FetchTransaction(ctx, trade.TxRef)
		if err == nil {
			if !record.Confirmed() {
				r.confirmedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
				return errs.New("mirror", errs.CodeReconciliation,
					errs.WithMarket(trade.MarketID),
					errs.WithReason("transaction_failed"),
					errs.WithField("result", record.Result),
					errs.WithMessage("mirror node reports failed settlement"))
			}
			if err := r.trades.MarkMirrorConfirmed(ctx, trade.ID, r.now()); err != nil {
				return fmt.Errorf("mark trade %s confirmed: %w", trade.ID, err)
			}
			r.confirmedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "confirmed")))
			observability.Log().Debug("trade confirmed",
				observability.F("trade", trade.ID),
				observability.F("attempts", attempt))
			return nil
		}
		lastErr = err
		r.retriesCounter.Add(ctx, 1)

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	return errs.New("mirror", errs.CodeReconciliation,
		errs.WithMarket(trade.MarketID),
		errs.WithReason("attempts_exhausted"),
		errs.WithField("tx_ref", trade.TxRef),
		errs.WithMessage(fmt.Sprintf("transaction not confirmed after %d attempts", r.cfg.MaxAttempts)),
		errs.WithCause(lastErr))
}

// FetchTransaction retrieves one settlement transaction record.
func (r *Reconciler) FetchTransaction(ctx context.Context, txRef string) (TransactionRecord, error) {
	var record TransactionRecord
	endpoint := r.endpoint + "/api/v1/transactions/" + url.PathEscape(txRef)
	if err := r.getJSON(ctx, endpoint, &record); err != nil {
		return record, err
	}
	return record, nil
}

// FetchBalance retrieves one account balance from the mirror node.
func (r *Reconciler) FetchBalance(ctx context.Context, accountID string) (AccountBalance, error) {
	var balance AccountBalance
	endpoint := r.endpoint + "/api/v1/accounts/" + url.PathEscape(accountID)
	if err := r.getJSON(ctx, endpoint, &balance); err != nil {
		return balance, err
	}
	return balance, nil
}

func (r *Reconciler) getJSON(ctx context.Context, endpoint string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build mirror request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return errs.New("mirror", errs.CodeNetwork,
			errs.WithMessage("mirror node unreachable"),
			errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errs.New("mirror", errs.CodeNotFound,
			errs.WithReason("not_yet_visible"),
			errs.WithMessage("record not yet visible on mirror node"))
	case resp.StatusCode != http.StatusOK:
		return errs.New("mirror", errs.CodeNetwork,
			errs.WithField("status", strconv.Itoa(resp.StatusCode)),
			errs.WithMessage("unexpected mirror node response"))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode mirror response: %w", err)
	}
	return nil
}
