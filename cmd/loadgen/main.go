// Command loadgen submits randomised order flow against a running sequencer.
// Prices follow a bounded random walk per market so books cross regularly.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/oddsmill/sequencer/internal/domain"
)

type marketInfo struct {
	ID       string `json:"id"`
	Question string `json:"question"`
}

type marketsResponse struct {
	Markets []marketInfo `json:"markets"`
}

type orderPayload struct {
	Owner    string `json:"owner"`
	MarketID string `json:"market_id"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// walkState carries the random walk between submissions. Drift is explicit
// state, not a package global, so concurrent walks cannot contaminate each
// other.
type walkState struct {
	price decimal.Decimal
	drift decimal.Decimal
}

func main() {
	var (
		endpoint = flag.String("endpoint", "http://localhost:8080", "Sequencer base URL")
		rate     = flag.Duration("rate", 250*time.Millisecond, "Delay between orders")
		accounts = flag.Int("accounts", 8, "Number of synthetic accounts")
		seed     = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "loadgen ", log.LstdFlags)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	base := strings.TrimRight(*endpoint, "/")

	markets, err := fetchMarkets(ctx, client, base)
	if err != nil {
		logger.Fatalf("fetch markets: %v", err)
	}
	if len(markets) == 0 {
		logger.Fatal("no active markets; start the sequencer in dev mode or create one first")
	}
	logger.Printf("targeting %d market(s) at %s", len(markets), base)

	rng := rand.New(rand.NewSource(*seed))
	walks := make(map[string]walkState, len(markets))
	for _, market := range markets {
		walks[market.ID] = walkState{
			price: decimal.NewFromFloat(0.5),
			drift: decimal.Zero,
		}
	}

	ticker := time.NewTicker(*rate)
	defer ticker.Stop()
	submitted := 0
	for {
		select {
		case <-ctx.Done():
			logger.Printf("stopping after %d orders", submitted)
			return
		case <-ticker.C:
			market := markets[rng.Intn(len(markets))]
			state := walks[market.ID]
			payload, next := nextOrder(rng, market.ID, *accounts, state)
			walks[market.ID] = next
			if err := submit(ctx, client, base, payload); err != nil {
				logger.Printf("submit: %v", err)
				continue
			}
			submitted++
			if submitted%50 == 0 {
				logger.Printf("submitted %d orders; %s mid around %s", submitted, market.ID, next.price)
			}
		}
	}
}

// nextOrder advances the walk one step and derives an order around the new
// mid price. The walk is mean-reverting: drift decays toward zero and the
// price is clamped inside the valid tick range.
func nextOrder(rng *rand.Rand, marketID string, accounts int, state walkState) (orderPayload, walkState) {
	step := decimal.NewFromInt(int64(rng.Intn(5) - 2)).Mul(domain.TickSize)
	state.drift = state.drift.Mul(decimal.NewFromFloat(0.9)).Add(step)
	state.price = clampPrice(state.price.Add(state.drift).Round(domain.PriceScale))

	side := domain.SideBuy
	offset := decimal.NewFromInt(int64(rng.Intn(3))).Mul(domain.TickSize)
	price := state.price.Add(offset)
	if rng.Intn(2) == 0 {
		side = domain.SideSell
		price = state.price.Sub(offset)
	}
	price = clampPrice(price.Round(domain.PriceScale))

	quantity := decimal.NewFromInt(int64(rng.Intn(20) + 1))
	return orderPayload{
		Owner:    fmt.Sprintf("0.0.%d", 1000+rng.Intn(accounts)),
		MarketID: marketID,
		Side:     string(side),
		Price:    price.String(),
		Quantity: quantity.String(),
	}, state
}

func clampPrice(price decimal.Decimal) decimal.Decimal {
	low := domain.TickSize
	high := decimal.NewFromInt(1).Sub(domain.TickSize)
	if price.Cmp(low) < 0 {
		return low
	}
	if price.Cmp(high) > 0 {
		return high
	}
	return price
}

func fetchMarkets(ctx context.Context, client *http.Client, base string) ([]marketInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/markets", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d listing markets", resp.StatusCode)
	}
	var payload marketsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Markets, nil
}

func submit(ctx context.Context, client *http.Client, base string, payload orderPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/orders", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("order rejected with status %d", resp.StatusCode)
	}
	return nil
}
