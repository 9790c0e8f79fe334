// Package httpserver exposes the sequencer's HTTP surface: order submission,
// cycle triggering, and read access to markets, books, trades, and positions.
package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddsmill/sequencer/errs"
	"github.com/oddsmill/sequencer/internal/book"
	"github.com/oddsmill/sequencer/internal/bus/eventbus"
	"github.com/oddsmill/sequencer/internal/domain"
	"github.com/oddsmill/sequencer/internal/ingest"
	"github.com/oddsmill/sequencer/internal/scheduler"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	ordersPath        = "/orders"
	orderDetailPrefix = ordersPath + "/"

	triggerPath = "/trigger"

	marketsPath        = "/markets"
	marketDetailPrefix = marketsPath + "/"

	accountsPrefix = "/accounts/"

	healthPath = "/healthz"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	stores    domain.Stores
	ingest    *ingest.Service
	scheduler *scheduler.Scheduler
	bus       *eventbus.Bus
	now       func() time.Time
}

// NewHandler creates the sequencer API handler.
func NewHandler(stores domain.Stores, ingestSvc *ingest.Service, sched *scheduler.Scheduler, bus *eventbus.Bus) http.Handler {
	server := &httpServer{stores: stores, ingest: ingestSvc, scheduler: sched, bus: bus, now: time.Now}
	mux := http.NewServeMux()

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.submitOrder,
	}))
	mux.Handle(orderDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getOrder,
		http.MethodDelete: server.cancelOrder,
	}))

	mux.Handle(triggerPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.trigger,
	}))

	mux.Handle(marketsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listMarkets,
		http.MethodPost: server.createMarket,
	}))
	mux.Handle(marketDetailPrefix, http.HandlerFunc(server.handleMarket))

	mux.Handle(accountsPrefix, http.HandlerFunc(server.handleAccount))

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type orderPayload struct {
	Owner       string `json:"owner"`
	MarketID    string `json:"market_id"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Quantity    string `json:"quantity"`
	ClientTxRef string `json:"client_tx_ref,omitempty"`
}

func (s *httpServer) submitOrder(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload orderPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	price, err := decimal.NewFromString(strings.TrimSpace(payload.Price))
	if err != nil {
		writeError(w, http.StatusBadRequest, "price must be a decimal string")
		return
	}
	quantity, err := decimal.NewFromString(strings.TrimSpace(payload.Quantity))
	if err != nil {
		writeError(w, http.StatusBadRequest, "quantity must be a decimal string")
		return
	}
	req := ingest.OrderRequest{
		Owner:       strings.TrimSpace(payload.Owner),
		MarketID:    strings.TrimSpace(payload.MarketID),
		Side:        domain.Side(strings.ToUpper(strings.TrimSpace(payload.Side))),
		Price:       price,
		Quantity:    quantity,
		ClientTxRef: strings.TrimSpace(payload.ClientTxRef),
	}
	orderID, err := s.ingest.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"order_id": orderID, "status": string(domain.OrderStatusQueued)})
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "order id must be a uuid")
		return
	}
	order, err := s.stores.Orders.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}
	cancelled, err := s.ingest.Cancel(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "cancelled": cancelled})
}

type triggerPayload struct {
	Trigger  string `json:"trigger"`
	MarketID string `json:"marketId,omitempty"`
}

func (s *httpServer) trigger(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload triggerPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	reason := scheduler.Reason(strings.TrimSpace(payload.Trigger))
	if reason == "" {
		reason = scheduler.ReasonManual
	}
	result, err := s.scheduler.Trigger(r.Context(), reason, strings.TrimSpace(payload.MarketID))
	if err != nil {
		status := errs.HTTPStatus(err)
		writeJSON(w, status, map[string]any{
			"success": false,
			"error":   err.Error(),
			"details": result,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

type marketPayload struct {
	ID       string `json:"id"`
	Question string `json:"question"`
}

func (s *httpServer) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.stores.Markets.ListActive(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if markets == nil {
		markets = []*domain.Market{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

func (s *httpServer) createMarket(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload marketPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	payload.ID = strings.TrimSpace(payload.ID)
	payload.Question = strings.TrimSpace(payload.Question)
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	if payload.Question == "" {
		writeError(w, http.StatusBadRequest, "question required")
		return
	}
	market := &domain.Market{
		ID:        payload.ID,
		Question:  payload.Question,
		Status:    domain.MarketStatusActive,
		CreatedAt: s.now(),
	}
	if err := s.stores.Markets.Create(r.Context(), market); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, market)
}

func (s *httpServer) handleMarket(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, marketDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "market id required")
		return
	}
	id, resource, hasResource := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "market id required")
		return
	}

	if !hasResource {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getMarket(w, r, id)
		return
	}

	switch strings.TrimSpace(resource) {
	case "book":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getBook(w, r, id)
	case "trades":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getTrades(w, r, id)
	case "feed":
		s.serveFeed(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown market resource")
	}
}

func (s *httpServer) getMarket(w http.ResponseWriter, r *http.Request, id string) {
	market, err := s.stores.Markets.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// getBook serves the aggregated book from the persisted sequencer state, not
// from any in-memory book, so reads never race an active cycle.
func (s *httpServer) getBook(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.stores.Markets.Get(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	state, err := s.stores.State.Load(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book.Restore(state).Snapshot())
}

func (s *httpServer) getTrades(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.stores.Markets.Get(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"))
	trades, err := s.stores.Trades.ListByMarket(r.Context(), id, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if trades == nil {
		trades = []*domain.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": id, "trades": trades})
}

func (s *httpServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, accountsPrefix), "/")
	id, resource, hasResource := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "account id required")
		return
	}
	if !hasResource || strings.TrimSpace(resource) != "positions" {
		writeError(w, http.StatusNotFound, "unknown account resource")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	positions, err := s.stores.Positions.ListByAccount(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if positions == nil {
		positions = []*domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "positions": positions})
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseLimit(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	limit := 0
	if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 0 {
		return 0
	}
	return limit
}

func decodeBody(r *http.Request, out any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, errs.HTTPStatus(err), err.Error())
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
