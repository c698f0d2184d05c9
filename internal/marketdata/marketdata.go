// Package marketdata turns the gateway's asynchronous tick stream into
// point-in-time prices: one collector per subscription, bounded by a
// timeout, with a fallback ladder for legs the market will not quote.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cdodd/optcom/internal/ibapi"
	"github.com/cdodd/optcom/internal/models"
)

// ErrInsufficientData means every tier of the fallback ladder came up
// empty; the leg must be treated as unpriced for this cycle.
var ErrInsufficientData = errors.New("insufficient market data")

// Collection windows. Batch pricing inside a spread evaluation uses the
// short window; a standalone single-price lookup can afford to wait longer.
const (
	BatchTimeout  = 5 * time.Second
	SingleTimeout = 12 * time.Second
)

// PriceStore is the slice of the persistence gateway the price service
// needs: the stored-price tier of the fallback ladder.
type PriceStore interface {
	FetchLastKnownPrice(ctx context.Context, ticker string, strike float64) (float64, error)
	RecordLegPrice(ctx context.Context, ticker string, strike, price float64, at time.Time) error
}

// LegQuote is the priced result for one leg: the raw quote plus the ladder
// outcome.
type LegQuote struct {
	Leg    models.OptionLeg
	Quote  Quote
	Price  float64
	Source string
}

// Service obtains prices through a shared gateway connection.
type Service struct {
	api    ibapi.API
	store  PriceStore
	logger *log.Logger

	// SingleWindow bounds standalone lookups (underlying price,
	// historical bars). Defaults to SingleTimeout.
	SingleWindow time.Duration

	histMu    sync.Mutex
	histCache map[string]float64
}

// NewService creates a market data service. store may be nil, which
// disables the stored-price tier of the ladder.
func NewService(api ibapi.API, store PriceStore, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		api:          api,
		store:        store,
		logger:       logger,
		SingleWindow: SingleTimeout,
		histCache:    make(map[string]float64),
	}
}

// GetPriceData opens a market data subscription for the leg and collects
// ticks until the quote is complete or the timeout elapses. The
// subscription is always cancelled before returning: the broker caps the
// number of concurrent subscriptions.
func (s *Service) GetPriceData(ctx context.Context, leg models.OptionLeg, timeout time.Duration) (Quote, error) {
	contract := ibapi.OptionContract(leg.Ticker, leg.Expiry, leg.Strike, string(leg.Right))
	return s.collect(ctx, contract, timeout)
}

// GetStockQuote collects a quote for the underlying stock.
func (s *Service) GetStockQuote(ctx context.Context, ticker string, timeout time.Duration) (Quote, error) {
	return s.collect(ctx, ibapi.StockContract(ticker), timeout)
}

func (s *Service) collect(ctx context.Context, contract ibapi.Contract, timeout time.Duration) (Quote, error) {
	reqID := s.api.NextRequestID()
	events, err := s.api.SubscribeMarketData(reqID, contract)
	if err != nil {
		return Quote{}, fmt.Errorf("subscribing market data for %s: %w", contract.Symbol, err)
	}
	defer func() {
		s.api.CancelMarketData(reqID)
		s.api.Release(reqID)
	}()

	var q Quote
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return q, ctx.Err()
		case <-timer.C:
			return q, nil
		case ev := <-events:
			if ev.Err != nil {
				if ev.Err.ContractNotFound() {
					return q, fmt.Errorf("market data for %s: %w", contract.Symbol, ev.Err)
				}
				s.logger.Printf("Market data error for %s (req %d): %v", contract.Symbol, reqID, ev.Err)
				continue
			}
			if ev.Tick == nil {
				continue
			}
			switch ev.Tick.Type {
			case ibapi.TickBid:
				q.Bid, q.HasBid = ev.Tick.Price, true
			case ibapi.TickAsk:
				q.Ask, q.HasAsk = ev.Tick.Price, true
			case ibapi.TickLast:
				q.Last, q.HasLast = ev.Tick.Price, true
			case ibapi.TickModel:
				q.Model, q.HasModel = ev.Tick.Price, true
			}
			if q.Complete() {
				return q, nil
			}
		}
	}
}

// PriceLeg runs the full fallback ladder for one leg: live quote tiers
// first, then the most recent stored price. Live prices are written back to
// the store so future cycles have a floor.
func (s *Service) PriceLeg(ctx context.Context, leg models.OptionLeg, timeout time.Duration) (LegQuote, error) {
	lq := LegQuote{Leg: leg}

	quote, err := s.GetPriceData(ctx, leg, timeout)
	if err != nil {
		s.logger.Printf("Live quote failed for %s: %v", leg, err)
	}
	lq.Quote = quote

	if price, source, ok := quote.LegPrice(); ok {
		lq.Price, lq.Source = price, source
		if s.store != nil {
			if err := s.store.RecordLegPrice(ctx, leg.Ticker, leg.Strike, price, time.Now()); err != nil {
				s.logger.Printf("Failed to record leg price for %s: %v", leg, err)
			}
		}
		return lq, nil
	}

	if s.store != nil {
		if price, err := s.store.FetchLastKnownPrice(ctx, leg.Ticker, leg.Strike); err == nil {
			s.logger.Printf("Using stored price %.2f for %s", price, leg)
			lq.Price, lq.Source = price, SourceStored
			return lq, nil
		}
	}

	return lq, fmt.Errorf("pricing %s: %w", leg, ErrInsufficientData)
}

// GetHistoricalClose returns the most recent daily close for the ticker.
// Results are cached for the life of the session: the close does not move
// intraday, and historical requests are the slowest call the gateway
// offers.
func (s *Service) GetHistoricalClose(ctx context.Context, ticker string) (float64, error) {
	s.histMu.Lock()
	if price, ok := s.histCache[ticker]; ok {
		s.histMu.Unlock()
		return price, nil
	}
	s.histMu.Unlock()

	reqID := s.api.NextRequestID()
	events, err := s.api.RequestHistoricalData(reqID, ticker)
	if err != nil {
		return 0, fmt.Errorf("requesting historical data for %s: %w", ticker, err)
	}
	defer s.api.Release(reqID)

	var lastClose float64
	var sawBar bool
	timer := time.NewTimer(s.SingleWindow)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
			return 0, fmt.Errorf("historical data for %s: timed out", ticker)
		case ev := <-events:
			switch {
			case ev.Err != nil:
				return 0, fmt.Errorf("historical data for %s: %w", ticker, ev.Err)
			case ev.Bar != nil:
				lastClose = ev.Bar.Close
				sawBar = true
			case ev.HistoryEnd:
				if !sawBar {
					return 0, fmt.Errorf("historical data for %s: %w", ticker, ErrInsufficientData)
				}
				s.histMu.Lock()
				s.histCache[ticker] = lastClose
				s.histMu.Unlock()
				return lastClose, nil
			}
		}
	}
}

// UnderlyingPrice returns the best available price for the stock itself:
// live quote ladder first, historical close second when the caller allows
// it.
func (s *Service) UnderlyingPrice(ctx context.Context, ticker string, allowHistorical bool) (float64, string, error) {
	quote, err := s.GetStockQuote(ctx, ticker, s.SingleWindow)
	if err != nil {
		s.logger.Printf("Live stock quote failed for %s: %v", ticker, err)
	}
	if price, source, ok := quote.LegPrice(); ok {
		return price, source, nil
	}

	if allowHistorical {
		if price, err := s.GetHistoricalClose(ctx, ticker); err == nil {
			return price, SourceHistorical, nil
		}
	}
	return 0, "", fmt.Errorf("underlying price for %s: %w", ticker, ErrInsufficientData)
}
