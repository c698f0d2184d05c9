package ibapi

import (
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerAPI wraps an API with circuit breaker functionality so a
// flapping gateway connection stops wasting subscription slots and request
// ids during an outage.
type CircuitBreakerAPI struct {
	api     API
	breaker *gobreaker.CircuitBreaker
}

var _ API = (*CircuitBreakerAPI)(nil)

// execAPIBreaker is a generic helper for circuit breaker wrapper methods
func execAPIBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	api API,
	fn func(API) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(api) })
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerAPI creates a CircuitBreakerAPI with sensible defaults
func NewCircuitBreakerAPI(api API) *CircuitBreakerAPI {
	return NewCircuitBreakerAPIWithSettings(api, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerAPIWithSettings creates a CircuitBreakerAPI with custom settings
func NewCircuitBreakerAPIWithSettings(api API, settings CircuitBreakerSettings) *CircuitBreakerAPI {
	gbSettings := gobreaker.Settings{
		Name:        "GatewayAPICircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerAPI{
		api:     api,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// NextRequestID passes through: id allocation is local and cannot fail.
func (c *CircuitBreakerAPI) NextRequestID() int {
	return c.api.NextRequestID()
}

// SubscribeMarketData wraps the underlying API call with circuit breaker
func (c *CircuitBreakerAPI) SubscribeMarketData(reqID int, leg Contract) (<-chan Event, error) {
	return execAPIBreaker(c.breaker, c.api, func(a API) (<-chan Event, error) {
		return a.SubscribeMarketData(reqID, leg)
	})
}

// CancelMarketData passes through: cancels must reach the broker even when
// the breaker is open, or subscription slots leak.
func (c *CircuitBreakerAPI) CancelMarketData(reqID int) {
	c.api.CancelMarketData(reqID)
}

// RequestContractDetails wraps the underlying API call with circuit breaker
func (c *CircuitBreakerAPI) RequestContractDetails(reqID int, leg Contract) (<-chan Event, error) {
	return execAPIBreaker(c.breaker, c.api, func(a API) (<-chan Event, error) {
		return a.RequestContractDetails(reqID, leg)
	})
}

// RequestHistoricalData wraps the underlying API call with circuit breaker
func (c *CircuitBreakerAPI) RequestHistoricalData(reqID int, ticker string) (<-chan Event, error) {
	return execAPIBreaker(c.breaker, c.api, func(a API) (<-chan Event, error) {
		return a.RequestHistoricalData(reqID, ticker)
	})
}

// RequestPositions wraps the underlying API call with circuit breaker
func (c *CircuitBreakerAPI) RequestPositions(reqID int) (<-chan Event, error) {
	return execAPIBreaker(c.breaker, c.api, func(a API) (<-chan Event, error) {
		return a.RequestPositions(reqID)
	})
}

// Release passes through: teardown is local bookkeeping.
func (c *CircuitBreakerAPI) Release(reqID int) {
	c.api.Release(reqID)
}

type comboResult struct {
	orderID int
	events  <-chan Event
}

// PlaceComboOrder wraps the underlying API call with circuit breaker
func (c *CircuitBreakerAPI) PlaceComboOrder(order ComboOrder) (int, <-chan Event, error) {
	res, err := execAPIBreaker(c.breaker, c.api, func(a API) (comboResult, error) {
		id, ch, err := a.PlaceComboOrder(order)
		return comboResult{orderID: id, events: ch}, err
	})
	if err != nil {
		return 0, nil, err
	}
	return res.orderID, res.events, nil
}

// MarketClosed passes through to the live connection state.
func (c *CircuitBreakerAPI) MarketClosed() bool {
	return c.api.MarketClosed()
}

// Close passes through.
func (c *CircuitBreakerAPI) Close() error {
	return c.api.Close()
}
