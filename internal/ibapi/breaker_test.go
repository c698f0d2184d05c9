package ibapi

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubAPI counts calls and fails on demand.
type stubAPI struct {
	calls int
	fail  bool
}

var _ API = (*stubAPI)(nil)

func (s *stubAPI) NextRequestID() int { return 1 }

func (s *stubAPI) SubscribeMarketData(reqID int, leg Contract) (<-chan Event, error) {
	s.calls++
	if s.fail {
		return nil, errors.New("gateway down")
	}
	ch := make(chan Event, 1)
	return ch, nil
}

func (s *stubAPI) CancelMarketData(reqID int) {}

func (s *stubAPI) RequestContractDetails(reqID int, leg Contract) (<-chan Event, error) {
	return s.SubscribeMarketData(reqID, leg)
}

func (s *stubAPI) RequestHistoricalData(reqID int, ticker string) (<-chan Event, error) {
	return s.SubscribeMarketData(reqID, StockContract(ticker))
}

func (s *stubAPI) RequestPositions(reqID int) (<-chan Event, error) {
	return s.SubscribeMarketData(reqID, Contract{})
}

func (s *stubAPI) Release(reqID int) {}

func (s *stubAPI) PlaceComboOrder(order ComboOrder) (int, <-chan Event, error) {
	s.calls++
	if s.fail {
		return 0, nil, errors.New("gateway down")
	}
	ch := make(chan Event, 1)
	return 42, ch, nil
}

func (s *stubAPI) MarketClosed() bool { return false }
func (s *stubAPI) Close() error       { return nil }

func TestCircuitBreakerPassesThroughOnSuccess(t *testing.T) {
	stub := &stubAPI{}
	cb := NewCircuitBreakerAPI(stub)

	events, err := cb.SubscribeMarketData(1, StockContract("AAPL"))
	require.NoError(t, err)
	require.NotNil(t, events)

	orderID, _, err := cb.PlaceComboOrder(ComboOrder{Symbol: "AAPL", Quantity: 1})
	require.NoError(t, err)
	require.Equal(t, 42, orderID)
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	stub := &stubAPI{fail: true}
	cb := NewCircuitBreakerAPIWithSettings(stub, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.5,
	})

	for i := 0; i < 3; i++ {
		_, err := cb.SubscribeMarketData(i, StockContract("AAPL"))
		require.Error(t, err)
	}

	callsBefore := stub.calls
	_, err := cb.SubscribeMarketData(99, StockContract("AAPL"))
	require.Error(t, err)
	require.Equal(t, callsBefore, stub.calls, "open breaker should not reach the gateway")
}
