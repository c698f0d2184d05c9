package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cdodd/optcom/internal/ibapi"
	"github.com/cdodd/optcom/internal/models"
)

// scriptedAPI replays canned event sequences, one per subscription, and
// records cancel/release bookkeeping.
type scriptedAPI struct {
	mu       sync.Mutex
	scripts  [][]ibapi.Event
	nextID   int
	cancels  []int
	releases []int
	subErr   error
}

var _ ibapi.API = (*scriptedAPI)(nil)

func (f *scriptedAPI) push(events ...ibapi.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, events)
}

func (f *scriptedAPI) NextRequestID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *scriptedAPI) nextScript() (<-chan ibapi.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	ch := make(chan ibapi.Event, 32)
	if len(f.scripts) > 0 {
		for _, ev := range f.scripts[0] {
			ch <- ev
		}
		f.scripts = f.scripts[1:]
	}
	return ch, nil
}

func (f *scriptedAPI) SubscribeMarketData(reqID int, leg ibapi.Contract) (<-chan ibapi.Event, error) {
	return f.nextScript()
}

func (f *scriptedAPI) CancelMarketData(reqID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, reqID)
}

func (f *scriptedAPI) RequestContractDetails(reqID int, leg ibapi.Contract) (<-chan ibapi.Event, error) {
	return f.nextScript()
}

func (f *scriptedAPI) RequestHistoricalData(reqID int, ticker string) (<-chan ibapi.Event, error) {
	return f.nextScript()
}

func (f *scriptedAPI) RequestPositions(reqID int) (<-chan ibapi.Event, error) {
	return f.nextScript()
}

func (f *scriptedAPI) Release(reqID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, reqID)
}

func (f *scriptedAPI) PlaceComboOrder(order ibapi.ComboOrder) (int, <-chan ibapi.Event, error) {
	return 0, nil, errors.New("not scripted")
}

func (f *scriptedAPI) MarketClosed() bool { return false }
func (f *scriptedAPI) Close() error       { return nil }

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func tick(tickType int, price float64) ibapi.Event {
	return ibapi.Event{Tick: &ibapi.TickEvent{Type: tickType, Price: price}}
}

var testLeg = models.OptionLeg{Ticker: "AAPL", Expiry: "2026-09-18", Strike: 185, Right: models.RightCall}

func TestGetPriceDataStopsOnCompleteQuote(t *testing.T) {
	api := &scriptedAPI{}
	api.push(tick(ibapi.TickBid, 1.20), tick(ibapi.TickAsk, 1.40))
	svc := NewService(api, nil, quietLogger())

	start := time.Now()
	q, err := svc.GetPriceData(context.Background(), testLeg, 5*time.Second)
	require.NoError(t, err)
	require.True(t, q.Complete())
	require.InDelta(t, 1.20, q.Bid, 1e-9)
	require.InDelta(t, 1.40, q.Ask, 1e-9)
	require.Less(t, time.Since(start), time.Second, "complete quote should end collection early")

	require.Len(t, api.cancels, 1, "subscription must be cancelled")
	require.Len(t, api.releases, 1, "request must be released")
}

func TestGetPriceDataTimesOutWithPartialQuote(t *testing.T) {
	api := &scriptedAPI{}
	api.push(tick(ibapi.TickModel, 1.35))
	svc := NewService(api, nil, quietLogger())

	q, err := svc.GetPriceData(context.Background(), testLeg, 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, q.Complete())
	require.True(t, q.HasModel)
	require.Len(t, api.cancels, 1, "timed-out subscription must still be cancelled")
}

func TestLegPriceLadder(t *testing.T) {
	tests := []struct {
		name       string
		quote      Quote
		wantPrice  float64
		wantSource string
		wantOK     bool
	}{
		{
			name:       "midpoint wins over everything",
			quote:      Quote{Bid: 1.0, HasBid: true, Ask: 2.0, HasAsk: true, Model: 9, HasModel: true, Last: 9, HasLast: true},
			wantPrice:  1.5,
			wantSource: SourceMidpoint,
			wantOK:     true,
		},
		{
			name:       "model only",
			quote:      Quote{Model: 1.35, HasModel: true},
			wantPrice:  1.35,
			wantSource: SourceModel,
			wantOK:     true,
		},
		{
			name:       "last only",
			quote:      Quote{Last: 1.30, HasLast: true},
			wantPrice:  1.30,
			wantSource: SourceLast,
			wantOK:     true,
		},
		{
			name:       "model beats last",
			quote:      Quote{Model: 1.35, HasModel: true, Last: 1.30, HasLast: true},
			wantPrice:  1.35,
			wantSource: SourceModel,
			wantOK:     true,
		},
		{
			name:   "one-sided book is not a midpoint",
			quote:  Quote{Bid: 1.0, HasBid: true},
			wantOK: false,
		},
		{
			name:   "empty quote",
			quote:  Quote{},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, source, ok := tt.quote.LegPrice()
			require.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			require.InDelta(t, tt.wantPrice, price, 1e-9)
			require.Equal(t, tt.wantSource, source)
		})
	}
}

// fakeStore implements PriceStore over a map.
type fakeStore struct {
	mu       sync.Mutex
	prices   map[string]float64
	recorded int
}

func newFakeStore() *fakeStore { return &fakeStore{prices: make(map[string]float64)} }

func (f *fakeStore) key(ticker string, strike float64) string {
	return fmt.Sprintf("%s|%.2f", ticker, strike)
}

func (f *fakeStore) FetchLastKnownPrice(_ context.Context, ticker string, strike float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[f.key(ticker, strike)]
	if !ok {
		return 0, errors.New("no previously recorded price")
	}
	return price, nil
}

func (f *fakeStore) RecordLegPrice(_ context.Context, ticker string, strike, price float64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[f.key(ticker, strike)] = price
	f.recorded++
	return nil
}

func TestPriceLegRecordsLivePrice(t *testing.T) {
	api := &scriptedAPI{}
	api.push(tick(ibapi.TickBid, 1.0), tick(ibapi.TickAsk, 2.0))
	store := newFakeStore()
	svc := NewService(api, store, quietLogger())

	lq, err := svc.PriceLeg(context.Background(), testLeg, time.Second)
	require.NoError(t, err)
	require.InDelta(t, 1.5, lq.Price, 1e-9)
	require.Equal(t, SourceMidpoint, lq.Source)
	require.Equal(t, 1, store.recorded, "live price should be written back")
}

func TestPriceLegFallsBackToStoredPrice(t *testing.T) {
	api := &scriptedAPI{}
	api.push() // no ticks arrive
	store := newFakeStore()
	require.NoError(t, store.RecordLegPrice(context.Background(), "AAPL", 185, 1.10, time.Now()))
	store.recorded = 0
	svc := NewService(api, store, quietLogger())

	lq, err := svc.PriceLeg(context.Background(), testLeg, 50*time.Millisecond)
	require.NoError(t, err)
	require.InDelta(t, 1.10, lq.Price, 1e-9)
	require.Equal(t, SourceStored, lq.Source)
}

func TestPriceLegInsufficientData(t *testing.T) {
	api := &scriptedAPI{}
	api.push()
	svc := NewService(api, newFakeStore(), quietLogger())

	_, err := svc.PriceLeg(context.Background(), testLeg, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestGetHistoricalCloseCachesPerTicker(t *testing.T) {
	api := &scriptedAPI{}
	api.push(
		ibapi.Event{Bar: &ibapi.HistoricalBarEvent{Date: "20260827", Close: 182.9}},
		ibapi.Event{Bar: &ibapi.HistoricalBarEvent{Date: "20260828", Close: 184.5}},
		ibapi.Event{HistoryEnd: true},
	)
	svc := NewService(api, nil, quietLogger())

	price, err := svc.GetHistoricalClose(context.Background(), "AAPL")
	require.NoError(t, err)
	require.InDelta(t, 184.5, price, 1e-9, "latest bar close wins")

	// Second call must be served from cache: no script remains.
	price, err = svc.GetHistoricalClose(context.Background(), "AAPL")
	require.NoError(t, err)
	require.InDelta(t, 184.5, price, 1e-9)
	require.Len(t, api.releases, 1, "only one gateway request should have been made")
}

func TestGetHistoricalCloseNoBars(t *testing.T) {
	api := &scriptedAPI{}
	api.push(ibapi.Event{HistoryEnd: true})
	svc := NewService(api, nil, quietLogger())

	_, err := svc.GetHistoricalClose(context.Background(), "AAPL")
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestUnderlyingPriceHistoricalFallback(t *testing.T) {
	api := &scriptedAPI{}
	api.push() // live quote yields nothing
	api.push(
		ibapi.Event{Bar: &ibapi.HistoricalBarEvent{Date: "20260828", Close: 184.5}},
		ibapi.Event{HistoryEnd: true},
	)
	svc := NewService(api, nil, quietLogger())
	svc.SingleWindow = 50 * time.Millisecond

	price, source, err := svc.UnderlyingPrice(context.Background(), "AAPL", true)
	require.NoError(t, err)
	require.InDelta(t, 184.5, price, 1e-9)
	require.Equal(t, SourceHistorical, source)
}

func TestUnderlyingPriceNoFallbackAllowed(t *testing.T) {
	api := &scriptedAPI{}
	api.push()
	svc := NewService(api, nil, quietLogger())
	svc.SingleWindow = 50 * time.Millisecond

	_, _, err := svc.UnderlyingPrice(context.Background(), "AAPL", false)
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestUnderlyingPriceLive(t *testing.T) {
	api := &scriptedAPI{}
	api.push(tick(ibapi.TickBid, 184.0), tick(ibapi.TickAsk, 185.0))
	svc := NewService(api, nil, quietLogger())

	price, source, err := svc.UnderlyingPrice(context.Background(), "AAPL", false)
	require.NoError(t, err)
	require.InDelta(t, 184.5, price, 1e-9)
	require.Equal(t, SourceMidpoint, source)
}
