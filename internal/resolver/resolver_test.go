package resolver

import (
	"context"
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

// contractBook answers contract-details requests from a fixed set of known
// contracts, keyed by symbol/expiry/strike/right.
type contractBook struct {
	mu       sync.Mutex
	known    map[string]bool
	silent   map[string]bool // known keys that never answer (timeout path)
	nextID   int
	requests int
}

var _ ibapi.API = (*contractBook)(nil)

func newContractBook() *contractBook {
	return &contractBook{known: make(map[string]bool), silent: make(map[string]bool)}
}

func contractKey(symbol, expiry string, strike float64, right string) string {
	return fmt.Sprintf("%s|%s|%.2f|%s", symbol, expiry, strike, right)
}

func (b *contractBook) add(symbol, expiry string, strike float64, right string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.known[contractKey(symbol, expiry, strike, right)] = true
}

func (b *contractBook) addSilent(symbol, expiry string, strike float64, right string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent[contractKey(symbol, expiry, strike, right)] = true
}

func (b *contractBook) NextRequestID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *contractBook) RequestContractDetails(reqID int, leg ibapi.Contract) (<-chan ibapi.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++

	// The client normalizes expiries to YYYYMMDD; the book is keyed the
	// same way.
	key := contractKey(leg.Symbol, leg.Expiry, leg.Strike, leg.Right)
	ch := make(chan ibapi.Event, 4)
	switch {
	case b.silent[key]:
		// no answer at all
	case b.known[key]:
		ch <- ibapi.Event{ReqID: reqID, Contract: &ibapi.ContractDetailsEvent{
			ConID: 1, Symbol: leg.Symbol, Expiry: leg.Expiry, Strike: leg.Strike, Right: leg.Right,
		}}
		ch <- ibapi.Event{ReqID: reqID, ContractEnd: true}
	default:
		ch <- ibapi.Event{ReqID: reqID, Err: &ibapi.APIError{ReqID: reqID, Code: 200, Msg: "No security definition"}}
	}
	return ch, nil
}

func (b *contractBook) SubscribeMarketData(int, ibapi.Contract) (<-chan ibapi.Event, error) {
	return nil, fmt.Errorf("not implemented")
}
func (b *contractBook) CancelMarketData(int) {}
func (b *contractBook) RequestHistoricalData(int, string) (<-chan ibapi.Event, error) {
	return nil, fmt.Errorf("not implemented")
}
func (b *contractBook) RequestPositions(int) (<-chan ibapi.Event, error) {
	return nil, fmt.Errorf("not implemented")
}
func (b *contractBook) Release(int) {}
func (b *contractBook) PlaceComboOrder(ibapi.ComboOrder) (int, <-chan ibapi.Event, error) {
	return 0, nil, fmt.Errorf("not implemented")
}
func (b *contractBook) MarketClosed() bool { return false }
func (b *contractBook) Close() error       { return nil }

func newTestResolver(book *contractBook, store CandidateStore) *Resolver {
	r := New(book, store, log.New(io.Discard, "", 0))
	r.Window = 100 * time.Millisecond
	r.Pause = time.Millisecond
	return r
}

func TestValidate(t *testing.T) {
	book := newContractBook()
	book.add("AAPL", "20260918", 185, "C")
	book.addSilent("MSFT", "20260918", 400, "P")
	r := newTestResolver(book, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		leg  models.OptionLeg
		want bool
	}{
		{"known contract", models.OptionLeg{Ticker: "AAPL", Expiry: "2026-09-18", Strike: 185, Right: models.RightCall}, true},
		{"unknown strike", models.OptionLeg{Ticker: "AAPL", Expiry: "2026-09-18", Strike: 999, Right: models.RightCall}, false},
		{"unknown expiry", models.OptionLeg{Ticker: "AAPL", Expiry: "2026-09-19", Strike: 185, Right: models.RightCall}, false},
		{"wrong right", models.OptionLeg{Ticker: "AAPL", Expiry: "2026-09-18", Strike: 185, Right: models.RightPut}, false},
		{"no response times out as invalid", models.OptionLeg{Ticker: "MSFT", Expiry: "2026-09-18", Strike: 400, Right: models.RightPut}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, r.Validate(ctx, tt.leg))
		})
	}
}

func TestValidateSpreadRightInference(t *testing.T) {
	book := newContractBook()
	// Call spreads exist at strikes 185/190, put spreads at 400/395.
	book.add("AAPL", "20260918", 185, "C")
	book.add("AAPL", "20260918", 190, "C")
	book.add("MSFT", "20260918", 400, "P")
	book.add("MSFT", "20260918", 395, "P")
	r := newTestResolver(book, nil)
	ctx := context.Background()

	// buy < sell: calls
	buyOK, sellOK := r.ValidateSpread(ctx, "AAPL", "2026-09-18", 185, 190)
	require.True(t, buyOK)
	require.True(t, sellOK)

	// buy > sell: puts
	buyOK, sellOK = r.ValidateSpread(ctx, "MSFT", "2026-09-18", 400, 395)
	require.True(t, buyOK)
	require.True(t, sellOK)

	// Inferring the wrong right finds nothing: those strikes only exist
	// as puts.
	buyOK, sellOK = r.ValidateSpread(ctx, "MSFT", "2026-09-18", 395, 400)
	require.False(t, buyOK)
	require.False(t, sellOK)
}

func TestTryDateCorrection(t *testing.T) {
	ctx := context.Background()

	t.Run("plus one day wins", func(t *testing.T) {
		book := newContractBook()
		book.add("AAPL", "20260919", 185, "C")
		book.add("AAPL", "20260919", 190, "C")
		r := newTestResolver(book, nil)

		corrected, ok := r.TryDateCorrection(ctx, "AAPL", "2026-09-18", 185, 190)
		require.True(t, ok)
		require.Equal(t, "2026-09-19", corrected)
	})

	t.Run("minus one day tried second", func(t *testing.T) {
		book := newContractBook()
		book.add("AAPL", "20260917", 185, "C")
		book.add("AAPL", "20260917", 190, "C")
		r := newTestResolver(book, nil)

		corrected, ok := r.TryDateCorrection(ctx, "AAPL", "2026-09-18", 185, 190)
		require.True(t, ok)
		require.Equal(t, "2026-09-17", corrected)
	})

	t.Run("never wider than one day", func(t *testing.T) {
		book := newContractBook()
		book.add("AAPL", "20260920", 185, "C")
		book.add("AAPL", "20260920", 190, "C")
		r := newTestResolver(book, nil)

		_, ok := r.TryDateCorrection(ctx, "AAPL", "2026-09-18", 185, 190)
		require.False(t, ok, "a contract two days out must not be found")
	})

	t.Run("unparseable date", func(t *testing.T) {
		r := newTestResolver(newContractBook(), nil)
		_, ok := r.TryDateCorrection(ctx, "AAPL", "not-a-date", 185, 190)
		require.False(t, ok)
	})
}

// recordingStore tracks expiry rewrites.
type recordingStore struct {
	candidates []models.StrategyCandidate
	updates    map[string][2]string
}

func (s *recordingStore) FetchCandidatesForDate(context.Context, string) ([]models.StrategyCandidate, error) {
	return s.candidates, nil
}

func (s *recordingStore) UpdateExpiry(_ context.Context, tradeID string, corrected, audit string) error {
	if s.updates == nil {
		s.updates = make(map[string][2]string)
	}
	s.updates[tradeID] = [2]string{corrected, audit}
	return nil
}

func TestRunValidation(t *testing.T) {
	book := newContractBook()
	// c-valid: fine as scraped.
	book.add("AAPL", "20260918", 185, "C")
	book.add("AAPL", "20260918", 190, "C")
	// c-corrected: exists one day later.
	book.add("MSFT", "20260919", 400, "P")
	book.add("MSFT", "20260919", 395, "P")
	// c-failed: nowhere.

	store := &recordingStore{candidates: []models.StrategyCandidate{
		{TradeID: "c-valid", Ticker: "AAPL", Expiry: "2026-09-18", StrikeBuy: 185, StrikeSell: 190},
		{TradeID: "c-corrected", Ticker: "MSFT", Expiry: "2026-09-18", StrikeBuy: 400, StrikeSell: 395},
		{TradeID: "c-failed", Ticker: "TSLA", Expiry: "2026-09-18", StrikeBuy: 200, StrikeSell: 195},
	}}
	r := newTestResolver(book, store)

	stats, err := r.RunValidation(context.Background(), "2026-08-28")
	require.NoError(t, err)
	require.Equal(t, Stats{Total: 3, ValidOriginal: 1, Corrected: 1, Failed: 1}, stats)

	update, ok := store.updates["c-corrected"]
	require.True(t, ok)
	require.Equal(t, "2026-09-19", update[0], "corrected expiry persisted")
	require.Equal(t, "2026-09-18", update[1], "scraped expiry kept for audit")
}

func TestRunValidationRequiresStore(t *testing.T) {
	r := newTestResolver(newContractBook(), nil)
	_, err := r.RunValidation(context.Background(), "2026-08-28")
	require.Error(t, err)
}

func TestResolveReturnsContractID(t *testing.T) {
	book := newContractBook()
	book.add("AAPL", "20260918", 185, "C")
	r := newTestResolver(book, nil)

	conID, ok := r.Resolve(context.Background(), models.OptionLeg{
		Ticker: "AAPL", Expiry: "2026-09-18", Strike: 185, Right: models.RightCall,
	})
	require.True(t, ok)
	require.Equal(t, int64(1), conID)

	_, ok = r.Resolve(context.Background(), models.OptionLeg{
		Ticker: "AAPL", Expiry: "2026-09-18", Strike: 999, Right: models.RightCall,
	})
	require.False(t, ok)
}
