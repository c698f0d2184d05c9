// Package resolver confirms that scraped option legs denote real tradable
// contracts, and repairs single-day expiry drift from the scraping step.
package resolver

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cdodd/optcom/internal/ibapi"
	"github.com/cdodd/optcom/internal/models"
)

// ValidationWindow bounds one contract-details exchange. No response inside
// the window is treated as invalid, not as an error: a contract the broker
// will not confirm is a contract we will not trade.
const ValidationWindow = 10 * time.Second

// validationPause spaces out batch requests so a long candidate list does
// not trip the broker's pacing limits.
const validationPause = 500 * time.Millisecond

// CandidateStore is the slice of the persistence gateway the batch
// validator needs.
type CandidateStore interface {
	FetchCandidatesForDate(ctx context.Context, scrapeDate string) ([]models.StrategyCandidate, error)
	UpdateExpiry(ctx context.Context, tradeID string, corrected, originalAudit string) error
}

// Stats summarizes one batch validation run.
type Stats struct {
	Total         int
	ValidOriginal int
	Corrected     int
	Failed        int
}

func (s Stats) String() string {
	return fmt.Sprintf("%d candidates: %d valid, %d corrected, %d failed",
		s.Total, s.ValidOriginal, s.Corrected, s.Failed)
}

// Resolver validates contracts against the gateway.
type Resolver struct {
	api    ibapi.API
	store  CandidateStore
	logger *log.Logger

	// Window and Pause exist so tests do not sit through real broker
	// timings.
	Window time.Duration
	Pause  time.Duration
}

// New creates a Resolver. store may be nil when only leg-level validation
// is needed.
func New(api ibapi.API, store CandidateStore, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{
		api:    api,
		store:  store,
		logger: logger,
		Window: ValidationWindow,
		Pause:  validationPause,
	}
}

// Validate reports whether the leg resolves to a real contract. An explicit
// not-found from the broker, a details-end with no details, and a timeout
// all count as invalid.
func (r *Resolver) Validate(ctx context.Context, leg models.OptionLeg) bool {
	_, ok := r.Resolve(ctx, leg)
	return ok
}

// Resolve returns the broker contract id for the leg, or ok=false when the
// leg does not denote a real tradable instrument.
func (r *Resolver) Resolve(ctx context.Context, leg models.OptionLeg) (conID int64, ok bool) {
	reqID := r.api.NextRequestID()
	contract := ibapi.OptionContract(leg.Ticker, leg.Expiry, leg.Strike, string(leg.Right))

	events, err := r.api.RequestContractDetails(reqID, contract)
	if err != nil {
		r.logger.Printf("Contract details request failed for %s: %v", leg, err)
		return 0, false
	}
	defer r.api.Release(reqID)

	timer := time.NewTimer(r.Window)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, false
		case <-timer.C:
			r.logger.Printf("Contract validation timed out for %s", leg)
			return 0, false
		case ev := <-events:
			switch {
			case ev.Err != nil:
				if ev.Err.ContractNotFound() {
					return 0, false
				}
				r.logger.Printf("Contract validation error for %s: %v", leg, ev.Err)
			case ev.Contract != nil:
				conID = ev.Contract.ConID
				ok = true
			case ev.ContractEnd:
				return conID, ok
			}
		}
	}
}

// ValidateSpread validates both legs of a spread independently. The right
// is inferred from the strike relationship: a buy strike below the sell
// strike is treated as a call spread, otherwise a put spread. The
// inference is a heuristic carried over from the upstream data, which does
// not record the right explicitly.
func (r *Resolver) ValidateSpread(ctx context.Context, ticker, expiry string, buyStrike, sellStrike float64) (buyOK, sellOK bool) {
	right := models.RightPut
	if buyStrike < sellStrike {
		right = models.RightCall
	}

	buyLeg := models.OptionLeg{Ticker: ticker, Expiry: expiry, Strike: buyStrike, Right: right}
	sellLeg := models.OptionLeg{Ticker: ticker, Expiry: expiry, Strike: sellStrike, Right: right}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		buyOK = r.Validate(gctx, buyLeg)
		return nil
	})
	g.Go(func() error {
		sellOK = r.Validate(gctx, sellLeg)
		return nil
	})
	_ = g.Wait()
	return buyOK, sellOK
}

// TryDateCorrection probes originalDate shifted by +1 day, then -1 day, and
// returns the first date where both legs validate. The search never widens
// beyond one day in either direction.
func (r *Resolver) TryDateCorrection(ctx context.Context, ticker, originalDate string, buyStrike, sellStrike float64) (string, bool) {
	base, err := time.Parse("2006-01-02", originalDate)
	if err != nil {
		r.logger.Printf("Cannot correct unparseable expiry %q for %s", originalDate, ticker)
		return "", false
	}

	for _, days := range []int{1, -1} {
		candidate := base.AddDate(0, 0, days).Format("2006-01-02")
		buyOK, sellOK := r.ValidateSpread(ctx, ticker, candidate, buyStrike, sellStrike)
		if buyOK && sellOK {
			r.logger.Printf("Corrected expiry for %s: %s -> %s", ticker, originalDate, candidate)
			return candidate, true
		}
	}
	return "", false
}

// RunValidation validates every candidate scraped on the given date,
// attempting date correction where the original expiry fails. Corrections
// are persisted with the scraped date kept as an audit copy. Individual
// failures are tallied, never fatal to the batch.
func (r *Resolver) RunValidation(ctx context.Context, scrapeDate string) (Stats, error) {
	if r.store == nil {
		return Stats{}, fmt.Errorf("batch validation requires a candidate store")
	}

	candidates, err := r.store.FetchCandidatesForDate(ctx, scrapeDate)
	if err != nil {
		return Stats{}, fmt.Errorf("loading candidates for validation: %w", err)
	}

	stats := Stats{Total: len(candidates)}
	for i, c := range candidates {
		if i > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(r.Pause):
			}
		}

		buyOK, sellOK := r.ValidateSpread(ctx, c.Ticker, c.Expiry, c.StrikeBuy, c.StrikeSell)
		if buyOK && sellOK {
			stats.ValidOriginal++
			continue
		}

		corrected, ok := r.TryDateCorrection(ctx, c.Ticker, c.Expiry, c.StrikeBuy, c.StrikeSell)
		if !ok {
			r.logger.Printf("Contract validation failed for %s (%s %s)", c.TradeID, c.Ticker, c.Expiry)
			stats.Failed++
			continue
		}
		if err := r.store.UpdateExpiry(ctx, c.TradeID, corrected, c.Expiry); err != nil {
			r.logger.Printf("Failed to persist corrected expiry for %s: %v", c.TradeID, err)
			stats.Failed++
			continue
		}
		stats.Corrected++
	}

	r.logger.Printf("Contract validation for %s: %s", scrapeDate, stats)
	return stats, nil
}
