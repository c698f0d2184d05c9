// Package engine implements the spread trigger and decision cycle: scanning
// underlying prices against candidate trigger levels, evaluating live
// premiums for triggered candidates, and committing at-most-once decisions
// through guarded storage writes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cdodd/optcom/internal/ibapi"
	"github.com/cdodd/optcom/internal/marketdata"
	"github.com/cdodd/optcom/internal/models"
	"github.com/cdodd/optcom/internal/orders"
	"github.com/cdodd/optcom/internal/resolver"
	"github.com/cdodd/optcom/internal/storage"
)

// Options selects the engine behavior variants once at startup. They replace
// per-call toggles so a running engine always decides the same way.
type Options struct {
	// EnableTakeProfit attaches a profit-target closing order after an
	// entry fill.
	EnableTakeProfit bool
	// AllowHistoricalFallback lets the trigger scan fall back to the
	// prior daily close when no live underlying quote is available.
	AllowHistoricalFallback bool
	// AllowMarketClosed permits submitting an entry at the estimated
	// premium when the gateway reports the market closed.
	AllowMarketClosed bool
}

// Engine runs scan and evaluation cycles over the day's candidates.
type Engine struct {
	store  storage.Interface
	md     *marketdata.Service
	res    *resolver.Resolver
	orders *orders.Manager
	api    ibapi.API
	logger *log.Logger
	opts   Options

	wg sync.WaitGroup
}

// New creates an engine wired to the given collaborators.
func New(store storage.Interface, md *marketdata.Service, res *resolver.Resolver, om *orders.Manager, api ibapi.API, logger *log.Logger, opts Options) *Engine {
	return &Engine{
		store:  store,
		md:     md,
		res:    res,
		orders: om,
		api:    api,
		logger: logger,
		opts:   opts,
	}
}

// Wait blocks until background fill monitors have finished. Call on
// shutdown so take-profit placement is not cut off mid-flight.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ScanReport summarizes one trigger scan cycle.
type ScanReport struct {
	CycleID          string
	Candidates       int
	Triggered        int
	AlreadyTriggered int
	AlreadyDecided   int
	NoData           int
	Errors           int
}

func (r ScanReport) String() string {
	return fmt.Sprintf("scan %s: %d candidates, %d triggered, %d already triggered, %d decided, %d no data, %d errors",
		r.CycleID, r.Candidates, r.Triggered, r.AlreadyTriggered, r.AlreadyDecided, r.NoData, r.Errors)
}

// EvalReport summarizes one evaluation cycle over triggered candidates.
type EvalReport struct {
	CycleID          string
	Evaluated        int
	OrdersPlaced     int
	PremiumTooLow    int
	MissingContract  int
	InsufficientData int
	Conflicts        int
	Errors           int
}

func (r EvalReport) String() string {
	return fmt.Sprintf("eval %s: %d evaluated, %d orders, %d premium too low, %d missing contract, %d insufficient data, %d conflicts, %d errors",
		r.CycleID, r.Evaluated, r.OrdersPlaced, r.PremiumTooLow, r.MissingContract, r.InsufficientData, r.Conflicts, r.Errors)
}

// newCycleID tags one scan or evaluation pass for log correlation.
func newCycleID() string {
	return models.ShortTradeID(uuid.New().String())
}

// ScanTriggers fetches the day's candidates, prices each distinct underlying
// once, and commits the trigger transition for every candidate whose trigger
// condition holds. Triggering is at-most-once per candidate: a candidate
// already carrying a trigger timestamp is left untouched.
func (e *Engine) ScanTriggers(ctx context.Context, scrapeDate string) (ScanReport, error) {
	report := ScanReport{CycleID: newCycleID()}

	candidates, err := e.store.FetchCandidatesForDate(ctx, scrapeDate)
	if err != nil {
		return report, fmt.Errorf("fetching candidates for %s: %w", scrapeDate, err)
	}
	report.Candidates = len(candidates)
	if len(candidates) == 0 {
		return report, nil
	}

	byTicker := make(map[string][]models.StrategyCandidate)
	for _, c := range candidates {
		if c.Decided() {
			report.AlreadyDecided++
			continue
		}
		byTicker[c.Ticker] = append(byTicker[c.Ticker], c)
	}

	now := time.Now().UTC()
	for ticker, group := range byTicker {
		price, source, err := e.md.UnderlyingPrice(ctx, ticker, e.opts.AllowHistoricalFallback)
		if err != nil {
			e.logger.Printf("Scan %s: no underlying price for %s: %v", report.CycleID, ticker, err)
			e.recordNoData(ctx, group, &report)
			continue
		}
		e.logger.Printf("Scan %s: %s at %.2f (%s)", report.CycleID, ticker, price, source)

		for i := range group {
			c := &group[i]
			if err := e.store.RecordPriceCheck(ctx, c.TradeID, price, now); err != nil {
				e.logger.Printf("Scan %s: recording price check for %s: %v", report.CycleID, models.ShortTradeID(c.TradeID), err)
			}
			if c.Triggered() {
				report.AlreadyTriggered++
				continue
			}
			if !c.ShouldTrigger(price) {
				continue
			}
			switch err := e.store.MarkTriggered(ctx, c.TradeID, price, now); {
			case err == nil:
				report.Triggered++
				e.logger.Printf("Scan %s: %s %s triggered at %.2f (trigger %.2f)",
					report.CycleID, c.Ticker, models.ShortTradeID(c.TradeID), price, c.TriggerPrice)
			case errors.Is(err, storage.ErrAlreadyDecided):
				// a concurrent cycle got there first
				report.AlreadyTriggered++
			default:
				report.Errors++
				e.logger.Printf("Scan %s: marking %s triggered: %v", report.CycleID, models.ShortTradeID(c.TradeID), err)
			}
		}
	}
	return report, nil
}

// recordNoData handles an underlying with no obtainable price. When the
// historical fallback was already allowed and still failed, the ticker has
// no data at all this session and the outcome is committed; with live-only
// pricing the candidates stay pending for the next cycle.
func (e *Engine) recordNoData(ctx context.Context, group []models.StrategyCandidate, report *ScanReport) {
	report.NoData += len(group)
	if !e.opts.AllowHistoricalFallback {
		return
	}
	now := time.Now().UTC()
	for i := range group {
		c := &group[i]
		err := e.store.UpdateStatusIfUndecided(ctx, c.TradeID, models.StatusNoData, 0, now)
		if err != nil && !errors.Is(err, storage.ErrAlreadyDecided) {
			report.Errors++
			e.logger.Printf("Recording no-data for %s: %v", models.ShortTradeID(c.TradeID), err)
		}
	}
}

// EvaluateCandidates works through every triggered-but-undecided candidate
// for the date: resolve both legs, price them, compare the live premium to
// the estimate, and either submit the entry combo or record the rejection.
// The decision write is a guarded check-then-write, so a concurrent or
// repeated run of the same cycle cannot double-submit an order.
func (e *Engine) EvaluateCandidates(ctx context.Context, scrapeDate string) (EvalReport, error) {
	report := EvalReport{CycleID: newCycleID()}

	pending, err := e.store.FetchCandidatesPendingDecision(ctx, scrapeDate)
	if err != nil {
		return report, fmt.Errorf("fetching pending candidates for %s: %w", scrapeDate, err)
	}

	for i := range pending {
		c := pending[i]
		report.Evaluated++
		e.evaluateOne(ctx, &c, &report)
	}
	return report, nil
}

func (e *Engine) evaluateOne(ctx context.Context, c *models.StrategyCandidate, report *EvalReport) {
	short := models.ShortTradeID(c.TradeID)
	sm := models.ResumeCandidateStateMachine(models.StateTriggered)

	buyLeg, sellLeg := c.Legs()

	buyConID, buyOK := e.res.Resolve(ctx, buyLeg)
	sellConID, sellOK := e.res.Resolve(ctx, sellLeg)
	if !buyOK || !sellOK {
		e.logger.Printf("Eval %s: %s missing contract (buy=%v sell=%v)", report.CycleID, short, buyOK, sellOK)
		e.reject(ctx, c, sm, "missing_contract", 0, report)
		return
	}

	var buyQuote, sellQuote marketdata.LegQuote
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q, err := e.md.PriceLeg(gctx, buyLeg, marketdata.BatchTimeout)
		buyQuote = q
		return err
	})
	g.Go(func() error {
		q, err := e.md.PriceLeg(gctx, sellLeg, marketdata.BatchTimeout)
		sellQuote = q
		return err
	})
	if err := g.Wait(); err != nil {
		e.logger.Printf("Eval %s: %s unpriceable: %v", report.CycleID, short, err)
		e.reject(ctx, c, sm, "insufficient_data", 0, report)
		return
	}

	// Premiums stay per-share until here; the stored estimate is
	// per-contract.
	livePremium := (sellQuote.Price - buyQuote.Price) * models.SharesPerContract
	e.logger.Printf("Eval %s: %s live premium %.2f vs estimate %.2f (buy %.2f/%s, sell %.2f/%s)",
		report.CycleID, short, livePremium, c.EstimatedPremium,
		buyQuote.Price, buyQuote.Source, sellQuote.Price, sellQuote.Source)

	if err := sm.Transition(models.StatePremiumEvaluated, "premium_computed"); err != nil {
		report.Errors++
		e.logger.Printf("Eval %s: %s state error: %v", report.CycleID, short, err)
		return
	}

	var orderPremium float64
	var condition string
	switch {
	case livePremium >= c.EstimatedPremium && livePremium > 0:
		orderPremium = livePremium
		condition = "premium_sufficient"
	case e.opts.AllowMarketClosed && e.api.MarketClosed():
		// Quotes are stale when the market is closed; the estimate is
		// the best limit available.
		orderPremium = c.EstimatedPremium
		condition = "market_closed_override"
		e.logger.Printf("Eval %s: %s market closed, submitting at estimate %.2f", report.CycleID, short, orderPremium)
	default:
		e.reject(ctx, c, sm, "premium_too_low", livePremium, report)
		return
	}

	// Claim the decision before touching the broker: if another run
	// already decided this candidate, skip without submitting.
	now := time.Now().UTC()
	switch err := e.store.UpdateStatusIfUndecided(ctx, c.TradeID, models.StatusOrderPlaced, livePremium, now); {
	case err == nil:
	case errors.Is(err, storage.ErrAlreadyDecided):
		report.Conflicts++
		e.logger.Printf("Eval %s: %s already decided elsewhere, skipping order", report.CycleID, short)
		return
	default:
		report.Errors++
		e.logger.Printf("Eval %s: committing decision for %s: %v", report.CycleID, short, err)
		return
	}

	orderID, events, err := e.orders.PlaceSpreadEntry(c, buyConID, sellConID, orderPremium)
	if err != nil {
		report.Errors++
		e.logger.Printf("Eval %s: entry for %s failed after claim: %v", report.CycleID, short, err)
		// Keep the decision slot but mark it errored: reruns still see
		// the candidate as decided, and the error status flags it for
		// manual follow-up.
		if serr := sm.Transition(models.StateError, "order_failed"); serr != nil {
			e.logger.Printf("Eval %s: %s state error: %v", report.CycleID, short, serr)
		}
		if serr := e.store.RecordSubmitFailure(ctx, c.TradeID); serr != nil {
			e.logger.Printf("Eval %s: recording submit failure for %s: %v", report.CycleID, short, serr)
		}
		return
	}
	if err := sm.Transition(models.StateOrderPlaced, condition); err != nil {
		e.logger.Printf("Eval %s: %s state error: %v", report.CycleID, short, err)
	}
	report.OrdersPlaced++

	if e.opts.EnableTakeProfit {
		e.watchFill(ctx, c, orderID, events, buyConID, sellConID, orderPremium)
	}
}

// reject commits a terminal rejection status for the candidate.
func (e *Engine) reject(ctx context.Context, c *models.StrategyCandidate, sm *models.CandidateStateMachine, condition string, observedPremium float64, report *EvalReport) {
	if err := sm.Transition(models.StateRejected, condition); err != nil {
		report.Errors++
		e.logger.Printf("State error rejecting %s: %v", models.ShortTradeID(c.TradeID), err)
		return
	}
	status := models.DecisionStatus(models.StateRejected, condition)

	switch err := e.store.UpdateStatusIfUndecided(ctx, c.TradeID, status, observedPremium, time.Now().UTC()); {
	case err == nil:
		switch status {
		case models.StatusPremiumTooLow:
			report.PremiumTooLow++
		case models.StatusMissingContract:
			report.MissingContract++
		case models.StatusInsufficientData:
			report.InsufficientData++
		}
	case errors.Is(err, storage.ErrAlreadyDecided):
		report.Conflicts++
	default:
		report.Errors++
		e.logger.Printf("Committing %q for %s: %v", status, models.ShortTradeID(c.TradeID), err)
	}
}

// watchFill monitors the entry fill in the background and attaches the
// take-profit order once the spread is on.
func (e *Engine) watchFill(ctx context.Context, c *models.StrategyCandidate, orderID int, events <-chan ibapi.Event, buyConID, sellConID int64, orderPremium float64) {
	candidate := *c
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res := e.orders.MonitorFill(ctx, orderID, events)
		if !res.Filled {
			return
		}
		credit := -res.AvgFillPrice
		if credit <= 0 {
			credit = -orders.EntryLimit(orderPremium)
		}
		if _, err := e.orders.PlaceTakeProfit(&candidate, buyConID, sellConID, credit); err != nil {
			e.logger.Printf("Take-profit for %s: %v", models.ShortTradeID(candidate.TradeID), err)
		}
	}()
}
