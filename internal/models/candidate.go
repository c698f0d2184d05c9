// Package models provides data structures and state management for spread candidates.
package models

import (
	"fmt"
	"time"
)

// SharesPerContract is the standard option contract multiplier.
const SharesPerContract = 100.0

// StrategyType identifies the kind of credit spread a candidate describes.
type StrategyType string

const (
	// StrategyBearCall is a credit call spread: triggers when the underlying rises above the trigger price.
	StrategyBearCall StrategyType = "Bear Call"
	// StrategyBullPut is a credit put spread: triggers when the underlying falls below the trigger price.
	StrategyBullPut StrategyType = "Bull Put"
)

// Valid returns true if the StrategyType is one of the defined constants.
func (s StrategyType) Valid() bool {
	switch s {
	case StrategyBearCall, StrategyBullPut:
		return true
	default:
		return false
	}
}

// Right returns the option right both legs of the spread carry.
func (s StrategyType) Right() OptionRight {
	if s == StrategyBullPut {
		return RightPut
	}
	return RightCall
}

// OptionRight is the contract right of a single option leg.
type OptionRight string

const (
	// RightCall represents a call option contract.
	RightCall OptionRight = "C"
	// RightPut represents a put option contract.
	RightPut OptionRight = "P"
)

// Status is the recorded decision outcome for a candidate. Statuses other
// than StatusPending are terminal for a trading day: once written they are
// never overwritten by the engine.
type Status string

const (
	// StatusPending means no decision has been recorded yet.
	StatusPending Status = ""
	// StatusNoData means no underlying price could be obtained at all.
	StatusNoData Status = "no data"
	// StatusInsufficientData means leg quotes were too incomplete to price the spread.
	StatusInsufficientData Status = "insufficient data"
	// StatusPremiumTooLow means the live premium came in below the stored estimate.
	StatusPremiumTooLow Status = "premium too low"
	// StatusOrderPlaced means an entry order was submitted to the broker.
	StatusOrderPlaced Status = "order placed"
	// StatusMissingContract means one or both legs could not be resolved to a tradable contract.
	StatusMissingContract Status = "missing contract"
	// StatusError records an unexpected per-candidate failure.
	StatusError Status = "error"
)

// Terminal returns true if the status represents a committed decision.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// StrategyCandidate is one proposed vertical credit spread, scraped upstream
// and decided on by the engine. Rows are created by the scraping step and
// never deleted here; the resolver may rewrite the expiry (keeping the
// scraped original for audit) and the engine records trigger and decision
// state.
type StrategyCandidate struct {
	ID               int64        `json:"id"`
	TradeID          string       `json:"trade_id"`
	Ticker           string       `json:"ticker"`
	StrategyType     StrategyType `json:"strategy_type"`
	TabName          string       `json:"tab_name,omitempty"`
	StrikeBuy        float64      `json:"strike_buy"`
	StrikeSell       float64      `json:"strike_sell"`
	Expiry           string       `json:"options_expiry_date"`            // YYYY-MM-DD
	ExpiryAsScraped  string       `json:"options_expiry_date_as_scraped"` // audit copy
	EstimatedPremium float64      `json:"estimated_premium"`              // per contract (x100)
	TriggerPrice     float64      `json:"trigger_price"`
	Status           Status       `json:"strategy_status"`
	ScrapeDate       string       `json:"scrape_date"` // YYYY-MM-DD

	TriggeredAt      time.Time `json:"triggered_at,omitempty"`
	LastCheckedPrice float64   `json:"last_price_when_checked,omitempty"`
	LastCheckedAt    time.Time `json:"timestamp_of_price_when_last_checked,omitempty"`
	ObservedPremium  float64   `json:"premium_when_last_checked,omitempty"`
	OrderPlacedAt    time.Time `json:"timestamp_of_order,omitempty"`
}

// Triggered reports whether the trigger-price condition has been committed.
func (c *StrategyCandidate) Triggered() bool {
	return !c.TriggeredAt.IsZero()
}

// Decided reports whether a terminal decision has been recorded.
func (c *StrategyCandidate) Decided() bool {
	return c.Status.Terminal()
}

// ShouldTrigger applies the strategy-specific trigger comparison to the
// given underlying price. A Bear Call fires when the price rises to or above
// the trigger; a Bull Put fires when it falls to or below it.
func (c *StrategyCandidate) ShouldTrigger(underlying float64) bool {
	if c.TriggerPrice <= 0 {
		return false
	}
	switch c.StrategyType {
	case StrategyBearCall:
		return underlying >= c.TriggerPrice
	case StrategyBullPut:
		return underlying <= c.TriggerPrice
	default:
		return false
	}
}

// Legs returns the buy and sell legs of the candidate spread.
func (c *StrategyCandidate) Legs() (buy, sell OptionLeg) {
	right := c.StrategyType.Right()
	buy = OptionLeg{Ticker: c.Ticker, Expiry: c.Expiry, Strike: c.StrikeBuy, Right: right}
	sell = OptionLeg{Ticker: c.Ticker, Expiry: c.Expiry, Strike: c.StrikeSell, Right: right}
	return buy, sell
}

// Validate checks the fields the engine depends on.
func (c *StrategyCandidate) Validate() error {
	if c.Ticker == "" {
		return fmt.Errorf("candidate %s: ticker is required", c.TradeID)
	}
	if !c.StrategyType.Valid() {
		return fmt.Errorf("candidate %s: unknown strategy type %q", c.TradeID, c.StrategyType)
	}
	if c.StrikeBuy <= 0 || c.StrikeSell <= 0 {
		return fmt.Errorf("candidate %s: strikes must be positive", c.TradeID)
	}
	if c.StrikeBuy == c.StrikeSell {
		return fmt.Errorf("candidate %s: buy and sell strikes are identical", c.TradeID)
	}
	if _, err := time.Parse("2006-01-02", c.Expiry); err != nil {
		return fmt.Errorf("candidate %s: bad expiry %q: %w", c.TradeID, c.Expiry, err)
	}
	return nil
}

// OptionLeg is one option contract forming half of a vertical spread.
type OptionLeg struct {
	Ticker string
	Expiry string // YYYY-MM-DD
	Strike float64
	Right  OptionRight
}

// String renders the leg the way gateway logs describe contracts.
func (l OptionLeg) String() string {
	return fmt.Sprintf("%s %s %.2f %s", l.Ticker, l.Expiry, l.Strike, l.Right)
}
