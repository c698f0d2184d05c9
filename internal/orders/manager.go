// Package orders submits spread entry orders and tracks their fate through
// the gateway's order-status stream.
package orders

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cdodd/optcom/internal/ibapi"
	"github.com/cdodd/optcom/internal/models"
	"github.com/cdodd/optcom/internal/util"
)

// Config contains configuration for the order manager.
type Config struct {
	// FillWindow is how long an entry order is watched for a fill before
	// monitoring gives up (the order itself stays working at the broker
	// with TIF DAY).
	FillWindow time.Duration
	// TakeProfitRatio is the fraction of the entry credit at which the
	// profit-target close order is priced. 0.5 means buy the spread back
	// at half the credit received.
	TakeProfitRatio float64
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	FillWindow:      5 * time.Minute,
	TakeProfitRatio: 0.5,
}

// Result is the outcome of one entry submission.
type Result struct {
	OrderID      int
	Status       string
	Filled       bool
	AvgFillPrice float64
}

// Manager handles combo order submission and status monitoring.
type Manager struct {
	api    ibapi.API
	logger *log.Logger
	config Config
}

// NewManager creates a new order manager instance.
func NewManager(api ibapi.API, logger *log.Logger, config ...Config) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}
	return &Manager{api: api, logger: logger, config: cfg}
}

// EntryLimit converts a per-contract credit premium into the negative
// per-share combo limit price, rounded to the option tick. The premium is
// per-contract (x100); the wire price is per-share.
func EntryLimit(premium float64) float64 {
	perShare := premium / models.SharesPerContract
	return -util.RoundToTick(perShare, util.OptionTick)
}

// takeProfitLimit prices the closing order: pay back a fraction of the
// credit collected, rounded down so the target is never worse than asked.
func (m *Manager) takeProfitLimit(entryCredit float64) float64 {
	return util.FloorToTick(entryCredit*m.config.TakeProfitRatio, util.OptionTick)
}

// PlaceSpreadEntry submits the two-leg combo entry for a candidate: buy leg
// and sell leg at ratio one each, net limit from the live premium, TIF DAY.
// It does not wait for a fill; use MonitorFill for that.
func (m *Manager) PlaceSpreadEntry(c *models.StrategyCandidate, buyConID, sellConID int64, premium float64) (int, <-chan ibapi.Event, error) {
	if buyConID == 0 || sellConID == 0 {
		return 0, nil, fmt.Errorf("combo entry for %s: unresolved leg contract", c.TradeID)
	}

	limit := EntryLimit(premium)
	if limit >= 0 {
		return 0, nil, fmt.Errorf("combo entry for %s: premium %.2f does not yield a credit", c.TradeID, premium)
	}

	order := ibapi.ComboOrder{
		Symbol:     c.Ticker,
		BuyConID:   buyConID,
		SellConID:  sellConID,
		Action:     "BUY",
		Quantity:   1,
		LimitPrice: limit,
		TIF:        "DAY",
		Tag:        "spread-" + models.ShortTradeID(c.TradeID),
	}

	orderID, events, err := m.api.PlaceComboOrder(order)
	if err != nil {
		return 0, nil, fmt.Errorf("placing combo entry for %s: %w", c.TradeID, err)
	}
	m.logger.Printf("Placed %s entry for %s: order %d, limit %.2f",
		c.StrategyType, models.ShortTradeID(c.TradeID), orderID, limit)
	return orderID, events, nil
}

// MonitorFill watches order-status events until the order reaches a
// terminal state or the fill window closes. An unfilled order at window end
// is not an error: it stays working at the broker for the day.
func (m *Manager) MonitorFill(ctx context.Context, orderID int, events <-chan ibapi.Event) Result {
	res := Result{OrderID: orderID, Status: "working"}
	defer m.api.Release(orderID)

	timer := time.NewTimer(m.config.FillWindow)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return res
		case <-timer.C:
			m.logger.Printf("Order %d still %s after %s; leaving it working", orderID, res.Status, m.config.FillWindow)
			return res
		case ev := <-events:
			if ev.OrderStatus == nil {
				continue
			}
			res.Status = ev.OrderStatus.Status
			switch normalizeStatus(ev.OrderStatus.Status) {
			case "filled":
				if ev.OrderStatus.Remaining == 0 {
					res.Filled = true
					res.AvgFillPrice = ev.OrderStatus.AvgFillPrice
					m.logger.Printf("Order %d filled at %.2f", orderID, res.AvgFillPrice)
					return res
				}
			case "cancelled", "canceled", "inactive", "apicancelled":
				m.logger.Printf("Order %d ended without fill: %s", orderID, ev.OrderStatus.Status)
				return res
			}
		}
	}
}

// PlaceTakeProfit submits the closing combo after an entry fill: the
// opposite action at a debit equal to a fraction of the credit collected.
func (m *Manager) PlaceTakeProfit(c *models.StrategyCandidate, buyConID, sellConID int64, entryCredit float64) (int, error) {
	limit := m.takeProfitLimit(entryCredit)

	order := ibapi.ComboOrder{
		Symbol: c.Ticker,
		// Closing reverses the legs: sell what was bought, buy back
		// what was sold.
		BuyConID:   sellConID,
		SellConID:  buyConID,
		Action:     "BUY",
		Quantity:   1,
		LimitPrice: limit,
		TIF:        "DAY",
		Tag:        "tp-" + models.ShortTradeID(c.TradeID),
	}

	orderID, _, err := m.api.PlaceComboOrder(order)
	if err != nil {
		return 0, fmt.Errorf("placing take-profit for %s: %w", c.TradeID, err)
	}
	m.api.Release(orderID)
	m.logger.Printf("Placed take-profit for %s: order %d, limit %.2f", models.ShortTradeID(c.TradeID), orderID, limit)
	return orderID, nil
}

func normalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
