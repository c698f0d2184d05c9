package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cdodd/optcom/internal/models"
)

// positionsWindow bounds one positions snapshot request.
const positionsWindow = 15 * time.Second

// PositionLeg is one option position as reported by the broker. Quantity is
// signed: positive long, negative short.
type PositionLeg struct {
	Ticker   string
	Expiry   string // YYYY-MM-DD
	Strike   float64
	Right    models.OptionRight
	Quantity int64
}

// SpreadPosition is a matched vertical spread reconstructed from broker
// positions, used by the reconciliation snapshot to compare broker state
// against recorded decisions.
type SpreadPosition struct {
	Ticker      string
	Expiry      string
	Right       models.OptionRight
	LongStrike  float64
	ShortStrike float64
	Quantity    int64 // number of matched spreads, always positive
	Bull        bool
}

// Kind renders the spread the way candidates name strategies, e.g.
// "Bull Put" or "Bear Call".
func (s SpreadPosition) Kind() string {
	direction := "Bear"
	if s.Bull {
		direction = "Bull"
	}
	right := "Call"
	if s.Right == models.RightPut {
		right = "Put"
	}
	return direction + " " + right
}

func (s SpreadPosition) String() string {
	return fmt.Sprintf("%s %s %s long %.2f short %.2f x%d",
		s.Ticker, s.Expiry, s.Kind(), s.LongStrike, s.ShortStrike, s.Quantity)
}

// OpenSpreads snapshots the broker's open option positions and pairs them
// into vertical spreads. Stock positions and anything flat are left out.
func (e *Engine) OpenSpreads(ctx context.Context) ([]SpreadPosition, error) {
	reqID := e.api.NextRequestID()
	events, err := e.api.RequestPositions(reqID)
	if err != nil {
		return nil, fmt.Errorf("requesting positions: %w", err)
	}
	defer e.api.Release(reqID)

	window := time.NewTimer(positionsWindow)
	defer window.Stop()

	var legs []PositionLeg
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-window.C:
			return nil, fmt.Errorf("positions request %d timed out", reqID)
		case ev := <-events:
			switch {
			case ev.Err != nil:
				return nil, fmt.Errorf("positions request %d: %w", reqID, ev.Err)
			case ev.PositionEnd:
				return IdentifySpreads(legs), nil
			case ev.Position != nil:
				p := ev.Position
				if p.SecType != "OPT" || p.Quantity == 0 {
					continue
				}
				legs = append(legs, PositionLeg{
					Ticker:   p.Symbol,
					Expiry:   dashExpiry(p.Expiry),
					Strike:   p.Strike,
					Right:    models.OptionRight(p.Right),
					Quantity: int64(p.Quantity),
				})
			}
		}
	}
}

// dashExpiry converts the broker's YYYYMMDD expiry into the dashed form
// candidates carry.
func dashExpiry(s string) string {
	if len(s) != 8 {
		return s
	}
	return s[:4] + "-" + s[4:6] + "-" + s[6:]
}

// IdentifySpreads pairs long and short legs of the same underlying, right
// and expiry into vertical spreads. Pairing is greedy over strike-sorted
// legs without reuse: each contract is consumed by at most one spread, and
// mismatched remainder quantity is left unpaired. A spread is Bull when the
// long leg sits at the lower strike.
func IdentifySpreads(legs []PositionLeg) []SpreadPosition {
	type groupKey struct {
		ticker string
		expiry string
		right  models.OptionRight
	}
	groups := make(map[groupKey][]PositionLeg)
	for _, leg := range legs {
		if leg.Quantity == 0 {
			continue
		}
		key := groupKey{leg.Ticker, leg.Expiry, leg.Right}
		groups[key] = append(groups[key], leg)
	}

	// deterministic ordering across groups
	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.ticker != b.ticker {
			return a.ticker < b.ticker
		}
		if a.expiry != b.expiry {
			return a.expiry < b.expiry
		}
		return a.right < b.right
	})

	var spreads []SpreadPosition
	for _, key := range keys {
		spreads = append(spreads, pairGroup(key.ticker, key.expiry, key.right, groups[key])...)
	}
	return spreads
}

// pairGroup runs greedy 1:1 pairing within one (ticker, expiry, right)
// group: remaining long quantity at each strike is matched against short
// quantity at other strikes in ascending strike order.
func pairGroup(ticker, expiry string, right models.OptionRight, legs []PositionLeg) []SpreadPosition {
	longQty := make(map[float64]int64)
	shortQty := make(map[float64]int64)
	for _, leg := range legs {
		if leg.Quantity > 0 {
			longQty[leg.Strike] += leg.Quantity
		} else {
			shortQty[leg.Strike] += -leg.Quantity
		}
	}

	longStrikes := sortedStrikes(longQty)
	shortStrikes := sortedStrikes(shortQty)

	var spreads []SpreadPosition
	for _, ls := range longStrikes {
		remaining := longQty[ls]
		for si := 0; si < len(shortStrikes) && remaining > 0; si++ {
			ss := shortStrikes[si]
			if ss == ls || shortQty[ss] == 0 {
				continue
			}
			n := remaining
			if shortQty[ss] < n {
				n = shortQty[ss]
			}
			spreads = append(spreads, SpreadPosition{
				Ticker:      ticker,
				Expiry:      expiry,
				Right:       right,
				LongStrike:  ls,
				ShortStrike: ss,
				Quantity:    n,
				Bull:        ls < ss,
			})
			remaining -= n
			shortQty[ss] -= n
		}
		longQty[ls] = remaining
	}
	return spreads
}

func sortedStrikes(qty map[float64]int64) []float64 {
	strikes := make([]float64, 0, len(qty))
	for k := range qty {
		strikes = append(strikes, k)
	}
	sort.Float64s(strikes)
	return strikes
}
