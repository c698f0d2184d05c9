package marketdata

// Quote is the working set of prices collected for one contract while a
// market data subscription is open. Fields fill in as ticks arrive; the Has
// flags distinguish "no tick yet" from a genuine zero.
type Quote struct {
	Bid   float64
	Ask   float64
	Last  float64
	Model float64

	HasBid   bool
	HasAsk   bool
	HasLast  bool
	HasModel bool
}

// Price sources, recorded alongside the chosen price for audit.
const (
	SourceMidpoint   = "midpoint"
	SourceModel      = "model"
	SourceLast       = "last"
	SourceStored     = "stored"
	SourceHistorical = "historical"
)

// Complete reports whether both sides of the book have been observed. A
// complete quote lets the collector stop before its timeout.
func (q Quote) Complete() bool {
	return q.HasBid && q.HasAsk
}

// Empty reports whether no usable tick arrived at all.
func (q Quote) Empty() bool {
	return !q.HasBid && !q.HasAsk && !q.HasLast && !q.HasModel
}

// Midpoint returns the bid/ask midpoint if both sides are present.
func (q Quote) Midpoint() (float64, bool) {
	if !q.HasBid || !q.HasAsk {
		return 0, false
	}
	return (q.Bid + q.Ask) / 2, true
}

// LegPrice applies the live tiers of the price fallback ladder: bid/ask
// midpoint, then model price, then last trade. The stored-price tier lives
// in the Service because it needs the persistence gateway. The returned
// source names which tier produced the price.
func (q Quote) LegPrice() (price float64, source string, ok bool) {
	if mid, found := q.Midpoint(); found {
		return mid, SourceMidpoint, true
	}
	if q.HasModel {
		return q.Model, SourceModel, true
	}
	if q.HasLast {
		return q.Last, SourceLast, true
	}
	return 0, "", false
}
