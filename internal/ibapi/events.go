package ibapi

import "fmt"

// Outgoing message codes on the gateway API wire.
const (
	msgReqMktData      = 1
	msgCancelMktData   = 2
	msgPlaceOrder      = 3
	msgReqContractData = 9
	msgReqHistorical   = 20
	msgReqPositions    = 61
	msgCancelPositions = 64
	msgStartAPI        = 71
)

// Incoming message codes.
const (
	msgInTickPrice       = 1
	msgInOrderStatus     = 3
	msgInErrMsg          = 4
	msgInNextValidID     = 9
	msgInContractData    = 10
	msgInHistoricalData  = 17
	msgInTickOptionComp  = 21
	msgInContractDataEnd = 52
	msgInPosition        = 61
	msgInPositionEnd     = 62
)

// Tick types delivered with price events.
const (
	TickBid   = 1
	TickAsk   = 2
	TickLast  = 12 // option computation: last price
	TickModel = 13 // option computation: model price
)

// Error codes with contract-level or session-level meaning.
const (
	// ErrCodeContractNotFound and ErrCodeAmbiguousContract are definitive
	// "this contract does not exist" responses.
	ErrCodeContractNotFound  = 200
	ErrCodeAmbiguousContract = 354

	// Market-data farm notices. 2104/2106/2158 are informational; 2119 and a
	// disconnected 2104 indicate the market data path is down or closed.
	ErrCodeMktDataFarmOK   = 2104
	ErrCodeHistFarmOK      = 2106
	ErrCodeMktDataFarmDown = 2119
	ErrCodeSecDefFarmOK    = 2158
)

// Event is one typed callback delivered by the gateway connection. Exactly
// one of the pointer fields is set; ReqID is the correlation key (order id
// for order-status events, -1 for connection-level notices).
type Event struct {
	ReqID int

	Tick         *TickEvent
	Contract     *ContractDetailsEvent
	ContractEnd  bool
	Bar          *HistoricalBarEvent
	HistoryEnd   bool
	OrderStatus  *OrderStatusEvent
	Position     *PositionEvent
	PositionEnd  bool
	Err          *APIError
	NextOrderID  int
	HasNextOrder bool
}

// TickEvent is one price tick for a market data subscription.
type TickEvent struct {
	Type  int // TickBid, TickAsk, TickLast, TickModel
	Price float64
}

// ContractDetailsEvent is the broker's confirmation that a contract exists.
type ContractDetailsEvent struct {
	ConID  int64
	Symbol string
	Expiry string // broker format, YYYYMMDD
	Strike float64
	Right  string
}

// HistoricalBarEvent is one daily bar from a historical data request.
type HistoricalBarEvent struct {
	Date  string
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// PositionEvent is one open position reported by the broker. Quantity is
// signed: positive long, negative short.
type PositionEvent struct {
	Account  string
	ConID    int64
	Symbol   string
	SecType  string
	Expiry   string // broker format, YYYYMMDD; empty for stocks
	Strike   float64
	Right    string
	Quantity float64
	AvgCost  float64
}

// OrderStatusEvent reports fill progress for a placed order.
type OrderStatusEvent struct {
	Status       string
	Filled       float64
	Remaining    float64
	AvgFillPrice float64
}

// APIError is an error message delivered on the callback stream. Not every
// code is a failure: farm-status notices arrive on the same channel.
type APIError struct {
	ReqID int
	Code  int
	Msg   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d for req %d: %s", e.Code, e.ReqID, e.Msg)
}

// ContractNotFound reports whether the error definitively means the
// requested contract does not exist.
func (e *APIError) ContractNotFound() bool {
	return e.Code == ErrCodeContractNotFound || e.Code == ErrCodeAmbiguousContract
}

// Informational reports whether the error is a farm-status notice rather
// than a request failure.
func (e *APIError) Informational() bool {
	switch e.Code {
	case ErrCodeMktDataFarmOK, ErrCodeHistFarmOK, ErrCodeMktDataFarmDown, ErrCodeSecDefFarmOK:
		return true
	default:
		return false
	}
}

// MarketClosedCode reports whether the code indicates the market data path
// is down because the market is closed.
func MarketClosedCode(code int) bool {
	return code == ErrCodeMktDataFarmOK || code == ErrCodeMktDataFarmDown
}
