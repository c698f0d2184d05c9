// Package ibapi implements the socket client for the brokerage gateway API:
// a framed wire codec, a single read-loop per connection, and a request
// tracking table that correlates asynchronous callbacks with the request
// identifiers that caused them.
package ibapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"
)

// Client wire errors.
var (
	// ErrConnectionFailure means the gateway socket could not be reached or died.
	ErrConnectionFailure = errors.New("gateway connection failure")
	// ErrNotConnected means an operation was attempted on a closed client.
	ErrNotConnected = errors.New("not connected to gateway")
	// ErrTimeout means a bounded wait elapsed without a response.
	ErrTimeout = errors.New("request timed out")
)

// eventBuffer is the per-request channel depth. A market data subscription
// can deliver several ticks before the collector drains them; dropping on a
// full buffer is preferable to blocking the read loop.
const eventBuffer = 32

// API is the gateway surface the rest of the system consumes. The concrete
// Client speaks the wire protocol; tests substitute scripted
// implementations.
type API interface {
	// NextRequestID hands out a fresh correlation identifier.
	NextRequestID() int

	// SubscribeMarketData starts a streaming quote subscription for one
	// option leg. Events for the request arrive on the returned channel
	// until CancelMarketData and Release are called.
	SubscribeMarketData(reqID int, leg Contract) (<-chan Event, error)
	// CancelMarketData tells the broker to stop the subscription. Always
	// call it for timed-out requests: the broker enforces a subscription
	// count limit.
	CancelMarketData(reqID int)

	// RequestContractDetails asks the broker to confirm a contract exists.
	RequestContractDetails(reqID int, leg Contract) (<-chan Event, error)

	// RequestHistoricalData requests recent daily bars for a stock ticker.
	RequestHistoricalData(reqID int, ticker string) (<-chan Event, error)

	// RequestPositions streams the account's open positions. The stream
	// ends with a PositionEnd event; Release cancels it at the broker.
	RequestPositions(reqID int) (<-chan Event, error)

	// Release tears down the client-side tracking entry for a request.
	Release(reqID int)

	// PlaceComboOrder submits a two-leg combo limit order and returns the
	// broker order id. Status updates arrive on the returned channel.
	PlaceComboOrder(order ComboOrder) (int, <-chan Event, error)

	// MarketClosed reports whether the connection has observed a
	// market-closed notice from the broker.
	MarketClosed() bool

	Close() error
}

// Contract identifies one option (or stock) instrument on the wire.
type Contract struct {
	Symbol   string
	SecType  string // "OPT", "STK", "BAG"
	Expiry   string // YYYYMMDD; empty for stocks
	Strike   float64
	Right    string // "C"/"P"; empty for stocks
	Exchange string
	Currency string
}

// OptionContract builds the standard SMART-routed USD option contract.
func OptionContract(symbol, expiry string, strike float64, right string) Contract {
	return Contract{
		Symbol:   symbol,
		SecType:  "OPT",
		Expiry:   strings.ReplaceAll(expiry, "-", ""),
		Strike:   strike,
		Right:    right,
		Exchange: "SMART",
		Currency: "USD",
	}
}

// StockContract builds the standard SMART-routed USD stock contract.
func StockContract(symbol string) Contract {
	return Contract{
		Symbol:   symbol,
		SecType:  "STK",
		Exchange: "SMART",
		Currency: "USD",
	}
}

// ComboOrder is a two-leg vertical spread entry: one bought leg, one sold
// leg, single ratio each, priced as a net limit. A negative limit price
// means a credit is collected.
type ComboOrder struct {
	Symbol     string
	BuyConID   int64
	SellConID  int64
	Action     string // "BUY" or "SELL" of the combo
	Quantity   int
	LimitPrice float64
	TIF        string // defaults to "DAY"
	Tag        string // client order reference
}

// Client is the concrete socket-backed API implementation. One Client owns
// one gateway connection and one background read loop.
type Client struct {
	logger *log.Logger

	mu          sync.Mutex
	conn        net.Conn
	pending     map[int]chan Event
	nextReqID   int
	nextOrderID int
	positionsID int // request owning the positions stream, 0 when none
	connected   bool
	marketDown  bool

	done chan struct{}
}

var _ API = (*Client)(nil)

// Dial connects to the gateway API port, performs the version handshake and
// starts the read loop. The context bounds only the handshake.
func Dial(ctx context.Context, host string, port, clientID int, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}

	addr := net.JoinHostPort(host, formatInt(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrConnectionFailure, addr, err)
	}

	c := &Client{
		logger:    logger,
		conn:      conn,
		pending:   make(map[int]chan Event),
		nextReqID: 1000, // high floor avoids colliding with order ids
		done:      make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := c.handshake(clientID); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	c.connected = true
	go c.readLoop()

	return c, nil
}

// handshake sends the API prefix and version range, reads the server
// banner, and starts the API session for our client id.
func (c *Client) handshake(clientID int) error {
	// Raw prefix, then the supported version range as a frame.
	if _, err := c.conn.Write([]byte("API\x00")); err != nil {
		return fmt.Errorf("%w: handshake write: %v", ErrConnectionFailure, err)
	}
	if err := writeFrame(c.conn, "v100..176"); err != nil {
		return fmt.Errorf("%w: version exchange: %v", ErrConnectionFailure, err)
	}

	banner, err := readFrame(c.conn)
	if err != nil {
		return fmt.Errorf("%w: reading server banner: %v", ErrConnectionFailure, err)
	}
	if len(banner) < 1 {
		return fmt.Errorf("%w: empty server banner", ErrConnectionFailure)
	}
	c.logger.Printf("Connected to gateway, server version %s", banner[0])

	if err := writeFrame(c.conn, formatInt(msgStartAPI), "2", formatInt(clientID), ""); err != nil {
		return fmt.Errorf("%w: starting api session: %v", ErrConnectionFailure, err)
	}
	return nil
}

// readLoop is the single reader for the connection. It decodes frames into
// typed events and routes them to the owning request channel. It must never
// block on delivery: channel sends are non-blocking against a buffered
// channel, and overflow is dropped with a log line.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		fields, err := readFrame(c.conn)
		if err != nil {
			c.mu.Lock()
			wasConnected := c.connected
			c.connected = false
			c.mu.Unlock()
			if wasConnected {
				c.logger.Printf("Gateway read loop ended: %v", err)
			}
			c.failAllPending()
			return
		}
		if len(fields) == 0 {
			continue
		}
		c.dispatch(fields)
	}
}

func (c *Client) dispatch(fields []string) {
	fr := newFieldReader(fields)
	code := fr.int()

	switch code {
	case msgInTickPrice:
		fr.skip(1) // version
		reqID := fr.int()
		tickType := fr.int()
		price := fr.float()
		if tickType == TickBid || tickType == TickAsk {
			c.deliver(reqID, Event{ReqID: reqID, Tick: &TickEvent{Type: tickType, Price: price}})
		}

	case msgInTickOptionComp:
		fr.skip(1) // version
		reqID := fr.int()
		tickType := fr.int()
		fr.skip(2) // implied vol, delta
		optPrice := fr.float()
		if (tickType == TickLast || tickType == TickModel) && optPrice > 0 {
			c.deliver(reqID, Event{ReqID: reqID, Tick: &TickEvent{Type: tickType, Price: optPrice}})
		}

	case msgInContractData:
		fr.skip(1) // version
		reqID := fr.int()
		details := &ContractDetailsEvent{
			Symbol: fr.str(),
		}
		fr.skip(1) // secType
		details.Expiry = fr.str()
		details.Strike = fr.float()
		details.Right = fr.str()
		fr.skip(3) // exchange, currency, localSymbol
		details.ConID = fr.int64()
		c.deliver(reqID, Event{ReqID: reqID, Contract: details})

	case msgInContractDataEnd:
		fr.skip(1) // version
		reqID := fr.int()
		c.deliver(reqID, Event{ReqID: reqID, ContractEnd: true})

	case msgInHistoricalData:
		reqID := fr.int()
		fr.skip(2) // start, end
		count := fr.int()
		for i := 0; i < count && fr.remaining() >= 6; i++ {
			bar := &HistoricalBarEvent{Date: fr.str(), Open: fr.float(), High: fr.float(), Low: fr.float(), Close: fr.float()}
			fr.skip(1) // volume
			c.deliver(reqID, Event{ReqID: reqID, Bar: bar})
		}
		c.deliver(reqID, Event{ReqID: reqID, HistoryEnd: true})

	case msgInErrMsg:
		fr.skip(1) // version
		reqID := fr.int()
		apiErr := &APIError{ReqID: reqID, Code: fr.int(), Msg: fr.str()}
		if MarketClosedCode(apiErr.Code) {
			c.mu.Lock()
			c.marketDown = true
			c.mu.Unlock()
		}
		if apiErr.Informational() {
			c.logger.Printf("Gateway notice %d: %s", apiErr.Code, apiErr.Msg)
			return
		}
		if reqID >= 0 {
			c.deliver(reqID, Event{ReqID: reqID, Err: apiErr})
		} else {
			c.logger.Printf("Gateway error %d: %s", apiErr.Code, apiErr.Msg)
		}

	case msgInPosition:
		// Positions carry no request id on the wire; they belong to the
		// single open positions stream.
		fr.skip(1) // version
		pos := &PositionEvent{Account: fr.str()}
		pos.ConID = fr.int64()
		pos.Symbol = fr.str()
		pos.SecType = fr.str()
		pos.Expiry = fr.str()
		pos.Strike = fr.float()
		pos.Right = fr.str()
		fr.skip(5) // multiplier, exchange, currency, localSymbol, tradingClass
		pos.Quantity = fr.float()
		pos.AvgCost = fr.float()
		c.mu.Lock()
		reqID := c.positionsID
		c.mu.Unlock()
		if reqID != 0 {
			c.deliver(reqID, Event{ReqID: reqID, Position: pos})
		}

	case msgInPositionEnd:
		fr.skip(1) // version
		c.mu.Lock()
		reqID := c.positionsID
		c.mu.Unlock()
		if reqID != 0 {
			c.deliver(reqID, Event{ReqID: reqID, PositionEnd: true})
		}

	case msgInNextValidID:
		fr.skip(1) // version
		orderID := fr.int()
		c.mu.Lock()
		if orderID > c.nextOrderID {
			c.nextOrderID = orderID
		}
		c.mu.Unlock()

	case msgInOrderStatus:
		orderID := fr.int()
		status := &OrderStatusEvent{
			Status:    fr.str(),
			Filled:    fr.float(),
			Remaining: fr.float(),
		}
		status.AvgFillPrice = fr.float()
		c.deliver(orderID, Event{ReqID: orderID, OrderStatus: status})

	default:
		// Unhandled message types are expected; the gateway emits far more
		// than this client consumes.
	}
}

// deliver routes an event to its request channel without blocking the read
// loop. Events for unknown requests (late ticks after Release) are dropped.
func (c *Client) deliver(reqID int, ev Event) {
	c.mu.Lock()
	ch, ok := c.pending[reqID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
		c.logger.Printf("Dropping event for req %d: buffer full", reqID)
	}
}

// failAllPending wakes every waiter after the connection dies.
func (c *Client) failAllPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for reqID, ch := range c.pending {
		select {
		case ch <- Event{ReqID: reqID, Err: &APIError{ReqID: reqID, Code: -1, Msg: "connection lost"}}:
		default:
		}
	}
}

// NextRequestID hands out a fresh correlation identifier.
func (c *Client) NextRequestID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextReqID
	c.nextReqID++
	return id
}

// track registers a request channel for reqID.
func (c *Client) track(reqID int) (chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, ErrNotConnected
	}
	if _, exists := c.pending[reqID]; exists {
		return nil, fmt.Errorf("request id %d already in flight", reqID)
	}
	ch := make(chan Event, eventBuffer)
	c.pending[reqID] = ch
	return ch, nil
}

// Release tears down the tracking entry for a request. Events arriving
// afterwards are dropped by the read loop. Releasing the positions request
// also cancels the stream at the broker, which otherwise keeps pushing
// position updates for the life of the session.
func (c *Client) Release(reqID int) {
	c.mu.Lock()
	delete(c.pending, reqID)
	cancelPositions := reqID != 0 && reqID == c.positionsID
	if cancelPositions {
		c.positionsID = 0
	}
	c.mu.Unlock()

	if cancelPositions {
		if err := c.send(formatInt(msgCancelPositions), "1"); err != nil {
			c.logger.Printf("Failed to cancel positions stream: %v", err)
		}
	}
}

func (c *Client) contractFields(ct Contract) []string {
	return []string{
		"0", // conId: not used on requests
		ct.Symbol,
		ct.SecType,
		ct.Expiry,
		formatFloat(ct.Strike),
		ct.Right,
		"100", // multiplier
		ct.Exchange,
		"", // primary exchange
		ct.Currency,
		"", // local symbol
		"", // trading class
	}
}

// SubscribeMarketData starts a streaming quote subscription for one leg.
func (c *Client) SubscribeMarketData(reqID int, leg Contract) (<-chan Event, error) {
	ch, err := c.track(reqID)
	if err != nil {
		return nil, err
	}

	fields := append([]string{formatInt(msgReqMktData), "11", formatInt(reqID)}, c.contractFields(leg)...)
	fields = append(fields,
		"",  // generic tick list
		"0", // snapshot
		"0", // regulatory snapshot
		"",  // market data options
	)
	if err := c.send(fields...); err != nil {
		c.Release(reqID)
		return nil, err
	}
	return ch, nil
}

// CancelMarketData stops a streaming subscription at the broker.
func (c *Client) CancelMarketData(reqID int) {
	if err := c.send(formatInt(msgCancelMktData), "2", formatInt(reqID)); err != nil {
		c.logger.Printf("Failed to cancel market data for req %d: %v", reqID, err)
	}
}

// RequestContractDetails asks the broker to confirm a contract exists.
func (c *Client) RequestContractDetails(reqID int, leg Contract) (<-chan Event, error) {
	ch, err := c.track(reqID)
	if err != nil {
		return nil, err
	}

	fields := append([]string{formatInt(msgReqContractData), "8", formatInt(reqID)}, c.contractFields(leg)...)
	fields = append(fields,
		"0", // include expired
		"",  // secIdType
		"",  // secId
	)
	if err := c.send(fields...); err != nil {
		c.Release(reqID)
		return nil, err
	}
	return ch, nil
}

// RequestHistoricalData requests two days of daily bars for a stock so the
// caller can extract the most recent close.
func (c *Client) RequestHistoricalData(reqID int, ticker string) (<-chan Event, error) {
	ch, err := c.track(reqID)
	if err != nil {
		return nil, err
	}

	fields := append([]string{formatInt(msgReqHistorical), formatInt(reqID)}, c.contractFields(StockContract(ticker))...)
	fields = append(fields,
		"",       // end datetime: now
		"1 day",  // bar size
		"2 D",    // duration: two days to be sure yesterday is included
		"1",      // regular trading hours only
		"TRADES", // what to show
		"1",      // format dates as strings
		"0",      // keep up to date
		"",       // chart options
	)
	if err := c.send(fields...); err != nil {
		c.Release(reqID)
		return nil, err
	}
	return ch, nil
}

// RequestPositions asks the broker to stream the account's open positions.
// Only one positions stream can be open at a time.
func (c *Client) RequestPositions(reqID int) (<-chan Event, error) {
	ch, err := c.track(reqID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.positionsID != 0 {
		c.mu.Unlock()
		c.Release(reqID)
		return nil, fmt.Errorf("positions stream already open for req %d", c.positionsID)
	}
	c.positionsID = reqID
	c.mu.Unlock()

	if err := c.send(formatInt(msgReqPositions), "1"); err != nil {
		c.Release(reqID)
		return nil, err
	}
	return ch, nil
}

// PlaceComboOrder submits a two-leg combo limit order. The returned channel
// carries order-status events keyed by the broker order id.
func (c *Client) PlaceComboOrder(order ComboOrder) (int, <-chan Event, error) {
	if order.Quantity <= 0 {
		return 0, nil, fmt.Errorf("combo order quantity must be positive")
	}
	tif := order.TIF
	if tif == "" {
		tif = "DAY"
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return 0, nil, ErrNotConnected
	}
	orderID := c.nextOrderID
	c.nextOrderID++
	c.mu.Unlock()

	ch, err := c.track(orderID)
	if err != nil {
		return 0, nil, err
	}

	fields := []string{
		formatInt(msgPlaceOrder),
		formatInt(orderID),
		// BAG contract
		"0", // conId
		order.Symbol,
		"BAG",
		"",  // expiry
		"0", // strike
		"",  // right
		"",  // multiplier
		"SMART",
		"", // primary exchange
		"USD",
		"", // local symbol
		"", // trading class
		// combo legs: count, then conId/ratio/action/exchange per leg
		"2",
		formatInt(int(order.BuyConID)), "1", "BUY", "SMART",
		formatInt(int(order.SellConID)), "1", "SELL", "SMART",
		// order
		order.Action,
		formatInt(order.Quantity),
		"LMT",
		formatFloat(order.LimitPrice),
		tif,
		order.Tag,
		"1", // transmit
	}
	if err := c.send(fields...); err != nil {
		c.Release(orderID)
		return 0, nil, err
	}
	return orderID, ch, nil
}

// MarketClosed reports whether a market-closed notice has been observed on
// this connection.
func (c *Client) MarketClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marketDown
}

func (c *Client) send(fields ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	if err := writeFrame(c.conn, fields...); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	return nil
}

// Close shuts the connection down and waits for the read loop to finish.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	err := c.conn.Close()
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		c.logger.Printf("Timed out waiting for read loop shutdown")
	}
	return err
}
