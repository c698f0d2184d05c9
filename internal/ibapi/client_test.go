package ibapi

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeGateway accepts one client connection, performs the handshake, and
// then runs the supplied script against the raw connection.
type fakeGateway struct {
	t    *testing.T
	ln   net.Listener
	done chan struct{}
}

func newFakeGateway(t *testing.T, script func(t *testing.T, conn net.Conn)) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fg := &fakeGateway{t: t, ln: ln, done: make(chan struct{})}
	go func() {
		defer close(fg.done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: API prefix, version range frame, then startAPI.
		prefix := make([]byte, 4)
		if _, err := io.ReadFull(conn, prefix); err != nil {
			t.Errorf("reading API prefix: %v", err)
			return
		}
		if string(prefix) != "API\x00" {
			t.Errorf("unexpected prefix %q", prefix)
			return
		}
		if _, err := readFrame(conn); err != nil {
			t.Errorf("reading version frame: %v", err)
			return
		}
		if err := writeFrame(conn, "176", "20260829 10:00:00 EST"); err != nil {
			t.Errorf("writing banner: %v", err)
			return
		}
		start, err := readFrame(conn)
		if err != nil {
			t.Errorf("reading startAPI: %v", err)
			return
		}
		if len(start) == 0 || start[0] != formatInt(msgStartAPI) {
			t.Errorf("expected startAPI, got %v", start)
			return
		}

		script(t, conn)
	}()
	return fg
}

func (fg *fakeGateway) addr() (string, int) {
	tcp := fg.ln.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

func (fg *fakeGateway) stop() {
	_ = fg.ln.Close()
	select {
	case <-fg.done:
	case <-time.After(2 * time.Second):
		fg.t.Error("fake gateway did not shut down")
	}
}

func dialFake(t *testing.T, fg *fakeGateway) *Client {
	t.Helper()
	host, port := fg.addr()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, host, port, 7, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestDialHandshake(t *testing.T) {
	fg := newFakeGateway(t, func(t *testing.T, conn net.Conn) {
		require.NoError(t, writeFrame(conn, formatInt(msgInNextValidID), "1", "501"))
		// Hold the connection open until the client hangs up.
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})
	t.Cleanup(fg.stop)

	client := dialFake(t, fg)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.nextOrderID == 501
	}, 2*time.Second, 10*time.Millisecond, "next order id should arrive from the gateway")
}

func TestSubscribeMarketDataDeliversBidAsk(t *testing.T) {
	fg := newFakeGateway(t, func(t *testing.T, conn net.Conn) {
		req, err := readFrame(conn)
		require.NoError(t, err)
		require.Equal(t, formatInt(msgReqMktData), req[0])
		reqID := req[2]

		require.NoError(t, writeFrame(conn, formatInt(msgInTickPrice), "6", reqID, formatInt(TickBid), "1.20", "100", "1"))
		require.NoError(t, writeFrame(conn, formatInt(msgInTickPrice), "6", reqID, formatInt(TickAsk), "1.40", "80", "1"))
		// Size-only ticks must not surface as events.
		require.NoError(t, writeFrame(conn, formatInt(msgInTickPrice), "6", reqID, "0", "0", "100", "1"))

		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})
	t.Cleanup(fg.stop)

	client := dialFake(t, fg)

	reqID := client.NextRequestID()
	events, err := client.SubscribeMarketData(reqID, OptionContract("AAPL", "2026-09-18", 185, "C"))
	require.NoError(t, err)
	defer client.Release(reqID)

	bid := recvEvent(t, events)
	require.NotNil(t, bid.Tick)
	require.Equal(t, TickBid, bid.Tick.Type)
	require.InDelta(t, 1.20, bid.Tick.Price, 1e-9)

	ask := recvEvent(t, events)
	require.NotNil(t, ask.Tick)
	require.Equal(t, TickAsk, ask.Tick.Type)
	require.InDelta(t, 1.40, ask.Tick.Price, 1e-9)
}

func TestTickOptionComputationModelAndLast(t *testing.T) {
	fg := newFakeGateway(t, func(t *testing.T, conn net.Conn) {
		req, err := readFrame(conn)
		require.NoError(t, err)
		reqID := req[2]

		// version, reqID, tickType, impliedVol, delta, optPrice, ...
		require.NoError(t, writeFrame(conn, formatInt(msgInTickOptionComp), "6", reqID, formatInt(TickModel), "0.22", "0.45", "1.35"))
		require.NoError(t, writeFrame(conn, formatInt(msgInTickOptionComp), "6", reqID, formatInt(TickLast), "0.21", "0.44", "1.30"))
		// Zero price means no computation available; must be filtered.
		require.NoError(t, writeFrame(conn, formatInt(msgInTickOptionComp), "6", reqID, formatInt(TickModel), "0", "0", "0"))

		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})
	t.Cleanup(fg.stop)

	client := dialFake(t, fg)

	reqID := client.NextRequestID()
	events, err := client.SubscribeMarketData(reqID, OptionContract("MSFT", "2026-09-18", 400, "P"))
	require.NoError(t, err)
	defer client.Release(reqID)

	model := recvEvent(t, events)
	require.NotNil(t, model.Tick)
	require.Equal(t, TickModel, model.Tick.Type)
	require.InDelta(t, 1.35, model.Tick.Price, 1e-9)

	last := recvEvent(t, events)
	require.NotNil(t, last.Tick)
	require.Equal(t, TickLast, last.Tick.Type)
	require.InDelta(t, 1.30, last.Tick.Price, 1e-9)

	select {
	case ev := <-events:
		t.Fatalf("zero-price computation should be dropped, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestContractDetails(t *testing.T) {
	fg := newFakeGateway(t, func(t *testing.T, conn net.Conn) {
		req, err := readFrame(conn)
		require.NoError(t, err)
		require.Equal(t, formatInt(msgReqContractData), req[0])
		reqID := req[2]

		// version, reqID, symbol, secType, expiry, strike, right,
		// exchange, currency, localSymbol, conID
		require.NoError(t, writeFrame(conn, formatInt(msgInContractData), "8", reqID,
			"AAPL", "OPT", "20260918", "185", "C", "SMART", "USD", "AAPL 260918C00185000", "771234567"))
		require.NoError(t, writeFrame(conn, formatInt(msgInContractDataEnd), "1", reqID))

		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})
	t.Cleanup(fg.stop)

	client := dialFake(t, fg)

	reqID := client.NextRequestID()
	events, err := client.RequestContractDetails(reqID, OptionContract("AAPL", "2026-09-18", 185, "C"))
	require.NoError(t, err)
	defer client.Release(reqID)

	ev := recvEvent(t, events)
	require.NotNil(t, ev.Contract)
	require.Equal(t, "AAPL", ev.Contract.Symbol)
	require.Equal(t, "20260918", ev.Contract.Expiry)
	require.InDelta(t, 185.0, ev.Contract.Strike, 1e-9)
	require.Equal(t, "C", ev.Contract.Right)
	require.Equal(t, int64(771234567), ev.Contract.ConID)

	end := recvEvent(t, events)
	require.True(t, end.ContractEnd)
}

func TestContractNotFoundErrorRouting(t *testing.T) {
	fg := newFakeGateway(t, func(t *testing.T, conn net.Conn) {
		req, err := readFrame(conn)
		require.NoError(t, err)
		reqID := req[2]

		require.NoError(t, writeFrame(conn, formatInt(msgInErrMsg), "2", reqID, "200",
			"No security definition has been found for the request"))

		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})
	t.Cleanup(fg.stop)

	client := dialFake(t, fg)

	reqID := client.NextRequestID()
	events, err := client.RequestContractDetails(reqID, OptionContract("AAPL", "2026-02-30", 185, "C"))
	require.NoError(t, err)
	defer client.Release(reqID)

	ev := recvEvent(t, events)
	require.NotNil(t, ev.Err)
	require.True(t, ev.Err.ContractNotFound())
}

func TestMarketClosedNoticeSetsFlag(t *testing.T) {
	fg := newFakeGateway(t, func(t *testing.T, conn net.Conn) {
		require.NoError(t, writeFrame(conn, formatInt(msgInErrMsg), "2", "-1", "2119",
			"Market data farm is connecting:usfarm"))

		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})
	t.Cleanup(fg.stop)

	client := dialFake(t, fg)

	require.Eventually(t, client.MarketClosed, 2*time.Second, 10*time.Millisecond)
}

func TestHistoricalDataBars(t *testing.T) {
	fg := newFakeGateway(t, func(t *testing.T, conn net.Conn) {
		req, err := readFrame(conn)
		require.NoError(t, err)
		require.Equal(t, formatInt(msgReqHistorical), req[0])
		reqID := req[1]

		// reqID, start, end, barCount, then date/o/h/l/c/vol per bar.
		require.NoError(t, writeFrame(conn, formatInt(msgInHistoricalData), reqID,
			"20260827", "20260828", "2",
			"20260827", "181.0", "183.5", "180.2", "182.9", "1000",
			"20260828", "183.0", "185.0", "182.0", "184.5", "1200"))

		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})
	t.Cleanup(fg.stop)

	client := dialFake(t, fg)

	reqID := client.NextRequestID()
	events, err := client.RequestHistoricalData(reqID, "AAPL")
	require.NoError(t, err)
	defer client.Release(reqID)

	first := recvEvent(t, events)
	require.NotNil(t, first.Bar)
	require.Equal(t, "20260827", first.Bar.Date)
	require.InDelta(t, 182.9, first.Bar.Close, 1e-9)

	second := recvEvent(t, events)
	require.NotNil(t, second.Bar)
	require.InDelta(t, 184.5, second.Bar.Close, 1e-9)

	end := recvEvent(t, events)
	require.True(t, end.HistoryEnd)
}

func TestPlaceComboOrderStatus(t *testing.T) {
	fg := newFakeGateway(t, func(t *testing.T, conn net.Conn) {
		require.NoError(t, writeFrame(conn, formatInt(msgInNextValidID), "1", "900"))

		req, err := readFrame(conn)
		require.NoError(t, err)
		require.Equal(t, formatInt(msgPlaceOrder), req[0])
		orderID := req[1]
		require.Equal(t, "900", orderID)
		require.Contains(t, req, "BAG")
		require.Contains(t, req, "LMT")
		require.Contains(t, req, "-1.2")

		require.NoError(t, writeFrame(conn, formatInt(msgInOrderStatus), orderID,
			"Submitted", "0", "1", "0", "0", "0", "0", "0", ""))

		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})
	t.Cleanup(fg.stop)

	client := dialFake(t, fg)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.nextOrderID == 900
	}, 2*time.Second, 10*time.Millisecond)

	orderID, events, err := client.PlaceComboOrder(ComboOrder{
		Symbol:     "AAPL",
		BuyConID:   111,
		SellConID:  222,
		Action:     "BUY",
		Quantity:   1,
		LimitPrice: -1.20,
		Tag:        "spread-abc123",
	})
	require.NoError(t, err)
	require.Equal(t, 900, orderID)
	defer client.Release(orderID)

	status := recvEvent(t, events)
	require.NotNil(t, status.OrderStatus)
	require.Equal(t, "Submitted", status.OrderStatus.Status)
}

func TestPlaceComboOrderRejectsZeroQuantity(t *testing.T) {
	fg := newFakeGateway(t, func(t *testing.T, conn net.Conn) {
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})
	t.Cleanup(fg.stop)

	client := dialFake(t, fg)

	_, _, err := client.PlaceComboOrder(ComboOrder{Symbol: "AAPL", Quantity: 0})
	require.Error(t, err)
}

func TestRequestPositionsStream(t *testing.T) {
	fg := newFakeGateway(t, func(t *testing.T, conn net.Conn) {
		req, err := readFrame(conn)
		require.NoError(t, err)
		require.Equal(t, formatInt(msgReqPositions), req[0])

		// version, account, conId, symbol, secType, expiry, strike, right,
		// multiplier, exchange, currency, localSymbol, tradingClass,
		// position, avgCost
		require.NoError(t, writeFrame(conn, formatInt(msgInPosition), "3",
			"DU12345", "771234567", "AAPL", "OPT", "20260918", "185", "C",
			"100", "SMART", "USD", "AAPL 260918C00185000", "AAPL", "-1", "135.0"))
		require.NoError(t, writeFrame(conn, formatInt(msgInPositionEnd), "1"))

		// Releasing the stream must cancel it at the broker.
		cancel, err := readFrame(conn)
		require.NoError(t, err)
		require.Equal(t, formatInt(msgCancelPositions), cancel[0])

		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})
	t.Cleanup(fg.stop)

	client := dialFake(t, fg)

	reqID := client.NextRequestID()
	events, err := client.RequestPositions(reqID)
	require.NoError(t, err)

	ev := recvEvent(t, events)
	require.NotNil(t, ev.Position)
	require.Equal(t, "DU12345", ev.Position.Account)
	require.Equal(t, "AAPL", ev.Position.Symbol)
	require.Equal(t, "OPT", ev.Position.SecType)
	require.Equal(t, "20260918", ev.Position.Expiry)
	require.InDelta(t, 185.0, ev.Position.Strike, 1e-9)
	require.Equal(t, "C", ev.Position.Right)
	require.InDelta(t, -1.0, ev.Position.Quantity, 1e-9)

	end := recvEvent(t, events)
	require.True(t, end.PositionEnd)

	client.Release(reqID)

	// A second stream is allowed once the first is released.
	_, err = client.RequestPositions(client.NextRequestID())
	require.NoError(t, err)
}

func TestConnectionLossFailsPendingRequests(t *testing.T) {
	fg := newFakeGateway(t, func(t *testing.T, conn net.Conn) {
		if _, err := readFrame(conn); err != nil {
			return
		}
		_ = conn.Close()
	})
	t.Cleanup(fg.stop)

	client := dialFake(t, fg)

	reqID := client.NextRequestID()
	events, err := client.SubscribeMarketData(reqID, OptionContract("AAPL", "2026-09-18", 185, "C"))
	require.NoError(t, err)
	defer client.Release(reqID)

	ev := recvEvent(t, events)
	require.NotNil(t, ev.Err)
	require.Equal(t, -1, ev.Err.Code)
}

func TestOperationsAfterCloseReturnNotConnected(t *testing.T) {
	fg := newFakeGateway(t, func(t *testing.T, conn net.Conn) {
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})
	t.Cleanup(fg.stop)

	client := dialFake(t, fg)
	require.NoError(t, client.Close())

	_, err := client.SubscribeMarketData(client.NextRequestID(), StockContract("AAPL"))
	require.ErrorIs(t, err, ErrNotConnected)
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
