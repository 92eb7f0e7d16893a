package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optrader/internal/schema"
	"optrader/pkg/exception"
)

// bridge is a scripted gateway bridge answering JSON-RPC calls.
func bridge(t *testing.T, handle func(ws *websocket.Conn, msg wsMessage)) Endpoint {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gateway" || r.URL.Query().Get("clientId") != "3" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var msg wsMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			handle(ws, msg)
		}
	}))
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Endpoint{Host: host, Port: p, ClientID: 3}
}

func reply(ws *websocket.Conn, id uint64, result any) {
	raw, _ := json.Marshal(result)
	_ = ws.WriteJSON(wsMessage{ID: id, Result: raw})
}

func push(ws *websocket.Conn, method string, params any) {
	raw, _ := json.Marshal(params)
	_ = ws.WriteJSON(wsMessage{Method: method, Params: raw})
}

func TestWSConnRoundTrip(t *testing.T) {
	spy := schema.Equity("SPY")
	endpoint := bridge(t, func(ws *websocket.Conn, msg wsMessage) {
		switch msg.Method {
		case methodPlaceOrder:
			var req schema.OrderRequest
			_ = json.Unmarshal(msg.Params, &req)
			if req.Qty > 10 {
				_ = ws.WriteJSON(wsMessage{ID: msg.ID, Error: &wsError{Code: 201, Message: "size limit", Rejected: true}})
				return
			}
			reply(ws, msg.ID, placeOrderResult{VenueOrderID: "V-" + req.ClientOrderID})
			push(ws, pushFill, schema.Fill{ExecID: "E1", ClientOrderID: req.ClientOrderID, Qty: req.Qty, Price: req.Price})
		case methodOrderStatus:
			_ = ws.WriteJSON(wsMessage{ID: msg.ID, Error: &wsError{Code: codeUnknownOrder, Message: "not found"}})
		case methodSubscribe:
			reply(ws, msg.ID, nil)
			push(ws, pushQuote, schema.Quote{Instrument: spy, Last: decimal.NewFromFloat(501.25), Volume: 10})
		case methodHoldings:
			reply(ws, msg.ID, []schema.Holding{{Instrument: spy, Qty: 3, AvgCost: decimal.NewFromInt(500)}})
		default:
			_ = ws.WriteJSON(wsMessage{ID: msg.ID, Error: &wsError{Code: 500, Message: "unsupported"}})
		}
	})

	conn, err := NewWSDialer().Dial(t.Context(), endpoint)
	require.NoError(t, err)
	defer conn.Close()

	venueID, err := conn.PlaceOrder(t.Context(), schema.OrderRequest{ClientOrderID: "c-1", Instrument: spy, Qty: 2, Price: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.Equal(t, "V-c-1", venueID)

	select {
	case ev := <-conn.Events():
		require.Equal(t, EventFill, ev.Kind)
		assert.Equal(t, "c-1", ev.ClientOrderID())
		assert.Equal(t, int64(2), ev.Fill.Qty)
	case <-time.After(time.Second):
		t.Fatal("fill push not delivered")
	}

	_, err = conn.PlaceOrder(t.Context(), schema.OrderRequest{ClientOrderID: "c-2", Qty: 11})
	require.ErrorIs(t, err, exception.ErrOrderRejected)

	_, err = conn.OrderStatus(t.Context(), "nope")
	require.ErrorIs(t, err, exception.ErrUnknownOrder)

	require.NoError(t, conn.Subscribe(t.Context(), spy))
	select {
	case ev := <-conn.Events():
		require.Equal(t, EventQuote, ev.Kind)
		assert.True(t, ev.Quote.Last.Equal(decimal.NewFromFloat(501.25)))
	case <-time.After(time.Second):
		t.Fatal("quote push not delivered")
	}

	holdings, err := conn.Holdings(t.Context())
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, int64(3), holdings[0].Qty)

	err = conn.CancelOrder(t.Context(), "c-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, exception.ErrOrderRejected)
}

func TestWSConnClosesEventsOnDrop(t *testing.T) {
	endpoint := bridge(t, func(ws *websocket.Conn, msg wsMessage) {
		_ = ws.Close()
	})

	conn, err := NewWSDialer().Dial(t.Context(), endpoint)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Subscribe(t.Context(), schema.Equity("SPY"))
	require.Error(t, err)

	select {
	case _, ok := <-conn.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
	assert.Error(t, conn.Err())
}

func TestDecodePushDropsFillWithoutExecID(t *testing.T) {
	params, err := json.Marshal(schema.Fill{ClientOrderID: "c-1", Qty: 1, Price: decimal.NewFromInt(1)})
	require.NoError(t, err)
	_, ok := decodePush(wsMessage{Method: pushFill, Params: params})
	assert.False(t, ok)

	params, err = json.Marshal(schema.Fill{ExecID: "E1", ClientOrderID: "c-1", Qty: 1, Price: decimal.NewFromInt(1)})
	require.NoError(t, err)
	ev, ok := decodePush(wsMessage{Method: pushFill, Params: params})
	require.True(t, ok)
	assert.Equal(t, EventFill, ev.Kind)
	assert.Equal(t, "E1", ev.Fill.ExecID)
}
