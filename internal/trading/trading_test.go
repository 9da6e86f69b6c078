package trading

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/ordersync-api/internal/eventstore"
	"github.com/ksred/ordersync-api/internal/feed"
	"github.com/ksred/ordersync-api/internal/reconcile"
	"github.com/ksred/ordersync-api/internal/types"
)

func newTestService(t *testing.T) (*Service, *eventstore.Store, *feed.SimulatedBroker) {
	t.Helper()
	store := eventstore.New()
	broker := feed.NewSimulatedBroker()
	t.Cleanup(broker.Close)
	return NewService(store, broker), store, broker
}

func TestPlaceOrderRecordsBeforeSubmitting(t *testing.T) {
	service, store, _ := newTestService(t)

	handle, err := service.PlaceOrder(types.PlaceOrderRequest{
		Symbol: "AAPL", Side: "buy", Quantity: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), handle.OrderID)
	assert.NotZero(t, handle.BrokerOrderID)
	assert.Equal(t, "BUY", handle.Side, "side is normalized")
	assert.Equal(t, types.StatusSubmitted, handle.Status)

	rec, ok := store.GetOrder(handle.OrderID)
	require.True(t, ok)
	assert.NotZero(t, rec.PermID, "perm id attached after submission")
	assert.Equal(t, "MKT", rec.OrderType, "order type defaults to market")
	assert.Equal(t, "DAY", rec.TimeInForce)

	got, ok := store.GetOrderIDByBrokerID(handle.BrokerOrderID)
	require.True(t, ok)
	assert.Equal(t, handle.OrderID, got)
}

func TestPlaceOrderValidation(t *testing.T) {
	service, _, _ := newTestService(t)

	_, err := service.PlaceOrder(types.PlaceOrderRequest{Symbol: "AAPL", Side: "HOLD", Quantity: 1})
	assert.ErrorIs(t, err, ErrInvalidSide)

	_, err = service.PlaceOrder(types.PlaceOrderRequest{Symbol: "AAPL", Side: "BUY", Quantity: 1, OrderType: "LMT"})
	assert.ErrorIs(t, err, ErrMissingPrice)

	_, err = service.PlaceOrder(types.PlaceOrderRequest{Symbol: "AAPL", Side: "BUY", Quantity: 1, OrderType: "ICEBERG"})
	assert.ErrorIs(t, err, ErrInvalidOrderType)
}

func TestPlaceOrderWithReconcilerCreatesNoDuplicate(t *testing.T) {
	service, store, broker := newTestService(t)

	// The reconciler sees the open-order event fired during submission.
	reconciler := reconcile.NewReconciler(store, broker)
	require.NoError(t, reconciler.Start(context.Background()))
	defer reconciler.Stop()

	handle, err := service.PlaceOrder(types.PlaceOrderRequest{
		Symbol: "AAPL", Side: "BUY", Quantity: 10,
	})
	require.NoError(t, err)

	assert.Len(t, store.ListOrders(0), 1,
		"broker events during submission resolve to the pre-recorded order")

	rec, _ := store.GetOrder(handle.OrderID)
	assert.Equal(t, types.StatusSubmitted, rec.Status)
}

func TestCancelOrder(t *testing.T) {
	service, store, broker := newTestService(t)

	handle, err := service.PlaceOrder(types.PlaceOrderRequest{
		Symbol: "AAPL", Side: "BUY", Quantity: 10,
	})
	require.NoError(t, err)

	// Subscribe to see the cancel land at the broker.
	var cancelled bool
	remove := broker.OnOrderStatus(func(trade feed.Trade) {
		if trade.Order.OrderID == handle.BrokerOrderID && trade.Status.Status == "Cancelled" {
			cancelled = true
		}
	})
	defer remove()

	require.NoError(t, service.CancelOrder(handle.OrderID))
	assert.True(t, cancelled)

	assert.ErrorIs(t, service.CancelOrder(999), eventstore.ErrOrderNotFound)

	// An adopted order without a broker id cannot be cancelled through us.
	adopted := store.AddOrder(types.Order{Symbol: "MSFT", PermID: 900})
	assert.ErrorIs(t, service.CancelOrder(adopted), ErrNotCancelable)
}

func TestListFillsUnknownOrder(t *testing.T) {
	service, _, _ := newTestService(t)
	_, err := service.ListFills(42, 0)
	assert.ErrorIs(t, err, eventstore.ErrOrderNotFound)
}

func TestPlaceOrderHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service, _, _ := newTestService(t)
	handlers := NewGinHandlers(service, nil)

	router := gin.New()
	router.POST("/orders", handlers.PlaceOrderHandler())

	body, _ := json.Marshal(types.PlaceOrderRequest{Symbol: "AAPL", Side: "BUY", Quantity: 10})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Success bool              `json:"success"`
		Data    types.OrderHandle `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, int64(1), resp.Data.OrderID)

	// Missing quantity fails binding.
	body, _ = json.Marshal(map[string]any{"symbol": "AAPL", "side": "BUY"})
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlaceOrderHandlerAttributesClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service, _, _ := newTestService(t)
	handlers := NewGinHandlers(service, nil)

	var logs bytes.Buffer
	orig := zlog.Logger
	zlog.Logger = zerolog.New(&logs)
	t.Cleanup(func() { zlog.Logger = orig })

	// Stand-in for the auth middleware, which installs the token claims.
	router := gin.New()
	router.POST("/orders", func(c *gin.Context) {
		c.Set("claims", jwt.MapClaims{"client_id": "desk-1"})
	}, handlers.PlaceOrderHandler())

	body, _ := json.Marshal(types.PlaceOrderRequest{Symbol: "AAPL", Side: "BUY", Quantity: 10})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, logs.String(), `"client_id":"desk-1"`,
		"accepted orders are attributed to the authenticated client")
}

func TestGetOrderHandlerNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service, _, _ := newTestService(t)
	handlers := NewGinHandlers(service, nil)

	router := gin.New()
	router.GET("/orders/:order_id", handlers.GetOrderHandler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/orders/7", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/orders/abc", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
