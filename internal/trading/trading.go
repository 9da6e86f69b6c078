// Package trading exposes order placement and lookup over the in-memory
// store. The store is the source of truth for reads; the broker connection
// only ever learns about orders after they exist locally, so a crash between
// the two leaves a record to reconcile rather than a silent orphan.
package trading

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ksred/ordersync-api/internal/auth"
	"github.com/ksred/ordersync-api/internal/eventstore"
	"github.com/ksred/ordersync-api/internal/feed"
	"github.com/ksred/ordersync-api/internal/types"
	"github.com/ksred/ordersync-api/pkg/response"
)

var (
	ErrInvalidSide      = errors.New("side must be BUY or SELL")
	ErrInvalidOrderType = errors.New("order type must be MKT, LMT or STP")
	ErrMissingPrice     = errors.New("price is required for LMT and STP orders")
	ErrNotCancelable    = errors.New("order has no working broker order to cancel")
)

// Broker is the slice of the broker connection the service submits through.
type Broker interface {
	NextOrderID() int64
	PlaceOrder(contract feed.Contract, order feed.Order) feed.Trade
	CancelOrder(orderID int64)
}

// Resyncer triggers an immediate broker snapshot reconciliation.
type Resyncer interface {
	ResyncNow(ctx context.Context) error
}

// Service handles order placement, cancellation and lookups.
type Service struct {
	store  *eventstore.Store
	broker Broker
}

// NewService creates a trading service over a store and broker connection.
func NewService(store *eventstore.Store, broker Broker) *Service {
	return &Service{store: store, broker: broker}
}

// PlaceOrder reserves a broker order id, records the order locally under it,
// and only then submits to the broker. Recording first means the order's
// earliest broker events already resolve to the local record instead of
// being adopted as a duplicate.
func (s *Service) PlaceOrder(req types.PlaceOrderRequest) (types.OrderHandle, error) {
	if err := validateRequest(&req); err != nil {
		return types.OrderHandle{}, err
	}

	brokerOrderID := s.broker.NextOrderID()
	rec := types.Order{
		BrokerOrderID: brokerOrderID,
		Symbol:        req.Symbol,
		AssetClass:    req.AssetClass,
		Side:          req.Side,
		Quantity:      req.Quantity,
		OrderType:     req.OrderType,
		Price:         req.Price,
		TimeInForce:   req.TimeInForce,
		Status:        types.StatusPendingSubmit,
	}
	orderID := s.store.AddOrder(rec)

	submit := brokerOrderFor(req)
	submit.OrderID = brokerOrderID
	placed := s.broker.PlaceOrder(contractFor(req), submit)

	status := types.StatusSubmitted
	update := types.OrderUpdate{
		PermID: &placed.Order.PermID,
		Status: &status,
	}
	updated, err := s.store.UpdateOrder(orderID, update)
	if err != nil {
		return types.OrderHandle{}, fmt.Errorf("failed to attach broker ids to order %d: %w", orderID, err)
	}

	log.Info().
		Str("component", "trading").
		Int64("order_id", orderID).
		Int64("broker_order_id", placed.Order.OrderID).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Float64("quantity", req.Quantity).
		Msg("order placed")

	return handleFor(updated), nil
}

// CancelOrder submits a cancel for the order's working broker order. The
// status change lands through the broker's order status events.
func (s *Service) CancelOrder(orderID int64) error {
	rec, ok := s.store.GetOrder(orderID)
	if !ok {
		return eventstore.ErrOrderNotFound
	}
	if rec.BrokerOrderID <= 0 {
		return ErrNotCancelable
	}

	s.broker.CancelOrder(rec.BrokerOrderID)

	log.Info().
		Str("component", "trading").
		Int64("order_id", orderID).
		Int64("broker_order_id", rec.BrokerOrderID).
		Msg("cancel submitted")
	return nil
}

// GetOrder returns one order by internal id.
func (s *Service) GetOrder(orderID int64) (types.Order, error) {
	rec, ok := s.store.GetOrder(orderID)
	if !ok {
		return types.Order{}, eventstore.ErrOrderNotFound
	}
	return rec, nil
}

// ListOrders returns orders, most recently updated first.
func (s *Service) ListOrders(limit int) []types.Order {
	return s.store.ListOrders(limit)
}

// ListFills returns the fills recorded for one order.
func (s *Service) ListFills(orderID int64, limit int) ([]types.Fill, error) {
	if _, ok := s.store.GetOrder(orderID); !ok {
		return nil, eventstore.ErrOrderNotFound
	}
	return s.store.ListFills(orderID, limit), nil
}

// Positions returns current holdings keyed by position key.
func (s *Service) Positions() map[string]types.Position {
	return s.store.Positions()
}

// AccountValues returns the latest account summary values.
func (s *Service) AccountValues() map[string]types.AccountValue {
	return s.store.AccountValues()
}

// Logs returns change-log entries after the given sequence, oldest first.
func (s *Service) Logs(sinceSeq int64, limit int) []types.LogEntry {
	return s.store.Logs(sinceSeq, limit)
}

func validateRequest(req *types.PlaceOrderRequest) error {
	req.Side = strings.ToUpper(req.Side)
	if req.Side != "BUY" && req.Side != "SELL" {
		return ErrInvalidSide
	}

	if req.OrderType == "" {
		req.OrderType = "MKT"
	}
	req.OrderType = strings.ToUpper(req.OrderType)
	switch req.OrderType {
	case "MKT":
	case "LMT", "STP":
		if req.Price <= 0 {
			return ErrMissingPrice
		}
	default:
		return ErrInvalidOrderType
	}

	if req.TimeInForce == "" {
		req.TimeInForce = "DAY"
	}
	if req.AssetClass == "" {
		req.AssetClass = "STK"
	}
	return nil
}

func contractFor(req types.PlaceOrderRequest) feed.Contract {
	return feed.Contract{
		Symbol:   req.Symbol,
		SecType:  req.AssetClass,
		Exchange: "SMART",
		Currency: "USD",
	}
}

func brokerOrderFor(req types.PlaceOrderRequest) feed.Order {
	order := feed.Order{
		Action:        req.Side,
		TotalQuantity: req.Quantity,
		OrderType:     req.OrderType,
		TIF:           req.TimeInForce,
	}
	switch req.OrderType {
	case "LMT":
		order.LimitPrice = req.Price
	case "STP":
		order.AuxPrice = req.Price
	}
	return order
}

func handleFor(rec types.Order) types.OrderHandle {
	return types.OrderHandle{
		OrderID:       rec.OrderID,
		BrokerOrderID: rec.BrokerOrderID,
		PermID:        rec.PermID,
		Symbol:        rec.Symbol,
		Side:          rec.Side,
		Quantity:      rec.Quantity,
		Status:        rec.Status,
		CreatedAt:     rec.CreatedAt,
	}
}

// GinHandlers contains HTTP handlers for order endpoints.
type GinHandlers struct {
	service  *Service
	resyncer Resyncer
}

// NewGinHandlers creates the order endpoint handlers.
func NewGinHandlers(service *Service, resyncer Resyncer) *GinHandlers {
	return &GinHandlers{service: service, resyncer: resyncer}
}

// PlaceOrderHandler handles POST /orders.
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		handle, err := h.service.PlaceOrder(req)
		if isValidationError(err) {
			response.BadRequest(c, err.Error())
			return
		}
		if err == nil {
			log.Info().
				Str("component", "trading").
				Str("client_id", clientID(c)).
				Int64("order_id", handle.OrderID).
				Msg("order accepted")
		}
		response.Handle(c, handle, err)
	}
}

// CancelOrderHandler handles POST /orders/:order_id/cancel.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := orderIDParam(c)
		if !ok {
			return
		}

		err := h.service.CancelOrder(orderID)
		if errors.Is(err, ErrNotCancelable) {
			response.BadRequest(c, err.Error())
			return
		}
		if err == nil {
			log.Info().
				Str("component", "trading").
				Str("client_id", clientID(c)).
				Int64("order_id", orderID).
				Msg("cancel accepted")
		}
		response.Handle(c, gin.H{"order_id": orderID, "cancel_submitted": err == nil}, err)
	}
}

// GetOrderHandler handles GET /orders/:order_id.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := orderIDParam(c)
		if !ok {
			return
		}

		order, err := h.service.GetOrder(orderID)
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler handles GET /orders.
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
		if err != nil || limit < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return
		}

		response.Success(c, h.service.ListOrders(limit))
	}
}

// ListFillsHandler handles GET /orders/:order_id/fills.
func (h *GinHandlers) ListFillsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, ok := orderIDParam(c)
		if !ok {
			return
		}

		fills, err := h.service.ListFills(orderID, 0)
		response.Handle(c, fills, err)
	}
}

// PositionsHandler handles GET /positions.
func (h *GinHandlers) PositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.Positions())
	}
}

// AccountValuesHandler handles GET /account.
func (h *GinHandlers) AccountValuesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.AccountValues())
	}
}

// LogsHandler handles GET /internal/logs, exposing the change log for
// operational inspection.
func (h *GinHandlers) LogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
		if err != nil || since < 0 {
			response.BadRequest(c, "since must be a non-negative integer")
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
		if err != nil || limit < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return
		}

		response.Success(c, h.service.Logs(since, limit))
	}
}

// ResyncHandler handles POST /internal/resync: an immediate, non-debounced
// snapshot reconciliation.
func (h *GinHandlers) ResyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.resyncer.ResyncNow(c.Request.Context())
		response.Handle(c, gin.H{"resynced": err == nil}, err)
	}
}

// clientID reads the authenticated client id from the claims the auth
// middleware installed. Empty when the route is unauthenticated.
func clientID(c *gin.Context) string {
	claims, _ := c.Get("claims")
	return auth.GetClientID(claims)
}

func orderIDParam(c *gin.Context) (int64, bool) {
	orderID, err := strconv.ParseInt(c.Param("order_id"), 10, 64)
	if err != nil || orderID <= 0 {
		response.BadRequest(c, "order_id must be a positive integer")
		return 0, false
	}
	return orderID, true
}

func isValidationError(err error) bool {
	return errors.Is(err, ErrInvalidSide) ||
		errors.Is(err, ErrInvalidOrderType) ||
		errors.Is(err, ErrMissingPrice)
}
