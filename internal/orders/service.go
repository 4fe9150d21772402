// Package orders places, lists and cancels orders. Stock for every line of
// an order is reserved in one store transaction, so an order either takes
// all of its stock or none of it.
package orders

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/foodin/internal/auth"
	"github.com/jogardn/foodin/internal/events"
	"github.com/jogardn/foodin/internal/idempotency"
	"github.com/jogardn/foodin/internal/store"
	"github.com/jogardn/foodin/pkg/models"
)

const (
	eventSource         = "foodin-api"
	sideEffectTimeout   = 5 * time.Second
	idempotencyScopeTag = "orders"
)

var (
	ErrNotAuthorizedToView   = errors.New("Not authorized to access this order")
	ErrNotAuthorizedToCancel = errors.New("Not authorized to cancel this order")
	ErrNotPending            = errors.New("Can only cancel pending orders")
	ErrRequestInFlight       = errors.New("A request with this Idempotency-Key is already being processed")
)

type Store interface {
	ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	InTx(ctx context.Context, fn func(tx store.Tx) error) error
}

type IdempotencyStore interface {
	Reserve(ctx context.Context, scope, key string) (idempotency.Reservation, error)
	Complete(ctx context.Context, scope, key, ref string) error
	Release(ctx context.Context, scope, key string) error
}

// CatalogCache is told about every stock movement.
type CatalogCache interface {
	Invalidate(ctx context.Context)
}

type WebSocketHub interface {
	Broadcast(messageType string, data interface{}, source string)
}

type LineRequest struct {
	IngredientID string `json:"ingredient"`
	Quantity     int    `json:"quantity"`
}

// PlaceOrderRequest is what a customer submits at checkout. Prices and
// totals are always computed from the catalogue.
type PlaceOrderRequest struct {
	Items           []LineRequest          `json:"items"`
	ShippingAddress models.ShippingAddress `json:"shippingAddress"`
	PaymentMethod   models.PaymentMethod   `json:"paymentMethod"`
	PaymentStatus   models.PaymentStatus   `json:"paymentStatus"`
	IdempotencyKey  string                 `json:"-"`
}

func (r *PlaceOrderRequest) normalize() {
	if r.PaymentMethod == "" {
		r.PaymentMethod = models.DefaultPaymentMethod
	}
	if r.PaymentStatus == "" {
		r.PaymentStatus = models.PaymentStatusPending
	}
	for i := range r.Items {
		r.Items[i].IngredientID = strings.TrimSpace(r.Items[i].IngredientID)
	}
}

func (r *PlaceOrderRequest) validate() error {
	v := &models.ValidationError{}
	if len(r.Items) == 0 {
		v.Add("items", "must contain at least one item")
	}
	for i, item := range r.Items {
		if item.IngredientID == "" {
			v.Add(fmt.Sprintf("items[%d].ingredient", i), "is required")
		}
		if item.Quantity < 1 {
			v.Add(fmt.Sprintf("items[%d].quantity", i), "must be at least 1")
		}
	}

	addr := r.ShippingAddress
	required := map[string]string{
		"name":    addr.Name,
		"address": addr.Address,
		"city":    addr.City,
		"state":   addr.State,
		"zipCode": addr.ZipCode,
	}
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			v.Add("shippingAddress."+field, "is required")
		}
	}
	if _, err := mail.ParseAddress(addr.Email); err != nil {
		v.Add("shippingAddress.email", "must be a valid email")
	}

	if !r.PaymentMethod.Valid() {
		v.Add("paymentMethod", "must be one of pay_in_place, online_payment, credit_payment")
	}
	if !r.PaymentStatus.Valid() {
		v.Add("paymentStatus", "must be one of pending, paid, failed, refunded")
	}
	return v.OrNil()
}

type Service struct {
	store     Store
	idem      IdempotencyStore
	catalog   CatalogCache
	publisher events.Publisher
	wsHub     WebSocketHub
	logger    *logrus.Logger
}

type Option func(*Service)

func WithIdempotency(idem IdempotencyStore) Option {
	return func(s *Service) {
		s.idem = idem
	}
}

func WithCatalogCache(catalog CatalogCache) Option {
	return func(s *Service) {
		s.catalog = catalog
	}
}

func WithPublisher(publisher events.Publisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

func NewService(s Store, logger *logrus.Logger, opts ...Option) *Service {
	service := &Service{
		store:  s,
		logger: logger,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

func (s *Service) SetWebSocketHub(hub WebSocketHub) {
	s.wsHub = hub
}

// PlaceOrder reserves stock for every line and records the order. replayed
// reports that the order was created by an earlier request carrying the
// same idempotency key.
func (s *Service) PlaceOrder(ctx context.Context, userID string, req PlaceOrderRequest) (order *models.Order, replayed bool, err error) {
	req.normalize()
	if err := req.validate(); err != nil {
		return nil, false, err
	}

	if req.IdempotencyKey != "" && s.idem != nil {
		if err := idempotency.ValidateKey(req.IdempotencyKey); err != nil {
			return nil, false, err
		}
		scope := idempotencyScopeTag + ":" + userID

		reservation, err := s.idem.Reserve(ctx, scope, req.IdempotencyKey)
		switch {
		case err != nil:
			s.logger.WithError(err).WithField("user_id", userID).Warn("Idempotency store unavailable, placing order without it")
		case reservation.State == idempotency.StateCompleted:
			order, err := s.store.GetOrder(ctx, reservation.Ref)
			if err != nil {
				return nil, false, err
			}
			s.logger.WithFields(logrus.Fields{
				"order_id": order.ID,
				"user_id":  userID,
			}).Info("Returning order for replayed idempotency key")
			return order, true, nil
		case reservation.State == idempotency.StateInFlight:
			return nil, false, ErrRequestInFlight
		default:
			defer func() {
				s.finishIdempotency(ctx, scope, req.IdempotencyKey, order, err)
			}()
		}
	}

	order, err = s.placeOrder(ctx, userID, req)
	if err != nil {
		return nil, false, err
	}
	return order, false, nil
}

func (s *Service) placeOrder(ctx context.Context, userID string, req PlaceOrderRequest) (*models.Order, error) {
	order := &models.Order{
		ID:              uuid.New().String(),
		UserID:          userID,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		PaymentStatus:   req.PaymentStatus,
		Status:          models.OrderStatusPending,
	}

	// Reserve in ingredient id order so concurrent orders lock rows in the
	// same sequence.
	sequence := make([]int, len(req.Items))
	for i := range sequence {
		sequence[i] = i
	}
	sort.SliceStable(sequence, func(a, b int) bool {
		return req.Items[sequence[a]].IngredientID < req.Items[sequence[b]].IngredientID
	})

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		items := make([]models.OrderItem, len(req.Items))
		for _, i := range sequence {
			line := req.Items[i]
			ingredient, err := tx.ReserveStock(ctx, line.IngredientID, line.Quantity)
			if err != nil {
				return err
			}
			items[i] = models.OrderItem{
				IngredientID: ingredient.ID,
				Name:         ingredient.Name,
				Quantity:     line.Quantity,
				Price:        ingredient.Price,
			}
		}

		order.Items = items
		order.TotalAmount = models.CalculateTotal(items)
		return tx.CreateOrder(ctx, order)
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"user_id":     userID,
			"items_count": len(req.Items),
		}).Warn("Order placement rejected")
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":     order.ID,
		"user_id":      userID,
		"total_amount": order.TotalAmount,
		"items_count":  len(order.Items),
	}).Info("Order placed")

	s.afterCommit(ctx, events.NewOrderEvent(events.OrderCreated, order, ""))
	return order, nil
}

func (s *Service) finishIdempotency(ctx context.Context, scope, key string, order *models.Order, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	logger := s.logger.WithField("idempotency_key", key)
	if err != nil || order == nil {
		if releaseErr := s.idem.Release(ctx, scope, key); releaseErr != nil {
			logger.WithError(releaseErr).Warn("Failed to release idempotency key")
		}
		return
	}
	if completeErr := s.idem.Complete(ctx, scope, key, order.ID); completeErr != nil {
		logger.WithError(completeErr).WithField("order_id", order.ID).Warn("Failed to complete idempotency key")
	}
}

func (s *Service) List(ctx context.Context, principal auth.Principal, status string) ([]models.Order, error) {
	filter := store.OrderFilter{Status: models.OrderStatus(strings.ToLower(strings.TrimSpace(status)))}
	if filter.Status != "" && !filter.Status.Valid() {
		v := &models.ValidationError{}
		v.Add("status", "must be one of pending, processing, shipped, delivered, cancelled")
		return nil, v
	}
	if !principal.IsAdmin() {
		filter.UserID = principal.UserID
	}

	orders, err := s.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list orders")
	}
	return orders, nil
}

func (s *Service) Get(ctx context.Context, principal auth.Principal, id string) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !principal.IsAdmin() && !order.OwnedBy(principal.UserID) {
		return nil, ErrNotAuthorizedToView
	}
	return order, nil
}

// CancelOrder cancels a pending order on behalf of its owner or an admin
// and puts its stock back.
func (s *Service) CancelOrder(ctx context.Context, principal auth.Principal, id string) (*models.Order, error) {
	var cancelled *models.Order

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !principal.IsAdmin() && !order.OwnedBy(principal.UserID) {
			return ErrNotAuthorizedToCancel
		}
		if order.Status != models.OrderStatusPending {
			return ErrNotPending
		}

		if err := s.releaseStock(ctx, tx, order); err != nil {
			return err
		}
		if err := tx.SetOrderStatus(ctx, order.ID, models.OrderStatusCancelled); err != nil {
			return err
		}
		order.Status = models.OrderStatusCancelled
		order.UpdatedAt = time.Now().UTC()
		cancelled = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id": id,
		"user_id":  principal.UserID,
	}).Info("Order cancelled")

	s.afterCommit(ctx, events.NewOrderEvent(events.OrderCancelled, cancelled, models.OrderStatusPending))
	return cancelled, nil
}

// UpdateStatus sets any status on an order. Moving an order into cancelled
// puts its stock back and moving it out of cancelled takes the stock again,
// so stock always matches the orders that are not cancelled.
func (s *Service) UpdateStatus(ctx context.Context, id string, status models.OrderStatus) (*models.Order, error) {
	status = models.OrderStatus(strings.ToLower(strings.TrimSpace(string(status))))
	if !status.Valid() {
		v := &models.ValidationError{}
		v.Add("status", "must be one of pending, processing, shipped, delivered, cancelled")
		return nil, v
	}

	var (
		updated  *models.Order
		previous models.OrderStatus
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		previous = order.Status

		switch {
		case status == models.OrderStatusCancelled && previous != models.OrderStatusCancelled:
			err = s.releaseStock(ctx, tx, order)
		case previous == models.OrderStatusCancelled && status != models.OrderStatusCancelled:
			err = s.retakeStock(ctx, tx, order)
		}
		if err != nil {
			return err
		}

		if err := tx.SetOrderStatus(ctx, order.ID, status); err != nil {
			return err
		}
		order.Status = status
		order.UpdatedAt = time.Now().UTC()
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":        id,
		"previous_status": previous,
		"status":          status,
	}).Info("Order status updated")

	eventType := events.OrderStatusChanged
	if status == models.OrderStatusCancelled && previous != models.OrderStatusCancelled {
		eventType = events.OrderCancelled
	}
	s.afterCommit(ctx, events.NewOrderEvent(eventType, updated, previous))
	return updated, nil
}

// releaseStock puts every line of order back into stock. Lines whose
// ingredient has since been deleted are skipped.
func (s *Service) releaseStock(ctx context.Context, tx store.Tx, order *models.Order) error {
	for _, item := range sortedItems(order.Items) {
		err := tx.RestoreStock(ctx, item.IngredientID, item.Quantity)
		if errors.Is(err, store.ErrNotFound) {
			s.logger.WithFields(logrus.Fields{
				"order_id":      order.ID,
				"ingredient_id": item.IngredientID,
				"quantity":      item.Quantity,
			}).Warn("Ingredient no longer exists, skipping stock restore")
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) retakeStock(ctx context.Context, tx store.Tx, order *models.Order) error {
	for _, item := range sortedItems(order.Items) {
		if _, err := tx.ReserveStock(ctx, item.IngredientID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func sortedItems(items []models.OrderItem) []models.OrderItem {
	sorted := append([]models.OrderItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].IngredientID < sorted[j].IngredientID
	})
	return sorted
}

// afterCommit runs the side effects of a committed change. None of them can
// fail the request.
func (s *Service) afterCommit(ctx context.Context, event events.OrderEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	if s.catalog != nil {
		s.catalog.Invalidate(ctx)
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"order_id": event.OrderID,
				"type":     event.Type,
			}).Error("Failed to publish order event")
		}
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(string(event.Type), event, eventSource)
	}
}
