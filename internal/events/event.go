// Package events carries order domain events between the API, Kafka, the
// dashboard projection and the admin websocket.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/jogardn/foodin/pkg/models"
)

const (
	OrderEventsTopic    = "foodin.order.events"
	OrderEventsDLQTopic = "foodin.order.events.dlq"
)

type EventType string

const (
	OrderCreated       EventType = "order.created"
	OrderCancelled     EventType = "order.cancelled"
	OrderStatusChanged EventType = "order.status_changed"
)

type EventItem struct {
	IngredientID string `json:"ingredient"`
	Quantity     int    `json:"quantity"`
}

type OrderEvent struct {
	EventID        string             `json:"eventId"`
	Type           EventType          `json:"type"`
	OrderID        string             `json:"orderId"`
	UserID         string             `json:"userId"`
	Status         models.OrderStatus `json:"status"`
	PreviousStatus models.OrderStatus `json:"previousStatus,omitempty"`
	TotalAmount    float64            `json:"totalAmount"`
	Items          []EventItem        `json:"items"`
	OccurredAt     time.Time          `json:"occurredAt"`
}

// NewOrderEvent describes order as it is after the change. previous is
// empty for order.created.
func NewOrderEvent(eventType EventType, order *models.Order, previous models.OrderStatus) OrderEvent {
	items := make([]EventItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, EventItem{IngredientID: item.IngredientID, Quantity: item.Quantity})
	}

	return OrderEvent{
		EventID:        uuid.New().String(),
		Type:           eventType,
		OrderID:        order.ID,
		UserID:         order.UserID,
		Status:         order.Status,
		PreviousStatus: previous,
		TotalAmount:    order.TotalAmount,
		Items:          items,
		OccurredAt:     time.Now().UTC(),
	}
}
