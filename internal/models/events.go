package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tracking event names sent to the analytics sink
const (
	EventBackInStockSubscribe   = "back_in_stock_subscribe"
	EventBackInStockUnsubscribe = "back_in_stock_unsubscribe"
	EventBackInStockNotified    = "back_in_stock_notified"
	EventPriceAlertSubscribe    = "price_alert_subscribe"
	EventPriceAlertUnsubscribe  = "price_alert_unsubscribe"
	EventPriceAlertTriggered    = "price_alert_triggered"
	EventAbandonedCartSaved     = "abandoned_cart_saved"
	EventAbandonedCartRecovered = "abandoned_cart_recovered"
	EventAbandonedCartReminder  = "abandoned_cart_reminder_sent"
)

// Inbound signal types
const (
	SignalProductRestocked = "PRODUCT_RESTOCKED"
	SignalPriceChanged     = "PRICE_CHANGED"
	SignalOrderCompleted   = "ORDER_COMPLETED"
)

// Notification kinds handed to the external sender
const (
	NotificationCartReminder = "cart_reminder"
	NotificationBackInStock  = "back_in_stock"
	NotificationPriceDrop    = "price_drop"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackingEvent is the analytics payload published for every engagement event.
type TrackingEvent struct {
	BaseEvent
	Properties map[string]any `json:"properties"`
}

// NotificationRequest asks the external sender to deliver a message.
type NotificationRequest struct {
	BaseEvent
	Kind        string          `json:"kind"`
	Email       string          `json:"email"`
	UserID      string          `json:"user_id,omitempty"`
	ProductID   string          `json:"product_id,omitempty"`
	ProductName string          `json:"product_name,omitempty"`
	CartID      string          `json:"cart_id,omitempty"`
	Stage       int             `json:"stage,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Items       []CartItem      `json:"items,omitempty"`
}

// ProductRestockedSignal is published by the catalog when stock returns.
type ProductRestockedSignal struct {
	BaseEvent
	ProductID string `json:"product_id"`
}

// PriceChangedSignal is published by the catalog on every price update.
type PriceChangedSignal struct {
	BaseEvent
	ProductID string          `json:"product_id"`
	NewPrice  decimal.Decimal `json:"new_price"`
}

// OrderCompletedSignal is published by checkout. Either field may be empty.
type OrderCompletedSignal struct {
	BaseEvent
	SessionID string `json:"session_id"`
	CartID    string `json:"cart_id"`
}
