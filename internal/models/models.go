package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BackInStockSubscription is a standing request to be told when a product
// returns to inventory. At most one non-notified entry exists per (user, product).
type BackInStockSubscription struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	ProductID   string    `json:"productId"`
	ProductName string    `json:"productName"`
	Email       string    `json:"email"`
	CreatedAt   time.Time `json:"createdAt"`
	Notified    bool      `json:"notified"`
}

// PriceAlertSubscription fires when a product's price falls to or below TargetPrice.
type PriceAlertSubscription struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	ProductID    string          `json:"productId"`
	ProductName  string          `json:"productName"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	TargetPrice  decimal.Decimal `json:"targetPrice"`
	Email        string          `json:"email"`
	CreatedAt    time.Time       `json:"createdAt"`
	Active       bool            `json:"active"`
}

// CartItem is one line of an abandoned cart snapshot.
type CartItem struct {
	ProductID   string          `json:"productId" binding:"required"`
	ProductName string          `json:"productName"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity" binding:"min=1"`
	Image       string          `json:"image,omitempty"`
}

// Subtotal returns Price * Quantity.
func (i CartItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Reminder timeline states
const (
	ReminderStateNone      = "none"
	ReminderStateArmed     = "armed"
	ReminderStateDone      = "done"
	ReminderStateCancelled = "cancelled"
)

// MaxReminderStage is the number of reminder stages in a full timeline.
const MaxReminderStage = 3

// ReminderSchedule is the durable reminder timeline stored on each cart.
// NextStage and NextDueAt are only meaningful while State is armed.
type ReminderSchedule struct {
	State     string     `json:"state"`
	NextStage int        `json:"nextStage,omitempty"`
	NextDueAt *time.Time `json:"nextDueAt,omitempty"`
	ArmedAt   *time.Time `json:"armedAt,omitempty"`
}

// Armed reports whether a stage is pending.
func (r ReminderSchedule) Armed() bool {
	return r.State == ReminderStateArmed && r.NextDueAt != nil && r.NextStage > 0
}

// AbandonedCart is a snapshot of a non-empty cart that has not converted.
// ReminderCount only moves forward (0..3) and freezes once Recovered is set.
type AbandonedCart struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId,omitempty"`
	Email            string           `json:"email"`
	SessionID        string           `json:"sessionId"`
	Items            []CartItem       `json:"items"`
	TotalValue       decimal.Decimal  `json:"totalValue"`
	CreatedAt        time.Time        `json:"createdAt"`
	LastReminderSent *time.Time       `json:"lastReminderSent,omitempty"`
	ReminderCount    int              `json:"reminderCount"`
	Recovered        bool             `json:"recovered"`
	RecoveredAt      *time.Time       `json:"recoveredAt,omitempty"`
	Reminder         ReminderSchedule `json:"reminder"`
}

// Stats summarises engagement state for dashboards.
type Stats struct {
	BackInStockCount      int             `json:"backInStockCount"`
	ActivePriceAlertCount int             `json:"activePriceAlertCount"`
	AbandonedCartCount    int             `json:"abandonedCartCount"`
	RecoveredCartCount    int             `json:"recoveredCartCount"`
	RecoveredValue        decimal.Decimal `json:"recoveredValue"`
	RecoveryRatePercent   float64         `json:"recoveryRatePercent"`
}
