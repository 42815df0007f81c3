package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"reengage-service/internal/models"
	"reengage-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidTarget is returned when a price alert target is not positive or not below the current price.
var ErrInvalidTarget = errors.New("target price must be positive and below the current price")

// SubscriptionStore holds back-in-stock and price-alert subscriptions keyed by (user, product).
type SubscriptionStore struct {
	mu          sync.RWMutex
	backInStock *collection[models.BackInStockSubscription]
	priceAlerts *collection[models.PriceAlertSubscription]
	clock       util.Clock
}

// NewSubscriptionStore loads both collections from kv.
func NewSubscriptionStore(ctx context.Context, kv KV, clock util.Clock) (*SubscriptionStore, error) {
	s := &SubscriptionStore{
		backInStock: newCollection[models.BackInStockSubscription](kv, KeyBackInStock),
		priceAlerts: newCollection[models.PriceAlertSubscription](kv, KeyPriceAlerts),
		clock:       clock,
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the in-memory collections with what is stored in the KV.
func (s *SubscriptionStore) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backInStock.load(ctx); err != nil {
		return err
	}
	return s.priceAlerts.load(ctx)
}

// UpsertBackInStock drops any entry for (userID, productID) and inserts a fresh, non-notified one.
func (s *SubscriptionStore) UpsertBackInStock(ctx context.Context, userID, productID, productName, email string) (models.BackInStockSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := models.BackInStockSubscription{
		ID:          uuid.New().String(),
		UserID:      userID,
		ProductID:   productID,
		ProductName: productName,
		Email:       email,
		CreatedAt:   s.clock.Now(),
	}

	next := make([]models.BackInStockSubscription, 0, len(s.backInStock.items)+1)
	for _, existing := range s.backInStock.items {
		if existing.UserID == userID && existing.ProductID == productID {
			continue
		}
		next = append(next, existing)
	}
	next = append(next, sub)

	if err := s.backInStock.commit(ctx, next); err != nil {
		return models.BackInStockSubscription{}, err
	}
	return sub, nil
}

// RemoveBackInStock deletes the entry for (userID, productID). Reports whether anything was removed.
func (s *SubscriptionStore) RemoveBackInStock(ctx context.Context, userID, productID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]models.BackInStockSubscription, 0, len(s.backInStock.items))
	for _, existing := range s.backInStock.items {
		if existing.UserID == userID && existing.ProductID == productID {
			continue
		}
		next = append(next, existing)
	}
	if len(next) == len(s.backInStock.items) {
		return false, nil
	}
	if err := s.backInStock.commit(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// IsSubscribedBackInStock is true iff a non-notified entry exists for the key.
func (s *SubscriptionStore) IsSubscribedBackInStock(userID, productID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.backInStock.items {
		if sub.UserID == userID && sub.ProductID == productID && !sub.Notified {
			return true
		}
	}
	return false
}

// MarkBackInStockNotified flips every pending entry for productID and returns the flipped entries.
func (s *SubscriptionStore) MarkBackInStockNotified(ctx context.Context, productID string) ([]models.BackInStockSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.backInStock.snapshot()
	var flipped []models.BackInStockSubscription
	for i := range next {
		if next[i].ProductID == productID && !next[i].Notified {
			next[i].Notified = true
			flipped = append(flipped, next[i])
		}
	}
	if len(flipped) == 0 {
		return nil, nil
	}
	if err := s.backInStock.commit(ctx, next); err != nil {
		return nil, err
	}
	return flipped, nil
}

// ValidatePriceTarget checks 0 < target < current.
func ValidatePriceTarget(currentPrice, targetPrice decimal.Decimal) error {
	if !targetPrice.IsPositive() || targetPrice.GreaterThanOrEqual(currentPrice) {
		return fmt.Errorf("%w: target=%s current=%s", ErrInvalidTarget, targetPrice, currentPrice)
	}
	return nil
}

// UpsertPriceAlert validates the target and replaces any alert for (userID, productID).
func (s *SubscriptionStore) UpsertPriceAlert(
	ctx context.Context,
	userID, productID, productName string,
	currentPrice, targetPrice decimal.Decimal,
	email string,
) (models.PriceAlertSubscription, error) {
	if err := ValidatePriceTarget(currentPrice, targetPrice); err != nil {
		return models.PriceAlertSubscription{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	alert := models.PriceAlertSubscription{
		ID:           uuid.New().String(),
		UserID:       userID,
		ProductID:    productID,
		ProductName:  productName,
		CurrentPrice: currentPrice,
		TargetPrice:  targetPrice,
		Email:        email,
		CreatedAt:    s.clock.Now(),
		Active:       true,
	}

	next := make([]models.PriceAlertSubscription, 0, len(s.priceAlerts.items)+1)
	for _, existing := range s.priceAlerts.items {
		if existing.UserID == userID && existing.ProductID == productID {
			continue
		}
		next = append(next, existing)
	}
	next = append(next, alert)

	if err := s.priceAlerts.commit(ctx, next); err != nil {
		return models.PriceAlertSubscription{}, err
	}
	return alert, nil
}

// RemovePriceAlert deletes the alert for (userID, productID). Reports whether anything was removed.
func (s *SubscriptionStore) RemovePriceAlert(ctx context.Context, userID, productID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]models.PriceAlertSubscription, 0, len(s.priceAlerts.items))
	for _, existing := range s.priceAlerts.items {
		if existing.UserID == userID && existing.ProductID == productID {
			continue
		}
		next = append(next, existing)
	}
	if len(next) == len(s.priceAlerts.items) {
		return false, nil
	}
	if err := s.priceAlerts.commit(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// HasActivePriceAlert is true iff an active alert exists for the key.
func (s *SubscriptionStore) HasActivePriceAlert(userID, productID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.priceAlerts.items {
		if a.UserID == userID && a.ProductID == productID && a.Active {
			return true
		}
	}
	return false
}

// DeactivatePriceAlerts deactivates active alerts on productID whose target is at or above newPrice
// and returns them.
func (s *SubscriptionStore) DeactivatePriceAlerts(ctx context.Context, productID string, newPrice decimal.Decimal) ([]models.PriceAlertSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.priceAlerts.snapshot()
	var triggered []models.PriceAlertSubscription
	for i := range next {
		a := next[i]
		if a.ProductID != productID || !a.Active || newPrice.GreaterThan(a.TargetPrice) {
			continue
		}
		next[i].Active = false
		triggered = append(triggered, next[i])
	}
	if len(triggered) == 0 {
		return nil, nil
	}
	if err := s.priceAlerts.commit(ctx, next); err != nil {
		return nil, err
	}
	return triggered, nil
}

func (s *SubscriptionStore) ListBackInStock() []models.BackInStockSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backInStock.snapshot()
}

func (s *SubscriptionStore) ListPriceAlerts() []models.PriceAlertSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priceAlerts.snapshot()
}

func (s *SubscriptionStore) ListBackInStockByUser(userID string) []models.BackInStockSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.BackInStockSubscription
	for _, sub := range s.backInStock.items {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out
}

func (s *SubscriptionStore) ListPriceAlertsByUser(userID string) []models.PriceAlertSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PriceAlertSubscription
	for _, a := range s.priceAlerts.items {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out
}
