package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"reengage-service/internal/models"
	"reengage-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SaveCartInput is the snapshot captured when a cart is abandoned.
type SaveCartInput struct {
	SessionID  string
	UserID     string
	Email      string
	Items      []models.CartItem
	TotalValue decimal.Decimal
}

// CartStore holds abandoned carts, at most one per session.
type CartStore struct {
	mu    sync.RWMutex
	carts *collection[models.AbandonedCart]
	clock util.Clock
}

// NewCartStore loads the abandoned cart collection from kv.
func NewCartStore(ctx context.Context, kv KV, clock util.Clock) (*CartStore, error) {
	s := &CartStore{
		carts: newCollection[models.AbandonedCart](kv, KeyAbandonCarts),
		clock: clock,
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the in-memory carts with what is stored in the KV.
func (s *CartStore) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carts.load(ctx)
}

// Save replaces any cart for in.SessionID with a fresh record. Returns nil
// without writing when there are no items or no email.
func (s *CartStore) Save(ctx context.Context, in SaveCartInput) (*models.AbandonedCart, error) {
	if len(in.Items) == 0 || in.Email == "" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]models.CartItem, len(in.Items))
	copy(items, in.Items)

	cart := models.AbandonedCart{
		ID:         uuid.New().String(),
		UserID:     in.UserID,
		Email:      in.Email,
		SessionID:  in.SessionID,
		Items:      items,
		TotalValue: in.TotalValue,
		CreatedAt:  s.clock.Now(),
		Reminder:   models.ReminderSchedule{State: models.ReminderStateNone},
	}

	next := make([]models.AbandonedCart, 0, len(s.carts.items)+1)
	for _, existing := range s.carts.items {
		if existing.SessionID == in.SessionID {
			continue
		}
		next = append(next, existing)
	}
	next = append(next, cart)

	if err := s.carts.commit(ctx, next); err != nil {
		return nil, err
	}
	return &cart, nil
}

// MarkRecovered sets recovered on a cart that exists and is not yet recovered.
func (s *CartStore) MarkRecovered(ctx context.Context, cartID string) (bool, error) {
	return s.update(ctx, cartID, func(c *models.AbandonedCart) bool {
		if c.Recovered {
			return false
		}
		now := s.clock.Now()
		c.Recovered = true
		c.RecoveredAt = &now
		return true
	})
}

// AdvanceReminder records that stage was sent. It does nothing when the cart
// is recovered or stage does not move ReminderCount forward.
func (s *CartStore) AdvanceReminder(ctx context.Context, cartID string, stage int) (bool, error) {
	return s.update(ctx, cartID, func(c *models.AbandonedCart) bool {
		if c.Recovered || stage <= c.ReminderCount || stage > models.MaxReminderStage {
			return false
		}
		now := s.clock.Now()
		c.ReminderCount = stage
		c.LastReminderSent = &now
		return true
	})
}

// SetSchedule overwrites the reminder timeline of a cart.
func (s *CartStore) SetSchedule(ctx context.Context, cartID string, schedule models.ReminderSchedule) (bool, error) {
	return s.update(ctx, cartID, func(c *models.AbandonedCart) bool {
		c.Reminder = schedule
		return true
	})
}

// ClaimStage moves an armed timeline from stage to next, provided the cart is
// still unrecovered and the timeline still points at stage. Only one caller
// can win a given (cartID, stage).
func (s *CartStore) ClaimStage(ctx context.Context, cartID string, stage int, next models.ReminderSchedule) (bool, error) {
	return s.update(ctx, cartID, func(c *models.AbandonedCart) bool {
		if c.Recovered || !c.Reminder.Armed() || c.Reminder.NextStage != stage {
			return false
		}
		c.Reminder = next
		return true
	})
}

// update applies fn to a copy of the cart and persists when fn reports a change.
func (s *CartStore) update(ctx context.Context, cartID string, fn func(c *models.AbandonedCart) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.carts.snapshot()
	for i := range next {
		if next[i].ID != cartID {
			continue
		}
		if !fn(&next[i]) {
			return false, nil
		}
		if err := s.carts.commit(ctx, next); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (s *CartStore) Get(cartID string) (models.AbandonedCart, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.carts.items {
		if c.ID == cartID {
			return c, true
		}
	}
	return models.AbandonedCart{}, false
}

func (s *CartStore) FindBySession(sessionID string) (models.AbandonedCart, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.carts.items {
		if c.SessionID == sessionID {
			return c, true
		}
	}
	return models.AbandonedCart{}, false
}

func (s *CartStore) List() []models.AbandonedCart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.carts.snapshot()
}

func (s *CartStore) ListByUser(userID string) []models.AbandonedCart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AbandonedCart
	for _, c := range s.carts.items {
		if userID != "" && c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

// Due returns unrecovered carts whose next reminder is due at or before now, earliest first.
func (s *CartStore) Due(now time.Time) []models.AbandonedCart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []models.AbandonedCart
	for _, c := range s.carts.items {
		if c.Recovered || !c.Reminder.Armed() || c.Reminder.NextDueAt.After(now) {
			continue
		}
		due = append(due, c)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].Reminder.NextDueAt.Before(*due[j].Reminder.NextDueAt)
	})
	return due
}
