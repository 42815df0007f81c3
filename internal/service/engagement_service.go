package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"reengage-service/internal/models"
	"reengage-service/internal/scheduler"
	"reengage-service/internal/store"
	"reengage-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Tracker is the analytics sink. Track must not block the caller for long and never fails it.
type Tracker interface {
	Track(ctx context.Context, event string, properties map[string]any)
}

// Notifier hands a message to the external email/SMS sender.
type Notifier interface {
	Notify(ctx context.Context, req *models.NotificationRequest) error
}

// IdentityProvider looks up the email of a signed-in user.
type IdentityProvider interface {
	Email(ctx context.Context, userID string) (string, bool, error)
}

// GuestEmailRegistry resolves the email a guest left for a session.
type GuestEmailRegistry interface {
	RegisterGuestEmail(ctx context.Context, sessionID, email string, ttl time.Duration) error
	GuestEmail(ctx context.Context, sessionID string) (string, bool, error)
}

// EngagementService coordinates subscriptions, abandoned carts and the
// reminder scheduler. Mutating operations run one at a time.
type EngagementService struct {
	mu        sync.Mutex
	subs      *store.SubscriptionStore
	carts     *store.CartStore
	scheduler *scheduler.Scheduler
	tracker   Tracker
	notifier  Notifier
	identity  IdentityProvider
	guests    GuestEmailRegistry
	guestTTL  time.Duration
	logger    *zap.Logger
}

// NewEngagementService creates the service and registers it as the scheduler's stage callback.
func NewEngagementService(
	subs *store.SubscriptionStore,
	carts *store.CartStore,
	sched *scheduler.Scheduler,
	tracker Tracker,
	notifier Notifier,
) *EngagementService {
	s := &EngagementService{
		subs:      subs,
		carts:     carts,
		scheduler: sched,
		tracker:   tracker,
		notifier:  notifier,
		guestTTL:  30 * 24 * time.Hour,
		logger:    util.GetLogger(),
	}
	sched.OnFire(s.handleReminder)
	return s
}

// WithIdentity enables email lookup for signed-in users who omit an email.
func (s *EngagementService) WithIdentity(provider IdentityProvider) *EngagementService {
	s.identity = provider
	return s
}

// WithGuestEmails enables guest email resolution for carts saved without an email.
func (s *EngagementService) WithGuestEmails(registry GuestEmailRegistry, ttl time.Duration) *EngagementService {
	s.guests = registry
	if ttl > 0 {
		s.guestTTL = ttl
	}
	return s
}

// BackInStockRequest subscribes a user to a restock notification
type BackInStockRequest struct {
	UserID      string `json:"userId" binding:"required"`
	ProductID   string `json:"productId" binding:"required"`
	ProductName string `json:"productName"`
	Email       string `json:"email"`
}

// PriceAlertRequest subscribes a user to a price drop notification
type PriceAlertRequest struct {
	UserID       string          `json:"userId" binding:"required"`
	ProductID    string          `json:"productId" binding:"required"`
	ProductName  string          `json:"productName"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	TargetPrice  decimal.Decimal `json:"targetPrice"`
	Email        string          `json:"email"`
}

// SaveCartRequest captures an abandoned cart
type SaveCartRequest struct {
	SessionID  string            `json:"sessionId" binding:"required"`
	UserID     string            `json:"userId,omitempty"`
	Email      string            `json:"email,omitempty"`
	Items      []models.CartItem `json:"items" binding:"omitempty,dive"`
	TotalValue decimal.Decimal   `json:"totalValue"`
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", newValidationError(CodeMissingEmail, "an email address is required")
	}
	if !strings.Contains(email, "@") {
		return "", newValidationError(CodeInvalidInput, "invalid email address %q", email)
	}
	return email, nil
}

func requireKey(userID, productID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(productID) == "" {
		return newValidationError(CodeInvalidInput, "userId and productId are required")
	}
	return nil
}

// SubscribeToBackInStock records a restock notification request, replacing any previous one for the same product.
func (s *EngagementService) SubscribeToBackInStock(ctx context.Context, req *BackInStockRequest) (*models.BackInStockSubscription, error) {
	ctx, span := util.StartSpan(ctx, "EngagementService.SubscribeToBackInStock", "product_id", req.ProductID)
	defer span.End()

	if err := requireKey(req.UserID, req.ProductID); err != nil {
		return nil, s.rejected(err)
	}
	email, err := normalizeEmail(s.userEmail(ctx, req.UserID, req.Email))
	if err != nil {
		return nil, s.rejected(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.subs.UpsertBackInStock(ctx, req.UserID, req.ProductID, req.ProductName, email)
	if err != nil {
		return nil, &StorageError{Op: "subscribe back-in-stock", Err: err}
	}

	util.SubscriptionsCreatedTotal.WithLabelValues("back_in_stock").Inc()
	s.logger.Info("Back-in-stock subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("user_id", sub.UserID),
		zap.String("product_id", sub.ProductID))

	s.track(ctx, models.EventBackInStockSubscribe, map[string]any{
		"subscriptionId": sub.ID,
		"userId":         sub.UserID,
		"productId":      sub.ProductID,
		"productName":    sub.ProductName,
	})
	return &sub, nil
}

// UnsubscribeFromBackInStock removes a restock subscription. Unknown keys return false.
func (s *EngagementService) UnsubscribeFromBackInStock(ctx context.Context, userID, productID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "EngagementService.UnsubscribeFromBackInStock", "product_id", productID)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.subs.RemoveBackInStock(ctx, userID, productID)
	if err != nil {
		return false, &StorageError{Op: "unsubscribe back-in-stock", Err: err}
	}
	if !removed {
		return false, nil
	}

	util.SubscriptionsRemovedTotal.WithLabelValues("back_in_stock").Inc()
	s.track(ctx, models.EventBackInStockUnsubscribe, map[string]any{
		"userId":    userID,
		"productId": productID,
	})
	return true, nil
}

// SubscribeToPriceAlert records a price drop alert. The target must be positive and below the current price.
func (s *EngagementService) SubscribeToPriceAlert(ctx context.Context, req *PriceAlertRequest) (*models.PriceAlertSubscription, error) {
	ctx, span := util.StartSpan(ctx, "EngagementService.SubscribeToPriceAlert", "product_id", req.ProductID)
	defer span.End()

	if err := requireKey(req.UserID, req.ProductID); err != nil {
		return nil, s.rejected(err)
	}
	email, err := normalizeEmail(s.userEmail(ctx, req.UserID, req.Email))
	if err != nil {
		return nil, s.rejected(err)
	}
	if err := store.ValidatePriceTarget(req.CurrentPrice, req.TargetPrice); err != nil {
		return nil, s.rejected(newValidationError(CodeInvalidTarget,
			"target price %s must be above zero and below the current price %s",
			req.TargetPrice.StringFixed(2), req.CurrentPrice.StringFixed(2)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	alert, err := s.subs.UpsertPriceAlert(ctx, req.UserID, req.ProductID, req.ProductName,
		req.CurrentPrice, req.TargetPrice, email)
	if errors.Is(err, store.ErrInvalidTarget) {
		return nil, s.rejected(newValidationError(CodeInvalidTarget, "%v", err))
	}
	if err != nil {
		return nil, &StorageError{Op: "subscribe price alert", Err: err}
	}

	util.SubscriptionsCreatedTotal.WithLabelValues("price_alert").Inc()
	s.logger.Info("Price alert created",
		zap.String("subscription_id", alert.ID),
		zap.String("user_id", alert.UserID),
		zap.String("product_id", alert.ProductID),
		zap.String("target_price", alert.TargetPrice.String()))

	s.track(ctx, models.EventPriceAlertSubscribe, map[string]any{
		"subscriptionId": alert.ID,
		"userId":         alert.UserID,
		"productId":      alert.ProductID,
		"currentPrice":   alert.CurrentPrice.InexactFloat64(),
		"targetPrice":    alert.TargetPrice.InexactFloat64(),
	})
	return &alert, nil
}

// UnsubscribeFromPriceAlert removes a price alert. Unknown keys return false.
func (s *EngagementService) UnsubscribeFromPriceAlert(ctx context.Context, userID, productID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "EngagementService.UnsubscribeFromPriceAlert", "product_id", productID)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.subs.RemovePriceAlert(ctx, userID, productID)
	if err != nil {
		return false, &StorageError{Op: "unsubscribe price alert", Err: err}
	}
	if !removed {
		return false, nil
	}

	util.SubscriptionsRemovedTotal.WithLabelValues("price_alert").Inc()
	s.track(ctx, models.EventPriceAlertUnsubscribe, map[string]any{
		"userId":    userID,
		"productId": productID,
	})
	return true, nil
}

// RegisterGuestEmail stores the email a guest entered so later cart saves for the session can use it.
func (s *EngagementService) RegisterGuestEmail(ctx context.Context, sessionID, email string) error {
	if strings.TrimSpace(sessionID) == "" {
		return s.rejected(newValidationError(CodeInvalidInput, "sessionId is required"))
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return s.rejected(err)
	}
	if s.guests == nil {
		return &StorageError{Op: "register guest email", Err: errors.New("guest email registry not configured")}
	}
	if err := s.guests.RegisterGuestEmail(ctx, sessionID, email, s.guestTTL); err != nil {
		return &StorageError{Op: "register guest email", Err: err}
	}
	return nil
}

// userEmail prefers the explicit email, then the identity provider's email for userID.
func (s *EngagementService) userEmail(ctx context.Context, userID, email string) string {
	if email = strings.TrimSpace(email); email != "" {
		return email
	}
	if s.identity == nil || userID == "" {
		return ""
	}
	found, ok, err := s.identity.Email(ctx, userID)
	if err != nil {
		s.logger.Warn("Identity lookup failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	return found
}

// resolveEmail tries the explicit email, the user's identity, then the guest registry.
func (s *EngagementService) resolveEmail(ctx context.Context, sessionID, userID, email string) string {
	if email = s.userEmail(ctx, userID, email); email != "" {
		return email
	}
	if s.guests == nil {
		return ""
	}
	guest, ok, err := s.guests.GuestEmail(ctx, sessionID)
	if err != nil {
		s.logger.Warn("Guest email lookup failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	return guest
}

// SaveAbandonedCart snapshots a cart and arms its reminder timeline. A cart
// with no items or no resolvable email is ignored and nil is returned.
func (s *EngagementService) SaveAbandonedCart(ctx context.Context, req *SaveCartRequest) (*models.AbandonedCart, error) {
	ctx, span := util.StartSpan(ctx, "EngagementService.SaveAbandonedCart", "session_id", req.SessionID)
	defer span.End()

	if strings.TrimSpace(req.SessionID) == "" {
		return nil, s.rejected(newValidationError(CodeInvalidInput, "sessionId is required"))
	}
	if len(req.Items) == 0 {
		return nil, nil
	}
	email := s.resolveEmail(ctx, req.SessionID, req.UserID, req.Email)
	if email == "" {
		s.logger.Debug("No email for abandoned cart, skipping", zap.String("session_id", req.SessionID))
		return nil, nil
	}

	total := req.TotalValue
	if total.IsZero() {
		for _, item := range req.Items {
			total = total.Add(item.Subtotal())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prior, hadPrior := s.carts.FindBySession(req.SessionID)

	cart, err := s.carts.Save(ctx, store.SaveCartInput{
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		Email:      email,
		Items:      req.Items,
		TotalValue: total,
	})
	if err != nil {
		return nil, &StorageError{Op: "save abandoned cart", Err: err}
	}
	if cart == nil {
		return nil, nil
	}

	if hadPrior {
		if err := s.scheduler.Cancel(ctx, prior.ID); err != nil {
			s.logger.Warn("Failed to cancel superseded cart reminders",
				zap.String("cart_id", prior.ID),
				zap.Error(err))
		}
	}
	if err := s.scheduler.Arm(ctx, cart.ID); err != nil {
		s.logger.Error("Cart saved without reminder timeline",
			zap.String("cart_id", cart.ID),
			zap.Error(err))
	}
	if armed, ok := s.carts.Get(cart.ID); ok {
		cart = &armed
	}

	util.CartsSavedTotal.Inc()
	s.logger.Info("Abandoned cart saved",
		zap.String("cart_id", cart.ID),
		zap.String("session_id", cart.SessionID),
		zap.Bool("replaced", hadPrior))

	props := map[string]any{
		"cartId":    cart.ID,
		"sessionId": cart.SessionID,
		"cartValue": cart.TotalValue.InexactFloat64(),
		"itemCount": len(cart.Items),
	}
	if hadPrior {
		props["replacedCartId"] = prior.ID
	}
	s.track(ctx, models.EventAbandonedCartSaved, props)
	return cart, nil
}

// MarkCartAsRecovered ends the reminder timeline of a cart. Returns false if
// the cart is unknown or already recovered.
func (s *EngagementService) MarkCartAsRecovered(ctx context.Context, cartID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "EngagementService.MarkCartAsRecovered", "cart_id", cartID)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.markRecovered(ctx, cartID)
}

func (s *EngagementService) markRecovered(ctx context.Context, cartID string) (bool, error) {
	recovered, err := s.carts.MarkRecovered(ctx, cartID)
	if err != nil {
		return false, &StorageError{Op: "mark cart recovered", Err: err}
	}
	if !recovered {
		return false, nil
	}

	if err := s.scheduler.Cancel(ctx, cartID); err != nil {
		// recovered carts are skipped at fire time anyway
		s.logger.Warn("Failed to cancel reminders for recovered cart",
			zap.String("cart_id", cartID),
			zap.Error(err))
	}

	cart, _ := s.carts.Get(cartID)
	util.CartsRecoveredTotal.Inc()
	s.logger.Info("Abandoned cart recovered",
		zap.String("cart_id", cartID),
		zap.Int("reminders_sent", cart.ReminderCount))

	s.track(ctx, models.EventAbandonedCartRecovered, map[string]any{
		"cartId":        cartID,
		"cartValue":     cart.TotalValue.InexactFloat64(),
		"reminderCount": cart.ReminderCount,
	})
	return true, nil
}

// HandleOrderCompleted recovers the cart named by cartID, or else the cart saved for sessionID.
func (s *EngagementService) HandleOrderCompleted(ctx context.Context, sessionID, cartID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "EngagementService.HandleOrderCompleted", "session_id", sessionID)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if cartID == "" {
		cart, ok := s.carts.FindBySession(sessionID)
		if !ok {
			return false, nil
		}
		cartID = cart.ID
	}
	return s.markRecovered(ctx, cartID)
}

// handleReminder is the scheduler callback for a claimed stage.
func (s *EngagementService) handleReminder(ctx context.Context, cart models.AbandonedCart, stage int) error {
	ctx, span := util.StartSpan(ctx, "EngagementService.handleReminder", "cart_id", cart.ID)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	advanced, err := s.carts.AdvanceReminder(ctx, cart.ID, stage)
	if err != nil {
		return &StorageError{Op: "advance reminder", Err: err}
	}
	if !advanced {
		util.RemindersSkippedTotal.WithLabelValues("not_advanced").Inc()
		return nil
	}

	var notifyErr error
	if s.notifier != nil {
		req := &models.NotificationRequest{
			BaseEvent: newBaseEvent(models.NotificationCartReminder),
			Kind:      models.NotificationCartReminder,
			Email:     cart.Email,
			UserID:    cart.UserID,
			CartID:    cart.ID,
			Stage:     stage,
			Amount:    cart.TotalValue,
			Items:     cart.Items,
		}
		if err := s.notifier.Notify(ctx, req); err != nil {
			notifyErr = fmt.Errorf("failed to request reminder %d for cart %s: %w", stage, cart.ID, err)
		}
	}

	if notifyErr == nil {
		s.logger.Info("Cart reminder sent",
			zap.String("cart_id", cart.ID),
			zap.Int("stage", stage))
	}

	// the stage counts as fired either way; delivered tells analytics whether the sender got it
	s.track(ctx, models.EventAbandonedCartReminder, map[string]any{
		"cartId":      cart.ID,
		"stageNumber": stage,
		"cartValue":   cart.TotalValue.InexactFloat64(),
		"delivered":   notifyErr == nil,
	})
	return notifyErr
}

// HandleRestock notifies every pending back-in-stock subscriber of productID.
func (s *EngagementService) HandleRestock(ctx context.Context, productID string) (int, error) {
	ctx, span := util.StartSpan(ctx, "EngagementService.HandleRestock", "product_id", productID)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	notified, err := s.subs.MarkBackInStockNotified(ctx, productID)
	if err != nil {
		return 0, &StorageError{Op: "mark back-in-stock notified", Err: err}
	}

	for _, sub := range notified {
		if s.notifier != nil {
			req := &models.NotificationRequest{
				BaseEvent:   newBaseEvent(models.NotificationBackInStock),
				Kind:        models.NotificationBackInStock,
				Email:       sub.Email,
				UserID:      sub.UserID,
				ProductID:   sub.ProductID,
				ProductName: sub.ProductName,
			}
			if err := s.notifier.Notify(ctx, req); err != nil {
				s.logger.Error("Failed to request back-in-stock notification",
					zap.String("subscription_id", sub.ID),
					zap.Error(err))
			}
		}
		util.SubscriptionsTriggeredTotal.WithLabelValues("back_in_stock").Inc()
		s.track(ctx, models.EventBackInStockNotified, map[string]any{
			"subscriptionId": sub.ID,
			"userId":         sub.UserID,
			"productId":      sub.ProductID,
		})
	}
	return len(notified), nil
}

// HandlePriceChange triggers and deactivates alerts whose target the new price has reached.
func (s *EngagementService) HandlePriceChange(ctx context.Context, productID string, newPrice decimal.Decimal) (int, error) {
	ctx, span := util.StartSpan(ctx, "EngagementService.HandlePriceChange", "product_id", productID)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	triggered, err := s.subs.DeactivatePriceAlerts(ctx, productID, newPrice)
	if err != nil {
		return 0, &StorageError{Op: "deactivate price alerts", Err: err}
	}

	for _, alert := range triggered {
		if s.notifier != nil {
			req := &models.NotificationRequest{
				BaseEvent:   newBaseEvent(models.NotificationPriceDrop),
				Kind:        models.NotificationPriceDrop,
				Email:       alert.Email,
				UserID:      alert.UserID,
				ProductID:   alert.ProductID,
				ProductName: alert.ProductName,
				Amount:      newPrice,
			}
			if err := s.notifier.Notify(ctx, req); err != nil {
				s.logger.Error("Failed to request price drop notification",
					zap.String("subscription_id", alert.ID),
					zap.Error(err))
			}
		}
		util.SubscriptionsTriggeredTotal.WithLabelValues("price_alert").Inc()
		s.track(ctx, models.EventPriceAlertTriggered, map[string]any{
			"subscriptionId": alert.ID,
			"userId":         alert.UserID,
			"productId":      alert.ProductID,
			"targetPrice":    alert.TargetPrice.InexactFloat64(),
			"newPrice":       newPrice.InexactFloat64(),
		})
	}
	return len(triggered), nil
}

func (s *EngagementService) IsSubscribedToBackInStock(userID, productID string) bool {
	return s.subs.IsSubscribedBackInStock(userID, productID)
}

func (s *EngagementService) HasPriceAlert(userID, productID string) bool {
	return s.subs.HasActivePriceAlert(userID, productID)
}

// ListBackInStock lists all subscriptions, or only userID's when non-empty.
func (s *EngagementService) ListBackInStock(userID string) []models.BackInStockSubscription {
	if userID != "" {
		return s.subs.ListBackInStockByUser(userID)
	}
	return s.subs.ListBackInStock()
}

// ListPriceAlerts lists all alerts, or only userID's when non-empty.
func (s *EngagementService) ListPriceAlerts(userID string) []models.PriceAlertSubscription {
	if userID != "" {
		return s.subs.ListPriceAlertsByUser(userID)
	}
	return s.subs.ListPriceAlerts()
}

// ListAbandonedCarts lists all carts, or only userID's when non-empty.
func (s *EngagementService) ListAbandonedCarts(userID string) []models.AbandonedCart {
	if userID != "" {
		return s.carts.ListByUser(userID)
	}
	return s.carts.List()
}

func (s *EngagementService) GetAbandonedCart(cartID string) (models.AbandonedCart, bool) {
	return s.carts.Get(cartID)
}

// GetStats summarises subscriptions and cart recovery. The recovery rate is 0 with no carts.
func (s *EngagementService) GetStats() models.Stats {
	stats := models.Stats{
		BackInStockCount: len(s.subs.ListBackInStock()),
		RecoveredValue:   decimal.Zero,
	}
	for _, a := range s.subs.ListPriceAlerts() {
		if a.Active {
			stats.ActivePriceAlertCount++
		}
	}
	carts := s.carts.List()
	stats.AbandonedCartCount = len(carts)
	for _, c := range carts {
		if c.Recovered {
			stats.RecoveredCartCount++
			stats.RecoveredValue = stats.RecoveredValue.Add(c.TotalValue)
		}
	}
	if stats.AbandonedCartCount > 0 {
		stats.RecoveryRatePercent = 100 * float64(stats.RecoveredCartCount) / float64(stats.AbandonedCartCount)
	}
	return stats
}

func (s *EngagementService) rejected(err error) error {
	if verr, ok := AsValidation(err); ok {
		util.ValidationFailuresTotal.WithLabelValues(verr.Code).Inc()
	}
	return err
}

func (s *EngagementService) track(ctx context.Context, event string, props map[string]any) {
	util.TrackingEventsTotal.WithLabelValues(event).Inc()
	if s.tracker != nil {
		s.tracker.Track(ctx, event, props)
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}
