package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"reengage-service/internal/models"
	"reengage-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 5 * time.Second

// EventPublisher sends tracking events and notification requests to their topics.
type EventPublisher struct {
	tracking      Publisher
	notifications Publisher
	timeout       time.Duration
	wg            sync.WaitGroup
	logger        *zap.Logger
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(tracking, notifications Publisher) *EventPublisher {
	return &EventPublisher{
		tracking:      tracking,
		notifications: notifications,
		timeout:       defaultPublishTimeout,
		logger:        util.GetLogger(),
	}
}

// Track publishes a tracking event in the background. Failures are logged and
// never reach the caller.
func (ep *EventPublisher) Track(ctx context.Context, event string, properties map[string]any) {
	payload := &models.TrackingEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: event,
			Timestamp: time.Now().UTC(),
		},
		Properties: properties,
	}

	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ep.timeout)
		defer cancel()

		if err := ep.tracking.PublishEvent(pubCtx, event, payload); err != nil {
			ep.logger.Warn("Failed to publish tracking event",
				zap.String("event", event),
				zap.String("event_id", payload.EventID),
				zap.Error(err))
		}
	}()
}

// Notify publishes a notification request keyed by recipient email.
func (ep *EventPublisher) Notify(ctx context.Context, req *models.NotificationRequest) error {
	ctx, cancel := context.WithTimeout(ctx, ep.timeout)
	defer cancel()
	return ep.notifications.PublishEvent(ctx, req.Email, req)
}

// Flush waits for in-flight tracking events.
func (ep *EventPublisher) Flush() {
	ep.wg.Wait()
}

// SignalProcessor applies catalog and checkout signals.
type SignalProcessor interface {
	HandleRestock(ctx context.Context, productID string) (int, error)
	HandlePriceChange(ctx context.Context, productID string, newPrice decimal.Decimal) (int, error)
	HandleOrderCompleted(ctx context.Context, sessionID, cartID string) (bool, error)
}

// IdempotencyStore remembers processed signal ids.
type IdempotencyStore interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// SignalHandler routes inbound signals to the engagement service.
type SignalHandler struct {
	processor SignalProcessor
	dedupe    IdempotencyStore
	dedupeTTL time.Duration
	logger    *zap.Logger
}

// NewSignalHandler creates a handler. dedupe may be nil, in which case redelivered signals are applied again.
func NewSignalHandler(processor SignalProcessor, dedupe IdempotencyStore) *SignalHandler {
	return &SignalHandler{
		processor: processor,
		dedupe:    dedupe,
		dedupeTTL: 24 * time.Hour,
		logger:    util.GetLogger(),
	}
}

func signalKey(eventID string) string {
	return "signal:" + eventID
}

// HandleMessage routes messages to appropriate handlers
func (sh *SignalHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		util.SignalsHandledTotal.WithLabelValues("unknown", "malformed").Inc()
		sh.logger.Warn("Dropping malformed signal", zap.Error(err))
		return nil
	}

	ctx, span := util.StartSpan(ctx, "SignalHandler.HandleMessage", "event_type", baseEvent.EventType)
	defer span.End()

	if sh.dedupe != nil && baseEvent.EventID != "" {
		seen, err := sh.dedupe.CheckIdempotencyKey(ctx, signalKey(baseEvent.EventID))
		if err != nil {
			sh.logger.Warn("Idempotency check failed, processing anyway",
				zap.String("event_id", baseEvent.EventID),
				zap.Error(err))
		}
		if seen {
			util.SignalsHandledTotal.WithLabelValues(baseEvent.EventType, "duplicate").Inc()
			sh.logger.Debug("Skipping duplicate signal", zap.String("event_id", baseEvent.EventID))
			return nil
		}
	}

	handled, err := sh.route(ctx, baseEvent.EventType, msg.Value)
	if err != nil {
		util.SignalsHandledTotal.WithLabelValues(baseEvent.EventType, "error").Inc()
		return err
	}
	if !handled {
		util.SignalsHandledTotal.WithLabelValues(baseEvent.EventType, "ignored").Inc()
		sh.logger.Debug("Unhandled signal type", zap.String("event_type", baseEvent.EventType))
		return nil
	}

	util.SignalsHandledTotal.WithLabelValues(baseEvent.EventType, "ok").Inc()
	if sh.dedupe != nil && baseEvent.EventID != "" {
		if err := sh.dedupe.SetIdempotencyKey(ctx, signalKey(baseEvent.EventID), "done", sh.dedupeTTL); err != nil {
			sh.logger.Warn("Failed to record processed signal",
				zap.String("event_id", baseEvent.EventID),
				zap.Error(err))
		}
	}
	return nil
}

func (sh *SignalHandler) route(ctx context.Context, eventType string, value []byte) (bool, error) {
	switch eventType {
	case models.SignalProductRestocked:
		var event models.ProductRestockedSignal
		if err := json.Unmarshal(value, &event); err != nil {
			return false, fmt.Errorf("failed to unmarshal %s signal: %w", eventType, err)
		}
		n, err := sh.processor.HandleRestock(ctx, event.ProductID)
		if err != nil {
			return false, err
		}
		sh.logger.Info("Restock signal handled",
			zap.String("product_id", event.ProductID),
			zap.Int("notified", n))

	case models.SignalPriceChanged:
		var event models.PriceChangedSignal
		if err := json.Unmarshal(value, &event); err != nil {
			return false, fmt.Errorf("failed to unmarshal %s signal: %w", eventType, err)
		}
		n, err := sh.processor.HandlePriceChange(ctx, event.ProductID, event.NewPrice)
		if err != nil {
			return false, err
		}
		sh.logger.Info("Price change signal handled",
			zap.String("product_id", event.ProductID),
			zap.String("new_price", event.NewPrice.String()),
			zap.Int("triggered", n))

	case models.SignalOrderCompleted:
		var event models.OrderCompletedSignal
		if err := json.Unmarshal(value, &event); err != nil {
			return false, fmt.Errorf("failed to unmarshal %s signal: %w", eventType, err)
		}
		recovered, err := sh.processor.HandleOrderCompleted(ctx, event.SessionID, event.CartID)
		if err != nil {
			return false, err
		}
		sh.logger.Info("Order completed signal handled",
			zap.String("session_id", event.SessionID),
			zap.String("cart_id", event.CartID),
			zap.Bool("recovered", recovered))

	default:
		return false, nil
	}
	return true, nil
}
