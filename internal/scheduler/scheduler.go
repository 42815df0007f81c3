// Package scheduler drives the three-stage abandoned cart reminder timeline.
//
// The timeline lives on the cart record itself (state, next stage, next due
// time), so it survives restarts. A periodic Sweep fires due stages. Each
// stage is claimed in storage before its callback runs, which gives
// at-most-once delivery per (cart, stage) even with several sweepers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"reengage-service/internal/models"
	"reengage-service/internal/store"
	"reengage-service/internal/util"

	"go.uber.org/zap"
)

// ErrScheduling wraps every failure to arm a reminder timeline.
var ErrScheduling = errors.New("reminder scheduling failed")

const sweepLockKey = "reminder-sweep"

// DefaultOffsets are the stage delays measured from arm time.
var DefaultOffsets = []time.Duration{time.Hour, 24 * time.Hour, 72 * time.Hour}

// FireFunc is invoked once per claimed stage with the cart as it was before the stage fired.
type FireFunc func(ctx context.Context, cart models.AbandonedCart, stage int) error

// Locker serialises sweeps across processes sharing one store.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

type Scheduler struct {
	carts   *store.CartStore
	clock   util.Clock
	offsets []time.Duration
	fire    FireFunc
	locker  Locker
	lockTTL time.Duration
	reload  bool
	logger  *zap.Logger
}

type Option func(*Scheduler)

// WithOffsets overrides the stage delays. Anything other than one strictly
// increasing offset per stage is ignored.
func WithOffsets(offsets []time.Duration) Option {
	return func(s *Scheduler) {
		if validOffsets(offsets) {
			s.offsets = append([]time.Duration(nil), offsets...)
		} else {
			s.logger.Warn("Ignoring invalid reminder offsets", zap.Durations("offsets", offsets))
		}
	}
}

// WithLocker makes Sweep take a distributed lock and reload carts from storage
// first, for deployments where several processes share the store.
func WithLocker(locker Locker, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.locker = locker
		s.lockTTL = ttl
		s.reload = true
	}
}

func New(carts *store.CartStore, clock util.Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		carts:   carts,
		clock:   clock,
		offsets: DefaultOffsets,
		lockTTL: 30 * time.Second,
		logger:  util.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validOffsets(offsets []time.Duration) bool {
	if len(offsets) != models.MaxReminderStage {
		return false
	}
	for i, d := range offsets {
		if d <= 0 || (i > 0 && d <= offsets[i-1]) {
			return false
		}
	}
	return true
}

// OnFire registers the stage callback. Must be called before the first Sweep.
func (s *Scheduler) OnFire(fn FireFunc) {
	s.fire = fn
}

// Offsets returns the configured stage delays.
func (s *Scheduler) Offsets() []time.Duration {
	return append([]time.Duration(nil), s.offsets...)
}

// Arm starts a fresh timeline for cartID at the current time.
func (s *Scheduler) Arm(ctx context.Context, cartID string) error {
	cart, ok := s.carts.Get(cartID)
	if !ok {
		return fmt.Errorf("%w: cart %s not found", ErrScheduling, cartID)
	}
	if cart.Recovered {
		return fmt.Errorf("%w: cart %s already recovered", ErrScheduling, cartID)
	}

	armedAt := s.clock.Now()
	due := armedAt.Add(s.offsets[0])
	schedule := models.ReminderSchedule{
		State:     models.ReminderStateArmed,
		NextStage: 1,
		NextDueAt: &due,
		ArmedAt:   &armedAt,
	}
	if _, err := s.carts.SetSchedule(ctx, cartID, schedule); err != nil {
		util.SchedulingFailuresTotal.Inc()
		return fmt.Errorf("%w: %w", ErrScheduling, err)
	}

	s.logger.Info("Reminder timeline armed",
		zap.String("cart_id", cartID),
		zap.Time("first_due_at", due))
	return nil
}

// Cancel stops any pending stages for cartID. Unknown or already finished carts are left alone.
func (s *Scheduler) Cancel(ctx context.Context, cartID string) error {
	cart, ok := s.carts.Get(cartID)
	if !ok || cart.Reminder.State != models.ReminderStateArmed {
		return nil
	}
	schedule := models.ReminderSchedule{
		State:   models.ReminderStateCancelled,
		ArmedAt: cart.Reminder.ArmedAt,
	}
	if _, err := s.carts.SetSchedule(ctx, cartID, schedule); err != nil {
		return fmt.Errorf("failed to cancel reminders for cart %s: %w", cartID, err)
	}
	s.logger.Info("Reminder timeline cancelled",
		zap.String("cart_id", cartID),
		zap.Int("pending_stage", cart.Reminder.NextStage))
	return nil
}

// Sweep fires every stage due at the current time, at most one stage per cart,
// and returns how many fired.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		util.ReminderSweepLatency.Observe(time.Since(start).Seconds())
	}()

	if s.locker != nil {
		ok, err := s.locker.AcquireLock(ctx, sweepLockKey, s.lockTTL)
		if err != nil {
			return 0, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !ok {
			s.logger.Debug("Sweep lock held elsewhere, skipping")
			return 0, nil
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.Background(), sweepLockKey); err != nil {
				s.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	if s.reload {
		if err := s.carts.Reload(ctx); err != nil {
			return 0, fmt.Errorf("failed to reload carts: %w", err)
		}
	}

	var errs []error
	fired := 0
	for _, cart := range s.carts.Due(s.clock.Now()) {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		ok, err := s.fireStage(ctx, cart)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, errors.Join(errs...)
}

func (s *Scheduler) fireStage(ctx context.Context, due models.AbandonedCart) (bool, error) {
	// hours may have passed since Due() was computed from the snapshot
	current, ok := s.carts.Get(due.ID)
	if !ok {
		s.skip(due, "superseded")
		return false, nil
	}
	if current.Recovered {
		s.skip(current, "recovered")
		return false, nil
	}
	if !current.Reminder.Armed() || current.Reminder.NextStage != due.Reminder.NextStage {
		s.skip(current, "stale")
		return false, nil
	}

	stage := current.Reminder.NextStage
	claimed, err := s.carts.ClaimStage(ctx, current.ID, stage, s.nextSchedule(current.Reminder, stage))
	if err != nil {
		return false, fmt.Errorf("failed to claim stage %d for cart %s: %w", stage, current.ID, err)
	}
	if !claimed {
		s.skip(current, "stale")
		return false, nil
	}

	util.RemindersFiredTotal.WithLabelValues(strconv.Itoa(stage)).Inc()
	if s.fire != nil {
		// the stage is already claimed; a failed callback is not retried
		// the stage is claimed; let delivery finish even if the sweep is being stopped
		if err := s.fire(context.WithoutCancel(ctx), current, stage); err != nil {
			s.logger.Error("Reminder callback failed",
				zap.String("cart_id", current.ID),
				zap.Int("stage", stage),
				zap.Error(err))
		}
	}
	return true, nil
}

func (s *Scheduler) nextSchedule(current models.ReminderSchedule, stage int) models.ReminderSchedule {
	if stage >= len(s.offsets) {
		return models.ReminderSchedule{State: models.ReminderStateDone, ArmedAt: current.ArmedAt}
	}
	armedAt := s.clock.Now()
	if current.ArmedAt != nil {
		armedAt = *current.ArmedAt
	}
	due := armedAt.Add(s.offsets[stage])
	return models.ReminderSchedule{
		State:     models.ReminderStateArmed,
		NextStage: stage + 1,
		NextDueAt: &due,
		ArmedAt:   &armedAt,
	}
}

func (s *Scheduler) skip(cart models.AbandonedCart, reason string) {
	util.RemindersSkippedTotal.WithLabelValues(reason).Inc()
	s.logger.Info("Skipping due reminder",
		zap.String("cart_id", cart.ID),
		zap.Int("stage", cart.Reminder.NextStage),
		zap.String("reason", reason))
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fired, err := s.Sweep(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Reminder sweep failed", zap.Error(err))
		}
		if fired > 0 {
			s.logger.Info("Reminder sweep completed", zap.Int("fired", fired))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
