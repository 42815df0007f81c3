package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reengage-service/internal/models"
	"reengage-service/internal/scheduler"
	"reengage-service/internal/store"
	"reengage-service/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type tracked struct {
	event string
	props map[string]any
}

type recordingTracker struct {
	mu     sync.Mutex
	events []tracked
}

func (r *recordingTracker) Track(_ context.Context, event string, props map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, tracked{event: event, props: props})
}

func (r *recordingTracker) named(event string) []tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []tracked
	for _, e := range r.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingTracker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type recordingNotifier struct {
	mu   sync.Mutex
	reqs []models.NotificationRequest
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, req *models.NotificationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.reqs = append(r.reqs, *req)
	return nil
}

func (r *recordingNotifier) all() []models.NotificationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.NotificationRequest(nil), r.reqs...)
}

type mapGuests struct {
	emails map[string]string
}

func (m *mapGuests) RegisterGuestEmail(_ context.Context, sessionID, email string, _ time.Duration) error {
	m.emails[sessionID] = email
	return nil
}

func (m *mapGuests) GuestEmail(_ context.Context, sessionID string) (string, bool, error) {
	email, ok := m.emails[sessionID]
	return email, ok, nil
}

type mapIdentity struct {
	emails map[string]string
	err    error
}

func (m *mapIdentity) Email(_ context.Context, userID string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	email, ok := m.emails[userID]
	return email, ok, nil
}

type harness struct {
	kv       *store.MemoryKV
	clock    *testutil.FakeClock
	subs     *store.SubscriptionStore
	carts    *store.CartStore
	sched    *scheduler.Scheduler
	tracker  *recordingTracker
	notifier *recordingNotifier
	svc      *EngagementService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	kv := store.NewMemoryKV()
	clock := testutil.NewFakeClock(epoch)

	subs, err := store.NewSubscriptionStore(ctx, kv, clock)
	require.NoError(t, err)
	carts, err := store.NewCartStore(ctx, kv, clock)
	require.NoError(t, err)

	sched := scheduler.New(carts, clock)
	tracker := &recordingTracker{}
	notifier := &recordingNotifier{}
	svc := NewEngagementService(subs, carts, sched, tracker, notifier)

	return &harness{
		kv: kv, clock: clock, subs: subs, carts: carts, sched: sched,
		tracker: tracker, notifier: notifier, svc: svc,
	}
}

func (h *harness) sweepAfter(t *testing.T, d time.Duration) int {
	t.Helper()
	h.clock.Advance(d)
	n, err := h.sched.Sweep(context.Background())
	require.NoError(t, err)
	return n
}

func cartRequest(sessionID string) *SaveCartRequest {
	return &SaveCartRequest{
		SessionID:  sessionID,
		Email:      "a@x.com",
		Items:      []models.CartItem{{ProductID: "p1", Price: decimal.NewFromInt(20), Quantity: 2}},
		TotalValue: decimal.NewFromInt(40),
	}
}

func TestSubscribeToBackInStockTwiceKeepsOne(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := &BackInStockRequest{UserID: "u1", ProductID: "p1", ProductName: "Lamp", Email: "a@x.com"}

	first, err := h.svc.SubscribeToBackInStock(ctx, req)
	require.NoError(t, err)
	second, err := h.svc.SubscribeToBackInStock(ctx, req)
	require.NoError(t, err)

	subs := h.svc.ListBackInStock("u1")
	require.Len(t, subs, 1)
	assert.Equal(t, second.ID, subs[0].ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, h.svc.IsSubscribedToBackInStock("u1", "p1"))
	assert.Len(t, h.tracker.named(models.EventBackInStockSubscribe), 2)
}

func TestSubscribeToBackInStockRequiresEmail(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.SubscribeToBackInStock(context.Background(), &BackInStockRequest{UserID: "u1", ProductID: "p1"})

	verr, ok := AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, CodeMissingEmail, verr.Code)
	assert.Empty(t, h.svc.ListBackInStock(""))
	assert.Zero(t, h.tracker.count())
}

func TestUnsubscribeFromBackInStock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.SubscribeToBackInStock(ctx, &BackInStockRequest{UserID: "u1", ProductID: "p1", Email: "a@x.com"})
	require.NoError(t, err)

	removed, err := h.svc.UnsubscribeFromBackInStock(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, h.svc.IsSubscribedToBackInStock("u1", "p1"))

	removed, err = h.svc.UnsubscribeFromBackInStock(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Len(t, h.tracker.named(models.EventBackInStockUnsubscribe), 1)
}

func TestSubscribeToPriceAlertRejectsTargetAtOrAboveCurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, target := range []int64{100, 120, 0, -5} {
		_, err := h.svc.SubscribeToPriceAlert(ctx, &PriceAlertRequest{
			UserID:       "u1",
			ProductID:    "p1",
			CurrentPrice: decimal.NewFromInt(100),
			TargetPrice:  decimal.NewFromInt(target),
			Email:        "a@x.com",
		})
		verr, ok := AsValidation(err)
		require.True(t, ok, "target %d", target)
		assert.Equal(t, CodeInvalidTarget, verr.Code)
	}

	assert.Empty(t, h.svc.ListPriceAlerts(""))
	assert.False(t, h.svc.HasPriceAlert("u1", "p1"))
	assert.Zero(t, h.tracker.count())
}

func TestSubscribeToPriceAlertAndTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alert, err := h.svc.SubscribeToPriceAlert(ctx, &PriceAlertRequest{
		UserID:       "u1",
		ProductID:    "p1",
		ProductName:  "Lamp",
		CurrentPrice: decimal.NewFromInt(100),
		TargetPrice:  decimal.NewFromInt(80),
		Email:        "a@x.com",
	})
	require.NoError(t, err)
	assert.True(t, alert.Active)
	assert.True(t, h.svc.HasPriceAlert("u1", "p1"))

	n, err := h.svc.HandlePriceChange(ctx, "p1", decimal.NewFromInt(90))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.svc.HandlePriceChange(ctx, "p1", decimal.NewFromInt(80))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, h.svc.HasPriceAlert("u1", "p1"))

	reqs := h.notifier.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.NotificationPriceDrop, reqs[0].Kind)
	assert.True(t, reqs[0].Amount.Equal(decimal.NewFromInt(80)))
	assert.Len(t, h.tracker.named(models.EventPriceAlertTriggered), 1)

	// an inactive alert does not trigger again
	n, err = h.svc.HandlePriceChange(ctx, "p1", decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleRestockNotifiesPendingSubscribersOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, user := range []string{"u1", "u2"} {
		_, err := h.svc.SubscribeToBackInStock(ctx, &BackInStockRequest{UserID: user, ProductID: "p1", Email: user + "@x.com"})
		require.NoError(t, err)
	}

	n, err := h.svc.HandleRestock(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.svc.HandleRestock(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Len(t, h.notifier.all(), 2)
	assert.Len(t, h.tracker.named(models.EventBackInStockNotified), 2)
}

func TestSaveAbandonedCartWithNoItemsIsNoop(t *testing.T) {
	h := newHarness(t)
	req := cartRequest("s1")
	req.Items = nil

	cart, err := h.svc.SaveAbandonedCart(context.Background(), req)

	require.NoError(t, err)
	assert.Nil(t, cart)
	assert.Empty(t, h.svc.ListAbandonedCarts(""))
	assert.Zero(t, h.tracker.count())
}

func TestSaveAbandonedCartWithoutEmailIsNoop(t *testing.T) {
	h := newHarness(t)
	req := cartRequest("s1")
	req.Email = ""

	cart, err := h.svc.SaveAbandonedCart(context.Background(), req)

	require.NoError(t, err)
	assert.Nil(t, cart)
	assert.Empty(t, h.svc.ListAbandonedCarts(""))
}

func TestSaveAbandonedCartUsesGuestEmail(t *testing.T) {
	h := newHarness(t)
	guests := &mapGuests{emails: map[string]string{}}
	h.svc.WithGuestEmails(guests, time.Hour)
	ctx := context.Background()

	require.NoError(t, h.svc.RegisterGuestEmail(ctx, "s1", "guest@x.com"))
	req := cartRequest("s1")
	req.Email = ""

	cart, err := h.svc.SaveAbandonedCart(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, cart)
	assert.Equal(t, "guest@x.com", cart.Email)
}

func TestRegisterGuestEmailWithoutRegistry(t *testing.T) {
	h := newHarness(t)

	err := h.svc.RegisterGuestEmail(context.Background(), "s1", "guest@x.com")

	_, ok := AsStorage(err)
	assert.True(t, ok)
}

func TestSaveAbandonedCartComputesMissingTotal(t *testing.T) {
	h := newHarness(t)
	req := cartRequest("s1")
	req.TotalValue = decimal.Zero
	req.Items = append(req.Items, models.CartItem{ProductID: "p2", Price: decimal.RequireFromString("5.50"), Quantity: 1})

	cart, err := h.svc.SaveAbandonedCart(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, cart.TotalValue.Equal(decimal.RequireFromString("45.50")))
}

func TestAbandonedCartEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	saved, err := h.svc.SaveAbandonedCart(ctx, cartRequest("s1"))
	require.NoError(t, err)
	require.NotNil(t, saved)

	cart, ok := h.carts.Get(saved.ID)
	require.True(t, ok)
	assert.Equal(t, 0, cart.ReminderCount)
	assert.False(t, cart.Recovered)
	assert.Equal(t, models.ReminderStateArmed, cart.Reminder.State)

	assert.Equal(t, 1, h.sweepAfter(t, time.Hour))
	cart, _ = h.carts.Get(saved.ID)
	assert.Equal(t, 1, cart.ReminderCount)
	require.NotNil(t, cart.LastReminderSent)

	reqs := h.notifier.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.NotificationCartReminder, reqs[0].Kind)
	assert.Equal(t, "a@x.com", reqs[0].Email)
	assert.Equal(t, 1, reqs[0].Stage)

	reminders := h.tracker.named(models.EventAbandonedCartReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, saved.ID, reminders[0].props["cartId"])
	assert.Equal(t, 1, reminders[0].props["stageNumber"])
	assert.Equal(t, 40.0, reminders[0].props["cartValue"])

	recovered, err := h.svc.MarkCartAsRecovered(ctx, saved.ID)
	require.NoError(t, err)
	assert.True(t, recovered)

	assert.Zero(t, h.sweepAfter(t, 23*time.Hour))
	assert.Zero(t, h.sweepAfter(t, 48*time.Hour))

	// a fire that raced the recovery still changes nothing
	require.NoError(t, h.svc.handleReminder(ctx, cart, 2))
	require.NoError(t, h.svc.handleReminder(ctx, cart, 3))

	cart, _ = h.carts.Get(saved.ID)
	assert.Equal(t, 1, cart.ReminderCount)
	assert.True(t, cart.Recovered)
	assert.Len(t, h.notifier.all(), 1)
	assert.Len(t, h.tracker.named(models.EventAbandonedCartReminder), 1)
	assert.Len(t, h.tracker.named(models.EventAbandonedCartRecovered), 1)
}

func TestReminderStagesFireInOrder(t *testing.T) {
	h := newHarness(t)
	saved, err := h.svc.SaveAbandonedCart(context.Background(), cartRequest("s1"))
	require.NoError(t, err)

	assert.Zero(t, h.sweepAfter(t, 59*time.Minute))
	assert.Equal(t, 1, h.sweepAfter(t, time.Minute))
	assert.Equal(t, 1, h.sweepAfter(t, 23*time.Hour))
	assert.Equal(t, 1, h.sweepAfter(t, 48*time.Hour))
	assert.Zero(t, h.sweepAfter(t, 100*time.Hour))

	cart, _ := h.carts.Get(saved.ID)
	assert.Equal(t, 3, cart.ReminderCount)
	assert.Equal(t, models.ReminderStateDone, cart.Reminder.State)

	var stages []int
	for _, req := range h.notifier.all() {
		stages = append(stages, req.Stage)
	}
	assert.Equal(t, []int{1, 2, 3}, stages)
}

func TestDuplicateStageFireChangesStateOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saved, err := h.svc.SaveAbandonedCart(ctx, cartRequest("s1"))
	require.NoError(t, err)

	require.NoError(t, h.svc.handleReminder(ctx, *saved, 1))
	require.NoError(t, h.svc.handleReminder(ctx, *saved, 1))

	cart, _ := h.carts.Get(saved.ID)
	assert.Equal(t, 1, cart.ReminderCount)
	assert.Len(t, h.notifier.all(), 1)
}

func TestReminderNotifyFailureKeepsCartAdvanced(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("broker down")
	saved, err := h.svc.SaveAbandonedCart(context.Background(), cartRequest("s1"))
	require.NoError(t, err)

	assert.Equal(t, 1, h.sweepAfter(t, time.Hour))

	cart, _ := h.carts.Get(saved.ID)
	assert.Equal(t, 1, cart.ReminderCount)
	assert.Equal(t, 2, cart.Reminder.NextStage)

	reminders := h.tracker.named(models.EventAbandonedCartReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, 1, reminders[0].props["stageNumber"])
	assert.Equal(t, false, reminders[0].props["delivered"])

	// the claimed stage is not fired again
	assert.Zero(t, h.sweepAfter(t, time.Hour))
}

func TestSecondCartForSessionCancelsFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.SaveAbandonedCart(ctx, cartRequest("s1"))
	require.NoError(t, err)

	h.clock.Advance(30 * time.Minute)
	second, err := h.svc.SaveAbandonedCart(ctx, cartRequest("s1"))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	_, ok := h.carts.Get(first.ID)
	assert.False(t, ok)
	require.Len(t, h.svc.ListAbandonedCarts(""), 1)

	saves := h.tracker.named(models.EventAbandonedCartSaved)
	require.Len(t, saves, 2)
	assert.Equal(t, first.ID, saves[1].props["replacedCartId"])

	for i := 0; i < 10; i++ {
		h.sweepAfter(t, 12*time.Hour)
	}

	for _, req := range h.notifier.all() {
		assert.Equal(t, second.ID, req.CartID)
	}
	for _, e := range h.tracker.named(models.EventAbandonedCartReminder) {
		assert.Equal(t, second.ID, e.props["cartId"])
	}
	assert.Len(t, h.notifier.all(), 3)
}

func TestHandleOrderCompletedBySession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saved, err := h.svc.SaveAbandonedCart(ctx, cartRequest("s1"))
	require.NoError(t, err)

	ok, err := h.svc.HandleOrderCompleted(ctx, "unknown", "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.svc.HandleOrderCompleted(ctx, "s1", "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.svc.MarkCartAsRecovered(ctx, saved.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	cart, _ := h.svc.GetAbandonedCart(saved.ID)
	assert.Equal(t, models.ReminderStateCancelled, cart.Reminder.State)
	assert.Len(t, h.tracker.named(models.EventAbandonedCartRecovered), 1)
}

func TestGetStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stats := h.svc.GetStats()
	assert.Zero(t, stats.AbandonedCartCount)
	assert.Zero(t, stats.RecoveryRatePercent)

	first, err := h.svc.SaveAbandonedCart(ctx, cartRequest("s1"))
	require.NoError(t, err)
	_, err = h.svc.SaveAbandonedCart(ctx, cartRequest("s2"))
	require.NoError(t, err)
	_, err = h.svc.MarkCartAsRecovered(ctx, first.ID)
	require.NoError(t, err)

	_, err = h.svc.SubscribeToBackInStock(ctx, &BackInStockRequest{UserID: "u1", ProductID: "p1", Email: "a@x.com"})
	require.NoError(t, err)
	_, err = h.svc.SubscribeToPriceAlert(ctx, &PriceAlertRequest{
		UserID: "u1", ProductID: "p2", Email: "a@x.com",
		CurrentPrice: decimal.NewFromInt(10), TargetPrice: decimal.NewFromInt(8),
	})
	require.NoError(t, err)

	stats = h.svc.GetStats()
	assert.Equal(t, 2, stats.AbandonedCartCount)
	assert.Equal(t, 1, stats.RecoveredCartCount)
	assert.Equal(t, 50.0, stats.RecoveryRatePercent)
	assert.True(t, stats.RecoveredValue.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, 1, stats.BackInStockCount)
	assert.Equal(t, 1, stats.ActivePriceAlertCount)
}

func TestStorageFailureSurfacesAsStorageError(t *testing.T) {
	h := newHarness(t)
	h.kv.FailWrites(errors.New("disk full"))

	_, err := h.svc.SubscribeToBackInStock(context.Background(), &BackInStockRequest{UserID: "u1", ProductID: "p1", Email: "a@x.com"})

	require.Error(t, err)
	_, ok := AsStorage(err)
	assert.True(t, ok)
	assert.Zero(t, h.tracker.count())
	assert.False(t, h.svc.IsSubscribedToBackInStock("u1", "p1"))
}

func TestSaveAbandonedCartUsesIdentityEmail(t *testing.T) {
	h := newHarness(t)
	h.svc.WithIdentity(&mapIdentity{emails: map[string]string{"u1": "u1@x.com"}})
	h.svc.WithGuestEmails(&mapGuests{emails: map[string]string{"s1": "guest@x.com"}}, time.Hour)
	req := cartRequest("s1")
	req.UserID = "u1"
	req.Email = ""

	cart, err := h.svc.SaveAbandonedCart(context.Background(), req)

	require.NoError(t, err)
	require.NotNil(t, cart)
	assert.Equal(t, "u1@x.com", cart.Email)
	assert.Equal(t, models.ReminderStateArmed, cart.Reminder.State)
}

func TestSaveAbandonedCartFallsBackToGuestWhenIdentityFails(t *testing.T) {
	h := newHarness(t)
	h.svc.WithIdentity(&mapIdentity{err: errors.New("directory down")})
	h.svc.WithGuestEmails(&mapGuests{emails: map[string]string{"s1": "guest@x.com"}}, time.Hour)
	req := cartRequest("s1")
	req.UserID = "u1"
	req.Email = ""

	cart, err := h.svc.SaveAbandonedCart(context.Background(), req)

	require.NoError(t, err)
	require.NotNil(t, cart)
	assert.Equal(t, "guest@x.com", cart.Email)
}

func TestSubscribeUsesIdentityEmail(t *testing.T) {
	h := newHarness(t)
	h.svc.WithIdentity(&mapIdentity{emails: map[string]string{"u1": "u1@x.com"}})
	ctx := context.Background()

	sub, err := h.svc.SubscribeToBackInStock(ctx, &BackInStockRequest{UserID: "u1", ProductID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "u1@x.com", sub.Email)

	alert, err := h.svc.SubscribeToPriceAlert(ctx, &PriceAlertRequest{
		UserID: "u1", ProductID: "p2",
		CurrentPrice: decimal.NewFromInt(10), TargetPrice: decimal.NewFromInt(8),
	})
	require.NoError(t, err)
	assert.Equal(t, "u1@x.com", alert.Email)

	_, err = h.svc.SubscribeToBackInStock(ctx, &BackInStockRequest{UserID: "u2", ProductID: "p1"})
	verr, ok := AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, CodeMissingEmail, verr.Code)
}

func TestFailedCartSaveKeepsPriorCart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.svc.SaveAbandonedCart(ctx, cartRequest("s1"))
	require.NoError(t, err)
	events := h.tracker.count()

	h.kv.FailWrites(errors.New("disk full"))
	second, err := h.svc.SaveAbandonedCart(ctx, cartRequest("s1"))

	require.Error(t, err)
	_, ok := AsStorage(err)
	assert.True(t, ok)
	assert.Nil(t, second)

	kept, ok := h.carts.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, models.ReminderStateArmed, kept.Reminder.State)
	assert.Len(t, h.svc.ListAbandonedCarts(""), 1)
	assert.Equal(t, events, h.tracker.count())

	// the kept timeline still fires once storage is back
	h.kv.FailWrites(nil)
	assert.Equal(t, 1, h.sweepAfter(t, time.Hour))
	require.Len(t, h.notifier.all(), 1)
	assert.Equal(t, first.ID, h.notifier.all()[0].CartID)
}
