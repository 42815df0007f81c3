package store

import (
	"context"
	"testing"
	"time"

	"reengage-service/internal/models"
	"reengage-service/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cartStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCartStore(t *testing.T) (*CartStore, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(cartStart)
	s, err := NewCartStore(context.Background(), NewMemoryKV(), clock)
	require.NoError(t, err)
	return s, clock
}

func sampleCart(sessionID string) SaveCartInput {
	return SaveCartInput{
		SessionID: sessionID,
		Email:     "a@x.com",
		Items: []models.CartItem{
			{ProductID: "p1", ProductName: "Lamp", Price: decimal.NewFromInt(20), Quantity: 2},
		},
		TotalValue: decimal.NewFromInt(40),
	}
}

func TestSaveCartNoOp(t *testing.T) {
	s, _ := newTestCartStore(t)
	ctx := context.Background()

	in := sampleCart("s1")
	in.Items = nil
	cart, err := s.Save(ctx, in)
	require.NoError(t, err)
	assert.Nil(t, cart)

	in = sampleCart("s1")
	in.Email = ""
	cart, err = s.Save(ctx, in)
	require.NoError(t, err)
	assert.Nil(t, cart)

	assert.Empty(t, s.List())
}

func TestSaveCartReplacesSession(t *testing.T) {
	s, _ := newTestCartStore(t)
	ctx := context.Background()

	first, err := s.Save(ctx, sampleCart("s1"))
	require.NoError(t, err)
	_, err = s.AdvanceReminder(ctx, first.ID, 1)
	require.NoError(t, err)

	second, err := s.Save(ctx, sampleCart("s1"))
	require.NoError(t, err)

	carts := s.List()
	require.Len(t, carts, 1)
	assert.Equal(t, second.ID, carts[0].ID)
	assert.Equal(t, 0, carts[0].ReminderCount)
	assert.False(t, carts[0].Recovered)
	assert.Nil(t, carts[0].LastReminderSent)

	_, ok := s.Get(first.ID)
	assert.False(t, ok)
}

func TestAdvanceReminderMonotonic(t *testing.T) {
	s, clock := newTestCartStore(t)
	ctx := context.Background()

	cart, err := s.Save(ctx, sampleCart("s1"))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	changed, err := s.AdvanceReminder(ctx, cart.ID, 1)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.AdvanceReminder(ctx, cart.ID, 1)
	require.NoError(t, err)
	assert.False(t, changed, "duplicate stage is a no-op")

	changed, err = s.AdvanceReminder(ctx, cart.ID, 0)
	require.NoError(t, err)
	assert.False(t, changed, "out of order stage is a no-op")

	changed, err = s.AdvanceReminder(ctx, cart.ID, 4)
	require.NoError(t, err)
	assert.False(t, changed)

	got, _ := s.Get(cart.ID)
	assert.Equal(t, 1, got.ReminderCount)
	require.NotNil(t, got.LastReminderSent)
	assert.Equal(t, cartStart.Add(time.Hour), *got.LastReminderSent)
}

func TestRecoveredCartFreezesReminders(t *testing.T) {
	s, _ := newTestCartStore(t)
	ctx := context.Background()

	cart, err := s.Save(ctx, sampleCart("s1"))
	require.NoError(t, err)

	recovered, err := s.MarkRecovered(ctx, cart.ID)
	require.NoError(t, err)
	assert.True(t, recovered)

	recovered, err = s.MarkRecovered(ctx, cart.ID)
	require.NoError(t, err)
	assert.False(t, recovered)

	for stage := 1; stage <= models.MaxReminderStage; stage++ {
		changed, err := s.AdvanceReminder(ctx, cart.ID, stage)
		require.NoError(t, err)
		assert.False(t, changed)
	}

	got, _ := s.Get(cart.ID)
	assert.Equal(t, 0, got.ReminderCount)
	assert.True(t, got.Recovered)
	assert.NotNil(t, got.RecoveredAt)
}

func TestMarkRecoveredUnknownCart(t *testing.T) {
	s, _ := newTestCartStore(t)

	recovered, err := s.MarkRecovered(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, recovered)
}

func TestDueAndClaimStage(t *testing.T) {
	s, clock := newTestCartStore(t)
	ctx := context.Background()

	cart, err := s.Save(ctx, sampleCart("s1"))
	require.NoError(t, err)

	armedAt := clock.Now()
	due := armedAt.Add(time.Hour)
	_, err = s.SetSchedule(ctx, cart.ID, models.ReminderSchedule{
		State: models.ReminderStateArmed, NextStage: 1, NextDueAt: &due, ArmedAt: &armedAt,
	})
	require.NoError(t, err)

	assert.Empty(t, s.Due(armedAt.Add(59*time.Minute)))
	require.Len(t, s.Due(due), 1)

	nextDue := armedAt.Add(24 * time.Hour)
	next := models.ReminderSchedule{State: models.ReminderStateArmed, NextStage: 2, NextDueAt: &nextDue, ArmedAt: &armedAt}

	claimed, err := s.ClaimStage(ctx, cart.ID, 1, next)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimStage(ctx, cart.ID, 1, next)
	require.NoError(t, err)
	assert.False(t, claimed, "a stage can only be claimed once")

	assert.Empty(t, s.Due(due))
}

func TestDueSkipsRecovered(t *testing.T) {
	s, clock := newTestCartStore(t)
	ctx := context.Background()

	cart, err := s.Save(ctx, sampleCart("s1"))
	require.NoError(t, err)
	now := clock.Now()
	_, err = s.SetSchedule(ctx, cart.ID, models.ReminderSchedule{
		State: models.ReminderStateArmed, NextStage: 1, NextDueAt: &now, ArmedAt: &now,
	})
	require.NoError(t, err)
	_, err = s.MarkRecovered(ctx, cart.ID)
	require.NoError(t, err)

	assert.Empty(t, s.Due(now.Add(time.Hour)))
}

func TestListByUserAndFindBySession(t *testing.T) {
	s, _ := newTestCartStore(t)
	ctx := context.Background()

	in := sampleCart("s1")
	in.UserID = "u1"
	_, err := s.Save(ctx, in)
	require.NoError(t, err)
	_, err = s.Save(ctx, sampleCart("s2"))
	require.NoError(t, err)

	assert.Len(t, s.ListByUser("u1"), 1)
	assert.Empty(t, s.ListByUser(""))

	got, ok := s.FindBySession("s2")
	require.True(t, ok)
	assert.Equal(t, "", got.UserID)
}
