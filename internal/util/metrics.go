package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubscriptionsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_subscriptions_created_total",
		Help: "Total number of subscriptions created",
	}, []string{"kind"})

	SubscriptionsRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_subscriptions_removed_total",
		Help: "Total number of subscriptions removed by the subscriber",
	}, []string{"kind"})

	SubscriptionsTriggeredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_subscriptions_triggered_total",
		Help: "Total number of subscriptions triggered by a restock or price signal",
	}, []string{"kind"})

	ValidationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_validation_failures_total",
		Help: "Total number of rejected requests by validation code",
	}, []string{"code"})

	CartsSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abandoned_carts_saved_total",
		Help: "Total number of abandoned carts saved",
	})

	CartsRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abandoned_carts_recovered_total",
		Help: "Total number of abandoned carts recovered",
	})

	RemindersFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_reminders_fired_total",
		Help: "Total number of cart reminder stages fired",
	}, []string{"stage"})

	RemindersSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_reminders_skipped_total",
		Help: "Total number of due reminders skipped at fire time",
	}, []string{"reason"})

	SchedulingFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_reminder_scheduling_failures_total",
		Help: "Total number of reminder timelines that failed to arm",
	})

	ReminderSweepLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cart_reminder_sweep_duration_seconds",
		Help:    "Duration of reminder sweeps",
		Buckets: prometheus.DefBuckets,
	})

	StorageFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_storage_failures_total",
		Help: "Total number of failed collection writes",
	}, []string{"collection", "reason"})

	TrackingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_tracking_events_total",
		Help: "Total number of tracking events emitted",
	}, []string{"event"})

	SignalsHandledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_signals_handled_total",
		Help: "Total number of inbound catalog signals handled",
	}, []string{"type", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
