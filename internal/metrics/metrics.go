// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Redemptions counts device-acquisition outcomes by result
	// (created, renewed, device_limit, activation_limit, rejected).
	Redemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycheck_redemptions_total",
		Help: "License redemption attempts by outcome",
	}, []string{"outcome"})

	// TokensMinted counts signed tokens issued.
	TokensMinted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycheck_tokens_minted_total",
		Help: "License tokens signed",
	})

	// Validations counts validate calls by result (valid, invalid).
	Validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycheck_validations_total",
		Help: "Token validation calls by result",
	}, []string{"result"})

	// WebhookEvents counts provider webhook deliveries by provider and
	// disposition (processed, duplicate, ignored, bad_signature, error).
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycheck_webhook_events_total",
		Help: "Payment provider webhook deliveries by disposition",
	}, []string{"provider", "disposition"})

	// LicensesCreated counts licenses minted from completed payments.
	LicensesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycheck_licenses_created_total",
		Help: "Licenses created",
	})

	// NotificationsSent counts activation-code deliveries by mode
	// (email, webhook, disabled, no_api_key, error).
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycheck_notifications_total",
		Help: "Activation code deliveries by mode",
	}, []string{"mode"})

	// AuditDropped counts audit records dropped on queue overflow.
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paycheck_audit_dropped_total",
		Help: "Audit records dropped because the queue was full",
	})
)
