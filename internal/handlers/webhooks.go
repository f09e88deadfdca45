package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"

	"github.com/CallMeGwei/paycheck/internal/metrics"
	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/payments"
	"github.com/CallMeGwei/paycheck/internal/services"
)

// WebhookHandler processes provider event deliveries. Handlers acknowledge
// with 200 as soon as the session claim has committed; notification delivery
// continues in the background.
type WebhookHandler struct {
	payments      *services.PaymentService
	licenses      *services.LicenseService
	products      *services.ProductService
	projects      *services.ProjectService
	orgs          *services.OrgService
	notifications *services.NotificationService
	audit         *services.AuditService
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(paymentSvc *services.PaymentService, licenses *services.LicenseService,
	products *services.ProductService, projects *services.ProjectService, orgs *services.OrgService,
	notifications *services.NotificationService, audit *services.AuditService) *WebhookHandler {
	return &WebhookHandler{
		payments:      paymentSvc,
		licenses:      licenses,
		products:      products,
		projects:      projects,
		orgs:          orgs,
		notifications: notifications,
		audit:         audit,
	}
}

// Stripe handles POST /webhooks/stripe.
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		respondError(w, http.StatusBadRequest, "missing stripe-signature header")
		return
	}

	// A first unverified parse locates the tenant whose secret verifies the
	// delivery; nothing is trusted or persisted until the signature checks.
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		metrics.WebhookEvents.WithLabelValues("stripe", "error").Inc()
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		h.stripeCheckoutCompleted(w, r, body, signature, &event)
	case "invoice.paid":
		h.stripeInvoicePaid(w, r, body, signature, &event)
	case "customer.subscription.deleted":
		h.stripeSubscriptionDeleted(w, r, body, signature, &event)
	default:
		metrics.WebhookEvents.WithLabelValues("stripe", "ignored").Inc()
		respondSuccess(w, map[string]string{"status": "ignored"})
	}
}

func (h *WebhookHandler) verifyStripe(w http.ResponseWriter, r *http.Request, org *models.Organization, body []byte, signature string) bool {
	cfg, err := h.orgs.DecryptStripeConfig(org)
	if err != nil || cfg == nil {
		// Same response as a wrong signature: no hint whether the secret
		// was missing or the digest differed.
		metrics.WebhookEvents.WithLabelValues("stripe", "bad_signature").Inc()
		respondError(w, http.StatusUnauthorized, "invalid signature")
		return false
	}
	if _, err := payments.NewStripeClient(cfg).VerifyWebhook(body, signature); err != nil {
		metrics.WebhookEvents.WithLabelValues("stripe", "bad_signature").Inc()
		respondError(w, http.StatusUnauthorized, "invalid signature")
		return false
	}
	return true
}

// markProcessed dedups the delivery; false means duplicate or failure, and
// the response has been written.
func (h *WebhookHandler) markProcessed(w http.ResponseWriter, r *http.Request, provider models.PaymentProviderName, eventID string) bool {
	fresh, err := h.payments.MarkEventProcessed(r.Context(), provider, eventID)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(string(provider), "error").Inc()
		respondError(w, http.StatusInternalServerError, "database error")
		return false
	}
	if !fresh {
		metrics.WebhookEvents.WithLabelValues(string(provider), "duplicate").Inc()
		respondSuccess(w, map[string]string{"status": "already processed"})
		return false
	}
	return true
}

func (h *WebhookHandler) stripeCheckoutCompleted(w http.ResponseWriter, r *http.Request, body []byte, signature string, event *stripe.Event) {
	var checkout stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &checkout); err != nil {
		respondError(w, http.StatusBadRequest, "invalid checkout session")
		return
	}

	sessionRaw := checkout.Metadata[payments.MetaSessionID]
	if sessionRaw == "" {
		respondSuccess(w, map[string]string{"status": "no paycheck session"})
		return
	}
	sessionID, err := uuid.Parse(sessionRaw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session metadata")
		return
	}

	session, err := h.payments.GetSession(r.Context(), sessionID)
	if err != nil {
		respondSuccess(w, map[string]string{"status": "session not found"})
		return
	}
	product, err := h.products.GetProduct(r.Context(), session.ProductID)
	if err != nil {
		respondSuccess(w, map[string]string{"status": "product not found"})
		return
	}
	project, err := h.projects.GetProject(r.Context(), product.ProjectID)
	if err != nil {
		respondSuccess(w, map[string]string{"status": "project not found"})
		return
	}
	org, err := h.orgs.GetOrg(r.Context(), project.OrgID)
	if err != nil {
		respondSuccess(w, map[string]string{"status": "organization not found"})
		return
	}

	if !h.verifyStripe(w, r, org, body, signature) {
		return
	}
	if checkout.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		respondSuccess(w, map[string]string{"status": "payment not completed"})
		return
	}
	if !h.markProcessed(w, r, models.ProviderStripe, event.ID) {
		return
	}

	email := checkout.CustomerEmail
	if email == "" && checkout.CustomerDetails != nil {
		email = checkout.CustomerDetails.Email
	}
	var customerID, subscriptionID string
	if checkout.Customer != nil {
		customerID = checkout.Customer.ID
	}
	if checkout.Subscription != nil {
		subscriptionID = checkout.Subscription.ID
	}

	license, claimed, err := h.payments.CompleteCheckout(r.Context(), services.CompleteCheckoutInput{
		SessionID:      sessionID,
		Product:        product,
		Project:        project,
		Email:          email,
		Provider:       models.ProviderStripe,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		log.Printf("stripe checkout %s: completing session failed: %v", event.ID, err)
		respondError(w, http.StatusInternalServerError, "failed to create license")
		return
	}
	if !claimed {
		respondSuccess(w, map[string]string{"status": "already processed"})
		return
	}

	metrics.WebhookEvents.WithLabelValues("stripe", "processed").Inc()
	h.recordLicenseCreated(r, license, project, "stripe")
	h.dispatchPurchaseCode(project, org, product, license, email)

	log.Printf("stripe checkout completed: session=%s license=%s", sessionID, license.ID)
	respondSuccess(w, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) stripeInvoicePaid(w http.ResponseWriter, r *http.Request, body []byte, signature string, event *stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		respondError(w, http.StatusBadRequest, "invalid invoice")
		return
	}

	switch invoice.BillingReason {
	case stripe.InvoiceBillingReasonSubscriptionCycle, stripe.InvoiceBillingReasonSubscriptionUpdate:
	case stripe.InvoiceBillingReasonSubscriptionCreate:
		// The initial period is handled by checkout.session.completed.
		respondSuccess(w, map[string]string{"status": "initial subscription handled by checkout"})
		return
	default:
		respondSuccess(w, map[string]string{"status": "not a subscription renewal"})
		return
	}
	if invoice.Subscription == nil {
		respondSuccess(w, map[string]string{"status": "no subscription"})
		return
	}

	license, product, project, org, ok := h.resolveBySubscription(w, r, models.ProviderStripe, invoice.Subscription.ID)
	if !ok {
		return
	}
	if !h.verifyStripe(w, r, org, body, signature) {
		return
	}
	if invoice.Status != stripe.InvoiceStatusPaid {
		respondSuccess(w, map[string]string{"status": "invoice not paid"})
		return
	}
	if !h.markProcessed(w, r, models.ProviderStripe, event.ID) {
		return
	}

	renewed, err := h.payments.RenewBySubscription(r.Context(), models.ProviderStripe, invoice.Subscription.ID, product)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to extend license")
		return
	}

	metrics.WebhookEvents.WithLabelValues("stripe", "processed").Inc()
	if h.audit != nil {
		h.audit.Record(models.AuditEntry{
			ActorType:    models.ActorSystem,
			Action:       "license.renew",
			ResourceType: "license",
			ResourceID:   license.ID.String(),
			ProjectID:    &project.ID,
			ProjectName:  project.Name,
			OrgID:        &project.OrgID,
		})
	}
	log.Printf("stripe subscription renewed: subscription=%s license=%s", invoice.Subscription.ID, renewed.ID)
	respondSuccess(w, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) stripeSubscriptionDeleted(w http.ResponseWriter, r *http.Request, body []byte, signature string, event *stripe.Event) {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		respondError(w, http.StatusBadRequest, "invalid subscription")
		return
	}

	license, _, project, org, ok := h.resolveBySubscription(w, r, models.ProviderStripe, subscription.ID)
	if !ok {
		return
	}
	if !h.verifyStripe(w, r, org, body, signature) {
		return
	}
	if !h.markProcessed(w, r, models.ProviderStripe, event.ID) {
		return
	}

	// Not revoked: the customer paid for the current period, the license
	// expires naturally at its expires_at.
	metrics.WebhookEvents.WithLabelValues("stripe", "processed").Inc()
	if h.audit != nil {
		h.audit.Record(models.AuditEntry{
			ActorType:    models.ActorSystem,
			Action:       "subscription.cancelled",
			ResourceType: "license",
			ResourceID:   license.ID.String(),
			ProjectID:    &project.ID,
			ProjectName:  project.Name,
			OrgID:        &project.OrgID,
		})
	}
	log.Printf("stripe subscription cancelled: subscription=%s license=%s (expires naturally)", subscription.ID, license.ID)
	respondSuccess(w, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) resolveBySubscription(w http.ResponseWriter, r *http.Request, provider models.PaymentProviderName, subscriptionID string) (*models.License, *models.Product, *models.Project, *models.Organization, bool) {
	license, err := h.licenses.GetLicenseBySubscription(r.Context(), string(provider), subscriptionID)
	if err != nil {
		log.Printf("no license for %s subscription %s", provider, subscriptionID)
		respondSuccess(w, map[string]string{"status": "license not found for subscription"})
		return nil, nil, nil, nil, false
	}
	product, err := h.products.GetProduct(r.Context(), license.ProductID)
	if err != nil {
		respondSuccess(w, map[string]string{"status": "product not found"})
		return nil, nil, nil, nil, false
	}
	project, err := h.projects.GetProject(r.Context(), product.ProjectID)
	if err != nil {
		respondSuccess(w, map[string]string{"status": "project not found"})
		return nil, nil, nil, nil, false
	}
	org, err := h.orgs.GetOrg(r.Context(), project.OrgID)
	if err != nil {
		respondSuccess(w, map[string]string{"status": "organization not found"})
		return nil, nil, nil, nil, false
	}
	return license, product, project, org, true
}

// LemonSqueezy handles POST /webhooks/lemonsqueezy.
func (h *WebhookHandler) LemonSqueezy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	signature := r.Header.Get("X-Signature")
	if signature == "" {
		respondError(w, http.StatusBadRequest, "missing x-signature header")
		return
	}

	var event payments.LemonSqueezyWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		metrics.WebhookEvents.WithLabelValues("lemonsqueezy", "error").Inc()
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch event.Meta.EventName {
	case "order_created":
		h.lsOrderCreated(w, r, body, signature, &event)
	case "subscription_payment_success":
		h.lsSubscriptionRenewed(w, r, body, signature, &event)
	case "subscription_expired", "subscription_cancelled":
		h.lsSubscriptionEnded(w, r, body, signature, &event)
	default:
		metrics.WebhookEvents.WithLabelValues("lemonsqueezy", "ignored").Inc()
		respondSuccess(w, map[string]string{"status": "ignored"})
	}
}

func (h *WebhookHandler) verifyLS(w http.ResponseWriter, org *models.Organization, body []byte, signature string) bool {
	cfg, err := h.orgs.DecryptLemonSqueezyConfig(org)
	if err != nil || cfg == nil {
		metrics.WebhookEvents.WithLabelValues("lemonsqueezy", "bad_signature").Inc()
		respondError(w, http.StatusUnauthorized, "invalid signature")
		return false
	}
	if err := payments.NewLemonSqueezyClient(cfg).VerifyWebhook(body, signature); err != nil {
		metrics.WebhookEvents.WithLabelValues("lemonsqueezy", "bad_signature").Inc()
		respondError(w, http.StatusUnauthorized, "invalid signature")
		return false
	}
	return true
}

func (h *WebhookHandler) lsOrderCreated(w http.ResponseWriter, r *http.Request, body []byte, signature string, event *payments.LemonSqueezyWebhookEvent) {
	sessionRaw := event.Meta.CustomData[payments.MetaSessionID]
	if sessionRaw == "" {
		respondSuccess(w, map[string]string{"status": "no paycheck session"})
		return
	}
	sessionID, err := uuid.Parse(sessionRaw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session metadata")
		return
	}

	session, err := h.payments.GetSession(r.Context(), sessionID)
	if err != nil {
		respondSuccess(w, map[string]string{"status": "session not found"})
		return
	}
	product, err := h.products.GetProduct(r.Context(), session.ProductID)
	if err != nil {
		respondSuccess(w, map[string]string{"status": "product not found"})
		return
	}
	project, err := h.projects.GetProject(r.Context(), product.ProjectID)
	if err != nil {
		respondSuccess(w, map[string]string{"status": "project not found"})
		return
	}
	org, err := h.orgs.GetOrg(r.Context(), project.OrgID)
	if err != nil {
		respondSuccess(w, map[string]string{"status": "organization not found"})
		return
	}

	if !h.verifyLS(w, org, body, signature) {
		return
	}
	if event.Data.Attributes.Status != "paid" {
		respondSuccess(w, map[string]string{"status": "order not paid"})
		return
	}
	if !h.markProcessed(w, r, models.ProviderLemonSqueezy, event.Data.ID) {
		return
	}

	license, claimed, err := h.payments.CompleteCheckout(r.Context(), services.CompleteCheckoutInput{
		SessionID:      sessionID,
		Product:        product,
		Project:        project,
		Email:          event.Data.Attributes.UserEmail,
		Provider:       models.ProviderLemonSqueezy,
		CustomerID:     event.Data.Attributes.CustomerID.String(),
		SubscriptionID: event.Data.Attributes.SubscriptionID.String(),
		OrderID:        event.Data.ID,
	})
	if err != nil {
		log.Printf("lemonsqueezy order %s: completing session failed: %v", event.Data.ID, err)
		respondError(w, http.StatusInternalServerError, "failed to create license")
		return
	}
	if !claimed {
		respondSuccess(w, map[string]string{"status": "already processed"})
		return
	}

	metrics.WebhookEvents.WithLabelValues("lemonsqueezy", "processed").Inc()
	h.recordLicenseCreated(r, license, project, "lemonsqueezy")
	h.dispatchPurchaseCode(project, org, product, license, event.Data.Attributes.UserEmail)

	log.Printf("lemonsqueezy order completed: session=%s license=%s", sessionID, license.ID)
	respondSuccess(w, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) lsSubscriptionRenewed(w http.ResponseWriter, r *http.Request, body []byte, signature string, event *payments.LemonSqueezyWebhookEvent) {
	subscriptionID := event.Data.Attributes.SubscriptionID.String()
	if subscriptionID == "" {
		subscriptionID = event.Data.ID
	}
	license, product, _, org, ok := h.resolveBySubscription(w, r, models.ProviderLemonSqueezy, subscriptionID)
	if !ok {
		return
	}
	if !h.verifyLS(w, org, body, signature) {
		return
	}
	if !h.markProcessed(w, r, models.ProviderLemonSqueezy, event.Data.ID) {
		return
	}

	if _, err := h.payments.RenewBySubscription(r.Context(), models.ProviderLemonSqueezy, subscriptionID, product); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to extend license")
		return
	}
	metrics.WebhookEvents.WithLabelValues("lemonsqueezy", "processed").Inc()
	log.Printf("lemonsqueezy subscription renewed: subscription=%s license=%s", subscriptionID, license.ID)
	respondSuccess(w, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) lsSubscriptionEnded(w http.ResponseWriter, r *http.Request, body []byte, signature string, event *payments.LemonSqueezyWebhookEvent) {
	subscriptionID := event.Data.Attributes.SubscriptionID.String()
	if subscriptionID == "" {
		subscriptionID = event.Data.ID
	}
	license, _, project, org, ok := h.resolveBySubscription(w, r, models.ProviderLemonSqueezy, subscriptionID)
	if !ok {
		return
	}
	if !h.verifyLS(w, org, body, signature) {
		return
	}
	if !h.markProcessed(w, r, models.ProviderLemonSqueezy, event.Data.ID) {
		return
	}
	metrics.WebhookEvents.WithLabelValues("lemonsqueezy", "processed").Inc()
	if h.audit != nil {
		h.audit.Record(models.AuditEntry{
			ActorType:    models.ActorSystem,
			Action:       "subscription.cancelled",
			ResourceType: "license",
			ResourceID:   license.ID.String(),
			ProjectID:    &project.ID,
			ProjectName:  project.Name,
			OrgID:        &project.OrgID,
		})
	}
	log.Printf("lemonsqueezy subscription ended: subscription=%s license=%s (expires naturally)", subscriptionID, license.ID)
	respondSuccess(w, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) recordLicenseCreated(r *http.Request, license *models.License, project *models.Project, provider string) {
	if h.audit == nil {
		return
	}
	ip, ua := requestInfo(r)
	h.audit.Record(models.AuditEntry{
		ActorType:    models.ActorSystem,
		Action:       "license.create",
		ResourceType: "license",
		ResourceID:   license.ID.String(),
		Details:      `{"provider":"` + provider + `"}`,
		OrgID:        &project.OrgID,
		ProjectID:    &project.ID,
		ProjectName:  project.Name,
		IPAddress:    ip,
		UserAgent:    ua,
	})
}

// dispatchPurchaseCode mints an activation code for the fresh license and
// sends it on the project's channel. Runs detached: the webhook response
// does not wait for delivery.
func (h *WebhookHandler) dispatchPurchaseCode(project *models.Project, org *models.Organization, product *models.Product, license *models.License, email string) {
	if email == "" {
		return
	}
	proj, o, prod, lic := *project, *org, *product, *license
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		code, plaintext, err := h.licenses.CreateActivationCode(ctx, lic.ID, proj.LicenseKeyPrefix)
		if err != nil {
			log.Printf("activation code for license %s failed: %v", lic.ID, err)
			return
		}
		delivery := services.CodeDelivery{
			Email:       email,
			Code:        plaintext,
			ExpiresAt:   code.ExpiresAt,
			ProductName: prod.Name,
			LicenseID:   lic.ID.String(),
			PurchasedAt: lic.CreatedAt,
		}
		if _, err := h.notifications.SendActivationCode(ctx, &proj, &o, delivery, services.TriggerPurchase); err != nil {
			// One retry; failures beyond that are logged and the customer
			// falls back to the recovery flow.
			if _, err := h.notifications.SendActivationCode(ctx, &proj, &o, delivery, services.TriggerPurchase); err != nil {
				log.Printf("activation code delivery for license %s failed: %v", lic.ID, err)
			}
		}
	}()
}
