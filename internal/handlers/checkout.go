package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/google/uuid"

	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/payments"
	"github.com/CallMeGwei/paycheck/internal/services"
)

// Buy handles POST /buy: opens a payment session and a provider checkout.
// Purchase carries no device info; activation happens later at redemption.
func (h *PublicHandler) Buy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID  string `json:"product_id"`
		Provider   string `json:"provider"`
		CustomerID string `json:"customer_id"`
		Redirect   string `json:"redirect"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	productID, err := uuid.Parse(req.ProductID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid product_id")
		return
	}

	product, err := h.products.GetProduct(r.Context(), productID)
	if err != nil {
		respondError(w, http.StatusNotFound, "product not found")
		return
	}
	project, err := h.projects.GetProject(r.Context(), product.ProjectID)
	if err != nil {
		respondError(w, http.StatusNotFound, "project not found")
		return
	}

	// The redirect target must be allowlisted by the project.
	redirect := ""
	if req.Redirect != "" {
		if len(project.AllowedRedirects) == 0 {
			respondError(w, http.StatusBadRequest, "redirect URL provided but project has no allowed redirect URLs configured")
			return
		}
		if !slices.Contains(project.AllowedRedirects, req.Redirect) {
			respondError(w, http.StatusBadRequest, "redirect URL is not in project's allowed redirect URLs")
			return
		}
		redirect = req.Redirect
	}

	org, err := h.orgs.GetOrg(r.Context(), project.OrgID)
	if err != nil {
		respondError(w, http.StatusNotFound, "organization not found")
		return
	}

	provider, ok := h.chooseProvider(w, req.Provider, org)
	if !ok {
		return
	}

	session, err := h.payments.CreateSession(r.Context(), productID, req.CustomerID, redirect)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create payment session")
		return
	}

	callbackURL := h.baseURL + "/callback?session=" + session.ID.String()
	cancelURL := h.baseURL + "/cancel"

	var checkout *payments.Checkout
	switch provider {
	case models.ProviderStripe:
		cfg, err := h.orgs.DecryptStripeConfig(org)
		if err != nil || cfg == nil {
			respondError(w, http.StatusBadRequest, "stripe not configured")
			return
		}
		payCfg, err := h.products.GetPaymentConfig(r.Context(), productID, models.ProviderStripe)
		if err != nil {
			respondError(w, http.StatusBadRequest, "product has no stripe payment config")
			return
		}
		params := payments.StripeCheckoutParams{
			SessionID:   session.ID.String(),
			ProjectID:   project.ID.String(),
			ProductID:   product.ID.String(),
			ProductName: product.Name,
			PriceID:     payCfg.StripePriceID,
			Currency:    payCfg.Currency,
			SuccessURL:  callbackURL,
			CancelURL:   cancelURL,
		}
		if payCfg.PriceCents != nil {
			params.PriceCents = *payCfg.PriceCents
		}
		if params.PriceID == "" && params.PriceCents == 0 {
			respondError(w, http.StatusBadRequest, "product has no stripe price configured")
			return
		}
		checkout, err = payments.NewStripeClient(cfg).CreateCheckoutSession(params)
		if err != nil {
			respondError(w, http.StatusBadGateway, "payment provider request failed")
			return
		}
	case models.ProviderLemonSqueezy:
		cfg, err := h.orgs.DecryptLemonSqueezyConfig(org)
		if err != nil || cfg == nil {
			respondError(w, http.StatusBadRequest, "lemonsqueezy not configured")
			return
		}
		payCfg, err := h.products.GetPaymentConfig(r.Context(), productID, models.ProviderLemonSqueezy)
		if err != nil || payCfg.LSVariantID == "" {
			respondError(w, http.StatusBadRequest, "product has no lemonsqueezy variant configured")
			return
		}
		checkout, err = payments.NewLemonSqueezyClient(cfg).CreateCheckout(r.Context(),
			session.ID.String(), project.ID.String(), product.ID.String(), payCfg.LSVariantID, callbackURL)
		if err != nil {
			respondError(w, http.StatusBadGateway, "payment provider request failed")
			return
		}
	}

	respondSuccess(w, map[string]string{
		"checkout_url": checkout.URL,
		"session_id":   session.ID.String(),
	})
}

// chooseProvider applies: explicit request > org default > the single
// configured provider. Both or neither configured without a choice is a
// validation error.
func (h *PublicHandler) chooseProvider(w http.ResponseWriter, requested string, org *models.Organization) (models.PaymentProviderName, bool) {
	if requested != "" {
		provider, ok := models.ParsePaymentProvider(requested)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid provider")
			return "", false
		}
		return provider, true
	}
	if org.PaymentProviderDefault != "" {
		provider, ok := models.ParsePaymentProvider(org.PaymentProviderDefault)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid default provider on organization")
			return "", false
		}
		return provider, true
	}
	switch {
	case org.HasStripeConfig() && !org.HasLSConfig():
		return models.ProviderStripe, true
	case org.HasLSConfig() && !org.HasStripeConfig():
		return models.ProviderLemonSqueezy, true
	case org.HasStripeConfig() && org.HasLSConfig():
		respondError(w, http.StatusBadRequest, "multiple payment providers configured; specify 'provider'")
		return "", false
	default:
		respondError(w, http.StatusBadRequest, "no payment provider configured")
		return "", false
	}
}

// Callback handles GET /callback?session=…, the browser's return leg after
// checkout. A short-lived redemption code lands in the URL — never the
// license key when the destination is a third-party site.
func (h *PublicHandler) Callback(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.URL.Query().Get("session"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session")
		return
	}
	session, err := h.payments.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "session not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}

	base := session.RedirectURL
	if base == "" {
		base = h.successPageURL
	}

	// The webhook may still be in flight; send the browser to a pending page.
	if !session.Completed || session.LicenseID == nil {
		http.Redirect(w, r, appendQueryParams(base, [][2]string{
			{"status", "pending"},
		}), http.StatusTemporaryRedirect)
		return
	}

	product, err := h.products.GetProduct(r.Context(), session.ProductID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "product lookup failed")
		return
	}
	project, err := h.projects.GetProject(r.Context(), product.ProjectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "project lookup failed")
		return
	}
	license, err := h.licenses.GetLicense(r.Context(), *session.LicenseID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "license lookup failed")
		return
	}

	_, code, err := h.licenses.CreateActivationCode(r.Context(), license.ID, project.LicenseKeyPrefix)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create redemption code")
		return
	}

	var target string
	if session.RedirectURL != "" {
		// Third-party destination: the code only. The site exchanges it for
		// the key server-to-server.
		target = appendQueryParams(base, [][2]string{
			{"code", code},
			{"project_id", project.ID.String()},
			{"status", "success"},
		})
	} else {
		target = appendQueryParams(base, [][2]string{
			{"license_key", license.Key},
			{"code", code},
			{"project_id", project.ID.String()},
			{"status", "success"},
		})
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}
