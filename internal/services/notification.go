package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/CallMeGwei/paycheck/internal/metrics"
	"github.com/CallMeGwei/paycheck/internal/models"
)

var (
	// ErrNoAPIKey means no delivery channel is configured: email is enabled,
	// no webhook is set, and neither an org nor a system email key exists.
	ErrNoAPIKey = errors.New("no email api key configured")
	// ErrEmailProvider is a transactional-email API failure.
	ErrEmailProvider = errors.New("email provider request failed")
)

// Trigger says why an activation code message was sent.
type Trigger string

const (
	TriggerPurchase        Trigger = "purchase"
	TriggerRecoveryRequest Trigger = "recovery_request"
	TriggerAdminGenerated  Trigger = "admin_generated"
)

// DeliveryMode is how (or whether) a notification went out.
type DeliveryMode string

const (
	DeliveryDisabled DeliveryMode = "disabled"
	DeliveryWebhook  DeliveryMode = "webhook"
	DeliveryEmail    DeliveryMode = "email"
	DeliveryNoAPIKey DeliveryMode = "no_api_key"
)

// CodeDelivery is one activation code bound for a customer.
type CodeDelivery struct {
	Email       string
	Code        string
	ExpiresAt   int64
	ProductName string
	LicenseID   string
	PurchasedAt int64
}

// NotificationService delivers activation codes. Resolution order per
// project: email disabled, developer webhook, transactional email (org key
// over system key), else NoAPIKey.
type NotificationService struct {
	httpClient   *http.Client
	orgs         *OrgService
	systemAPIKey string
	defaultFrom  string
}

// NewNotificationService creates a new notification service
func NewNotificationService(orgs *OrgService, systemAPIKey, defaultFrom string) *NotificationService {
	return &NotificationService{
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		orgs:         orgs,
		systemAPIKey: systemAPIKey,
		defaultFrom:  defaultFrom,
	}
}

// webhookPayload is the body POSTed to a developer's webhook and the shape
// mirrored into the email content.
type webhookPayload struct {
	Event            string        `json:"event"`
	Email            string        `json:"email"`
	Code             string        `json:"code,omitempty"`
	ExpiresAt        int64         `json:"expires_at"`
	ExpiresInMinutes int           `json:"expires_in_minutes"`
	ProductName      string        `json:"product_name,omitempty"`
	ProjectID        string        `json:"project_id"`
	ProjectName      string        `json:"project_name"`
	LicenseID        string        `json:"license_id,omitempty"`
	Licenses         []codePayload `json:"licenses,omitempty"`
	Trigger          Trigger       `json:"trigger"`
}

type codePayload struct {
	ProductName string `json:"product_name"`
	Code        string `json:"code"`
	LicenseID   string `json:"license_id"`
	PurchasedAt int64  `json:"purchased_at"`
}

// SendActivationCode delivers one code for one license.
func (s *NotificationService) SendActivationCode(ctx context.Context, project *models.Project, org *models.Organization, d CodeDelivery, trigger Trigger) (DeliveryMode, error) {
	payload := webhookPayload{
		Event:            "activation_code_created",
		Email:            d.Email,
		Code:             d.Code,
		ExpiresAt:        d.ExpiresAt,
		ExpiresInMinutes: int(time.Until(time.Unix(d.ExpiresAt, 0)).Minutes()),
		ProductName:      d.ProductName,
		ProjectID:        project.ID.String(),
		ProjectName:      project.Name,
		LicenseID:        d.LicenseID,
		Trigger:          trigger,
	}
	return s.deliver(ctx, project, org, d.Email, payload,
		fmt.Sprintf("Your activation code for %s", d.ProductName),
		s.singleCodeBody(project, d))
}

// SendActivationCodes delivers several codes for the same email in one
// message, one code per product. Used by the recovery flow.
func (s *NotificationService) SendActivationCodes(ctx context.Context, project *models.Project, org *models.Organization, email string, deliveries []CodeDelivery, trigger Trigger) (DeliveryMode, error) {
	if len(deliveries) == 1 {
		return s.SendActivationCode(ctx, project, org, deliveries[0], trigger)
	}
	codes := make([]codePayload, 0, len(deliveries))
	var expiresAt int64
	for _, d := range deliveries {
		codes = append(codes, codePayload{
			ProductName: d.ProductName,
			Code:        d.Code,
			LicenseID:   d.LicenseID,
			PurchasedAt: d.PurchasedAt,
		})
		if d.ExpiresAt > expiresAt {
			expiresAt = d.ExpiresAt
		}
	}
	payload := webhookPayload{
		Event:            "activation_codes_created",
		Email:            email,
		ExpiresAt:        expiresAt,
		ExpiresInMinutes: int(time.Until(time.Unix(expiresAt, 0)).Minutes()),
		ProjectID:        project.ID.String(),
		ProjectName:      project.Name,
		Licenses:         codes,
		Trigger:          trigger,
	}
	return s.deliver(ctx, project, org, email, payload,
		fmt.Sprintf("Your activation codes for %s", project.Name),
		s.multiCodeBody(project, deliveries))
}

func (s *NotificationService) deliver(ctx context.Context, project *models.Project, org *models.Organization, email string, payload webhookPayload, subject, textBody string) (DeliveryMode, error) {
	if !project.EmailEnabled {
		metrics.NotificationsSent.WithLabelValues(string(DeliveryDisabled)).Inc()
		return DeliveryDisabled, nil
	}

	if project.EmailWebhookURL != "" {
		// Delivery problems on the developer's side are logged but never
		// block the user flow.
		if err := s.postWebhook(ctx, project.EmailWebhookURL, payload); err != nil {
			log.Printf("project %s activation webhook failed: %v", project.ID, err)
		}
		metrics.NotificationsSent.WithLabelValues(string(DeliveryWebhook)).Inc()
		return DeliveryWebhook, nil
	}

	apiKey := s.systemAPIKey
	if org != nil {
		orgKey, err := s.orgs.DecryptResendKey(org)
		if err != nil {
			return "", err
		}
		if orgKey != "" {
			apiKey = orgKey
		}
	}
	if apiKey == "" {
		metrics.NotificationsSent.WithLabelValues(string(DeliveryNoAPIKey)).Inc()
		return DeliveryNoAPIKey, nil
	}

	from := project.EmailFrom
	if from == "" {
		from = s.defaultFrom
	}
	if err := s.sendEmail(ctx, apiKey, from, email, subject, textBody); err != nil {
		metrics.NotificationsSent.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.NotificationsSent.WithLabelValues(string(DeliveryEmail)).Inc()
	return DeliveryEmail, nil
}

func (s *NotificationService) postWebhook(ctx context.Context, url string, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Paycheck-Event", payload.Event)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// sendEmail POSTs to the Resend API.
func (s *NotificationService) sendEmail(ctx context.Context, apiKey, from, to, subject, textBody string) error {
	payload := map[string]interface{}{
		"from":    from,
		"to":      []string{to},
		"subject": subject,
		"text":    textBody,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.resend.com/emails", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmailProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrEmailProvider, resp.StatusCode)
	}
	return nil
}

func (s *NotificationService) singleCodeBody(project *models.Project, d CodeDelivery) string {
	return fmt.Sprintf(`Your activation code for %s

Code: %s

This code expires in 30 minutes and can be used once to activate a device.

---
%s
`, d.ProductName, d.Code, project.Name)
}

func (s *NotificationService) multiCodeBody(project *models.Project, deliveries []CodeDelivery) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Your activation codes for %s\n\n", project.Name)
	for _, d := range deliveries {
		purchased := time.Unix(d.PurchasedAt, 0).UTC().Format("January 2, 2006")
		fmt.Fprintf(&b, "%s (purchased %s)\nCode: %s\n\n", d.ProductName, purchased, d.Code)
	}
	b.WriteString("Each code expires in 30 minutes and can be used once to activate a device.\n")
	fmt.Fprintf(&b, "\n---\n%s\n", project.Name)
	return b.String()
}
