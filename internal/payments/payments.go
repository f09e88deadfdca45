// Package payments wraps the external checkout providers. Each client is
// constructed per request from the organization's decrypted credentials;
// nothing provider-related is process-global.
package payments

import "errors"

var (
	// ErrProviderRequest is returned when a provider API call fails; the
	// caller surfaces it as a gateway error and may retry.
	ErrProviderRequest = errors.New("payment provider request failed")
	// ErrBadSignature is returned for webhook payloads whose signature does
	// not verify. Nothing is persisted when this is returned.
	ErrBadSignature = errors.New("webhook signature verification failed")
)

// Checkout is the provider-neutral result of opening a checkout.
type Checkout struct {
	ID  string
	URL string
}

// Metadata keys threaded through provider checkouts so webhooks can find
// their way back to the payment session.
const (
	MetaSessionID = "paycheck_session_id"
	MetaProjectID = "project_id"
	MetaProductID = "product_id"
)
