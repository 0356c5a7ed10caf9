package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// SignatureTolerance bounds the age of a signed delivery.
const SignatureTolerance = 5 * time.Minute

// Verification failure reasons.
const (
	ReasonMissingSignature = "missing_signature"
	ReasonMissingSecret    = "missing_secret"
	ReasonInvalidSignature = "invalid_signature"
	ReasonExpired          = "signature_expired"
	ReasonMalformedPayload = "invalid_payload"
)

// VerificationError reports why a delivery was rejected at the signature
// boundary. Nothing from a rejected payload may be processed.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return "webhook verification failed: " + e.Reason
	}
	return fmt.Sprintf("webhook verification failed: %s: %v", e.Reason, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// VerifyWebhook checks the Stripe-Signature header against the raw request
// body and decodes the event. rawBody must be the exact bytes received.
func VerifyWebhook(rawBody []byte, signatureHeader, secret string) (stripe.Event, error) {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" {
		return stripe.Event{}, &VerificationError{Reason: ReasonMissingSignature}
	}
	if strings.TrimSpace(secret) == "" {
		return stripe.Event{}, &VerificationError{Reason: ReasonMissingSecret}
	}

	event, err := webhook.ConstructEventWithOptions(rawBody, sig, secret, webhook.ConstructEventOptions{
		Tolerance:                SignatureTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, &VerificationError{Reason: classifyVerificationError(err), Err: err}
	}
	if event.ID == "" || event.Type == "" {
		return stripe.Event{}, &VerificationError{Reason: ReasonMalformedPayload, Err: errors.New("event id or type missing")}
	}
	return event, nil
}

func classifyVerificationError(err error) string {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return ReasonMissingSignature
	case errors.Is(err, webhook.ErrTooOld):
		return ReasonExpired
	case errors.Is(err, webhook.ErrNoValidSignature), errors.Is(err, webhook.ErrInvalidHeader):
		return ReasonInvalidSignature
	default:
		// Signature matched but the body is not an event.
		return ReasonMalformedPayload
	}
}
