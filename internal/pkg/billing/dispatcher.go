package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v79"
)

// Reconciler handles each supported event kind.
type Reconciler interface {
	HandleCheckoutCompleted(ctx context.Context, meta EventMeta, sess *stripe.CheckoutSession) (Outcome, error)
	HandleSubscriptionChanged(ctx context.Context, meta EventMeta, sub *stripe.Subscription) (Outcome, error)
	HandleSubscriptionDeleted(ctx context.Context, meta EventMeta, sub *stripe.Subscription) (Outcome, error)
	HandleInvoicePaymentSucceeded(ctx context.Context, meta EventMeta, inv *stripe.Invoice) (Outcome, error)
	HandleInvoicePaymentFailed(ctx context.Context, meta EventMeta, inv *stripe.Invoice) (Outcome, error)
}

// PayloadError means a verified event carried an object that does not decode
// as the type its event kind promises.
type PayloadError struct {
	EventType string
	Err       error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.EventType, e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// Dispatcher routes verified events to the reconciler.
type Dispatcher struct {
	reconciler Reconciler
	now        func() time.Time
}

func NewDispatcher(r Reconciler) *Dispatcher {
	return &Dispatcher{reconciler: r, now: time.Now}
}

// Dispatch decodes the event object and invokes the matching handler. Unknown
// event types return OutcomeIgnored and no error so the provider stops
// redelivering them.
func (d *Dispatcher) Dispatch(ctx context.Context, event stripe.Event) (Outcome, error) {
	meta := EventMeta{ID: event.ID, Type: string(event.Type), Created: d.now().UTC()}
	if event.Created > 0 {
		meta.Created = time.Unix(event.Created, 0).UTC()
	}

	switch kind := ParseEventKind(meta.Type); kind {
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := decodeObject(event, &sess); err != nil {
			return "", err
		}
		return d.reconciler.HandleCheckoutCompleted(ctx, meta, &sess)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := decodeObject(event, &sub); err != nil {
			return "", err
		}
		return d.reconciler.HandleSubscriptionChanged(ctx, meta, &sub)
	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := decodeObject(event, &sub); err != nil {
			return "", err
		}
		return d.reconciler.HandleSubscriptionDeleted(ctx, meta, &sub)
	case EventInvoicePaymentSucceeded:
		var inv stripe.Invoice
		if err := decodeObject(event, &inv); err != nil {
			return "", err
		}
		return d.reconciler.HandleInvoicePaymentSucceeded(ctx, meta, &inv)
	case EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := decodeObject(event, &inv); err != nil {
			return "", err
		}
		return d.reconciler.HandleInvoicePaymentFailed(ctx, meta, &inv)
	default:
		log.Infof("[Billing] ignoring event %s of type %s", meta.ID, meta.Type)
		return OutcomeIgnored, nil
	}
}

func decodeObject(event stripe.Event, into interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return &PayloadError{EventType: string(event.Type), Err: fmt.Errorf("event %s has no data object", event.ID)}
	}
	if err := json.Unmarshal(event.Data.Raw, into); err != nil {
		return &PayloadError{EventType: string(event.Type), Err: err}
	}
	return nil
}
