// Package events maps raw gateway webhook payloads onto a closed set of
// typed domain events. Everything downstream of the signature check
// dispatches on these types, never on raw provider strings.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"
)

// Event is one parsed webhook occurrence. The set of implementations is
// closed; switches over it do not need a default arm beyond Unknown.
type Event interface {
	ProviderEventID() string
}

type meta struct {
	ID   string
	Type string
}

func (m meta) ProviderEventID() string { return m.ID }

// DepositSucceeded: a deposit payment intent for one of our appointments
// was captured.
type DepositSucceeded struct {
	meta
	AppointmentID string
	IntentID      string
	ChargeID      string
	AmountCents   int64
}

// DepositFailed: a deposit payment attempt failed. The appointment stays
// payable; the client can retry.
type DepositFailed struct {
	meta
	AppointmentID  string
	IntentID       string
	FailureMessage string
}

// SubscriptionChanged: the gateway created or updated a professional's
// subscription.
type SubscriptionChanged struct {
	meta
	ProfessionalID   string
	SubscriptionID   string
	CustomerID       string
	Status           string
	CurrentPeriodEnd *time.Time
}

// SubscriptionDeleted: the subscription ended at the gateway.
type SubscriptionDeleted struct {
	meta
	ProfessionalID string
	SubscriptionID string
	CustomerID     string
}

// InvoiceSettled: an invoice on a subscription was paid or failed
// payment. It carries no authoritative state itself; the processor
// refreshes the subscription from the gateway.
type InvoiceSettled struct {
	meta
	SubscriptionID string
	Paid           bool
}

// Unknown: a verified event we do not act on. Still recorded for dedup.
type Unknown struct {
	meta
}

// EventType returns the raw provider event type, for logging.
func (m meta) EventType() string { return m.Type }

// Parse classifies a verified gateway event. Events that belong to other
// products sharing the same gateway account (missing our metadata) come
// back as Unknown rather than an error.
func Parse(ev stripe.Event) (Event, error) {
	m := meta{ID: ev.ID, Type: string(ev.Type)}

	switch ev.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent from %s: %w", ev.Type, err)
		}
		apptID := pi.Metadata["appointment_id"]
		if pi.Metadata["type"] != "deposit" || apptID == "" {
			return Unknown{meta: m}, nil
		}
		if ev.Type == "payment_intent.succeeded" {
			out := DepositSucceeded{
				meta:          m,
				AppointmentID: apptID,
				IntentID:      pi.ID,
				AmountCents:   pi.Amount,
			}
			if pi.LatestCharge != nil {
				out.ChargeID = pi.LatestCharge.ID
			}
			return out, nil
		}
		out := DepositFailed{
			meta:          m,
			AppointmentID: apptID,
			IntentID:      pi.ID,
		}
		if pi.LastPaymentError != nil {
			out.FailureMessage = pi.LastPaymentError.Msg
		}
		return out, nil

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription from %s: %w", ev.Type, err)
		}
		proID := sub.Metadata["pro_id"]
		if proID == "" {
			return Unknown{meta: m}, nil
		}
		customerID := ""
		if sub.Customer != nil {
			customerID = sub.Customer.ID
		}
		if ev.Type == "customer.subscription.deleted" {
			return SubscriptionDeleted{
				meta:           m,
				ProfessionalID: proID,
				SubscriptionID: sub.ID,
				CustomerID:     customerID,
			}, nil
		}
		out := SubscriptionChanged{
			meta:           m,
			ProfessionalID: proID,
			SubscriptionID: sub.ID,
			CustomerID:     customerID,
			Status:         string(sub.Status),
		}
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			out.CurrentPeriodEnd = &end
		}
		return out, nil

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice from %s: %w", ev.Type, err)
		}
		if inv.Subscription == nil || inv.Subscription.ID == "" {
			return Unknown{meta: m}, nil
		}
		return InvoiceSettled{
			meta:           m,
			SubscriptionID: inv.Subscription.ID,
			Paid:           ev.Type != "invoice.payment_failed",
		}, nil
	}

	return Unknown{meta: m}, nil
}
