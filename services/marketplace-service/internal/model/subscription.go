package model

import "time"

// SubscriptionStatus mirrors the gateway's subscription lifecycle states.
type SubscriptionStatus string

const (
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionUnpaid   SubscriptionStatus = "unpaid"
)

// ProfessionalSubscription is the subscription aspect of a professional.
// It is mutated only by the webhook reconciliation flow, never by direct
// user action.
type ProfessionalSubscription struct {
	ProfessionalID       string
	Status               SubscriptionStatus
	StripeCustomerID     string
	StripeSubscriptionID string
	CurrentPeriodEnd     *time.Time
	UpdatedAt            time.Time
}
