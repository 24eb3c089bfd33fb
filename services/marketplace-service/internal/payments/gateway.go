// Package payments orchestrates deposit payment intents against the card
// gateway and applies gateway outcomes to appointments.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
	stripesubscription "github.com/stripe/stripe-go/v79/subscription"
)

// ErrGatewayUnavailable wraps transport failures and gateway 5xx responses
// after retries are exhausted. Callers map it to 502.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// Intent is the gateway-neutral view of a payment intent.
type Intent struct {
	ID             string
	Status         string
	ClientSecret   string
	AmountCents    int64
	Currency       string
	LatestChargeID string
}

// GatewaySubscription is the gateway-neutral view of a recurring
// subscription, as reported by the gateway itself.
type GatewaySubscription struct {
	ID               string
	CustomerID       string
	Status           string
	CurrentPeriodEnd time.Time
}

type CreateIntentParams struct {
	AmountCents int64
	Currency    string
	Metadata    map[string]string
}

// Gateway abstracts the card processor so the orchestrator and the webhook
// flow can be exercised against a fake.
type Gateway interface {
	CreateIntent(ctx context.Context, p CreateIntentParams) (Intent, error)
	RetrieveIntent(ctx context.Context, id string) (Intent, error)
	RetrieveSubscription(ctx context.Context, id string) (GatewaySubscription, error)
}

const (
	gatewayAttempts = 3
	gatewayBackoff  = 200 * time.Millisecond
)

// StripeGateway talks to Stripe with the package-level API key already set.
type StripeGateway struct{}

func NewStripeGateway(secretKey string) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, p CreateIntentParams) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.AmountCents),
		Currency: stripe.String(p.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: p.Metadata,
	}
	params.Context = ctx

	var pi *stripe.PaymentIntent
	err := withRetry(ctx, func() error {
		var err error
		pi, err = paymentintent.New(params)
		return err
	})
	if err != nil {
		return Intent{}, err
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) RetrieveIntent(ctx context.Context, id string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	var pi *stripe.PaymentIntent
	err := withRetry(ctx, func() error {
		var err error
		pi, err = paymentintent.Get(id, params)
		return err
	})
	if err != nil {
		return Intent{}, err
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) RetrieveSubscription(ctx context.Context, id string) (GatewaySubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	var sub *stripe.Subscription
	err := withRetry(ctx, func() error {
		var err error
		sub, err = stripesubscription.Get(id, params)
		return err
	})
	if err != nil {
		return GatewaySubscription{}, err
	}
	return subscriptionFromStripe(sub), nil
}

func intentFromStripe(pi *stripe.PaymentIntent) Intent {
	out := Intent{
		ID:           pi.ID,
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
	}
	if pi.LatestCharge != nil {
		out.LatestChargeID = pi.LatestCharge.ID
	}
	return out
}

func subscriptionFromStripe(sub *stripe.Subscription) GatewaySubscription {
	out := GatewaySubscription{
		ID:     sub.ID,
		Status: string(sub.Status),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	return out
}

// withRetry retries transient gateway failures (network and 5xx) a small
// bounded number of times. 4xx responses are returned as-is.
func withRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= gatewayAttempts; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt < gatewayAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * gatewayBackoff):
			}
		}
	}
	return errors.Join(ErrGatewayUnavailable, lastErr)
}

func isTransient(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode >= 500
	}
	// Anything that is not a structured Stripe error is a transport
	// failure (timeout, connection reset).
	return true
}
