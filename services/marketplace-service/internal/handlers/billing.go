package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"

	"github.com/delcoco95/bookauto/services/marketplace-service/internal/model"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/subscriptions"
)

// GetSubscription reports the professional's subscription as last seen
// from the gateway, plus the derived entitlement flag.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "identity required", http.StatusForbidden)
		return
	}

	proID := strings.TrimSpace(r.URL.Query().Get("pro_id"))
	if proID == "" {
		proID = actor.ID
	}
	if actor.Role != model.ActorSystem && proID != actor.ID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	now := time.Now().UTC()
	sub, found, err := h.repo.GetSubscription(r.Context(), proID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !found {
		// No row yet reads as inactive, not as an error.
		writeJSON(w, http.StatusOK, map[string]any{
			"pro_id":   proID,
			"status":   string(model.SubscriptionInactive),
			"entitled": false,
		})
		return
	}

	resp := map[string]any{
		"pro_id":     sub.ProfessionalID,
		"status":     string(sub.Status),
		"entitled":   subscriptions.IsEntitled(sub, now),
		"updated_at": sub.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if sub.CurrentPeriodEnd != nil {
		resp["current_period_end"] = sub.CurrentPeriodEnd.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CheckoutSubscription starts a gateway checkout session for the
// professional's recurring plan. The pro_id rides along in the
// subscription metadata so the webhook flow can attribute events.
func (h *Handler) CheckoutSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.stripeSecretKey == "" || h.stripePriceID == "" {
		http.Error(w, "stripe checkout not configured", http.StatusNotImplemented)
		return
	}
	actor, ok := actorFromRequest(r)
	if !ok || actor.Role != model.ActorProfessional {
		http.Error(w, "professional identity required", http.StatusForbidden)
		return
	}
	if h.checkoutSuccessURL == "" || h.checkoutCancelURL == "" {
		http.Error(w, "checkout return urls not configured", http.StatusNotImplemented)
		return
	}

	stripe.Key = h.stripeSecretKey

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(h.checkoutSuccessURL),
		CancelURL:         stripe.String(h.checkoutCancelURL),
		ClientReferenceID: stripe.String(actor.ID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(h.stripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"pro_id": actor.ID,
			},
		},
	}
	if h.trialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(h.trialDays)
	}
	// Gateway-level idempotency lets clients retry the request safely.
	if idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key")); idemKey != "" {
		params.IdempotencyKey = stripe.String(idemKey)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		h.logger.Error("stripe checkout session create failed", "err", err, "pro_id", actor.ID)
		http.Error(w, "failed to create checkout session", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"url":        sess.URL,
	})
}
