package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/delcoco95/bookauto/services/marketplace-service/internal/events"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/storage"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/subscriptions"
)

// StripeWebhook receives gateway events. The signature check is the only
// auth on this route; the gateway must expose it publicly. Verified
// events are recorded once and processed atomically with their effects,
// so Stripe retries and our own failures converge on exactly-once
// application.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.stripeWebhookSecret == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	rawEvt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.stripeWebhookSecret, h.stripeWebhookTolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	evt, err := events.Parse(rawEvt)
	if err != nil {
		// Signature was valid but the payload did not decode; Stripe
		// will not send a different body on retry, so reject for good.
		h.logger.Error("stripe event payload invalid", "provider_event_id", rawEvt.ID, "event_type", string(rawEvt.Type), "err", err)
		http.Error(w, "invalid event payload", http.StatusBadRequest)
		return
	}

	occurredAt := time.Unix(rawEvt.Created, 0).UTC()
	evtType := string(rawEvt.Type)
	h.logger.Info("stripe event received",
		"provider_event_id", rawEvt.ID,
		"event_type", evtType,
		"occurred_at", occurredAt.Format(time.RFC3339),
	)

	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	// Replays short-circuit here: the first delivery either committed its
	// effects with this row or rolled everything back together.
	if err := h.repo.InsertProviderEvent(r.Context(), tx, storage.ProviderEvent{
		Provider:        "stripe",
		ProviderEventID: rawEvt.ID,
		EventType:       evtType,
		Payload:         body,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			h.logger.Info("stripe event duplicate ignored", "provider_event_id", rawEvt.ID, "event_type", evtType)
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}
		http.Error(w, "failed to record provider event", http.StatusInternalServerError)
		return
	}

	if err := h.applyEvent(r.Context(), tx, evt, occurredAt); err != nil {
		h.logger.Error("stripe event processing failed",
			"provider_event_id", rawEvt.ID, "event_type", evtType, "err", err)
		http.Error(w, "failed to process event", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(r.Context()); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) applyEvent(ctx context.Context, tx pgx.Tx, evt events.Event, occurredAt time.Time) error {
	switch e := evt.(type) {
	case events.DepositSucceeded:
		return h.paySvc.ApplyDepositSucceeded(ctx, tx, e.AppointmentID, e.IntentID, e.ChargeID, occurredAt)

	case events.DepositFailed:
		h.paySvc.ApplyDepositFailed(ctx, e.AppointmentID, e.IntentID, e.FailureMessage)
		return nil

	case events.SubscriptionChanged:
		return h.subSvc.ApplyGatewayState(ctx, tx, e.ProfessionalID, e.SubscriptionID, e.CustomerID,
			subscriptions.StatusFromGateway(e.Status), e.CurrentPeriodEnd, occurredAt)

	case events.SubscriptionDeleted:
		return h.subSvc.ApplyDeleted(ctx, tx, e.ProfessionalID, e.SubscriptionID, occurredAt)

	case events.InvoiceSettled:
		return h.refreshFromGateway(ctx, tx, e.SubscriptionID, occurredAt)

	case events.Unknown:
		h.logger.Info("stripe event ignored", "provider_event_id", e.ProviderEventID(), "event_type", e.EventType())
		return nil
	}
	return nil
}

// refreshFromGateway re-reads the subscription after an invoice event.
// Invoices carry billing detail, not lifecycle state, so the gateway's
// current view wins. The ownership check keeps a foreign subscription id
// from overwriting one of our rows.
func (h *Handler) refreshFromGateway(ctx context.Context, tx pgx.Tx, subscriptionID string, occurredAt time.Time) error {
	sub, err := h.gateway.RetrieveSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	proID := h.proIDForSubscription(ctx, tx, subscriptionID)
	if proID == "" {
		h.logger.Warn("invoice for untracked subscription ignored", "subscription_id", subscriptionID)
		return nil
	}
	return h.subSvc.ApplyGatewayState(ctx, tx, proID, sub.ID, sub.CustomerID,
		subscriptions.StatusFromGateway(sub.Status), periodEndPtr(sub.CurrentPeriodEnd), occurredAt)
}

func (h *Handler) proIDForSubscription(ctx context.Context, tx pgx.Tx, subscriptionID string) string {
	proID, err := h.repo.FindProBySubscriptionID(ctx, tx, subscriptionID)
	if err != nil {
		h.logger.Error("subscription owner lookup failed", "subscription_id", subscriptionID, "err", err)
		return ""
	}
	return proID
}

func periodEndPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
