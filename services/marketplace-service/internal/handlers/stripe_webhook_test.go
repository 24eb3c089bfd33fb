package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/delcoco95/bookauto/services/marketplace-service/internal/events"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/model"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/outbox"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/payments"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/subscriptions"
)

const testWebhookSecret = "whsec_test_secret"

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func webhookOnlyHandler() *Handler {
	return &Handler{
		logger:                 testLogger(),
		stripeWebhookSecret:    testWebhookSecret,
		stripeWebhookTolerance: 5 * time.Minute,
	}
}

func signedRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestStripeWebhook_MethodNotAllowed(t *testing.T) {
	h := webhookOnlyHandler()
	rr := httptest.NewRecorder()
	h.StripeWebhook(rr, httptest.NewRequest(http.MethodGet, "/api/v1/billing/webhooks/stripe", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestStripeWebhook_NotConfigured(t *testing.T) {
	h := &Handler{logger: testLogger()}
	rr := httptest.NewRecorder()
	h.StripeWebhook(rr, httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/stripe", bytes.NewReader([]byte("{}"))))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestStripeWebhook_MissingSignature(t *testing.T) {
	h := webhookOnlyHandler()
	rr := httptest.NewRecorder()
	h.StripeWebhook(rr, httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/stripe", bytes.NewReader([]byte("{}"))))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	h := webhookOnlyHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/stripe", bytes.NewReader([]byte(`{"id":"evt_1"}`)))
	req.Header.Set("Stripe-Signature", "t=123,v1=deadbeef")
	rr := httptest.NewRecorder()
	h.StripeWebhook(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestStripeWebhook_ValidSignatureBadPayload(t *testing.T) {
	// The envelope verifies, but the inner object cannot decode as a
	// payment intent. Stripe retries resend the same body, so 400.
	payload, _ := json.Marshal(map[string]any{
		"id":      "evt_bad",
		"object":  "event",
		"created": time.Now().Unix(),
		"type":    "payment_intent.succeeded",
		"data": map[string]any{
			"object": map[string]any{"amount": "not-a-number"},
		},
	})
	h := webhookOnlyHandler()
	rr := httptest.NewRecorder()
	h.StripeWebhook(rr, signedRequest(t, payload))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

// --- applyEvent dispatch, exercised with in-memory stores ---

type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

// fakeDomainStore backs both the payment appliers and the subscription
// service for dispatch tests.
type fakeDomainStore struct {
	appt *model.Appointment
	subs map[string]model.ProfessionalSubscription
}

func (s *fakeDomainStore) Begin(ctx context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

func (s *fakeDomainStore) GetAppointmentForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Appointment, error) {
	if s.appt == nil || s.appt.ID != id {
		return model.Appointment{}, pgx.ErrNoRows
	}
	return *s.appt, nil
}

func (s *fakeDomainStore) SetDepositIntent(ctx context.Context, tx pgx.Tx, appointmentID, intentID string) error {
	s.appt.DepositIntentID = intentID
	return nil
}

func (s *fakeDomainStore) MarkDepositPaid(ctx context.Context, tx pgx.Tx, appointmentID, chargeID string) (bool, error) {
	if s.appt.DepositPaid {
		return false, nil
	}
	s.appt.DepositPaid = true
	s.appt.DepositChargeID = chargeID
	return true, nil
}

func (s *fakeDomainStore) GetSubscriptionForUpdate(ctx context.Context, tx pgx.Tx, proID string) (model.ProfessionalSubscription, bool, error) {
	sub, ok := s.subs[proID]
	return sub, ok, nil
}

func (s *fakeDomainStore) UpsertSubscription(ctx context.Context, tx pgx.Tx, sub model.ProfessionalSubscription) error {
	s.subs[sub.ProfessionalID] = sub
	return nil
}

type fakeSink struct {
	events []outbox.Event
}

func (s *fakeSink) Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error {
	s.events = append(s.events, evt)
	return nil
}

type noopGateway struct{}

func (noopGateway) CreateIntent(ctx context.Context, p payments.CreateIntentParams) (payments.Intent, error) {
	return payments.Intent{}, nil
}
func (noopGateway) RetrieveIntent(ctx context.Context, id string) (payments.Intent, error) {
	return payments.Intent{}, nil
}
func (noopGateway) RetrieveSubscription(ctx context.Context, id string) (payments.GatewaySubscription, error) {
	return payments.GatewaySubscription{}, nil
}

func dispatchHandler(store *fakeDomainStore, sink *fakeSink) *Handler {
	logger := testLogger()
	return &Handler{
		paySvc: payments.NewService(store, sink, noopGateway{}, logger),
		subSvc: subscriptions.New(store, sink, logger),
		logger: logger,
	}
}

func TestApplyEvent_DepositSucceeded(t *testing.T) {
	store := &fakeDomainStore{
		appt: &model.Appointment{ID: "appt-1", ClientID: "client-1", Status: model.StatusPending, DepositIntentID: "pi_1", DepositCents: 3600},
		subs: map[string]model.ProfessionalSubscription{},
	}
	sink := &fakeSink{}
	h := dispatchHandler(store, sink)
	now := time.Now().UTC()

	evt := events.DepositSucceeded{AppointmentID: "appt-1", IntentID: "pi_1", ChargeID: "ch_1"}
	if err := h.applyEvent(context.Background(), fakeTx{}, evt, now); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !store.appt.DepositPaid || store.appt.DepositChargeID != "ch_1" {
		t.Fatalf("deposit not applied: %+v", store.appt)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected one outbox event, got %d", len(sink.events))
	}

	// Replay is a no-op.
	if err := h.applyEvent(context.Background(), fakeTx{}, evt, now); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("replay must not emit, got %d", len(sink.events))
	}
}

func TestApplyEvent_SubscriptionLifecycle(t *testing.T) {
	store := &fakeDomainStore{subs: map[string]model.ProfessionalSubscription{}}
	sink := &fakeSink{}
	h := dispatchHandler(store, sink)
	now := time.Now().UTC()
	periodEnd := now.Add(30 * 24 * time.Hour)

	changed := events.SubscriptionChanged{
		ProfessionalID:   "pro-1",
		SubscriptionID:   "sub_1",
		CustomerID:       "cus_1",
		Status:           "trialing",
		CurrentPeriodEnd: &periodEnd,
	}
	if err := h.applyEvent(context.Background(), fakeTx{}, changed, now); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if store.subs["pro-1"].Status != model.SubscriptionTrialing {
		t.Fatalf("subscription not applied: %+v", store.subs["pro-1"])
	}

	deleted := events.SubscriptionDeleted{ProfessionalID: "pro-1", SubscriptionID: "sub_1", CustomerID: "cus_1"}
	if err := h.applyEvent(context.Background(), fakeTx{}, deleted, now); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if store.subs["pro-1"].Status != model.SubscriptionCanceled {
		t.Fatalf("deletion not applied: %+v", store.subs["pro-1"])
	}
	if store.subs["pro-1"].StripeSubscriptionID != "" {
		t.Fatalf("deleted subscription keeps gateway reference: %+v", store.subs["pro-1"])
	}
}

func TestApplyEvent_UnknownIsNoop(t *testing.T) {
	h := &Handler{logger: testLogger()}
	if err := h.applyEvent(context.Background(), fakeTx{}, events.Unknown{}, time.Now()); err != nil {
		t.Fatalf("unknown event must be a no-op, got %v", err)
	}
}

func TestTransitionHandler_InputGuards(t *testing.T) {
	h := &Handler{logger: testLogger()}
	fn := h.Transition(model.TransitionAccept)

	// No identity headers.
	rr := httptest.NewRecorder()
	fn(rr, httptest.NewRequest(http.MethodPost, "/api/v1/appointments/accept", bytes.NewReader([]byte(`{"appointment_id":"a"}`))))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without identity, got %d", rr.Code)
	}

	// Missing appointment_id.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments/accept", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-User-Id", "pro-1")
	req.Header.Set("X-Role", "pro")
	rr = httptest.NewRecorder()
	fn(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without appointment_id, got %d", rr.Code)
	}
}
