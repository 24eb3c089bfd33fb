package subscriptions

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/delcoco95/bookauto/services/marketplace-service/internal/model"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/outbox"
)

type fakeTx struct{ pgx.Tx }

type fakeStore struct {
	subs map[string]model.ProfessionalSubscription
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: map[string]model.ProfessionalSubscription{}}
}

func (s *fakeStore) GetSubscriptionForUpdate(ctx context.Context, tx pgx.Tx, proID string) (model.ProfessionalSubscription, bool, error) {
	sub, ok := s.subs[proID]
	return sub, ok, nil
}

func (s *fakeStore) UpsertSubscription(ctx context.Context, tx pgx.Tx, sub model.ProfessionalSubscription) error {
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

func TestIsEntitled(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	future := now.Add(30 * 24 * time.Hour)
	past := now.Add(-time.Hour)

	cases := []struct {
		name string
		sub  model.ProfessionalSubscription
		want bool
	}{
		{"active with future period", model.ProfessionalSubscription{Status: model.SubscriptionActive, CurrentPeriodEnd: &future}, true},
		{"trialing with future period", model.ProfessionalSubscription{Status: model.SubscriptionTrialing, CurrentPeriodEnd: &future}, true},
		{"active without period end", model.ProfessionalSubscription{Status: model.SubscriptionActive}, true},
		{"active but expired period", model.ProfessionalSubscription{Status: model.SubscriptionActive, CurrentPeriodEnd: &past}, false},
		{"past_due", model.ProfessionalSubscription{Status: model.SubscriptionPastDue, CurrentPeriodEnd: &future}, false},
		{"canceled", model.ProfessionalSubscription{Status: model.SubscriptionCanceled}, false},
		{"unpaid", model.ProfessionalSubscription{Status: model.SubscriptionUnpaid}, false},
		{"inactive", model.ProfessionalSubscription{Status: model.SubscriptionInactive}, false},
	}
	for _, c := range cases {
		if got := IsEntitled(c.sub, now); got != c.want {
			t.Fatalf("%s: expected %v, got %v", c.name, c.want, got)
		}
	}
}

func TestStatusFromGateway(t *testing.T) {
	if got := StatusFromGateway("active"); got != model.SubscriptionActive {
		t.Fatalf("expected active, got %s", got)
	}
	if got := StatusFromGateway("trialing"); got != model.SubscriptionTrialing {
		t.Fatalf("expected trialing, got %s", got)
	}
	// Untracked gateway statuses land on the safe side.
	for _, raw := range []string{"incomplete", "incomplete_expired", "paused", ""} {
		if got := StatusFromGateway(raw); got != model.SubscriptionInactive {
			t.Fatalf("%q: expected inactive, got %s", raw, got)
		}
	}
}

func TestApplyGatewayState_EmitsOnEntitlementFlip(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	svc := New(store, sink, slog.New(slog.DiscardHandler))
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	periodEnd := now.Add(30 * 24 * time.Hour)

	// No row yet: activation flips entitlement on.
	err := svc.ApplyGatewayState(context.Background(), &fakeTx{}, "pro-1", "sub_1", "cus_1", model.SubscriptionTrialing, &periodEnd, now)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(sink.events) != 1 || sink.events[0].EventType != "billing.entitlement.changed.v1" {
		t.Fatalf("expected entitlement event, got %+v", sink.events)
	}

	// Same entitled state again: no new event.
	err = svc.ApplyGatewayState(context.Background(), &fakeTx{}, "pro-1", "sub_1", "cus_1", model.SubscriptionActive, &periodEnd, now)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("entitled->entitled must not emit, got %d events", len(sink.events))
	}

	// Past due flips entitlement off.
	err = svc.ApplyGatewayState(context.Background(), &fakeTx{}, "pro-1", "sub_1", "cus_1", model.SubscriptionPastDue, &periodEnd, now)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(sink.events) != 2 {
		t.Fatalf("expected entitlement-off event, got %d events", len(sink.events))
	}
	if store.subs["pro-1"].Status != model.SubscriptionPastDue {
		t.Fatalf("status not persisted: %+v", store.subs["pro-1"])
	}
}

func TestApplyGatewayState_KeepsCustomerIDWhenMissing(t *testing.T) {
	store := newFakeStore()
	store.subs["pro-1"] = model.ProfessionalSubscription{
		ProfessionalID:   "pro-1",
		Status:           model.SubscriptionActive,
		StripeCustomerID: "cus_known",
	}
	svc := New(store, &fakeSink{}, slog.New(slog.DiscardHandler))

	err := svc.ApplyGatewayState(context.Background(), &fakeTx{}, "pro-1", "sub_1", "", model.SubscriptionActive, nil, time.Now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if store.subs["pro-1"].StripeCustomerID != "cus_known" {
		t.Fatalf("customer id lost: %+v", store.subs["pro-1"])
	}
}

func TestApplyDeleted(t *testing.T) {
	store := newFakeStore()
	periodEnd := time.Now().Add(24 * time.Hour)
	store.subs["pro-1"] = model.ProfessionalSubscription{
		ProfessionalID:       "pro-1",
		Status:               model.SubscriptionActive,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		CurrentPeriodEnd:     &periodEnd,
	}
	sink := &fakeSink{}
	svc := New(store, sink, slog.New(slog.DiscardHandler))

	err := svc.ApplyDeleted(context.Background(), &fakeTx{}, "pro-1", "sub_1", time.Now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	got := store.subs["pro-1"]
	if got.Status != model.SubscriptionCanceled || got.CurrentPeriodEnd != nil {
		t.Fatalf("expected canceled with cleared period: %+v", got)
	}
	if got.StripeSubscriptionID != "" || got.StripeCustomerID != "" {
		t.Fatalf("gateway references must be cleared on delete: %+v", got)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected entitlement-off event, got %d", len(sink.events))
	}
}

func TestApplyDeleted_UnknownProDoesNotEmit(t *testing.T) {
	store := newFakeStore()
	sink := &fakeSink{}
	svc := New(store, sink, slog.New(slog.DiscardHandler))

	err := svc.ApplyDeleted(context.Background(), &fakeTx{}, "pro-9", "sub_9", time.Now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if store.subs["pro-9"].Status != model.SubscriptionCanceled {
		t.Fatalf("row not written: %+v", store.subs["pro-9"])
	}
	if len(sink.events) != 0 {
		t.Fatalf("never-entitled pro must not emit, got %d", len(sink.events))
	}
}
