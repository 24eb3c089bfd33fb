// Package subscriptions tracks each professional's gateway subscription
// and answers the entitlement question. The gateway is the source of
// truth; local rows only mirror what it reported last.
package subscriptions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/delcoco95/bookauto/services/marketplace-service/internal/model"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/outbox"
)

type Store interface {
	GetSubscriptionForUpdate(ctx context.Context, tx pgx.Tx, proID string) (model.ProfessionalSubscription, bool, error)
	UpsertSubscription(ctx context.Context, tx pgx.Tx, s model.ProfessionalSubscription) error
}

type EventSink interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

type Service struct {
	store  Store
	events EventSink
	logger *slog.Logger
}

func New(store Store, events EventSink, logger *slog.Logger) *Service {
	return &Service{store: store, events: events, logger: logger}
}

// IsEntitled reports whether a professional may receive bookings: the
// subscription is active or trialing, and the current period (when
// known) has not ended.
func IsEntitled(sub model.ProfessionalSubscription, now time.Time) bool {
	if sub.Status != model.SubscriptionActive && sub.Status != model.SubscriptionTrialing {
		return false
	}
	if sub.CurrentPeriodEnd != nil && !sub.CurrentPeriodEnd.After(now) {
		return false
	}
	return true
}

// StatusFromGateway normalises a gateway status string onto our closed
// set. Statuses we do not track (incomplete, paused) read as inactive,
// which is the safe side for entitlement.
func StatusFromGateway(raw string) model.SubscriptionStatus {
	switch model.SubscriptionStatus(raw) {
	case model.SubscriptionTrialing, model.SubscriptionActive,
		model.SubscriptionPastDue, model.SubscriptionCanceled, model.SubscriptionUnpaid:
		return model.SubscriptionStatus(raw)
	}
	return model.SubscriptionInactive
}

// ApplyGatewayState upserts the subscription row to what the gateway
// reported, inside the caller's transaction. An entitlement flip emits a
// domain event so downstream consumers (search ranking, notifications)
// learn about it.
func (s *Service) ApplyGatewayState(ctx context.Context, tx pgx.Tx, proID, subID, customerID string, status model.SubscriptionStatus, periodEnd *time.Time, occurredAt time.Time) error {
	prev, found, err := s.store.GetSubscriptionForUpdate(ctx, tx, proID)
	if err != nil {
		return err
	}

	next := model.ProfessionalSubscription{
		ProfessionalID:       proID,
		Status:               status,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: subID,
		CurrentPeriodEnd:     periodEnd,
		UpdatedAt:            occurredAt,
	}
	if next.StripeCustomerID == "" && found {
		next.StripeCustomerID = prev.StripeCustomerID
	}

	if err := s.store.UpsertSubscription(ctx, tx, next); err != nil {
		return err
	}

	wasEntitled := found && IsEntitled(prev, occurredAt)
	nowEntitled := IsEntitled(next, occurredAt)
	if wasEntitled != nowEntitled {
		if err := s.emitEntitlementChange(ctx, tx, next, nowEntitled, occurredAt); err != nil {
			return err
		}
	}

	s.logger.Info("subscription state applied",
		"pro_id", proID, "subscription_id", subID, "status", string(status), "entitled", nowEntitled)
	return nil
}

// ApplyDeleted marks the subscription canceled after the gateway deleted
// it. The stored gateway references and period end are cleared so the
// reconciler stops polling the dead subscription and later invoice
// events for it no longer resolve to this professional.
func (s *Service) ApplyDeleted(ctx context.Context, tx pgx.Tx, proID, subID string, occurredAt time.Time) error {
	prev, found, err := s.store.GetSubscriptionForUpdate(ctx, tx, proID)
	if err != nil {
		return err
	}

	next := model.ProfessionalSubscription{
		ProfessionalID: proID,
		Status:         model.SubscriptionCanceled,
		UpdatedAt:      occurredAt,
	}
	if err := s.store.UpsertSubscription(ctx, tx, next); err != nil {
		return err
	}

	if found && IsEntitled(prev, occurredAt) {
		if err := s.emitEntitlementChange(ctx, tx, next, false, occurredAt); err != nil {
			return err
		}
	}

	s.logger.Info("subscription deleted",
		"pro_id", proID, "subscription_id", subID)
	return nil
}

func (s *Service) emitEntitlementChange(ctx context.Context, tx pgx.Tx, sub model.ProfessionalSubscription, entitled bool, occurredAt time.Time) error {
	payload, err := json.Marshal(map[string]any{
		"pro_id":      sub.ProfessionalID,
		"entitled":    entitled,
		"status":      string(sub.Status),
		"occurred_at": occurredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return s.events.Insert(ctx, tx, outbox.Event{
		AggregateType: "professional_subscription",
		AggregateID:   sub.ProfessionalID,
		EventType:     "billing.entitlement.changed.v1",
		Payload:       payload,
	})
}
