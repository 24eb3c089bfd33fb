package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/delcoco95/bookauto/services/marketplace-service/internal/model"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/outbox"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/storage"
)

var (
	// ErrAlreadyPaid: the deposit was already captured; there is nothing
	// left to pay.
	ErrAlreadyPaid = errors.New("deposit already paid")
	ErrNotOwner    = errors.New("appointment belongs to another client")
	// ErrWrongState: deposits are only collectable while the appointment
	// is pending.
	ErrWrongState = errors.New("appointment not in a payable state")
	ErrNotFound   = errors.New("appointment not found")
)

// Store is the persistence surface the payment flow needs. The row lock
// taken by GetAppointmentForUpdate serialises concurrent intent requests
// for the same appointment.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetAppointmentForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Appointment, error)
	SetDepositIntent(ctx context.Context, tx pgx.Tx, appointmentID, intentID string) error
	MarkDepositPaid(ctx context.Context, tx pgx.Tx, appointmentID, chargeID string) (bool, error)
}

type EventSink interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

type Service struct {
	store   Store
	events  EventSink
	gateway Gateway
	logger  *slog.Logger
}

func NewService(store Store, events EventSink, gateway Gateway, logger *slog.Logger) *Service {
	return &Service{store: store, events: events, gateway: gateway, logger: logger}
}

// Gateway intent statuses that mean "the client can still complete this
// payment": reuse the intent instead of creating a second one.
func intentAwaitable(status string) bool {
	switch status {
	case "requires_payment_method", "requires_confirmation", "requires_action", "processing":
		return true
	}
	return false
}

// EnsureDepositIntent returns a payment intent for the appointment's
// deposit, creating one at the gateway only when no usable intent exists.
// Repeated calls are idempotent: the same awaitable intent comes back.
func (s *Service) EnsureDepositIntent(ctx context.Context, appointmentID, clientID string) (Intent, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return Intent{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := s.store.GetAppointmentForUpdate(ctx, tx, appointmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			return Intent{}, ErrNotFound
		}
		return Intent{}, err
	}
	if appt.ClientID != clientID {
		return Intent{}, ErrNotOwner
	}
	if appt.DepositPaid {
		return Intent{}, ErrAlreadyPaid
	}
	if appt.Status != model.StatusPending {
		return Intent{}, fmt.Errorf("status %s: %w", appt.Status, ErrWrongState)
	}

	if appt.DepositIntentID != "" {
		existing, err := s.gateway.RetrieveIntent(ctx, appt.DepositIntentID)
		if err != nil {
			return Intent{}, err
		}
		switch {
		case existing.Status == "succeeded":
			// The webhook will flip deposit_paid shortly; do not hand the
			// client a second intent in the meantime.
			return Intent{}, ErrAlreadyPaid
		case intentAwaitable(existing.Status):
			return existing, nil
		}
		// Canceled or otherwise dead intent: fall through and replace it.
		s.logger.Info("replacing dead deposit intent",
			"appointment_id", appt.ID, "intent_id", existing.ID, "intent_status", existing.Status)
	}

	created, err := s.gateway.CreateIntent(ctx, CreateIntentParams{
		AmountCents: appt.DepositCents,
		Currency:    "eur",
		Metadata: map[string]string{
			"appointment_id": appt.ID,
			"client_id":      appt.ClientID,
			"pro_id":         appt.ProfessionalID,
			"service_id":     appt.ServiceID,
			"type":           "deposit",
		},
	})
	if err != nil {
		return Intent{}, err
	}

	if err := s.store.SetDepositIntent(ctx, tx, appt.ID, created.ID); err != nil {
		return Intent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Intent{}, err
	}

	s.logger.Info("deposit intent created",
		"appointment_id", appt.ID, "intent_id", created.ID, "amount_cents", created.AmountCents)
	return created, nil
}

// ApplyDepositSucceeded records a gateway-confirmed deposit payment inside
// the caller's transaction. It is a no-op when the deposit is already
// marked paid.
func (s *Service) ApplyDepositSucceeded(ctx context.Context, tx pgx.Tx, appointmentID, intentID, chargeID string, occurredAt time.Time) error {
	appt, err := s.store.GetAppointmentForUpdate(ctx, tx, appointmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			// The gateway knows an appointment we do not. Keep the event
			// recorded (dedup row) but change nothing.
			s.logger.Warn("deposit succeeded for unknown appointment", "appointment_id", appointmentID, "intent_id", intentID)
			return nil
		}
		return err
	}
	if appt.DepositIntentID != intentID {
		// An intent can be paid even when recording it locally failed
		// (crash between gateway create and commit). The metadata pins
		// the charge to this appointment, so repoint the record at the
		// intent that actually settled and apply it.
		s.logger.Warn("deposit succeeded for unrecorded intent",
			"appointment_id", appointmentID, "intent_id", intentID, "recorded_intent_id", appt.DepositIntentID)
		if err := s.store.SetDepositIntent(ctx, tx, appointmentID, intentID); err != nil {
			return err
		}
	}

	applied, err := s.store.MarkDepositPaid(ctx, tx, appointmentID, chargeID)
	if err != nil {
		return err
	}
	if !applied {
		// Replayed event, already paid.
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"appointment_id": appointmentID,
		"client_id":      appt.ClientID,
		"pro_id":         appt.ProfessionalID,
		"intent_id":      intentID,
		"charge_id":      chargeID,
		"amount_cents":   appt.DepositCents,
		"occurred_at":    occurredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return s.events.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appointmentID,
		EventType:     "payments.deposit.succeeded.v1",
		Payload:       payload,
	})
}

// ApplyDepositFailed is informational: the appointment stays pending and
// the client may retry, so no state changes.
func (s *Service) ApplyDepositFailed(ctx context.Context, appointmentID, intentID, failureMessage string) {
	s.logger.Info("deposit payment failed",
		"appointment_id", appointmentID, "intent_id", intentID, "failure", failureMessage)
}
