// Package booking owns the appointment state machine: creation with its
// pricing snapshot and every later lifecycle transition.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/delcoco95/bookauto/services/marketplace-service/internal/model"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/outbox"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/pricing"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/storage"
)

var (
	// ErrInvalidTransition: the requested move is not legal from the
	// appointment's current state (or violates a time guard).
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflictingTransition: another actor transitioned the appointment
	// first; the caller should re-read and retry.
	ErrConflictingTransition = errors.New("conflicting transition")
	// ErrSlotConflict: the requested window overlaps a non-terminal
	// appointment for the same professional.
	ErrSlotConflict = errors.New("time slot already booked")
	ErrNotFound     = errors.New("appointment not found")
	ErrForbidden    = errors.New("actor not allowed to perform this transition")
)

// Store is the persistence surface the state machine needs.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetServicePricing(ctx context.Context, serviceID string) (model.ServicePricing, error)
	InsertAppointment(ctx context.Context, tx pgx.Tx, a *model.Appointment) error
	CountOverlapping(ctx context.Context, tx pgx.Tx, proID string, start, end time.Time) (int, error)
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	ApplyTransition(ctx context.Context, tx pgx.Tx, u storage.TransitionUpdate) (bool, error)
	AppendStatusHistory(ctx context.Context, tx pgx.Tx, appointmentID string, c model.StatusChange) error
}

// EventSink receives domain events inside the same transaction as the
// state change (transactional outbox).
type EventSink interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

type Service struct {
	store  Store
	events EventSink
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, events EventSink, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		events: events,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type CreateParams struct {
	ClientID    string
	ServiceID   string
	StartAt     time.Time
	EndAt       time.Time // optional; defaults to StartAt + service duration
	IsEmergency bool
	Address     model.Address
	ClientNotes string
}

// Create books a new appointment in `pending`, capturing the full pricing
// snapshot once. Derived fields (weekend flag, fees, deposit) are computed
// here and never silently recomputed on later writes.
func (s *Service) Create(ctx context.Context, p CreateParams) (model.Appointment, error) {
	sp, err := s.store.GetServicePricing(ctx, p.ServiceID)
	if err != nil {
		if storage.IsNotFound(err) {
			return model.Appointment{}, fmt.Errorf("service %s: %w", p.ServiceID, ErrNotFound)
		}
		return model.Appointment{}, err
	}
	if !sp.Active {
		return model.Appointment{}, fmt.Errorf("service %s is not bookable: %w", p.ServiceID, ErrInvalidTransition)
	}

	now := s.now()
	if !p.StartAt.After(now) {
		return model.Appointment{}, fmt.Errorf("start time must be in the future: %w", ErrInvalidTransition)
	}
	endAt := p.EndAt
	if endAt.IsZero() {
		endAt = p.StartAt.Add(time.Duration(sp.DurationMinutes) * time.Minute)
	}
	if !endAt.After(p.StartAt) {
		return model.Appointment{}, fmt.Errorf("end time must be after start time: %w", ErrInvalidTransition)
	}

	weekend := pricing.IsWeekend(p.StartAt)
	quote := pricing.Compute(sp.BasePriceCents, sp.EmergencyEligible, p.IsEmergency, sp.EmergencyMultiplier, weekend, sp.WeekendMultiplier)

	appt := model.Appointment{
		ID:                uuid.NewString(),
		ClientID:          p.ClientID,
		ProfessionalID:    sp.ProfessionalID,
		ServiceID:         p.ServiceID,
		StartAt:           p.StartAt.UTC(),
		EndAt:             endAt.UTC(),
		DurationMinutes:   int(endAt.Sub(p.StartAt) / time.Minute),
		Address:           p.Address,
		Status:            model.StatusPending,
		BasePriceCents:    quote.BaseCents,
		EmergencyFeeCents: quote.EmergencyFeeCents,
		WeekendFeeCents:   quote.WeekendFeeCents,
		FinalPriceCents:   quote.FinalCents,
		DepositCents:      quote.DepositCents,
		IsEmergency:       p.IsEmergency && sp.EmergencyEligible,
		IsWeekend:         weekend,
		ClientNotes:       p.ClientNotes,
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The rule lives here; the exclusion constraint is the backstop for
	// two concurrent creates passing this check simultaneously.
	overlapping, err := s.store.CountOverlapping(ctx, tx, appt.ProfessionalID, appt.StartAt, appt.EndAt)
	if err != nil {
		return model.Appointment{}, err
	}
	if overlapping > 0 {
		return model.Appointment{}, ErrSlotConflict
	}

	if err := s.store.InsertAppointment(ctx, tx, &appt); err != nil {
		if storage.IsConflict(err) {
			return model.Appointment{}, ErrSlotConflict
		}
		return model.Appointment{}, err
	}
	change := model.StatusChange{Status: model.StatusPending, ChangedAt: now, ChangedBy: p.ClientID}
	if err := s.store.AppendStatusHistory(ctx, tx, appt.ID, change); err != nil {
		return model.Appointment{}, err
	}
	if err := s.emit(ctx, tx, appt.ID, "appointments.appointment.created.v1", map[string]any{
		"appointment_id":    appt.ID,
		"client_id":         appt.ClientID,
		"pro_id":            appt.ProfessionalID,
		"service_id":        appt.ServiceID,
		"start_at":          appt.StartAt.Format(time.RFC3339),
		"end_at":            appt.EndAt.Format(time.RFC3339),
		"final_price_cents": appt.FinalPriceCents,
		"deposit_cents":     appt.DepositCents,
	}); err != nil {
		return model.Appointment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}

	appt.Version = 1
	appt.StatusHistory = []model.StatusChange{change}
	appt.CreatedAt = now
	appt.UpdatedAt = now
	return appt, nil
}

// Transition applies one lifecycle move under optimistic concurrency:
// it reads the appointment, validates legality and authorization, and
// writes status + history + bookkeeping conditionally on the version it
// read. A lost race surfaces as ErrConflictingTransition.
func (s *Service) Transition(ctx context.Context, appointmentID string, kind model.TransitionKind, actor model.Actor, reason string) (model.Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			return model.Appointment{}, ErrNotFound
		}
		return model.Appointment{}, err
	}

	next, ok := model.NextStatus(appt.Status, kind)
	if !ok {
		return model.Appointment{}, fmt.Errorf("%s from %s: %w", kind, appt.Status, ErrInvalidTransition)
	}
	if err := authorize(appt, kind, actor); err != nil {
		return model.Appointment{}, err
	}

	now := s.now()
	update := storage.TransitionUpdate{
		AppointmentID: appt.ID,
		Version:       appt.Version,
		NewStatus:     next,
	}

	switch kind {
	case model.TransitionCancel:
		if !appt.CanBeCancelled(now) {
			return model.Appointment{}, fmt.Errorf("appointment already started or terminal: %w", ErrInvalidTransition)
		}
		// Fee depends on "now" and on the deposit-paid flag as of this
		// moment; never reuse values captured at creation.
		fee := pricing.CancellationFee(appt.FinalPriceCents, appt.StartAt, now)
		update.CancelledAt = &now
		update.CancelledBy = actor.ID
		update.CancellationReason = reason
		update.CancellationFeeCents = fee
		if appt.DepositPaid {
			update.RefundCents = pricing.RefundAmount(appt.DepositCents, fee)
			update.RefundReason = reason
		}
	case model.TransitionComplete:
		if now.Before(appt.EndAt) {
			return model.Appointment{}, fmt.Errorf("cannot complete before scheduled end: %w", ErrInvalidTransition)
		}
	case model.TransitionNoShow:
		if !now.After(appt.StartAt) {
			return model.Appointment{}, fmt.Errorf("cannot mark no-show before scheduled start: %w", ErrInvalidTransition)
		}
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	applied, err := s.store.ApplyTransition(ctx, tx, update)
	if err != nil {
		return model.Appointment{}, err
	}
	if !applied {
		return model.Appointment{}, ErrConflictingTransition
	}
	if err := s.store.AppendStatusHistory(ctx, tx, appt.ID, model.StatusChange{
		Status:    next,
		ChangedAt: now,
		ChangedBy: actor.ID,
		Reason:    reason,
	}); err != nil {
		return model.Appointment{}, err
	}
	if err := s.emit(ctx, tx, appt.ID, "appointments.appointment."+string(next)+".v1", map[string]any{
		"appointment_id":         appt.ID,
		"client_id":              appt.ClientID,
		"pro_id":                 appt.ProfessionalID,
		"status":                 string(next),
		"actor_id":               actor.ID,
		"actor_role":             string(actor.Role),
		"reason":                 reason,
		"occurred_at":            now.Format(time.RFC3339),
		"cancellation_fee_cents": update.CancellationFeeCents,
		"refund_cents":           update.RefundCents,
	}); err != nil {
		return model.Appointment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}

	return s.store.GetAppointment(ctx, appt.ID)
}

func (s *Service) Get(ctx context.Context, appointmentID string) (model.Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			return model.Appointment{}, ErrNotFound
		}
		return model.Appointment{}, err
	}
	return appt, nil
}

func authorize(appt model.Appointment, kind model.TransitionKind, actor model.Actor) error {
	switch kind {
	case model.TransitionAccept, model.TransitionRefuse, model.TransitionNoShow:
		if actor.Role != model.ActorProfessional || actor.ID != appt.ProfessionalID {
			return ErrForbidden
		}
	case model.TransitionComplete:
		if actor.Role == model.ActorSystem {
			return nil
		}
		if actor.Role != model.ActorProfessional || actor.ID != appt.ProfessionalID {
			return ErrForbidden
		}
	case model.TransitionCancel:
		if actor.Role == model.ActorSystem {
			return nil
		}
		if actor.Role == model.ActorClient && actor.ID == appt.ClientID {
			return nil
		}
		if actor.Role == model.ActorProfessional && actor.ID == appt.ProfessionalID {
			return nil
		}
		return ErrForbidden
	}
	return nil
}

func (s *Service) emit(ctx context.Context, tx pgx.Tx, aggregateID, eventType string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.events.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	})
}
