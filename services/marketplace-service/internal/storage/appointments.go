package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/model"
)

const appointmentColumns = `
	id::text, client_id::text, pro_id::text, service_id::text,
	start_at, end_at, duration_minutes,
	COALESCE(street, ''), COALESCE(city, ''), COALESCE(zip_code, ''), COALESCE(country, ''),
	latitude, longitude, COALESCE(additional_info, ''),
	status,
	base_price_cents, emergency_fee_cents, weekend_fee_cents, final_price_cents, deposit_cents,
	is_emergency, is_weekend,
	deposit_paid, COALESCE(deposit_intent_id, ''), COALESCE(deposit_charge_id, ''),
	refund_cents, COALESCE(refund_reason, ''), refund_processed_at, COALESCE(refund_id, ''),
	cancelled_at, COALESCE(cancelled_by::text, ''), COALESCE(cancellation_reason, ''), cancellation_fee_cents,
	COALESCE(client_notes, ''), COALESCE(pro_notes, ''),
	version, created_at, updated_at`

func (r *Repository) InsertAppointment(ctx context.Context, tx pgx.Tx, a *model.Appointment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO appointments
			(id, client_id, pro_id, service_id,
			 start_at, end_at, duration_minutes,
			 street, city, zip_code, country, latitude, longitude, additional_info,
			 status,
			 base_price_cents, emergency_fee_cents, weekend_fee_cents, final_price_cents, deposit_cents,
			 is_emergency, is_weekend, client_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23)
	`,
		a.ID, a.ClientID, a.ProfessionalID, a.ServiceID,
		a.StartAt, a.EndAt, a.DurationMinutes,
		nullIfEmpty(a.Address.Street), nullIfEmpty(a.Address.City), nullIfEmpty(a.Address.ZipCode),
		nullIfEmpty(a.Address.Country), a.Address.Latitude, a.Address.Longitude, nullIfEmpty(a.Address.AdditionalInfo),
		string(a.Status),
		a.BasePriceCents, a.EmergencyFeeCents, a.WeekendFeeCents, a.FinalPriceCents, a.DepositCents,
		a.IsEmergency, a.IsWeekend, nullIfEmpty(a.ClientNotes),
	)
	return err
}

// CountOverlapping counts non-terminal appointments for the professional
// whose [start_at, end_at) window intersects [start, end). The GiST
// exclusion constraint enforces the same rule at commit time.
func (r *Repository) CountOverlapping(ctx context.Context, tx pgx.Tx, proID string, start, end time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointments
		WHERE pro_id = $1
			AND status IN ('pending', 'accepted')
			AND start_at < $3
			AND end_at > $2
	`, proID, start, end).Scan(&n)
	return n, err
}

func (r *Repository) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return model.Appointment{}, err
	}
	history, err := r.loadStatusHistory(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	a.StatusHistory = history
	return a, nil
}

// GetAppointmentForUpdate locks the appointment row for the remainder of
// the transaction. Webhook handlers and the intent orchestrator use this
// to serialize read-modify-write per appointment.
func (r *Repository) GetAppointmentForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Appointment, error) {
	row := tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	return scanAppointment(row)
}

// TransitionUpdate carries the conditional status write of one transition.
// The write succeeds only if the stored version still matches Version;
// a mismatch means another actor transitioned first.
type TransitionUpdate struct {
	AppointmentID string
	Version       int64
	NewStatus     model.Status

	// cancellation bookkeeping, set only for cancel transitions
	CancelledAt          *time.Time
	CancelledBy          string
	CancellationReason   string
	CancellationFeeCents int64
	RefundCents          int64
	RefundReason         string
}

// ApplyTransition performs the optimistic-concurrency status write and
// reports whether it took effect.
func (r *Repository) ApplyTransition(ctx context.Context, tx pgx.Tx, u TransitionUpdate) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $3,
			cancelled_at = COALESCE($4, cancelled_at),
			cancelled_by = COALESCE($5::uuid, cancelled_by),
			cancellation_reason = COALESCE($6, cancellation_reason),
			cancellation_fee_cents = CASE WHEN $4 IS NOT NULL THEN $7 ELSE cancellation_fee_cents END,
			refund_cents = CASE WHEN $4 IS NOT NULL THEN $8 ELSE refund_cents END,
			refund_reason = COALESCE($9, refund_reason),
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2
	`, u.AppointmentID, u.Version, string(u.NewStatus),
		u.CancelledAt, nullIfEmpty(u.CancelledBy), nullIfEmpty(u.CancellationReason),
		u.CancellationFeeCents, u.RefundCents, nullIfEmpty(u.RefundReason))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AppendStatusHistory adds one history entry. Callers run it in the same
// transaction as the status write so history never disagrees with status.
func (r *Repository) AppendStatusHistory(ctx context.Context, tx pgx.Tx, appointmentID string, c model.StatusChange) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO appointment_status_history (appointment_id, status, changed_at, changed_by, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, appointmentID, string(c.Status), c.ChangedAt, nullIfEmpty(c.ChangedBy), nullIfEmpty(c.Reason))
	return err
}

func (r *Repository) SetDepositIntent(ctx context.Context, tx pgx.Tx, appointmentID, intentID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE appointments
		SET deposit_intent_id = $2,
			version = version + 1,
			updated_at = now()
		WHERE id = $1
	`, appointmentID, intentID)
	return err
}

// MarkDepositPaid flips the paid flag exactly once; replayed webhook
// events see zero rows affected and report not-applied.
func (r *Repository) MarkDepositPaid(ctx context.Context, tx pgx.Tx, appointmentID, chargeID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET deposit_paid = TRUE,
			deposit_charge_id = $2,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND deposit_paid = FALSE
	`, appointmentID, nullIfEmpty(chargeID))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ListAppointments(ctx context.Context, clientID, proID string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ($1 = '' OR client_id = $1::uuid)
			AND ($2 = '' OR pro_id = $2::uuid)
		ORDER BY start_at DESC
		LIMIT $3
	`, clientID, proID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func (r *Repository) GetServicePricing(ctx context.Context, serviceID string) (model.ServicePricing, error) {
	var sp model.ServicePricing
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, pro_id::text, base_price_cents, emergency_eligible,
		       emergency_multiplier, weekend_multiplier, duration_minutes, active
		FROM services
		WHERE id = $1
	`, serviceID).Scan(
		&sp.ServiceID,
		&sp.ProfessionalID,
		&sp.BasePriceCents,
		&sp.EmergencyEligible,
		&sp.EmergencyMultiplier,
		&sp.WeekendMultiplier,
		&sp.DurationMinutes,
		&sp.Active,
	)
	if err != nil {
		return model.ServicePricing{}, err
	}
	return sp, nil
}

func (r *Repository) loadStatusHistory(ctx context.Context, appointmentID string) ([]model.StatusChange, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, changed_at, COALESCE(changed_by::text, ''), COALESCE(reason, '')
		FROM appointment_status_history
		WHERE appointment_id = $1
		ORDER BY id
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []model.StatusChange
	for rows.Next() {
		var c model.StatusChange
		var status string
		if err := rows.Scan(&status, &c.ChangedAt, &c.ChangedBy, &c.Reason); err != nil {
			return nil, err
		}
		c.Status = model.Status(status)
		history = append(history, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return history, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (model.Appointment, error) {
	var a model.Appointment
	var status string
	err := row.Scan(
		&a.ID, &a.ClientID, &a.ProfessionalID, &a.ServiceID,
		&a.StartAt, &a.EndAt, &a.DurationMinutes,
		&a.Address.Street, &a.Address.City, &a.Address.ZipCode, &a.Address.Country,
		&a.Address.Latitude, &a.Address.Longitude, &a.Address.AdditionalInfo,
		&status,
		&a.BasePriceCents, &a.EmergencyFeeCents, &a.WeekendFeeCents, &a.FinalPriceCents, &a.DepositCents,
		&a.IsEmergency, &a.IsWeekend,
		&a.DepositPaid, &a.DepositIntentID, &a.DepositChargeID,
		&a.RefundCents, &a.RefundReason, &a.RefundProcessedAt, &a.RefundID,
		&a.CancelledAt, &a.CancelledBy, &a.CancellationReason, &a.CancellationFeeCents,
		&a.ClientNotes, &a.ProNotes,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	a.Status = model.Status(status)
	return a, nil
}
