package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/model"
)

func (r *Repository) UpsertSubscription(ctx context.Context, tx pgx.Tx, s model.ProfessionalSubscription) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO professional_subscriptions (pro_id, status, stripe_customer_id, stripe_subscription_id, current_period_end)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pro_id)
		DO UPDATE SET status = EXCLUDED.status,
		              stripe_customer_id = EXCLUDED.stripe_customer_id,
		              stripe_subscription_id = EXCLUDED.stripe_subscription_id,
		              current_period_end = EXCLUDED.current_period_end,
		              updated_at = now()
	`, s.ProfessionalID, string(s.Status), nullIfEmpty(s.StripeCustomerID), nullIfEmpty(s.StripeSubscriptionID), s.CurrentPeriodEnd)
	return err
}

func (r *Repository) GetSubscription(ctx context.Context, proID string) (model.ProfessionalSubscription, bool, error) {
	s, err := scanSubscription(r.pool.QueryRow(ctx, subscriptionSelect+` WHERE pro_id = $1`, proID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ProfessionalSubscription{}, false, nil
		}
		return model.ProfessionalSubscription{}, false, err
	}
	return s, true, nil
}

// GetSubscriptionForUpdate locks the professional's subscription row so
// concurrent webhook events for the same professional apply one at a time.
func (r *Repository) GetSubscriptionForUpdate(ctx context.Context, tx pgx.Tx, proID string) (model.ProfessionalSubscription, bool, error) {
	s, err := scanSubscription(tx.QueryRow(ctx, subscriptionSelect+` WHERE pro_id = $1 FOR UPDATE`, proID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ProfessionalSubscription{}, false, nil
		}
		return model.ProfessionalSubscription{}, false, err
	}
	return s, true, nil
}

// FindProBySubscriptionID resolves the professional who owns a gateway
// subscription id, or "" when nobody does.
func (r *Repository) FindProBySubscriptionID(ctx context.Context, tx pgx.Tx, subscriptionID string) (string, error) {
	var proID string
	err := tx.QueryRow(ctx, `
		SELECT pro_id::text FROM professional_subscriptions
		WHERE stripe_subscription_id = $1
	`, subscriptionID).Scan(&proID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return proID, nil
}

func (r *Repository) ListStripeSubscriptionsForReconcile(ctx context.Context, limit int) ([]model.ProfessionalSubscription, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, subscriptionSelect+`
		WHERE stripe_subscription_id IS NOT NULL AND stripe_subscription_id <> ''
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ProfessionalSubscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

const subscriptionSelect = `
	SELECT pro_id::text, status,
	       COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''),
	       current_period_end, updated_at
	FROM professional_subscriptions`

func scanSubscription(row rowScanner) (model.ProfessionalSubscription, error) {
	var s model.ProfessionalSubscription
	var status string
	var periodEnd *time.Time
	err := row.Scan(&s.ProfessionalID, &status, &s.StripeCustomerID, &s.StripeSubscriptionID, &periodEnd, &s.UpdatedAt)
	if err != nil {
		return model.ProfessionalSubscription{}, err
	}
	s.Status = model.SubscriptionStatus(status)
	s.CurrentPeriodEnd = periodEnd
	return s, nil
}
