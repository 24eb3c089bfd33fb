// Package reconcile periodically re-reads tracked subscriptions from the
// gateway and repairs local state after missed or out-of-order webhooks.
package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/delcoco95/bookauto/libs/db"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/payments"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/storage"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/subscriptions"
)

type Reconciler struct {
	pool        *db.Pool
	repo        *storage.Repository
	subSvc      *subscriptions.Service
	gateway     payments.Gateway
	logger      *slog.Logger
	batchSize   int
	advisoryKey int64
}

type Config struct {
	BatchSize       int
	AdvisoryLockKey int64
}

func New(pool *db.Pool, repo *storage.Repository, subSvc *subscriptions.Service, gateway payments.Gateway, logger *slog.Logger, cfg Config) *Reconciler {
	bs := cfg.BatchSize
	if bs <= 0 {
		bs = 50
	}
	lockKey := cfg.AdvisoryLockKey
	if lockKey == 0 {
		// Override via env when several instances of this service run.
		lockKey = 7351001
	}
	return &Reconciler{
		pool:        pool,
		repo:        repo,
		subSvc:      subSvc,
		gateway:     gateway,
		logger:      logger,
		batchSize:   bs,
		advisoryKey: lockKey,
	}
}

func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	// Best-effort leader election: only the instance holding the advisory
	// lock reconciles.
	for {
		if ctx.Err() != nil {
			return
		}
		var locked bool
		if err := r.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, r.advisoryKey).Scan(&locked); err != nil {
			r.logger.Error("reconcile: failed to acquire advisory lock", "err", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if !locked {
			r.logger.Info("reconcile: advisory lock held by another instance", "lock_key", r.advisoryKey)
			time.Sleep(30 * time.Second)
			continue
		}
		r.logger.Info("reconcile: advisory lock acquired", "lock_key", r.advisoryKey)
		defer func() {
			_, _ = r.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, r.advisoryKey)
		}()
		break
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on startup to self-heal faster after downtime.
	r.reconcileOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	subs, err := r.repo.ListStripeSubscriptionsForReconcile(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("reconcile: failed to list subscriptions", "err", err)
		return
	}

	for _, s := range subs {
		if ctx.Err() != nil {
			return
		}
		if strings.TrimSpace(s.StripeSubscriptionID) == "" {
			continue
		}

		gwSub, err := r.gateway.RetrieveSubscription(ctx, s.StripeSubscriptionID)
		if err != nil {
			r.logger.Warn("reconcile: failed to fetch subscription",
				"err", err, "subscription_id", s.StripeSubscriptionID, "pro_id", s.ProfessionalID)
			continue
		}

		status := subscriptions.StatusFromGateway(gwSub.Status)
		var periodEnd *time.Time
		if !gwSub.CurrentPeriodEnd.IsZero() {
			t := gwSub.CurrentPeriodEnd.UTC()
			periodEnd = &t
		}
		if status == s.Status && equalPeriodEnd(periodEnd, s.CurrentPeriodEnd) {
			continue
		}

		tx, err := r.repo.Begin(ctx)
		if err != nil {
			r.logger.Error("reconcile: db begin failed", "err", err)
			return
		}
		applyErr := r.subSvc.ApplyGatewayState(ctx, tx, s.ProfessionalID, gwSub.ID, gwSub.CustomerID, status, periodEnd, time.Now().UTC())
		if applyErr != nil {
			_ = tx.Rollback(ctx)
			r.logger.Warn("reconcile: apply failed", "err", applyErr, "pro_id", s.ProfessionalID, "subscription_id", gwSub.ID)
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			_ = tx.Rollback(ctx)
			r.logger.Warn("reconcile: commit failed", "err", err, "pro_id", s.ProfessionalID, "subscription_id", gwSub.ID)
			continue
		}
		r.logger.Info("reconcile: subscription repaired",
			"pro_id", s.ProfessionalID, "subscription_id", gwSub.ID, "status", string(status))
	}
}

func equalPeriodEnd(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
