// Package handlers exposes the HTTP surface. Authentication happens at
// the gateway; identity arrives in X-User-Id / X-Role headers, except for
// provider webhooks where the signature is the auth.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/delcoco95/bookauto/services/marketplace-service/internal/booking"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/model"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/outbox"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/payments"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/storage"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/subscriptions"
)

type Handler struct {
	repo       *storage.Repository
	outboxRepo *outbox.Repository
	bookingSvc *booking.Service
	paySvc     *payments.Service
	subSvc     *subscriptions.Service
	gateway    payments.Gateway
	logger     *slog.Logger

	stripeWebhookSecret    string
	stripeWebhookTolerance time.Duration
	stripeSecretKey        string
	stripePriceID          string
	checkoutSuccessURL     string
	checkoutCancelURL      string
	trialDays              int64
}

type Config struct {
	StripeWebhookSecret           string
	StripeWebhookToleranceSeconds int
	StripeSecretKey               string
	StripePriceID                 string
	CheckoutSuccessURL            string
	CheckoutCancelURL             string
	TrialDays                     int
}

func New(repo *storage.Repository, outboxRepo *outbox.Repository, bookingSvc *booking.Service, paySvc *payments.Service, subSvc *subscriptions.Service, gateway payments.Gateway, logger *slog.Logger, cfg Config) *Handler {
	tolSeconds := cfg.StripeWebhookToleranceSeconds
	if tolSeconds <= 0 {
		tolSeconds = 300
	}
	trialDays := cfg.TrialDays
	if trialDays < 0 {
		trialDays = 0
	}
	return &Handler{
		repo:                   repo,
		outboxRepo:             outboxRepo,
		bookingSvc:             bookingSvc,
		paySvc:                 paySvc,
		subSvc:                 subSvc,
		gateway:                gateway,
		logger:                 logger,
		stripeWebhookSecret:    strings.TrimSpace(cfg.StripeWebhookSecret),
		stripeWebhookTolerance: time.Duration(tolSeconds) * time.Second,
		stripeSecretKey:        strings.TrimSpace(cfg.StripeSecretKey),
		stripePriceID:          strings.TrimSpace(cfg.StripePriceID),
		checkoutSuccessURL:     strings.TrimSpace(cfg.CheckoutSuccessURL),
		checkoutCancelURL:      strings.TrimSpace(cfg.CheckoutCancelURL),
		trialDays:              int64(trialDays),
	}
}

func actorFromRequest(r *http.Request) (model.Actor, bool) {
	id := strings.TrimSpace(r.Header.Get("X-User-Id"))
	role := strings.TrimSpace(r.Header.Get("X-Role"))
	if id == "" {
		return model.Actor{}, false
	}
	switch role {
	case "client":
		return model.Actor{ID: id, Role: model.ActorClient}, true
	case "pro":
		return model.Actor{ID: id, Role: model.ActorProfessional}, true
	case "system":
		return model.Actor{ID: id, Role: model.ActorSystem}, true
	}
	return model.Actor{}, false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError maps service sentinels onto HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrNotFound), errors.Is(err, payments.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, booking.ErrForbidden), errors.Is(err, payments.ErrNotOwner):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, booking.ErrSlotConflict):
		http.Error(w, "time slot already booked", http.StatusConflict)
	case errors.Is(err, booking.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, booking.ErrConflictingTransition):
		http.Error(w, "conflicting update, retry", http.StatusConflict)
	case errors.Is(err, payments.ErrAlreadyPaid):
		http.Error(w, "deposit already paid", http.StatusConflict)
	case errors.Is(err, payments.ErrWrongState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, payments.ErrGatewayUnavailable):
		http.Error(w, "payment gateway unavailable", http.StatusBadGateway)
	default:
		h.logger.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
