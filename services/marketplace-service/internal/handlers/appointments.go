package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/delcoco95/bookauto/services/marketplace-service/internal/booking"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/model"
)

type addressPayload struct {
	Street         string   `json:"street"`
	City           string   `json:"city"`
	ZipCode        string   `json:"zip_code"`
	Country        string   `json:"country"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	AdditionalInfo string   `json:"additional_info,omitempty"`
}

type createAppointmentRequest struct {
	ServiceID   string         `json:"service_id"`
	StartAt     string         `json:"start_at"`
	EndAt       string         `json:"end_at,omitempty"`
	IsEmergency bool           `json:"is_emergency"`
	Address     addressPayload `json:"address"`
	ClientNotes string         `json:"client_notes,omitempty"`
}

func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFromRequest(r)
	if !ok || actor.Role != model.ActorClient {
		http.Error(w, "client identity required", http.StatusForbidden)
		return
	}

	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.ServiceID == "" || strings.TrimSpace(req.StartAt) == "" {
		http.Error(w, "service_id and start_at are required", http.StatusBadRequest)
		return
	}
	startAt, err := time.Parse(time.RFC3339, req.StartAt)
	if err != nil {
		http.Error(w, "invalid start_at", http.StatusBadRequest)
		return
	}
	var endAt time.Time
	if strings.TrimSpace(req.EndAt) != "" {
		endAt, err = time.Parse(time.RFC3339, req.EndAt)
		if err != nil {
			http.Error(w, "invalid end_at", http.StatusBadRequest)
			return
		}
	}
	if strings.TrimSpace(req.Address.Street) == "" || strings.TrimSpace(req.Address.City) == "" || strings.TrimSpace(req.Address.ZipCode) == "" {
		http.Error(w, "address street, city and zip_code are required", http.StatusBadRequest)
		return
	}

	appt, err := h.bookingSvc.Create(r.Context(), booking.CreateParams{
		ClientID:    actor.ID,
		ServiceID:   req.ServiceID,
		StartAt:     startAt,
		EndAt:       endAt,
		IsEmergency: req.IsEmergency,
		Address: model.Address{
			Street:         strings.TrimSpace(req.Address.Street),
			City:           strings.TrimSpace(req.Address.City),
			ZipCode:        strings.TrimSpace(req.Address.ZipCode),
			Country:        strings.TrimSpace(req.Address.Country),
			Latitude:       req.Address.Latitude,
			Longitude:      req.Address.Longitude,
			AdditionalInfo: strings.TrimSpace(req.Address.AdditionalInfo),
		},
		ClientNotes: strings.TrimSpace(req.ClientNotes),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, appointmentResponse(appt))
}

type transitionRequest struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason,omitempty"`
}

// Transition returns a handler for one lifecycle move. All five share the
// same request shape and differ only in the transition applied.
func (h *Handler) Transition(kind model.TransitionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		actor, ok := actorFromRequest(r)
		if !ok {
			http.Error(w, "identity required", http.StatusForbidden)
			return
		}

		var req transitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		req.AppointmentID = strings.TrimSpace(req.AppointmentID)
		if req.AppointmentID == "" {
			http.Error(w, "appointment_id is required", http.StatusBadRequest)
			return
		}

		appt, err := h.bookingSvc.Transition(r.Context(), req.AppointmentID, kind, actor, strings.TrimSpace(req.Reason))
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appointmentResponse(appt))
	}
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "identity required", http.StatusForbidden)
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("appointment_id"))
	if id == "" {
		http.Error(w, "appointment_id is required", http.StatusBadRequest)
		return
	}
	appt, err := h.bookingSvc.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if actor.Role != model.ActorSystem && actor.ID != appt.ClientID && actor.ID != appt.ProfessionalID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, appointmentResponse(appt))
}

func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "identity required", http.StatusForbidden)
		return
	}

	// Non-system callers only ever see their own appointments.
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	proID := strings.TrimSpace(r.URL.Query().Get("pro_id"))
	switch actor.Role {
	case model.ActorClient:
		clientID = actor.ID
		proID = ""
	case model.ActorProfessional:
		proID = actor.ID
		clientID = ""
	}
	if clientID == "" && proID == "" {
		http.Error(w, "client_id or pro_id is required", http.StatusBadRequest)
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			http.Error(w, "limit must be between 1 and 200", http.StatusBadRequest)
			return
		}
		limit = n
	}

	appts, err := h.repo.ListAppointments(r.Context(), clientID, proID, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(appts))
	for _, a := range appts {
		out = append(out, appointmentResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": out})
}

type depositIntentRequest struct {
	AppointmentID string `json:"appointment_id"`
}

func (h *Handler) DepositIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := actorFromRequest(r)
	if !ok || actor.Role != model.ActorClient {
		http.Error(w, "client identity required", http.StatusForbidden)
		return
	}

	var req depositIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id is required", http.StatusBadRequest)
		return
	}

	intent, err := h.paySvc.EnsureDepositIntent(r.Context(), req.AppointmentID, actor.ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intent_id":     intent.ID,
		"client_secret": intent.ClientSecret,
		"amount_cents":  intent.AmountCents,
		"currency":      intent.Currency,
		"status":        intent.Status,
	})
}

func appointmentResponse(a model.Appointment) map[string]any {
	history := make([]map[string]any, 0, len(a.StatusHistory))
	for _, c := range a.StatusHistory {
		entry := map[string]any{
			"status":     string(c.Status),
			"changed_at": c.ChangedAt.UTC().Format(time.RFC3339),
			"changed_by": c.ChangedBy,
		}
		if c.Reason != "" {
			entry["reason"] = c.Reason
		}
		history = append(history, entry)
	}

	resp := map[string]any{
		"id":               a.ID,
		"client_id":        a.ClientID,
		"pro_id":           a.ProfessionalID,
		"service_id":       a.ServiceID,
		"status":           string(a.Status),
		"start_at":         a.StartAt.UTC().Format(time.RFC3339),
		"end_at":           a.EndAt.UTC().Format(time.RFC3339),
		"duration_minutes": a.DurationMinutes,
		"is_emergency":     a.IsEmergency,
		"is_weekend":       a.IsWeekend,
		"address": map[string]any{
			"street":          a.Address.Street,
			"city":            a.Address.City,
			"zip_code":        a.Address.ZipCode,
			"country":         a.Address.Country,
			"additional_info": a.Address.AdditionalInfo,
		},
		"pricing": map[string]any{
			"base_price_cents":    a.BasePriceCents,
			"emergency_fee_cents": a.EmergencyFeeCents,
			"weekend_fee_cents":   a.WeekendFeeCents,
			"final_price_cents":   a.FinalPriceCents,
			"deposit_cents":       a.DepositCents,
		},
		"deposit_paid":   a.DepositPaid,
		"status_history": history,
		"version":        a.Version,
		"created_at":     a.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":     a.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if a.ClientNotes != "" {
		resp["client_notes"] = a.ClientNotes
	}
	if a.ProNotes != "" {
		resp["pro_notes"] = a.ProNotes
	}
	if a.CancelledAt != nil {
		resp["cancelled_at"] = a.CancelledAt.UTC().Format(time.RFC3339)
		resp["cancelled_by"] = a.CancelledBy
		resp["cancellation_reason"] = a.CancellationReason
		resp["cancellation_fee_cents"] = a.CancellationFeeCents
		resp["refund_cents"] = a.RefundCents
	}
	return resp
}
