package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/avdeenkov/remindrelay/internal/domain"
	"github.com/avdeenkov/remindrelay/internal/pkg/ctxlog"
	"github.com/avdeenkov/remindrelay/internal/pkg/httputil"
	"github.com/avdeenkov/remindrelay/internal/reminders"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidTimezone, Status: http.StatusBadRequest},
	{Error: ErrPastTime, Status: http.StatusBadRequest},
	{Error: ErrNonexistentTime, Status: http.StatusBadRequest},
	{Error: ErrInvalidLocalFormat, Status: http.StatusBadRequest},
	{Error: ErrConflict, Status: http.StatusConflict, Message: "a live delivery already exists for this reminder"},
	{Error: ErrNotFound, Status: http.StatusNotFound, Message: "delivery not found"},
}

// ReminderRegistrar records the reminder entity a scheduled delivery
// belongs to, so the escalation engine can track its responses.
type ReminderRegistrar interface {
	Create(ctx context.Context, reminder *domain.Reminder) error
}

// Handler handles HTTP requests for the delivery module.
type Handler struct {
	service   *Service
	registrar ReminderRegistrar
	clock     Clock
	validator *validator.Validate
}

// NewHandler creates a delivery handler.
func NewHandler(service *Service, registrar ReminderRegistrar, clock Clock) *Handler {
	return &Handler{
		service:   service,
		registrar: registrar,
		clock:     clock,
		validator: validator.New(),
	}
}

// RegisterRoutes registers delivery routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/reminders/{reminderID}/delivery", h.ScheduleDelivery)
	r.Patch("/reminders/{reminderID}/delivery", h.UpdateDelivery)
	r.Delete("/reminders/{reminderID}/delivery", h.CancelDelivery)
	r.Get("/recipients/{recipientID}/deliveries", h.ListRecipientDeliveries)
	r.Get("/queue/stats", h.QueueStats)
	r.Post("/queue/process", h.ProcessDue)
}

// EscalationRuleRequest is the escalation rule portion of a schedule
// request.
type EscalationRuleRequest struct {
	SecondaryRecipientID string   `json:"secondary_recipient_id" validate:"required"`
	TimeoutMinutes       int      `json:"timeout_minutes" validate:"required,gt=0"`
	Triggers             []string `json:"triggers" validate:"required,min=1,dive,oneof=timeout declined no_response"`
}

// ScheduleDeliveryRequest represents the request body for scheduling.
type ScheduleDeliveryRequest struct {
	RecipientID    string                 `json:"recipient_id" validate:"required"`
	LocalTime      string                 `json:"local_time" validate:"required"`
	Timezone       string                 `json:"timezone" validate:"required"`
	Message        string                 `json:"message" validate:"required"`
	MaxAttempts    int                    `json:"max_attempts" validate:"omitempty,gt=0"`
	EscalationRule *EscalationRuleRequest `json:"escalation_rule"`
}

// ScheduleDelivery handles POST /reminders/{reminderID}/delivery.
func (h *Handler) ScheduleDelivery(w http.ResponseWriter, r *http.Request) {
	reminderID := chi.URLParam(r, "reminderID")

	var req ScheduleDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.service.ScheduleDelivery(r.Context(), ScheduleRequest{
		ReminderID:  reminderID,
		RecipientID: req.RecipientID,
		LocalTime:   req.LocalTime,
		Timezone:    req.Timezone,
		Message:     req.Message,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	h.registerReminder(r, reminderID, &req)

	httputil.Success(w, http.StatusCreated, result)
}

// registerReminder records the reminder entity behind a freshly
// scheduled delivery. A reminder that already exists (reschedule after
// cancel) is left as is.
func (h *Handler) registerReminder(r *http.Request, reminderID string, req *ScheduleDeliveryRequest) {
	now := h.clock.Now()
	reminder := &domain.Reminder{
		ID:              reminderID,
		RecipientID:     req.RecipientID,
		Message:         req.Message,
		Timezone:        req.Timezone,
		Status:          domain.ReminderStatusPending,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.EscalationRule != nil {
		triggers := make([]domain.EscalationTrigger, 0, len(req.EscalationRule.Triggers))
		for _, t := range req.EscalationRule.Triggers {
			triggers = append(triggers, domain.EscalationTrigger(t))
		}
		reminder.EscalationRule = &domain.EscalationRule{
			SecondaryRecipientID: req.EscalationRule.SecondaryRecipientID,
			TimeoutMinutes:       req.EscalationRule.TimeoutMinutes,
			Triggers:             triggers,
		}
	}

	if err := h.registrar.Create(r.Context(), reminder); err != nil && !errors.Is(err, reminders.ErrAlreadyExists) {
		ctxlog.FromContext(r.Context()).Error("register reminder failed",
			"reminder_id", reminderID, "error", err)
	}
}

// UpdateDeliveryRequest represents the request body for updating.
type UpdateDeliveryRequest struct {
	RecipientID string `json:"recipient_id"`
	LocalTime   string `json:"local_time" validate:"required"`
	Timezone    string `json:"timezone" validate:"required"`
	Message     string `json:"message"`
	MaxAttempts int    `json:"max_attempts" validate:"omitempty,gt=0"`
}

// UpdateDelivery handles PATCH /reminders/{reminderID}/delivery.
func (h *Handler) UpdateDelivery(w http.ResponseWriter, r *http.Request) {
	reminderID := chi.URLParam(r, "reminderID")

	var req UpdateDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.service.UpdateDelivery(r.Context(), reminderID, UpdateRequest{
		RecipientID: req.RecipientID,
		LocalTime:   req.LocalTime,
		Timezone:    req.Timezone,
		Message:     req.Message,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// CancelDelivery handles DELETE /reminders/{reminderID}/delivery.
func (h *Handler) CancelDelivery(w http.ResponseWriter, r *http.Request) {
	reminderID := chi.URLParam(r, "reminderID")

	if err := h.service.CancelDelivery(r.Context(), reminderID); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.JSON(w, http.StatusNoContent, nil)
}

// ListRecipientDeliveries handles GET /recipients/{recipientID}/deliveries.
func (h *Handler) ListRecipientDeliveries(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipientID")

	items, err := h.service.GetUserDeliveries(r.Context(), recipientID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, items)
}

// QueueStats handles GET /queue/stats.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetQueueStats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// ProcessDue handles POST /queue/process, a manual drain of due
// deliveries for operators.
func (h *Handler) ProcessDue(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ProcessDueDeliveries(r.Context(), h.clock.Now())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}
