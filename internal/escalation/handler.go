package escalation

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/avdeenkov/remindrelay/internal/pkg/httputil"
	"github.com/avdeenkov/remindrelay/internal/reminders"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: reminders.ErrNotFound, Status: http.StatusNotFound, Message: "reminder not found"},
	{Error: reminders.ErrInvalidTransition, Status: http.StatusConflict},
	{Error: ErrNotRespondable, Status: http.StatusConflict},
}

// Handler handles HTTP requests for reminder responses and status.
type Handler struct {
	engine *Engine
	store  *reminders.Store
}

// NewHandler creates an escalation handler.
func NewHandler(engine *Engine, store *reminders.Store) *Handler {
	return &Handler{engine: engine, store: store}
}

// RegisterRoutes registers reminder response routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/reminders/{reminderID}", h.GetReminder)
	r.Post("/reminders/{reminderID}/ack", h.Acknowledge)
	r.Post("/reminders/{reminderID}/decline", h.Decline)
	r.Delete("/reminders/{reminderID}", h.Cancel)
}

// GetReminder handles GET /reminders/{reminderID}.
func (h *Handler) GetReminder(w http.ResponseWriter, r *http.Request) {
	reminder, err := h.store.Get(r.Context(), chi.URLParam(r, "reminderID"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, reminder)
}

// Acknowledge handles POST /reminders/{reminderID}/ack.
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Acknowledge(r.Context(), chi.URLParam(r, "reminderID")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.JSON(w, http.StatusNoContent, nil)
}

// Decline handles POST /reminders/{reminderID}/decline.
func (h *Handler) Decline(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Decline(r.Context(), chi.URLParam(r, "reminderID")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.JSON(w, http.StatusNoContent, nil)
}

// Cancel handles DELETE /reminders/{reminderID}, the administrative
// cancellation of a reminder and its live delivery.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Cancel(r.Context(), chi.URLParam(r, "reminderID")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.JSON(w, http.StatusNoContent, nil)
}
