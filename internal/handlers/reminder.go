package handlers

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/remindr/internal/authz"
	"github.com/stanstork/remindr/internal/errs"
	"github.com/stanstork/remindr/internal/models"
	"github.com/stanstork/remindr/internal/notification"
)

const maxTextLength = 4096

type createReminderRequest struct {
	Text     string `json:"text" validate:"required,max=4096"`
	FireAt   string `json:"fire_at" validate:"required"`
	Timezone string `json:"timezone" validate:"omitempty,max=64"`
}

type editReminderRequest struct {
	Text string `json:"text" validate:"required,max=4096"`
}

type ReminderHandler struct {
	service  notification.Service
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewReminderHandler(service notification.Service, logger zerolog.Logger) *ReminderHandler {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &ReminderHandler{
		service:  service,
		validate: validate,
		logger:   logger.With().Str("handler", "reminder").Logger(),
	}
}

func (h *ReminderHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := authz.OwnerIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_owner", "Missing owner context")
		return
	}

	var payload createReminderRequest
	if !h.decode(w, r, &payload) {
		return
	}

	fireAt, err := h.service.ParseFireTime(payload.FireAt, payload.Timezone)
	if err != nil {
		h.fail(w, err, "failed to parse fire time")
		return
	}

	notif, err := h.service.Submit(r.Context(), ownerID, payload.Text, fireAt)
	if err != nil {
		h.fail(w, err, "failed to submit reminder")
		return
	}

	writeJSON(w, http.StatusCreated, notif)
}

func (h *ReminderHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := authz.OwnerIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_owner", "Missing owner context")
		return
	}

	reminders, err := h.service.List(r.Context(), ownerID)
	if err != nil {
		h.fail(w, err, "failed to list reminders")
		return
	}
	if reminders == nil {
		reminders = []models.Notification{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reminders": reminders,
	})
}

// Get returns a pending reminder, or its archived outcome once it has resolved.
func (h *ReminderHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := authz.OwnerIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_owner", "Missing owner context")
		return
	}
	handle := strings.TrimSpace(mux.Vars(r)["handle"])

	notif, err := h.service.Get(r.Context(), ownerID, handle)
	if err == nil {
		writeJSON(w, http.StatusOK, notif)
		return
	}
	if !errors.Is(err, errs.ErrNotFound) {
		h.fail(w, err, "failed to fetch reminder")
		return
	}

	archived, err := h.service.Outcome(r.Context(), ownerID, handle)
	if err != nil {
		h.fail(w, err, "failed to fetch reminder outcome")
		return
	}
	writeJSON(w, http.StatusOK, archived)
}

func (h *ReminderHandler) Edit(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := authz.OwnerIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_owner", "Missing owner context")
		return
	}

	var payload editReminderRequest
	if !h.decode(w, r, &payload) {
		return
	}

	notif, err := h.service.Edit(r.Context(), ownerID, mux.Vars(r)["handle"], payload.Text)
	if err != nil {
		h.fail(w, err, "failed to edit reminder")
		return
	}
	writeJSON(w, http.StatusOK, notif)
}

func (h *ReminderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := authz.OwnerIDFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_owner", "Missing owner context")
		return
	}

	if err := h.service.Cancel(r.Context(), ownerID, mux.Vars(r)["handle"]); err != nil {
		h.fail(w, err, "failed to cancel reminder")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ReminderHandler) decode(w http.ResponseWriter, r *http.Request, payload interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 4*maxTextLength)
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid request payload")
		return false
	}
	if err := h.validate.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", validationMessage(err))
		return false
	}
	return true
}

func (h *ReminderHandler) fail(w http.ResponseWriter, err error, msg string) {
	status, code, known := statusFor(err)
	if !known {
		h.logger.Error().Err(err).Msg(msg)
		writeError(w, status, code, "Internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(fields, "; ")
}
