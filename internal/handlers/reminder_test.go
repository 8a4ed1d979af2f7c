package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/remindr/internal/authz"
	"github.com/stanstork/remindr/internal/errs"
	"github.com/stanstork/remindr/internal/models"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Submit(ctx context.Context, ownerID, text string, fireAt time.Time) (models.Notification, error) {
	args := m.Called(ctx, ownerID, text, fireAt)
	return args.Get(0).(models.Notification), args.Error(1)
}

func (m *mockService) Cancel(ctx context.Context, ownerID, handle string) error {
	args := m.Called(ctx, ownerID, handle)
	return args.Error(0)
}

func (m *mockService) List(ctx context.Context, ownerID string) ([]models.Notification, error) {
	args := m.Called(ctx, ownerID)
	list, _ := args.Get(0).([]models.Notification)
	return list, args.Error(1)
}

func (m *mockService) Get(ctx context.Context, ownerID, handle string) (models.Notification, error) {
	args := m.Called(ctx, ownerID, handle)
	return args.Get(0).(models.Notification), args.Error(1)
}

func (m *mockService) Edit(ctx context.Context, ownerID, handle, text string) (models.Notification, error) {
	args := m.Called(ctx, ownerID, handle, text)
	return args.Get(0).(models.Notification), args.Error(1)
}

func (m *mockService) Outcome(ctx context.Context, ownerID, handle string) (models.ArchivedNotification, error) {
	args := m.Called(ctx, ownerID, handle)
	return args.Get(0).(models.ArchivedNotification), args.Error(1)
}

func (m *mockService) ParseFireTime(value, zone string) (time.Time, error) {
	args := m.Called(value, zone)
	return args.Get(0).(time.Time), args.Error(1)
}

func newTestRouter(svc *mockService) *mux.Router {
	h := NewReminderHandler(svc, zerolog.Nop())
	router := mux.NewRouter()
	router.Use(authz.RequireOwner)
	router.HandleFunc("/api/reminders", h.Create).Methods(http.MethodPost)
	router.HandleFunc("/api/reminders", h.List).Methods(http.MethodGet)
	router.HandleFunc("/api/reminders/{handle}", h.Get).Methods(http.MethodGet)
	router.HandleFunc("/api/reminders/{handle}", h.Edit).Methods(http.MethodPatch)
	router.HandleFunc("/api/reminders/{handle}", h.Cancel).Methods(http.MethodDelete)
	return router
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(authz.OwnerHeader, "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateReminder(t *testing.T) {
	svc := new(mockService)
	router := newTestRouter(svc)
	fireAt := time.Date(2026, 10, 20, 15, 0, 0, 0, time.UTC)

	svc.On("ParseFireTime", "2026-10-20 18:00", "Europe/Moscow").Return(fireAt, nil).Once()
	svc.On("Submit", mock.Anything, "alice", "buy milk", fireAt).Return(models.Notification{
		Handle:  "h-1",
		OwnerID: "alice",
		Body:    "buy milk",
		Status:  models.NotificationStatusPending,
		FireAt:  fireAt,
	}, nil).Once()

	rec := do(router, http.MethodPost, "/api/reminders", `{"text":"buy milk","fire_at":"2026-10-20 18:00","timezone":"Europe/Moscow"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got models.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "h-1", got.Handle)
	assert.Equal(t, "buy milk", got.Body)
	svc.AssertExpectations(t)
}

func TestCreateReminderValidation(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "malformed json", body: `{"text":`, wantCode: "invalid_payload"},
		{name: "missing text", body: `{"fire_at":"2026-10-20T18:00:00Z"}`, wantCode: "validation_failed"},
		{name: "missing fire_at", body: `{"text":"buy milk"}`, wantCode: "validation_failed"},
		{name: "text too long", body: `{"text":"` + strings.Repeat("a", maxTextLength+1) + `","fire_at":"2026-10-20T18:00:00Z"}`, wantCode: "validation_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(mockService)
			rec := do(newTestRouter(svc), http.MethodPost, "/api/reminders", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Error)
			svc.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestCreateReminderInvalidTime(t *testing.T) {
	svc := new(mockService)
	svc.On("ParseFireTime", "tomorrow", "").Return(time.Time{}, errors.Wrap(errs.ErrInvalidTime, "expected RFC 3339")).Once()

	rec := do(newTestRouter(svc), http.MethodPost, "/api/reminders", `{"text":"buy milk","fire_at":"tomorrow"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_time", decodeError(t, rec).Error)
}

func TestListReminders(t *testing.T) {
	svc := new(mockService)
	svc.On("List", mock.Anything, "alice").Return(nil, nil).Once()

	rec := do(newTestRouter(svc), http.MethodGet, "/api/reminders", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reminders":[]}`, rec.Body.String())
}

func TestGetReminderFallsBackToOutcome(t *testing.T) {
	svc := new(mockService)
	reason := "recipient unreachable"
	svc.On("Get", mock.Anything, "alice", "h-1").Return(models.Notification{}, errs.ErrNotFound).Once()
	svc.On("Outcome", mock.Anything, "alice", "h-1").Return(models.ArchivedNotification{
		Handle: "h-1",
		Status: models.NotificationStatusAbandoned,
		Reason: &reason,
	}, nil).Once()

	rec := do(newTestRouter(svc), http.MethodGet, "/api/reminders/h-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got models.ArchivedNotification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.NotificationStatusAbandoned, got.Status)
}

func TestGetReminderNotFound(t *testing.T) {
	svc := new(mockService)
	svc.On("Get", mock.Anything, "alice", "nope").Return(models.Notification{}, errs.ErrNotFound).Once()
	svc.On("Outcome", mock.Anything, "alice", "nope").Return(models.ArchivedNotification{}, errs.ErrNotFound).Once()

	rec := do(newTestRouter(svc), http.MethodGet, "/api/reminders/nope", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Error)
}

func TestEditReminder(t *testing.T) {
	svc := new(mockService)
	svc.On("Edit", mock.Anything, "alice", "h-1", "buy oat milk").Return(models.Notification{Handle: "h-1", Body: "buy oat milk"}, nil).Once()

	rec := do(newTestRouter(svc), http.MethodPatch, "/api/reminders/h-1", `{"text":"buy oat milk"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "buy oat milk")
}

func TestCancelReminder(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "cancelled", err: nil, wantStatus: http.StatusNoContent},
		{name: "unknown", err: errs.ErrNotFound, wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "already firing", err: errs.ErrTooLate, wantStatus: http.StatusConflict, wantCode: "too_late"},
		{name: "store down", err: errors.New("connection reset"), wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(mockService)
			svc.On("Cancel", mock.Anything, "alice", "h-1").Return(tt.err).Once()

			rec := do(newTestRouter(svc), http.MethodDelete, "/api/reminders/h-1", "")

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeError(t, rec).Error)
			}
		})
	}
}

type fakePinger struct {
	err error
}

func (p fakePinger) PingContext(context.Context) error { return p.err }

func TestHealthCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheck(fakePinger{})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","database":"up"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	HealthCheck(fakePinger{err: errors.New("down")})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
