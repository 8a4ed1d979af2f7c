package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/remindr/internal/authz"
	"github.com/stanstork/remindr/internal/handlers"
	"github.com/stanstork/remindr/internal/metrics"
	"github.com/stanstork/remindr/internal/migration"
	"github.com/stanstork/remindr/internal/models"
	"github.com/stanstork/remindr/internal/notification"
	"github.com/stanstork/remindr/internal/repository"
	"github.com/stanstork/remindr/internal/scheduler"
)

type inbox struct {
	mu    sync.Mutex
	texts []string
}

func (i *inbox) Deliver(_ context.Context, n models.Notification) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.texts = append(i.texts, n.OwnerID+": "+n.Body)
	return nil
}

func (i *inbox) Texts() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.texts...)
}

type testServer struct {
	*httptest.Server
	inbox *inbox
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	db, err := repository.Open(ctx, repository.DriverSQLite, filepath.Join(t.TempDir(), "remindr.db"))
	require.NoError(t, err)
	require.NoError(t, migration.RunMigrations(db.DB, repository.DriverSQLite, zerolog.Nop()))

	repo := repository.NewNotificationRepository(db)
	registry := prometheus.NewRegistry()
	box := &inbox{}
	sched := scheduler.New(repo, box, scheduler.Config{Workers: 2}, metrics.NewScheduler(registry), zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()

	svc := notification.NewService(repo, sched, zerolog.Nop(), notification.WithDefaultZone("Europe/Moscow"))
	router := NewRouter(handlers.NewReminderHandler(svc, zerolog.Nop()), db, registry, nil)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		db.Close()
	})
	return &testServer{Server: srv, inbox: box}
}

func (s *testServer) call(t *testing.T, method, path, owner string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set(authz.OwnerHeader, owner)
	}

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestReminderLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	future := time.Now().Add(24 * time.Hour).In(time.UTC)

	resp, raw := srv.call(t, http.MethodPost, "/api/reminders", "alice", map[string]string{
		"text":    "buy milk",
		"fire_at": future.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var milk models.Notification
	require.NoError(t, json.Unmarshal(raw, &milk))

	resp, raw = srv.call(t, http.MethodPost, "/api/reminders", "alice", map[string]string{
		"text":    "call mom",
		"fire_at": future.Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var mom models.Notification
	require.NoError(t, json.Unmarshal(raw, &mom))

	resp, raw = srv.call(t, http.MethodGet, "/api/reminders", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Reminders []models.Notification `json:"reminders"`
	}
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list.Reminders, 2)
	assert.Equal(t, milk.Handle, list.Reminders[0].Handle)
	assert.Equal(t, mom.Handle, list.Reminders[1].Handle)

	resp, _ = srv.call(t, http.MethodDelete, "/api/reminders/"+milk.Handle, "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "owners only see their own reminders")

	resp, _ = srv.call(t, http.MethodDelete, "/api/reminders/"+milk.Handle, "alice", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, raw = srv.call(t, http.MethodGet, "/api/reminders", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list.Reminders, 1)
	assert.Equal(t, mom.Handle, list.Reminders[0].Handle)
	assert.Equal(t, "call mom", list.Reminders[0].Body)
	assert.True(t, mom.FireAt.Equal(list.Reminders[0].FireAt))

	resp, raw = srv.call(t, http.MethodGet, "/api/reminders/"+milk.Handle, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var outcome models.ArchivedNotification
	require.NoError(t, json.Unmarshal(raw, &outcome))
	assert.Equal(t, models.NotificationStatusCancelled, outcome.Status)

	resp, _ = srv.call(t, http.MethodDelete, "/api/reminders/"+milk.Handle, "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Empty(t, srv.inbox.Texts())
}

func TestPastReminderIsDelivered(t *testing.T) {
	srv := newTestServer(t)

	resp, raw := srv.call(t, http.MethodPost, "/api/reminders", "42", map[string]string{
		"text":    "stand up",
		"fire_at": "2020-01-01 09:00",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var notif models.Notification
	require.NoError(t, json.Unmarshal(raw, &notif))
	assert.True(t, notif.FireAt.Equal(time.Date(2020, 1, 1, 6, 0, 0, 0, time.UTC)), "default zone applied")

	require.Eventually(t, func() bool {
		return len(srv.inbox.Texts()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"42: stand up"}, srv.inbox.Texts())

	require.Eventually(t, func() bool {
		resp, raw := srv.call(t, http.MethodGet, "/api/reminders/"+notif.Handle, "42", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var outcome models.ArchivedNotification
		return json.Unmarshal(raw, &outcome) == nil && outcome.Status == models.NotificationStatusFired
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRoutesRequireOwnerAndExposeOps(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := srv.call(t, http.MethodGet, "/api/reminders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, raw := srv.call(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `"ok"`)

	resp, raw = srv.call(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "remindr_scheduler_queue_depth")
}
