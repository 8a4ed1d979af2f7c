package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stanstork/remindr/internal/authz"
	"github.com/stanstork/remindr/internal/handlers"
	"github.com/stanstork/remindr/internal/middleware"
)

// NewRouter sets up the API routes. limiter may be nil.
func NewRouter(reminders *handlers.ReminderHandler, db handlers.Pinger, gatherer prometheus.Gatherer, limiter *middleware.RateLimiter) *mux.Router {
	router := mux.NewRouter()

	// Health check and metrics
	router.HandleFunc("/health", handlers.HealthCheck(db)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(authz.RequireOwner)

	var create http.Handler = http.HandlerFunc(reminders.Create)
	if limiter != nil {
		create = limiter.Limit(create)
	}

	api.Handle("/reminders", create).Methods(http.MethodPost)
	api.HandleFunc("/reminders", reminders.List).Methods(http.MethodGet)
	api.HandleFunc("/reminders/{handle}", reminders.Get).Methods(http.MethodGet)
	api.HandleFunc("/reminders/{handle}", reminders.Edit).Methods(http.MethodPatch)
	api.HandleFunc("/reminders/{handle}", reminders.Cancel).Methods(http.MethodDelete)

	return router
}
