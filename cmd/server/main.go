package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stanstork/remindr/internal/config"
	"github.com/stanstork/remindr/internal/handlers"
	"github.com/stanstork/remindr/internal/metrics"
	"github.com/stanstork/remindr/internal/middleware"
	"github.com/stanstork/remindr/internal/migration"
	"github.com/stanstork/remindr/internal/notification"
	"github.com/stanstork/remindr/internal/repository"
	"github.com/stanstork/remindr/internal/routes"
	"github.com/stanstork/remindr/internal/scheduler"
)

type application struct {
	config    *config.Config
	db        *sqlx.DB
	registry  *prometheus.Registry
	scheduler *scheduler.Scheduler
	service   notification.Service
	redis     *redis.Client
	logger    zerolog.Logger
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	// Load configuration.
	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize database connection.
	db, err := repository.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("Failed to connect to the database")
	}
	defer db.Close()

	// Run database migrations.
	if err := migration.RunMigrations(db.DB, cfg.Database.Driver, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Metrics registry exposed on /metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Delivery channel.
	deliverer, err := notification.NewDeliverer(cfg.Delivery, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure delivery")
	}
	if closer, ok := deliverer.(io.Closer); ok {
		defer closer.Close()
	}

	// Scheduler and service.
	repo := repository.NewNotificationRepository(db)
	sched := scheduler.New(repo, deliverer, scheduler.Config{
		Workers:         cfg.Scheduler.Workers,
		MaxAttempts:     cfg.Scheduler.MaxAttempts,
		RetryBaseDelay:  cfg.Scheduler.RetryBaseDelay,
		DeliveryTimeout: cfg.Scheduler.DeliveryTimeout,
		StoreTimeout:    cfg.Scheduler.StoreTimeout,
		RequestBuffer:   cfg.Scheduler.RequestBuffer,
	}, metrics.NewScheduler(registry), logger)
	service := notification.NewService(repo, sched, logger, notification.WithDefaultZone(cfg.Time.DefaultZone))

	app := &application{
		config:    cfg,
		db:        db,
		registry:  registry,
		scheduler: sched,
		service:   service,
		logger:    logger,
	}

	if cfg.Redis.Addr != "" {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer app.redis.Close()
	}

	// Start the scheduler loop in a separate goroutine.
	schedulerDone := app.startScheduler(ctx)

	// Initialize the HTTP router and middleware.
	router := app.initRouter()
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.CORSOrigins),
		h.AllowedMethods([]string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "X-Owner-ID"}),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, stop, schedulerDone)

	logger.Info().Msg("Application terminated.")
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter() http.Handler {
	var limiter *middleware.RateLimiter
	if app.redis != nil {
		limiter = middleware.NewRateLimiter(
			middleware.NewRedisCounter(app.redis),
			app.config.Redis.RateLimit,
			app.config.Redis.RateWindow,
			app.logger,
		)
		app.logger.Info().
			Int("limit", app.config.Redis.RateLimit).
			Dur("window", app.config.Redis.RateWindow).
			Msg("Submission rate limit enabled")
	}

	reminderHandler := handlers.NewReminderHandler(app.service, app.logger)
	return routes.NewRouter(reminderHandler, app.db, app.registry, limiter)
}

func (app *application) startScheduler(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	// Start the scheduler in a goroutine so it doesn't block.
	go func() {
		defer close(done)
		if err := app.scheduler.Run(ctx); err != nil {
			app.logger.Fatal().Err(err).Msg("Scheduler failed")
		}
	}()

	return done
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, stopScheduler context.CancelFunc, schedulerDone <-chan struct{}) {
	logger := app.logger
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}

	// Stop the scheduler; pending reminders stay in the store.
	logger.Info().Msg("Stopping scheduler...")
	stopScheduler()
	select {
	case <-schedulerDone:
		logger.Info().Msg("Scheduler stopped.")
	case <-ctx.Done():
		logger.Warn().Msg("Scheduler did not stop before the shutdown deadline.")
	}
}
