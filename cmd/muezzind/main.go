package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zahidf/muezzin/internal/alarm"
	"github.com/zahidf/muezzin/internal/api"
	"github.com/zahidf/muezzin/internal/cache"
	"github.com/zahidf/muezzin/internal/config"
	"github.com/zahidf/muezzin/internal/event"
	"github.com/zahidf/muezzin/internal/local"
	"github.com/zahidf/muezzin/internal/metrics"
	"github.com/zahidf/muezzin/internal/notify"
	"github.com/zahidf/muezzin/internal/observ"
	"github.com/zahidf/muezzin/internal/prayer"
	"github.com/zahidf/muezzin/internal/store"
	"github.com/zahidf/muezzin/internal/store/pgstore"
	"github.com/zahidf/muezzin/internal/store/redisstore"
	"github.com/zahidf/muezzin/internal/sync"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env file is optional; the real environment always wins.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer observ.Flush(logger)

	logger.Info("starting muezzind",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("data_dir", cfg.DataDir),
	)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ls, err := local.NewStore(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}

	// Connect the remote document store.
	ctx := context.Background()
	var docs store.Store
	switch cfg.StoreDriver {
	case config.DriverRedis:
		docs, err = redisstore.New(ctx, redisstore.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, logger)
	case config.DriverPostgres:
		var pg *pgstore.Store
		pg, err = pgstore.New(ctx, pgstore.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err == nil {
			if err = pg.Bootstrap(ctx); err != nil {
				return fmt.Errorf("failed to bootstrap postgres schema: %w", err)
			}
			docs = pg
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to document store: %w", err)
	}
	defer docs.Close()

	// Local snapshot caches over the data directory.
	ttable := cache.NewTimetable(ls, cache.Config{TTL: cfg.TimetableTTL()}, logger)
	mosque := cache.NewMosque(ls, cache.Config{TTL: cfg.MosqueTTL()}, logger)

	client := sync.New(docs, ttable, mosque, ls, logger)

	// The alarm facility fires local triggers; the scheduler keeps it
	// stocked.
	facility := alarm.NewTimerFacility(cfg.AlarmCapacity, func(t alarm.Trigger) {
		metrics.RecordTriggerFired(string(t.Kind))
		logger.Info("trigger fired",
			zap.String("id", t.ID),
			zap.String("title", t.Title),
			zap.String("body", t.Body),
		)
	}, logger)

	sched := notify.New(facility, ls, notify.Config{
		HorizonDays: cfg.HorizonDays,
		Location:    loc,
	}, logger)

	// Seed the scheduler from whatever is reachable at startup. A cold
	// start with the store down still comes up, it just has nothing to
	// arm yet.
	if records, err := client.Timetable(ctx); err != nil {
		logger.Warn("timetable not available at startup, continuing offline", zap.Error(err))
	} else {
		sched.SetTimetable(records)
	}
	if defs, err := client.Events(ctx); err != nil {
		logger.Warn("events not available at startup", zap.Error(err))
	} else {
		sched.SetEvents(defs)
	}

	// Remote changes flow straight into the plan.
	unsubTimetable, err := client.SubscribeTimetable(ctx, func(records []prayer.Record) {
		logger.Info("timetable changed remotely", zap.Int("records", len(records)))
		sched.SetTimetable(records)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to timetable changes: %w", err)
	}
	defer unsubTimetable()

	unsubEvents, err := client.SubscribeEvents(ctx, func(defs []event.Definition) {
		logger.Info("events changed remotely", zap.Int("events", len(defs)))
		sched.SetEvents(defs)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to event changes: %w", err)
	}
	defer unsubEvents()

	unsubConn, err := client.SubscribeConnectivity(ctx, func(online bool) {
		if online {
			logger.Info("document store reachable")
		} else {
			logger.Warn("document store unreachable, serving cached data")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to connectivity: %w", err)
	}
	defer unsubConn()

	// The nightly pass rolls the horizon forward even when nothing
	// changes remotely.
	nightly := cron.New()
	if _, err := nightly.AddFunc(cfg.RescheduleCron, sched.Reschedule); err != nil {
		return fmt.Errorf("invalid reschedule cron %q: %w", cfg.RescheduleCron, err)
	}
	nightly.Start()
	defer nightly.Stop()

	logger.Info("nightly reschedule armed", zap.String("cron", cfg.RescheduleCron))

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, client, sched)

	var limiter *rate.Limiter
	if cfg.RefreshPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RefreshPerMinute)), 2)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/timetable", handler.GetTimetable)
		r.Get("/timetable/{date}", handler.GetTimetableDate)
		r.Patch("/timetable/{date}", handler.PatchTimetableDate)
		r.Delete("/timetable/{date}", handler.DeleteTimetableDate)

		// Forced refreshes and bulk imports share one token bucket.
		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(limiter, logger))
			r.Post("/timetable/refresh", handler.RefreshTimetable)
			r.Put("/timetable", handler.ImportTimetable)
		})

		r.Get("/preferences", handler.GetPreferences)
		r.Put("/preferences", handler.PutPreferences)
		r.Get("/preferences/events", handler.GetEventPreferences)
		r.Put("/preferences/events", handler.PutEventPreferences)

		r.Get("/events", handler.ListEvents)
		r.Post("/events", handler.CreateEvent)
		r.Delete("/events/{id}", handler.DeleteEvent)

		r.Get("/triggers", handler.ListTriggers)
		r.Post("/triggers/reschedule", handler.Reschedule)

		r.Get("/mosque", handler.GetMosque)
		r.Put("/mosque", handler.PutMosque)
	})

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"online": client.Online(),
		})
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
