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

	"github.com/careloop/careloop/internal/adapters/hospitalfeed"
	"github.com/careloop/careloop/internal/careteam"
	"github.com/careloop/careloop/internal/episode"
	"github.com/careloop/careloop/internal/escalation"
	"github.com/careloop/careloop/internal/notification"
	"github.com/careloop/careloop/internal/operator"
	"github.com/careloop/careloop/internal/outreach"
	"github.com/careloop/careloop/internal/protocol"
	"github.com/careloop/careloop/internal/riskadapter"
	"github.com/careloop/careloop/internal/scheduler"
	"github.com/careloop/careloop/internal/shared/auth"
	"github.com/careloop/careloop/internal/shared/config"
	"github.com/careloop/careloop/internal/shared/database"
	"github.com/careloop/careloop/internal/shared/events"
	"github.com/careloop/careloop/internal/shared/metrics"
	secmiddleware "github.com/careloop/careloop/internal/shared/middleware"
	"github.com/careloop/careloop/internal/shared/types"
)

// App holds all application dependencies
type App struct {
	Config *config.Config
	DB     *database.DB
	Bus    events.EventBus
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	app := &App{Config: cfg}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database not available: %v\n", err)
		os.Exit(1)
	}
	app.DB = db
	defer db.Close()

	if err := database.Migrate(ctx, db.Pool); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}

	// Event bus: KurrentDB when available, in-process otherwise. All
	// handlers are idempotent so at-least-once delivery is fine either way.
	if bus, err := events.NewBus(ctx, cfg.KurrentDB); err != nil {
		fmt.Printf("Warning: KurrentDB not available: %v\n", err)
		fmt.Println("Falling back to in-process event bus")
		app.Bus = events.NewMemoryBus()
	} else {
		app.Bus = bus
		fmt.Println("KurrentDB event bus initialized")
	}
	defer app.Bus.Close()

	// Repositories
	episodeRepo := episode.NewRepository(db.Pool)
	protocolRepo := protocol.NewRepository(db.Pool)
	outreachRepo := outreach.NewRepository(db.Pool)
	escalationRepo := escalation.NewRepository(db.Pool)
	careteamRepo := careteam.NewRepository(db.Pool)
	operatorRepo := operator.NewRepository(db.Pool)
	notificationRepo := notification.NewRepository(db.Pool)
	timerStore := scheduler.NewPostgresStore(db.Pool)

	if err := protocolRepo.Seed(ctx); err != nil {
		fmt.Printf("Warning: protocol seeding failed: %v\n", err)
	}

	// Notification dispatcher. Real SMS/voice transports plug in behind
	// the Provider interface; the console provider serves every other env.
	providers := map[notification.Channel]notification.Provider{
		notification.ChannelSMS:   notification.NewConsoleProvider("sms"),
		notification.ChannelVoice: notification.NewConsoleProvider("voice"),
		notification.ChannelEmail: notification.NewConsoleProvider("email"),
	}
	notifier := notification.NewService(providers, notificationRepo, operatorRepo, app.Bus, cfg.Notification)
	if err := notifier.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "notification service failed to start: %v\n", err)
		os.Exit(1)
	}
	defer notifier.Stop()

	// Core services
	outreachSvc := outreach.NewService(outreachRepo, episodeRepo, timerStore, notifier, app.Bus)
	engine := escalation.NewEngine(escalationRepo, careteamRepo, timerStore, notifier, operatorRepo, app.Bus, cfg.Scheduler)
	adapter := riskadapter.NewAdapter(episodeRepo, protocolRepo, engine, escalationRepo, operatorRepo, app.Bus)

	// Durable timers drive every long wait: attempt firing, SLA warning
	// and breach, assignment retries.
	sched := scheduler.New(timerStore, cfg.Scheduler)
	sched.Register(scheduler.KindAttemptDue, outreachSvc.HandleAttemptDue)
	sched.Register(scheduler.KindSLAWarning, engine.HandleSLAWarning)
	sched.Register(scheduler.KindSLABreach, engine.HandleSLABreach)
	sched.Register(scheduler.KindAssignRetry, engine.HandleAssignRetry)
	go func() {
		if err := sched.Start(ctx); err != nil && err != context.Canceled {
			fmt.Fprintf(os.Stderr, "scheduler stopped: %v\n", err)
		}
	}()
	defer sched.Stop()

	// Event subscriptions
	if err := app.Bus.Subscribe(ctx, events.TypePatientDischarged, "outreach-enrollment", outreachSvc.HandlePatientDischarged); err != nil {
		fmt.Printf("Warning: discharge subscription failed: %v\n", err)
	}
	if err := app.Bus.Subscribe(ctx, events.TypeNurseActivated, "escalation-assignment", engine.HandleNurseActivated); err != nil {
		fmt.Printf("Warning: nurse activation subscription failed: %v\n", err)
	}
	if err := app.Bus.Subscribe(ctx, events.TypeNotificationFailed, "outreach-contact-failures", outreachSvc.HandleNotificationFailed); err != nil {
		fmt.Printf("Warning: notification failure subscription failed: %v\n", err)
	}

	// Hospital discharge feed (optional)
	var feed *hospitalfeed.Adapter
	if cfg.HospitalFeed.Enabled {
		feed = hospitalfeed.New(cfg.HospitalFeed, app.Bus)
		if err := feed.Start(ctx); err != nil {
			fmt.Printf("Warning: hospital feed failed to start: %v\n", err)
			feed = nil
		} else {
			fmt.Printf("Hospital discharge feed polling %s every %s\n", cfg.HospitalFeed.DischargeTable, cfg.HospitalFeed.PollInterval)
		}
	}

	// HTTP handlers
	assignProtocol := func(ctx context.Context, episodeID types.ID, condition episode.ConditionCode, risk episode.RiskLevel) error {
		return protocolRepo.Assign(ctx, &protocol.Assignment{
			ID:            types.NewID(),
			EpisodeID:     episodeID,
			ConditionCode: condition,
			RiskLevel:     risk,
			Active:        true,
			AssignedAt:    time.Now().UTC(),
		})
	}
	episodeHandler := episode.NewHandler(episodeRepo, assignProtocol, app.Bus)
	outreachHandler := outreach.NewHandler(outreachSvc, outreachRepo)
	escalationHandler := escalation.NewHandler(escalationRepo, engine)
	protocolHandler := protocol.NewHandler(protocolRepo)
	careteamHandler := careteam.NewHandler(careteamRepo, app.Bus)
	operatorHandler := operator.NewHandler(operatorRepo)
	notificationHandler := notification.NewHandler(notifier)
	riskHandler := riskadapter.NewHandler(adapter)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.MaxBody)
	r.Use(metrics.Middleware)

	r.Get("/health", healthHandler(app))
	r.Get("/ready", readyHandler(app, feed))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", infoHandler)

	r.Route("/api/v1", func(r chi.Router) {
		// provider callbacks arrive unauthenticated; rate limit per IP
		webhookLimiter := secmiddleware.NewIPRateLimiter(20, 40)
		r.Group(func(r chi.Router) {
			r.Use(webhookLimiter.Middleware)
			r.Mount("/webhooks", notificationHandler.Routes())
		})

		r.Group(func(r chi.Router) {
			if cfg.Server.Env == "production" {
				r.Use(auth.Middleware(cfg.Auth))
			}

			r.Route("/episodes", func(r chi.Router) {
				r.Post("/", episodeHandler.CreateEpisode)
				r.Route("/{episodeID}", func(r chi.Router) {
					r.Get("/", episodeHandler.GetEpisode)
					r.Get("/risk-upgrades", episodeHandler.ListRiskUpgrades)
					r.Post("/protocol", episodeHandler.AssignProtocol)

					r.Post("/enroll", outreachHandler.Enroll)
					r.Post("/trigger", outreachHandler.TriggerNow)
					r.Get("/plan", outreachHandler.GetPlan)

					r.Get("/context", riskHandler.GetContext)
					r.Post("/toolcalls", riskHandler.InterpretToolCalls)
				})
			})
			r.Post("/attempts/{attemptID}/outcome", outreachHandler.RecordOutcome)

			r.Mount("/tasks", escalationHandler.Routes())
			r.Mount("/protocol", protocolHandler.Routes())
			r.Mount("/careteam", careteamHandler.Routes())
			r.Mount("/alerts", operatorHandler.Routes())
			r.Get("/toolschema", riskHandler.GetSchema)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		fmt.Println("\nShutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if feed != nil {
			if err := feed.Stop(shutdownCtx); err != nil {
				fmt.Printf("Hospital feed shutdown error: %v\n", err)
			}
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Server shutdown error: %v\n", err)
		}
		close(done)
	}()

	fmt.Println("============================================")
	fmt.Println("Careloop Outreach & Escalation Engine")
	fmt.Println("============================================")
	fmt.Printf("Environment:   %s\n", cfg.Server.Env)
	fmt.Printf("Server:        http://localhost:%d\n", cfg.Server.Port)
	fmt.Printf("API:           http://localhost:%d/api/v1\n", cfg.Server.Port)
	fmt.Printf("Health:        http://localhost:%d/health\n", cfg.Server.Port)
	fmt.Printf("Timer poll:    %s (batch %d)\n", cfg.Scheduler.PollInterval, cfg.Scheduler.BatchSize)
	fmt.Printf("Hospital feed: %v\n", cfg.HospitalFeed.Enabled)
	fmt.Println("============================================")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	<-done
	fmt.Println("Server stopped")
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "Careloop Outreach & Escalation Engine",
		"version": "0.1.0",
		"docs":    "/api/v1",
	})
}

func healthHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
		})
	}
}

func readyHandler(app *App, feed *hospitalfeed.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		if err := app.DB.Health(r.Context()); err != nil {
			checks["database"] = "not ready: " + err.Error()
		} else {
			checks["database"] = "ready"
		}

		if err := app.Bus.Health(); err != nil {
			checks["events"] = "not ready: " + err.Error()
		} else {
			checks["events"] = "ready"
		}

		if feed != nil {
			if err := feed.Health(r.Context()); err != nil {
				checks["hospital_feed"] = "not ready: " + err.Error()
			} else {
				checks["hospital_feed"] = "ready"
			}
		} else {
			checks["hospital_feed"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}
