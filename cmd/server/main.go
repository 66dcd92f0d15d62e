// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"

	"shelfledger/internal/catalog"
	"shelfledger/internal/circulation"
	"shelfledger/internal/config"
	"shelfledger/internal/database"
	"shelfledger/internal/membership"
	"shelfledger/internal/reports"
	"shelfledger/internal/session"
	"shelfledger/internal/settings"
	"shelfledger/internal/telemetry"
	"shelfledger/internal/web"
	"shelfledger/pkg/eventstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)
	if cfg.DefaultSessionSecret() {
		logger.Warn("SESSION_SECRET is not set, signing tokens with the development secret")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to set up telemetry: %v", err)
	}

	db, err := database.Open(ctx, database.Options{
		Driver:          cfg.DBDriver,
		URL:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnectAttempts: cfg.ConnectAttempts,
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	router, err := newRouter(cfg, db, logger)
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port, "timezone", cfg.Location.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown failed", "error", err)
	}
}

func newRouter(cfg *config.Config, db *sqlx.DB, logger *slog.Logger) (http.Handler, error) {
	es := eventstore.NewEventStore()

	settingsStore := settings.NewStore(db)
	settingsReader := settings.NewResilient(settingsStore, logger)

	ledger := circulation.NewService(db, es, settingsReader, settingsReader,
		circulation.WithLocation(cfg.Location),
		circulation.WithLockTimeout(cfg.LockTimeout),
		circulation.WithLogger(logger),
	)
	books := catalog.NewService(db, es, ledger, logger)
	users := membership.NewService(db, es, ledger, cfg.LoginPerMinute, logger)
	reporting := reports.NewService(db, ledger, settingsReader,
		reports.WithLocation(cfg.Location),
		reports.WithLogger(logger),
	)

	authority, err := session.NewJWTAuthority(cfg.SessionSecret, session.NewStore(db))
	if err != nil {
		return nil, err
	}

	membershipHandler := membership.NewHandler(users, authority, logger)
	admin := web.RequireAdmin(logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(web.RequestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := db.PingContext(req.Context()); err != nil {
			web.Message(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		web.Message(w, http.StatusOK, "ok")
	})

	r.Route("/api", func(r chi.Router) {
		membershipHandler.RegisterPublic(r)

		r.Group(func(r chi.Router) {
			r.Use(web.Authenticate(authority, logger))

			catalog.NewHandler(books, logger).Register(r, admin)
			membershipHandler.Register(r, admin)
			circulation.NewHandler(ledger, logger).Register(r, admin)
			settings.NewHandler(settingsReader, settingsStore, logger).Register(r, admin)
			reports.NewHandler(reporting, logger).Register(r)
		})
	})

	return r, nil
}
