package main // Entry point package

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/iliyamo/institute-cms/internal/auth"
	"github.com/iliyamo/institute-cms/internal/config"
	"github.com/iliyamo/institute-cms/internal/database"
	"github.com/iliyamo/institute-cms/internal/handler"
	"github.com/iliyamo/institute-cms/internal/logger"
	"github.com/iliyamo/institute-cms/internal/metrics"
	"github.com/iliyamo/institute-cms/internal/middleware"
	"github.com/iliyamo/institute-cms/internal/queue"
	"github.com/iliyamo/institute-cms/internal/repository"
	"github.com/iliyamo/institute-cms/internal/router"
	"github.com/iliyamo/institute-cms/internal/service"
	"github.com/iliyamo/institute-cms/internal/session"
	"github.com/iliyamo/institute-cms/internal/token"
	"github.com/iliyamo/institute-cms/internal/worker/cleanup"
)

func main() {
	// A .env file is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := logger.SetupDefault(os.Stdout, cfg.LogLevel)

	tokens, err := token.NewIssuer(token.Config{
		AccessSecret:  []byte(cfg.AccessSecret),
		RefreshSecret: []byte(cfg.RefreshSecret),
		AccessTTL:     cfg.AccessTTL(),
		RefreshTTL:    cfg.RefreshTTL(),
		Issuer:        cfg.JWTIssuer,
	})
	if err != nil {
		log.Error("token issuer misconfigured", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if cfg.DBMigrate {
		url := database.MigrationURL(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
		if err := database.RunMigrations(url); err != nil {
			log.Error("migrations failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Error("database unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	users := repository.NewUserRepo(db)
	revocations := repository.NewTokenRepo(db)

	opts := []auth.Option{auth.WithRecorder(collector), auth.WithLogger(log)}
	var events auth.EventPublisher
	var publisher *service.EventPublisher
	if cfg.EventsEnabled {
		publisher = service.NewEventPublisher(service.AMQPSender{URL: cfg.RabbitMQURL}, 256, log)
		events = publisher
		opts = append(opts, auth.WithPublisher(publisher))
		wg.Add(2)
		// Stopped by publisher.Close once the HTTP server has shut down.
		go func() { defer wg.Done(); publisher.Run(context.Background()) }()
		go func() {
			defer wg.Done()
			queue.StartAuthConsumer(ctx, cfg.RabbitMQURL, &queue.AuditLog{Dir: cfg.AuditLogDir}, log)
		}()
	}

	svc := auth.NewService(users, tokens, revocations, auth.Config{
		BcryptCost:  cfg.BcryptCost,
		RefetchUser: cfg.RefetchUser,
	}, opts...)

	purge := cleanup.NewJob(revocations, cfg.RevocationPurgeInterval, log)
	wg.Add(1)
	go func() { defer wg.Done(); purge.Start(ctx) }()

	rdb := config.NewRedisClient()
	if rdb != nil {
		defer rdb.Close()
	}
	limiter := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb)

	e := router.NewServer(router.ServerOptions{
		Logger:         log,
		CORSOrigins:    cfg.CORSOrigins,
		Metrics:        collector,
		TrustedProxies: cfg.TrustedProxies,
	})
	router.RegisterRoutes(e, db, metrics.Handler(reg))
	router.RegisterAuth(e, handler.NewAuthHandler(svc, users, session.NewTransport(cfg.CookieSecure, cfg.CookieDomain)), tokens, limiter.Middleware())
	router.RegisterUsers(e, handler.NewUsersHandler(users, events), tokens)

	addr := ":" + cfg.Port
	go func() {
		log.Info("listening", slog.String("addr", addr), slog.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", slog.String("error", err.Error()))
	}
	if publisher != nil {
		publisher.Close()
	}
	wg.Wait()
}
