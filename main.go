package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"kanban-api/api"
	"kanban-api/domain"
	"kanban-api/notify"
	"kanban-api/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	if os.Getenv("LOG_FORMAT") == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	logger := log.StandardLogger()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}

	var store domain.Storage
	switch cfg.Backend {
	case backendMemory:
		store = storage.NewMemory()
		log.Warn("using in-memory storage, data is lost on restart")
	default:
		store, err = storage.New(cfg.ConnStr, cfg.TasksTable, cfg.LogsTable, logger)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
	}

	broker := api.NewBroker()
	sinks := notify.Fanout{}
	var deduper api.Deduper
	var rc *redis.Client
	if cfg.RedisConn != "" {
		rc = redis.NewClient(redisOptions(cfg.RedisConn))
		store = storage.NewCache(store, rc, cfg.CacheTTL)
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
		sinks = append(sinks, notify.NewRedisPublisher(rc, cfg.UpdateChannel))
		go notify.Subscribe(ctx, logger, rc, cfg.UpdateChannel, func(domain.Change) { broker.Notify() })
	} else {
		sinks = append(sinks, broker)
	}
	if cfg.EventsQueue != "" {
		qp, err := notify.NewQueuePublisher(cfg.ConnStr, cfg.EventsQueue)
		if err != nil {
			log.Fatalf("events queue: %v", err)
		}
		sinks = append(sinks, qp)
	}
	dispatcher := notify.NewDispatcher(sinks, notify.DispatcherConfig{
		Workers:        cfg.NotifyWorkers,
		Buffer:         cfg.NotifyBuffer,
		Timeout:        cfg.NotifyTimeout,
		HandoffTimeout: cfg.NotifyHandoffTimeout,
	}, logger)

	board := domain.NewBoard(store,
		domain.WithPublisher(dispatcher),
		domain.WithLogger(logger),
		domain.WithLogLimit(cfg.LogsPageSize),
	)

	authn, jwks, err := newAuthenticator(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	if authn == nil {
		log.Warn("no auth configured, board is open")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.GzipRequestMiddleware())
	api.Register(e, board, broker, authn, deduper, logger)

	go func() {
		log.Infof("listening on :%s (storage=%s)", cfg.Port, cfg.Backend)
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown")
	}
	dispatcher.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracing shutdown")
	}
	if jwks != nil {
		jwks.EndBackground()
	}
	if rc != nil {
		if err := rc.Close(); err != nil {
			log.WithError(err).Warn("redis close")
		}
	}
}

// newAuthenticator returns a nil Authenticator when no auth is configured.
func newAuthenticator(cfg config) (api.Authenticator, *keyfunc.JWKS, error) {
	if cfg.LocalAuthMode == "hs256" {
		a, err := api.NewAuth(api.AuthConfig{
			Audience:     cfg.AuthAudience,
			SharedSecret: []byte(cfg.LocalSecret),
		})
		if err != nil {
			return nil, nil, err
		}
		return a, nil, nil
	}
	if cfg.AuthDomain == "" {
		return nil, nil, nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval: time.Hour,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("jwks: %w", err)
	}
	a, err := api.NewAuth(api.AuthConfig{
		JWKS:     jwks,
		Audience: cfg.AuthAudience,
		Issuer:   "https://" + cfg.AuthDomain + "/",
	})
	if err != nil {
		jwks.EndBackground()
		return nil, nil, err
	}
	return a, jwks, nil
}
