// Package server wires the relay together: storage, cache, the websocket
// gateway, the control plane and the background schedulers.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/logging"
	"github.com/dmitrijs2005/cipherrelay/internal/server/blacklist"
	"github.com/dmitrijs2005/cipherrelay/internal/server/cache"
	"github.com/dmitrijs2005/cipherrelay/internal/server/cleanup"
	"github.com/dmitrijs2005/cipherrelay/internal/server/config"
	"github.com/dmitrijs2005/cipherrelay/internal/server/gateway"
	"github.com/dmitrijs2005/cipherrelay/internal/server/httpapi"
	"github.com/dmitrijs2005/cipherrelay/internal/server/lockdown"
	"github.com/dmitrijs2005/cipherrelay/internal/server/media"
	"github.com/dmitrijs2005/cipherrelay/internal/server/presence"
	"github.com/dmitrijs2005/cipherrelay/internal/server/relay"
	"github.com/dmitrijs2005/cipherrelay/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/cipherrelay/internal/server/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	gs "github.com/dmitrijs2005/cipherrelay/internal/server/grpc"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	config  *config.Config
	logger  logging.Logger
	db      *sql.DB
	rm      repomanager.RepositoryManager
	redis   *cache.RedisStore
	gateway *gateway.Gateway
	locks   *lockdown.Service
	cleanup *cleanup.Service
	grpc    *gs.GRPCServer
	http    *http.Server
}

func NewApp(c *config.Config) (*App, error) {

	logger := logging.NewJSONLogger(slog.LevelInfo)

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	store := repomanager.NewStore(db, rm)
	redis := cache.Dial(c.RedisAddr, c.RedisPassword, c.RedisDB)

	blobs, err := media.NewS3Store(context.Background(), media.Options{
		Region:       c.S3Region,
		AccessKey:    c.S3RootUser,
		SecretKey:    c.S3RootPassword,
		BaseEndpoint: c.S3BaseEndpoint,
		Bucket:       c.S3Bucket,
	})
	if err != nil {
		_ = db.Close()
		_ = redis.Close()
		return nil, fmt.Errorf("media store init error: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tracker := presence.NewTracker(redis, c.PresenceTTL, logger)
	registry := sessions.NewRegistry()

	// the gateway needs the device guard and the lock service needs the
	// gateway to force sessions off
	var gw *gateway.Gateway
	locks := lockdown.NewService(store, blacklist.New(redis, c.BlacklistTTL),
		lockdown.DisconnectorFunc(func(identityID, reason string) int {
			return gw.DisconnectIdentity(identityID, reason)
		}), reg, logger)

	gw = gateway.New(registry, tracker, locks, gateway.Options{
		SecretKey:        []byte(c.SecretKey),
		HandshakeTimeout: c.HandshakeTimeout,
		PresenceTTL:      c.PresenceTTL,
		Registerer:       reg,
	}, logger)
	relays := relay.NewService(store, registry, gw, logger)
	gw.RegisterRelay(relays)

	sweeper := cleanup.NewService(store, blobs, c.CleanupInterval, reg, logger)

	health := map[string]httpapi.Pinger{
		"postgres": store.Ping,
		"redis":    redis.Ping,
	}
	router := httpapi.NewRouter(httpapi.Deps{
		SecretKey: []byte(c.SecretKey),
		Locker:    locks,
		Presence:  tracker,
		Sweeper:   sweeper,
		Media:     blobs,
		Messages:  store,
		Delivery:  relays,
		Guard:     locks,
		Admins:    c.AdminIdentities,
		Gateway:   gw,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Health:    health,
		Logger:    logger,
	})

	checks := map[string]gs.Check{
		"postgres": store.Ping,
		"redis":    redis.Ping,
	}

	return &App{
		config:  c,
		logger:  logger,
		db:      db,
		rm:      rm,
		redis:   redis,
		gateway: gw,
		locks:   locks,
		cleanup: sweeper,
		grpc:    gs.NewGRPCServer(c.EndpointAddrGRPC, checks, logger),
		http: &http.Server{
			Addr:              c.EndpointAddrHTTP,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		app.logger.Info(ctx, "Starting HTTP server", "address", app.http.Addr)
		errCh <- app.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	app.logger.Info(ctx, "Stopping HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	defer func() {
		_ = app.redis.Close()
		_ = app.db.Close()
	}()

	if err := app.rm.RunMigrations(ctx, app.db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return app.gateway.Run(ctx) })
	g.Go(func() error { return app.startHTTPServer(ctx) })
	g.Go(func() error { return app.grpc.Run(ctx) })
	g.Go(func() error { return app.cleanup.Run(ctx) })
	g.Go(func() error { return app.locks.Run(ctx, app.config.ReconcileInterval) })

	err := g.Wait()
	app.logger.Info(context.Background(), "App stopped")
	return err
}
