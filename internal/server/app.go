// Package server wires the chatgate components together and runs the HTTP
// API and the gRPC health service until the process is signalled to stop.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/chatgate/internal/cryptox"
	"github.com/dmitrijs2005/chatgate/internal/dbx"
	"github.com/dmitrijs2005/chatgate/internal/logging"
	"github.com/dmitrijs2005/chatgate/internal/server/auth"
	"github.com/dmitrijs2005/chatgate/internal/server/config"
	"github.com/dmitrijs2005/chatgate/internal/server/httpapi"
	"github.com/dmitrijs2005/chatgate/internal/server/mediacache"
	"github.com/dmitrijs2005/chatgate/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/chatgate/internal/server/services"
	"github.com/dmitrijs2005/chatgate/internal/server/upstream"

	gs "github.com/dmitrijs2005/chatgate/internal/server/grpc"
)

const readHeaderTimeout = 10 * time.Second

// openDB is a seam for tests.
var openDB = repomanager.Open

type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	handler  http.Handler
	upstream *upstream.Client
}

func NewApp(ctx context.Context, c *config.Config, logOut io.Writer) (*App, error) {
	logger, err := logging.New(c.LogFormat, c.LogLevel, logOut)
	if err != nil {
		return nil, fmt.Errorf("logger init error: %w", err)
	}

	vault, err := cryptox.NewVault(c.TokenEncKey)
	if err != nil {
		return nil, fmt.Errorf("vault init error: %w", err)
	}

	issuer, err := auth.NewIssuer(c.JWTIssuer, c.JWTAudience, []byte(c.JWTSigningKey), auth.WithTTL(c.AccessTokenTTL))
	if err != nil {
		return nil, fmt.Errorf("token issuer init error: %w", err)
	}

	client, err := upstream.New(c.ZulipBaseURL, c.UpstreamTimeout, upstream.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("upstream client init error: %w", err)
	}

	var media httpapi.MediaCache
	if c.MediaCacheEnabled() {
		cache, err := mediacache.New(ctx, mediacache.Options{
			Bucket:       c.S3Bucket,
			Region:       c.S3Region,
			BaseEndpoint: c.S3BaseEndpoint,
			AccessKey:    c.S3AccessKey,
			SecretKey:    c.S3SecretKey,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("media cache init error: %w", err)
		}
		media = cache
	}

	db, err := openDB(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	m := repomanager.NewPostgresRepositoryManager()
	if err := m.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db migration error: %w", err)
	}

	creds := services.NewCredentialService(db, m, vault)
	users := services.NewUserService(db, dbx.NewSQLTransactor(db, nil), m, issuer, creds, services.UserServiceOptions{
		InviteCode:      c.InviteCode,
		RefreshTokenTTL: c.RefreshTokenTTL,
		Logger:          logger,
	})

	handler := httpapi.NewRouter(httpapi.Deps{
		Users:          users,
		Credentials:    creds,
		Tokens:         issuer,
		Upstream:       client,
		Media:          media,
		Store:          db,
		Logger:         logger,
		RateLimitRPM:   c.RateLimitRPM,
		AllowedOrigins: c.CORSAllowedOrigins,
		RelayBackoff:   c.RelayBackoff,
	})

	return &App{config: c, logger: logger, db: db, handler: handler, upstream: client}, nil
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

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	srv := &http.Server{
		Addr:              app.config.HTTPAddr,
		Handler:           app.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		app.logger.Info(ctx, "Stopping HTTP server...")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			app.logger.Error(ctx, "HTTP shutdown failed", "error", err)
		}
	}()

	app.logger.Info(ctx, "Starting HTTP server", "address", app.config.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	probes := map[string]gs.Probe{
		"store": app.db.PingContext,
		"upstream": func(ctx context.Context) error {
			_, err := app.upstream.ServerSettings(ctx)
			return err
		},
	}

	s := gs.NewGRPCServer(app.config.GRPCHealthAddr, app.logger, probes, gs.DefaultProbeInterval)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "closing database failed", "error", err)
	}
	app.logger.Info(ctx, "App stopped")
}
