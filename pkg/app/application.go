package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/osvaldoandrade/batchsup/internal/middleware"
	"github.com/osvaldoandrade/batchsup/internal/supervisor"
	"github.com/osvaldoandrade/batchsup/internal/tracing"
	"github.com/osvaldoandrade/batchsup/pkg/auth"
	_ "github.com/osvaldoandrade/batchsup/pkg/auth/hs256"  // Register shared-secret JWT provider
	_ "github.com/osvaldoandrade/batchsup/pkg/auth/static" // Register static token provider (dev/local)
	"github.com/osvaldoandrade/batchsup/pkg/config"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

type Application struct {
	Config          *config.Config
	Engine          *gin.Engine
	Supervisor      *supervisor.Supervisor
	Logger          *slog.Logger
	Validator       auth.Validator
	TracingShutdown func(context.Context) error

	supervisorOpts []supervisor.Option
	server         *http.Server
	addr           net.Addr
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithValidator sets a custom control validator
func WithValidator(validator auth.Validator) ApplicationOption {
	return func(app *Application) error {
		app.Validator = validator
		return nil
	}
}

// WithSupervisorOptions forwards options to supervisor.New.
func WithSupervisorOptions(opts ...supervisor.Option) ApplicationOption {
	return func(app *Application) error {
		app.supervisorOpts = append(app.supervisorOpts, opts...)
		return nil
	}
}

// NewLogger builds the console logger from the configured level and format.
func NewLogger(cfg *config.Config) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("service", "batchsup")
}

func NewApplication(ctx context.Context, cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	logger := NewLogger(cfg)
	slog.SetDefault(logger)

	app := &Application{
		Config: cfg,
		Logger: logger,
	}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	shutdown, err := tracing.Setup(ctx, cfg.Tracing, logger, attribute.String("batchsup.role", "supervisor"))
	if err != nil {
		return nil, err
	}
	app.TracingShutdown = shutdown

	sup, err := supervisor.New(cfg, app.supervisorOpts...)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	app.Supervisor = sup
	app.Logger = logger.With("run", sup.RunID())

	if app.Validator == nil {
		var pc *auth.ProviderConfig
		switch {
		case cfg.ControlSecret != "":
			c := auth.StringConfig("hs256", cfg.ControlSecret)
			pc = &c
		case cfg.ControlToken != "":
			c := auth.StringConfig("static", cfg.ControlToken)
			pc = &c
		}
		if pc != nil {
			validator, err := auth.NewValidator(*pc)
			if err != nil {
				_ = shutdown(ctx)
				return nil, err
			}
			app.Validator = validator
		}
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestIDMiddleware(), middleware.TracingMiddleware(), middleware.LoggerMiddleware(app.Logger))
	app.Engine = engine
	SetupMappings(app)

	return app, nil
}

// StartControl serves the control API on the configured address. It is a
// no-op without controlAddr.
func (a *Application) StartControl() error {
	if a.Config.ControlAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.Config.ControlAddr)
	if err != nil {
		return fmt.Errorf("control server: %w", err)
	}
	a.addr = ln.Addr()
	a.server = &http.Server{
		Handler:           a.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("control server stopped", "err", err)
		}
	}()
	a.Logger.Info("control server listening", "addr", a.addr.String(), "auth", a.Validator != nil)
	return nil
}

// ControlAddr is the bound control address, or nil when not serving.
func (a *Application) ControlAddr() net.Addr { return a.addr }

// Shutdown stops the control server and flushes the trace exporter.
func (a *Application) Shutdown(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.TracingShutdown != nil {
		if err := a.TracingShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
