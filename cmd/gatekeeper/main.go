package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/pflag"

	"github.com/odyssey-erp/gatekeeper/cmd/gatekeeper/cli"
	"github.com/odyssey-erp/gatekeeper/internal/access"
	"github.com/odyssey-erp/gatekeeper/internal/apiclient"
	"github.com/odyssey-erp/gatekeeper/internal/app"
	"github.com/odyssey-erp/gatekeeper/internal/observability"
	"github.com/odyssey-erp/gatekeeper/internal/refresh"
	"github.com/odyssey-erp/gatekeeper/internal/scope"
	"github.com/odyssey-erp/gatekeeper/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	opts, err := cli.Parse(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(cli.ExitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig(opts.Apply)
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		logger.Error("open stores", slog.Any("error", err))
		os.Exit(1)
	}
	defer stores.Close(logger)

	metrics := observability.NewMetrics()
	apiClient := apiclient.NewClient(cfg.APIBaseURL, cfg.APIToken, cfg.APITimeout)
	scopes := scope.NewResolver(stores.KV, cfg.ElevatedRole, logger)
	scopes.Load(ctx)

	engine := access.New(access.Params{
		Source:           apiClient,
		Scopes:           scopes,
		Cache:            stores.Entitlements,
		Logger:           logger,
		Metrics:          metrics,
		RoleOnlyFamilies: cfg.RoleOnlyFamilies,
		Production:       cfg.IsProduction(),
	})

	if opts.Command != "serve" {
		code := runCommand(ctx, cfg, logger, engine, opts)
		stores.Close(logger)
		stop()
		os.Exit(code)
	}

	serve(ctx, stop, cfg, logger, engine, metrics)
}

func runCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, engine *access.Engine, opts cli.Options) int {
	runner := cli.Runner{Engine: engine, Stdout: os.Stdout, Stderr: os.Stderr}
	if cfg.UsesRedis() {
		client := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		runner.Warmup = client
	}
	return runner.Run(ctx, opts)
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger, engine *access.Engine, metrics *observability.Metrics) {
	engine.RefreshAuthContext(ctx)

	scheduler := refresh.NewScheduler(engine.ActivityRefresh, cfg.RefreshMinInterval, logger)

	// SIGHUP counts as activity so operators can nudge a refresh.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	activity := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				close(activity)
				return
			case <-hup:
				select {
				case activity <- struct{}{}:
				default:
				}
			}
		}
	}()
	go scheduler.Run(ctx, activity)

	var jobHandler *jobs.Handler
	if cfg.UsesRedis() {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	} else {
		jobHandler = jobs.NewHandler(nil, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		AccessHandler: access.NewHandler(logger, engine, scheduler),
		JobHandler:    jobHandler,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
