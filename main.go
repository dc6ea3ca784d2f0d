package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/snoutid/internal/auth"
	"github.com/example/snoutid/internal/config"
	"github.com/example/snoutid/internal/handlers"
	"github.com/example/snoutid/internal/logging"
	"github.com/example/snoutid/internal/metrics"
	"github.com/example/snoutid/internal/repository"
	"github.com/example/snoutid/internal/tracing"
	"github.com/example/snoutid/internal/usecase"
)

const serviceName = "snoutid"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		addr     string
		logLevel string
	)

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Pet identification by snout biometrics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		if addr != "" {
			cfg.HTTPAddr = addr
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		return cfg, nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "override HTTP_ADDR")

	var withSubjects bool
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the biometric schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cfg, withSubjects)
		},
	}
	migrate.Flags().BoolVar(&withSubjects, "with-subjects", false, "also create the pets and owners tables")

	root.AddCommand(serve, migrate)
	return root
}

func runMigrate(ctx context.Context, cfg *config.Config, withSubjects bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	if withSubjects {
		if err := repository.MigrateSubjects(ctx, db); err != nil {
			return fmt.Errorf("migrate subjects: %w", err)
		}
	}
	if err := repository.NewBiometricRepository(db, logger).AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("schema migrated", zap.String("driver", cfg.DatabaseDriver), zap.Bool("subjects", withSubjects))
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
	defer cancelStart()

	tp, err := tracing.Setup(startCtx, tracing.Config{ServiceName: serviceName, AppEnv: cfg.AppEnv, EnableExport: cfg.OTLPExport}, logger)
	if err != nil {
		return err
	}
	defer shutdownWithTimeout(tp.Shutdown, logger, "tracer provider")

	db, err := openDatabase(startCtx, cfg)
	if err != nil {
		return err
	}
	records := repository.NewBiometricRepository(db, logger)
	if cfg.DatabaseDriver == "sqlite" {
		if err := repository.MigrateSubjects(startCtx, db); err != nil {
			return fmt.Errorf("migrate subjects: %w", err)
		}
	}
	if err := records.AutoMigrate(startCtx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	subjects := repository.NewSubjectRepository(db)

	m := metrics.NewMetrics(serviceName, true)

	provider, err := buildProvider(startCtx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer provider.close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	idx, err := buildIndex(startCtx, gctx, g, cfg, db, records, logger)
	if err != nil {
		return err
	}
	defer idx.close()

	uc := usecase.NewBiometryUseCase(records, subjects, idx.index, provider.embedder, logger).
		WithRecorder(m).
		WithMinScore(cfg.RegistrationScore)

	extras, err := attachOptional(startCtx, cfg, uc, logger)
	if err != nil {
		return err
	}
	defer extras.close()

	limiter := handlers.NewIPRateLimiter(cfg.SearchRatePerSecond, cfg.SearchRateBurst)
	g.Go(func() error {
		runEvery(gctx, time.Minute, limiter.Sweep)
		return nil
	})
	g.Go(func() error {
		runEvery(gctx, 30*time.Second, func() {
			n, err := idx.size(gctx)
			if err != nil {
				logger.Warn("failed to measure index size", zap.Error(err))
				return
			}
			m.SetIndexSize(n)
		})
		return nil
	})

	gin.SetMode(ginMode(cfg.AppEnv))
	router := gin.New()
	router.Use(gin.Recovery(), m.GinMiddleware())
	router.MaxMultipartMemory = handlers.MaxUploadSize
	router.GET("/metrics", gin.WrapH(m.Handler()))
	handlers.RegisterRoutes(router, uc, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience), limiter.Middleware(), logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("snout biometry API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("index", cfg.IndexBackend),
		zap.Bool("cache", cfg.RedisAddr != ""),
	)
	serveErr := serveHTTPServer(server, cfg.ShutdownTimeout, logger)
	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("background task failed", zap.Error(err))
	}
	return serveErr
}

func ginMode(appEnv string) string {
	if appEnv == "production" {
		return gin.ReleaseMode
	}
	return gin.DebugMode
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fn()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func shutdownWithTimeout(fn func(context.Context) error, logger *zap.Logger, what string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("shutdown failed", zap.String("component", what), zap.Error(err))
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
