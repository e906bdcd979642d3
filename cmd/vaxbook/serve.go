package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"

	"vaxbook/backend/internal/config"
	"vaxbook/backend/internal/outbox"
	"vaxbook/backend/internal/service/appointments"
	"vaxbook/backend/internal/store/sqlstore"
	"vaxbook/backend/internal/telemetry"
	grpcTransport "vaxbook/backend/internal/transport/grpc"
	"vaxbook/backend/internal/transport/httpapi"
)

func serveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the gRPC health service and the outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, c.cfg, c.log)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	log.Info("starting",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("grpc_addr", cfg.GRPCAddr),
		slog.String("log_level", cfg.LogLevel),
		slog.String("booking_time_zone", loc.String()),
	)

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:      cfg.OTelEnabled,
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.OTelEndpoint,
		SampleRatio:  cfg.OTelSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracer shutdown failed", slog.Any("err", err))
		}
	}()

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := sqlstore.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}()
	if cfg.DBAutoMigrate {
		if err := sqlstore.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("schema migrated")
	}

	svc := appointments.NewService(sqlstore.NewAppointmentRepo(db), appointments.WithLocation(loc))
	checks := []grpcTransport.ReadyCheck{{Name: "database", Check: db.PingContext}}

	var limiter httpapi.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis.url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		limiter = httpapi.NewRedisRateLimiter(rdb, cfg.RateLimit, cfg.RateLimitWindow, "vaxbook:rl")
		checks = append(checks, grpcTransport.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	} else {
		log.Warn("rate limiting disabled (no redis url configured)")
	}

	handler, err := httpapi.New(httpapi.Config{
		Service:         svc,
		Auth:            httpapi.NewAuthenticator(cfg.JWTSecret),
		BasePath:        cfg.HTTPBasePath,
		RequestTimeout:  cfg.HTTPRequestTimeout,
		Limiter:         limiter,
		LimiterFailOpen: cfg.RateLimitFailOpen,
		Logger:          log,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server started", slog.String("http_addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down http server", slog.Duration("timeout", cfg.ShutdownTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.GRPCAddr != "" {
		hs := grpcTransport.NewHealthServer(log, cfg.GRPCRequestTimeout, checks...)
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", cfg.GRPCAddr, err)
		}
		g.Go(func() error {
			log.Info("grpc health server started", slog.String("grpc_addr", cfg.GRPCAddr))
			return hs.Server.Serve(lis)
		})
		g.Go(func() error {
			hs.Watch(gctx, 5*time.Second)
			grpcTransport.Shutdown(log, hs.Server, cfg.ShutdownTimeout)
			return nil
		})
	}

	if brokers := outbox.SplitBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		pub := outbox.NewPublisher(sqlstore.NewOutboxRepo(db), outbox.NewKafkaWriter(brokers), log, outbox.Config{
			PollEvery: cfg.OutboxPollInterval,
			BatchSize: cfg.OutboxBatchSize,
		})
		g.Go(func() error { return pub.Run(gctx) })
	} else {
		log.Warn("outbox publisher disabled (no kafka brokers configured)")
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server stopped with error", slog.Any("err", err))
		return err
	}
	log.Info("stopped")
	return nil
}

func openDatabase(ctx context.Context, cfg config.Config, log *slog.Logger) (*bun.DB, error) {
	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := sqlstore.Open(cfg.DatabaseURL, sqlstore.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		return nil, err
	}
	return db, nil
}
