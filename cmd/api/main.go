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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"tally.org/internal/audit"
	"tally.org/internal/config"
	"tally.org/internal/events"
	"tally.org/internal/httpapi"
	"tally.org/internal/ledger"
	"tally.org/internal/lock"
	"tally.org/internal/migrate"
	"tally.org/internal/obs"
	"tally.org/internal/store/mongo"
	"tally.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Fatal("tally-api stopped", zap.Error(err))
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log := obs.Logger()
	defer func() { _ = log.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.Store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		cleanup []func()
		checks  = map[string]httpapi.Check{}
		opts    = []ledger.Option{ledger.WithLogger(log), ledger.WithStrict(!cfg.Production())}
	)
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	store, err := openStore(ctx, cfg, log, checks, &cleanup)
	if err != nil {
		return err
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		cleanup = append(cleanup, func() { _ = rdb.Close() })
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		opts = append(opts, ledger.WithLocker(lock.NewRedis(rdb, lock.DefaultRedisOptions())))
		log.Info("using redis lock", zap.String("addr", cfg.RedisAddr))
	}

	stream := events.NewStream(32)
	notifiers := events.Multi{stream, audit.NewTrail(log)}
	if len(cfg.KafkaBrokers) > 0 {
		k, err := events.NewKafka(events.KafkaOptions{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Logger:  log,
		})
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { _ = k.Close() })
		notifiers = append(notifiers, k)
		log.Info("publishing to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	opts = append(opts, ledger.WithNotifier(notifiers))

	svc := ledger.NewService(store, opts...)
	probe := httpapi.ReadyProbe{Checks: checks}
	api := httpapi.New(probe, version, svc,
		httpapi.WithStream(stream),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithCORS(cfg.CORSOrigins, !cfg.Production()),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("starting tally-api", zap.String("version", version), zap.String("addr", srv.Addr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()

	var gs *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs = grpc.NewServer()
		health := httpapi.NewGRPCServer(probe, version)
		health.Register(gs)
		go health.Run(ctx, 5*time.Second)
		go func() {
			log.Info("starting grpc health", zap.String("addr", cfg.GRPCAddr))
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if gs != nil {
		gs.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	log.Info("stopped")
	return runErr
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger, checks map[string]httpapi.Check, cleanup *[]func()) (ledger.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		st, err := pg.Open(cfg.PGDriver, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		*cleanup = append(*cleanup, func() { _ = st.Close() })
		checks["postgres"] = st.Ping

		migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := migrate.NewManager(st.DB(), migrate.Schema(), nil, migrate.WithLogger(log)).Up(migCtx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return st, nil

	case config.StoreMongo:
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		st, err := mongo.Connect(connCtx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		*cleanup = append(*cleanup, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = st.Close(ctx)
		})
		checks["mongo"] = st.Ping
		return st, nil

	default:
		log.Warn("using in-memory store; data is lost on restart")
		return ledger.NewMemStore(), nil
	}
}
