// Package main запускает HTTP-сервер сервиса совместных поездок и фоновую синхронизацию зеркала.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/carpool/internal/booking"
	"github.com/mmeshcher/carpool/internal/config"
	"github.com/mmeshcher/carpool/internal/docstore"
	docmemory "github.com/mmeshcher/carpool/internal/docstore/memory"
	"github.com/mmeshcher/carpool/internal/events"
	"github.com/mmeshcher/carpool/internal/handler"
	"github.com/mmeshcher/carpool/internal/identity"
	"github.com/mmeshcher/carpool/internal/ledger"
	"github.com/mmeshcher/carpool/internal/metrics"
	"github.com/mmeshcher/carpool/internal/middleware"
	"github.com/mmeshcher/carpool/internal/mirror"
	"github.com/mmeshcher/carpool/internal/repository"
	"github.com/mmeshcher/carpool/internal/repository/memory"
)

// relational - реляционное хранилище со всеми ролями, нужными сервису.
type relational interface {
	ledger.Store
	booking.Store
}

// documents - документное хранилище зеркала вместе с таблицей связей.
type documents interface {
	mirror.Documents
	identity.MappingStore
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// openRelational подключает PostgreSQL или, если DATABASE_URI не задан,
// создаёт пустое хранилище в памяти. В нём нет пользователей и автомобилей,
// поэтому публикация поездок возвращает ErrNotFound.
func openRelational(ctx context.Context, cfg *config.Config, logger *zap.Logger) (relational, mirror.Source, func(), error) {
	if cfg.DatabaseURI != "" {
		repo, err := repository.NewPostgresRepository(ctx, cfg.DatabaseURI)
		if err != nil {
			return nil, nil, nil, err
		}
		return repo, repo.Reader(), func() { _ = repo.Close() }, nil
	}

	logger.Warn("DATABASE_URI is empty, using in-memory relational store without users or vehicles: rides cannot be published",
		zap.String("op", "open_relational"),
	)
	mem := memory.New()
	return mem, mem, func() {}, nil
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, source, closeStore, err := openRelational(ctx, cfg, logger)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer closeStore()

	var docs documents
	if cfg.MongoURI != "" {
		mongoStore, err := docstore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			sugar.Fatalw("document store initialization error", "error", err.Error())
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoStore.Close(closeCtx)
		}()
		docs = mongoStore
	} else {
		sugar.Warn("MONGO_URI is empty, using in-memory mirror")
		docs = docmemory.New()
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	l := ledger.New(store, logger, m)

	opts := []booking.Option{booking.WithDefaultCommission(cfg.PlatformCommission)}

	var broker *events.Broker
	if cfg.AMQPURL != "" {
		broker, err = events.Dial(cfg.AMQPURL, logger)
		if err != nil {
			sugar.Fatalw("rabbitmq initialization error", "error", err.Error())
		}
		defer broker.Close()
		opts = append(opts, booking.WithNotifier(events.NewPublisher(broker, logger)))
	}

	engine := booking.New(store, l, logger, m, opts...)
	bridge := identity.NewBridge(docs, logger)
	syncer := mirror.NewEngine(source, docs, bridge, logger, m, cfg.SyncBatchSize)

	if cfg.JWTSecret == "" {
		sugar.Warn("JWT_SECRET is empty, issued tokens will not survive restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	h := handler.NewHandler(engine, l, syncer, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Периодическая синхронизация зеркала
	g.Go(func() error {
		syncer.Run(ctx, cfg.SyncInterval)
		return nil
	})

	// Синхронизация по событиям изменения поездок
	if broker != nil {
		deliveries, err := broker.Consume(events.MirrorQueue)
		if err != nil {
			sugar.Fatalw("rabbitmq consume error", "error", err.Error())
		}
		consumer := events.NewConsumer(func(ctx context.Context, rideID int64) error {
			_, err := syncer.SyncRide(ctx, rideID)
			return err
		}, logger)
		g.Go(func() error {
			consumer.Run(ctx, deliveries)
			return nil
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting carpool server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
