// Command haul runs one replica of the broadcast matching engine behind
// its HTTP API.
package main

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

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/haul/api"
	audithook "github.com/xraph/haul/audit_hook"
	"github.com/xraph/haul/engine"
	"github.com/xraph/haul/notify"
	"github.com/xraph/haul/notify/kafka"
	"github.com/xraph/haul/store"
	bunstore "github.com/xraph/haul/store/bun"
	mongostore "github.com/xraph/haul/store/mongo"
	"github.com/xraph/haul/store/postgres"
	redisstore "github.com/xraph/haul/store/redis"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("haul: .env not loaded", slog.String("error", err.Error()))
	}

	cfg, err := loadSettings()
	if err != nil {
		slog.Error("haul: invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("haul: exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg settings, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("haul: close", slog.String("error", err.Error()))
			}
		}
	}()

	durable, err := postgres.New(ctx, cfg.DatabaseURL, postgres.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	closers = append(closers, durable.Close)
	if err := durable.Migrate(ctx); err != nil {
		return err
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	closers = append(closers, rdb.Close)
	ephemeral := redisstore.New(rdb, redisstore.WithLogger(logger), redisstore.WithPrefix(cfg.RedisPrefix))
	if err := ephemeral.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	opts := []engine.Option{
		engine.WithConfig(cfg.Engine),
		engine.WithLogger(logger),
		engine.WithDurable(durable),
		engine.WithEphemeral(ephemeral),
	}
	if cfg.Audit {
		opts = append(opts, engine.WithExtension(audithook.New(
			audithook.NewLogRecorder(logger.With(slog.String("stream", "audit"))),
			audithook.WithLogger(logger),
		)))
	}

	archive, closeArchive, err := openArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if archive != nil {
		closers = append(closers, closeArchive)
		opts = append(opts, engine.WithArchive(archive))
	}

	if len(cfg.KafkaBrokers) > 0 {
		codec, err := notify.CodecByName(cfg.KafkaCodec)
		if err != nil {
			return err
		}
		sink, err := kafka.New(kafka.Config{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			BatchTimeout: 50 * time.Millisecond,
		}, kafka.WithCodec(codec), kafka.WithLogger(logger))
		if err != nil {
			return err
		}
		closers = append(closers, sink.Close)
		opts = append(opts, engine.WithSink(sink))
	}

	eng, err := engine.New(opts...)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(eng).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("haul: http listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("haul: http server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("haul: http shutdown", slog.String("error", err.Error()))
	}
	return eng.Stop(shutdownCtx)
}

// openArchive connects the configured summary store and migrates it.
func openArchive(ctx context.Context, cfg settings, logger *slog.Logger) (store.Archive, func() error, error) {
	switch cfg.Archive {
	case "none", "":
		return nil, nil, nil
	case "bun":
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DatabaseURL)))
		db := bun.NewDB(sqldb, pgdialect.New())
		s := bunstore.New(db, bunstore.WithLogger(logger))
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil
	case "mongo":
		if cfg.MongoURI == "" {
			return nil, nil, fmt.Errorf("MONGO_URI is required for the mongo archive")
		}
		client, err := mongod.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		s := mongostore.New(client.Database(cfg.MongoDB), mongostore.WithLogger(logger))
		if err := s.Migrate(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		return s, func() error { return client.Disconnect(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("HAUL_ARCHIVE: unknown archive %q", cfg.Archive)
	}
}
