package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/codehost/internal/app"
	"github.com/example/codehost/internal/config"
	"github.com/example/codehost/internal/infrastructure/kafka"
	"github.com/example/codehost/internal/infrastructure/store"
	"github.com/example/codehost/internal/platform/logger"
	"github.com/example/codehost/internal/platform/observability"
	"github.com/example/codehost/internal/projection"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "projector:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With("service", "projector")

	shutdownOTel := observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.OTelEnabled,
		ServiceName: cfg.OTelServiceName + "-projector",
		SampleRatio: cfg.OTelSampleRatio,
		Insecure:    cfg.OTelInsecure,
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	// The projector only reads the log, so it needs no publisher or
	// dead-letter store.
	eventLog, err := app.OpenEventLog(ctx, cfg, nil, nil, log)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = eventLog.Close(context.Background()) }()
	source := store.NewTracedEventStore(eventLog.Store, nil)

	mirror, err := app.OpenMirror(ctx, cfg, eventLog.DB)
	if err != nil {
		return fmt.Errorf("open read model mirror: %w", err)
	}

	projector := projection.NewProjector(mirror, log)

	log.Info("rebuilding read model", "store_mode", cfg.Store.Mode, "mirror", cfg.Mirror.Backend)
	start := time.Now()
	if err := projector.Rebuild(ctx, source); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	view := projector.View()
	log.Info("read model rebuilt",
		"users", view.UserCount(),
		"repositories", view.RepositoryCount(),
		"elapsed", time.Since(start),
	)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ConsumerGroup, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("consuming events", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic, "group", cfg.Kafka.ConsumerGroup)
		err := consumer.Consume(gctx, projector.HandleMessage)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		return consumer.Close()
	})

	return g.Wait()
}
