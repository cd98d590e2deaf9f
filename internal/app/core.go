package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/example/codehost/internal/auth"
	"github.com/example/codehost/internal/command"
	"github.com/example/codehost/internal/config"
	"github.com/example/codehost/internal/domain/repository"
	"github.com/example/codehost/internal/domain/user"
	"github.com/example/codehost/internal/infrastructure/blob"
	"github.com/example/codehost/internal/infrastructure/emitter"
	"github.com/example/codehost/internal/infrastructure/snapshot"
	"github.com/example/codehost/internal/infrastructure/store"
	"github.com/example/codehost/internal/platform/logger"
	"github.com/example/codehost/internal/projection"
	"github.com/example/codehost/internal/query"
)

// CoreOptions are the optional collaborators of a Core.
type CoreOptions struct {
	// Publisher receives committed events after the live projector,
	// typically the Kafka producer.
	Publisher store.Publisher
	// Mirror receives read model changes.
	Mirror store.ReadStoreInterface
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Core is the write side of one process together with its live read side:
// committed events reach the projector through the emitter.
type Core struct {
	Events       store.EventStoreInterface
	Snapshots    *snapshot.Manager
	Emitter      *emitter.Emitter
	Projector    *projection.Projector
	Users        *user.Service
	Repositories *repository.Service
	Commands     *command.Handler
	Queries      *query.Handler
	Tokens       *auth.JWTAuthenticator

	eventLog *EventLog
	log      *logger.Logger
}

// NewCore opens the configured event log, rebuilds the read model from it
// and wires the services. Snapshots and dead letters go to blobs.
func NewCore(ctx context.Context, cfg config.Config, blobs blob.Store, opts CoreOptions, log *logger.Logger) (*Core, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	em := emitter.New(log)
	projector := projection.NewProjector(opts.Mirror, log)
	em.OnAny(projector.OnEvent)

	var pub store.Publisher = em
	if opts.Publisher != nil {
		pub = emitter.Tee{em, opts.Publisher}
	}

	eventLog, err := OpenEventLog(ctx, cfg, pub, blobs, log)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	events := store.NewTracedEventStore(eventLog.Store, opts.TracerProvider)

	if err := projector.Rebuild(ctx, events); err != nil {
		_ = eventLog.Close(ctx)
		return nil, err
	}

	snapshots := snapshot.NewManager(blobs, cfg.RequestTimeout, log)
	users := user.NewService(events, snapshots, auth.NewHasher(cfg.BcryptCost), log)
	repos := repository.NewService(events, snapshots, users, log)
	tokens := auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTExpiry, cfg.JWTIssuer)

	return &Core{
		Events:       events,
		Snapshots:    snapshots,
		Emitter:      em,
		Projector:    projector,
		Users:        users,
		Repositories: repos,
		Commands:     command.NewHandler(users, repos, tokens, tokens, log),
		Queries:      query.NewHandler(projector),
		Tokens:       tokens,
		eventLog:     eventLog,
		log:          log.With("component", "Core"),
	}, nil
}

// Purge removes every event and the snapshot of one aggregate, then
// rebuilds the read model without it. Only relational and memory logs
// support purging.
func (c *Core) Purge(ctx context.Context, aggregateType, id string) error {
	purger, ok := c.eventLog.Store.(store.Purger)
	if !ok {
		return fmt.Errorf("purge: %T does not support purging", c.eventLog.Store)
	}
	if err := purger.Purge(ctx, id); err != nil {
		return err
	}
	if err := c.Snapshots.DeleteSnapshot(ctx, aggregateType, id); err != nil {
		c.log.Warn("snapshot not deleted", "aggregate_type", aggregateType, "aggregate_id", id, "error", err)
	}
	return c.Projector.Rebuild(ctx, c.Events)
}

// Close flushes queued events and waits for snapshot writes in flight.
func (c *Core) Close(ctx context.Context) error {
	logErr := c.eventLog.Close(ctx)
	if logErr != nil {
		c.log.Error("event log close failed", "error", logErr)
	}
	return errors.Join(logErr, c.Snapshots.Wait(ctx))
}
