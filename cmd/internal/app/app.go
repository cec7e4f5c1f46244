// Package app wires the Pulse server runtime: config, logging, HTTP routes,
// the realtime gateway, and the escalation event bus.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Conversly/pulse/cmd/internal/api"
	"github.com/Conversly/pulse/cmd/internal/auth"
	"github.com/Conversly/pulse/cmd/internal/events"
	"github.com/Conversly/pulse/cmd/internal/realtime"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// stores groups the three persistence interfaces one backend satisfies.
type stores struct {
	messages    realtime.MessageStore
	escalations realtime.EscalationStore
	contacts    realtime.ContactStore
}

// App is the Pulse server runtime: it owns HTTP server wiring and realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	publisher events.Publisher

	ws   *realtime.WSGateway
	rest *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, dbPool, dbEnabled, sts, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	publisher, err := newPublisher(context.Background(), cfg, log)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	verifier, err := auth.VerifierFromEnv()
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	sink := events.NewSink(publisher, log)

	gwOpts := []realtime.GatewayOption{
		realtime.WithEventSink(sink),
	}
	if verifier != nil {
		gwOpts = append(gwOpts, realtime.WithAuth(verifier))
	} else {
		log.Warn("auth.disabled.no_agent_tokens")
	}

	ws := realtime.NewWSGateway(log, realtime.NewHub(log), sts.messages, sts.escalations, gwOpts...)
	rest := api.NewHandler(log, sts.contacts, sts.messages, sts.escalations, api.WithEscalationEvents(sink))

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		publisher: publisher,
		ws:        ws,
		rest:      rest,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.rest)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.publisher.Close(); err != nil {
		a.log.Error("events.close.fail", "err", err)
	}

	// Close store resources (pool etc).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, stores, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		mem := realtime.NewInMemoryStore()
		return nopStore{}, nil, false, stores{messages: mem, escalations: mem, contacts: mem}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, stores{}, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	pg, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, stores{}, err
	}

	st := stores{messages: pg, escalations: pg, contacts: pg}
	return dbStore{pool: pool, pg: pg}, pool, true, st, nil
}

// newPublisher connects the AMQP event bus, or returns a no-op when unset.
func newPublisher(ctx context.Context, cfg Config, log Logger) (events.Publisher, error) {
	if cfg.AMQPURL == "" {
		log.Info("events.disabled.no_broker")
		return events.NopPublisher{}, nil
	}

	conn, err := events.DialWithRetry(ctx, events.ConnectionOptions{
		URL:           cfg.AMQPURL,
		RetryAttempts: 5,
		Delay:         time.Second,
		MaxDelay:      10 * time.Second,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	return events.NewAMQPPublisher(conn, cfg.AMQPExchange, "pulse-server", log)
}

type dbStore struct {
	pool *pgxpool.Pool
	pg   *realtime.PostgresStore
}

func (s dbStore) Close(_ context.Context) error {
	// PostgresStore.Close() is a no-op by design (pool is owned here).
	if s.pg != nil {
		_ = s.pg.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
