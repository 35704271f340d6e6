package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kon-rad/tviz"
	"github.com/kon-rad/tviz/internal/config"
	"github.com/kon-rad/tviz/internal/metrics"
	"github.com/kon-rad/tviz/internal/server"
	"github.com/kon-rad/tviz/internal/telemetry"
)

const instrumentationName = "github.com/kon-rad/tviz"

// Runtime serves the ingest API over one store until its context ends.
type Runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	version   string
	startedAt time.Time

	store      *tviz.Store
	sessions   *server.Sessions
	httpServer *http.Server
	listener   net.Listener
	ready      chan struct{}
}

func New(cfg *config.Config, logger *slog.Logger, version string) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
		sessions:  server.NewSessions(),
		ready:     make(chan struct{}),
	}
}

// Ready is closed once Run is accepting connections.
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// Addr is the bound listen address. Only valid after Ready is closed.
func (r *Runtime) Addr() string {
	return r.listener.Addr().String()
}

func (r *Runtime) Run(ctx context.Context) error {
	otelShutdown, err := telemetry.Init(ctx, r.cfg.OTelEndpoint, r.version, r.cfg.OTelInsecure)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			r.logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	store, err := tviz.OpenStore(r.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	r.store = store
	r.logger.Info("SQLite opened", "path", store.Path())

	meter := telemetry.Meter(instrumentationName)
	counters, err := metrics.NewIngest(meter)
	if err != nil {
		return errors.Join(err, r.closeStore(context.Background()))
	}
	gauges, err := metrics.RegisterGauges(meter, store, r.sessions.Len)
	if err != nil {
		return errors.Join(err, r.closeStore(context.Background()))
	}
	defer func() { _ = gauges.Unregister() }()
	obs, err := server.NewObserver(telemetry.Tracer(instrumentationName), meter, r.logger)
	if err != nil {
		return errors.Join(err, r.closeStore(context.Background()))
	}

	health := server.NewHealthHandler(store, r.startedAt, r.version, r.sessions.Len)
	ingest := server.NewIngestHandlers(store, r.sessions, counters, r.logger, server.IngestConfig{
		DashboardURL: r.cfg.DashboardURL,
		MaxBodyBytes: r.cfg.MaxBodyBytes,
	})
	r.httpServer = server.New(":"+r.cfg.Port, server.NewRouter(health, ingest, obs))

	ln, err := net.Listen("tcp", r.httpServer.Addr)
	if err != nil {
		return errors.Join(fmt.Errorf("listen: %w", err), r.closeStore(context.Background()))
	}
	r.listener = ln
	close(r.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.logger.Info("Listening", "addr", ln.Addr().String())
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.checkpointLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			r.logger.Info("Shutdown requested")
		}
		return r.shutdown(context.Background())
	})
	return g.Wait()
}

func (r *Runtime) checkpointLoop(ctx context.Context) {
	if r.cfg.WALCheckpointInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.WALCheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			done, err := r.store.CheckpointIfWALExceeds(cpCtx, r.cfg.WALRestartThresholdB)
			cancel()
			if err != nil {
				r.logger.Warn("WAL checkpoint loop failed", "error", err)
				continue
			}
			if done {
				r.logger.Info("WAL checkpointed", "threshold_bytes", r.cfg.WALRestartThresholdB)
			}
		}
	}
}

func (r *Runtime) shutdown(ctx context.Context) error {
	var joined error

	if r.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(httpCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("http shutdown: %w", err))
		}
	}

	open := r.sessions.Len()
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.sessions.CloseAll(closeCtx); err != nil {
		joined = errors.Join(joined, fmt.Errorf("close runs: %w", err))
	}

	joined = errors.Join(joined, r.closeStore(ctx))

	r.logger.Info("Shutdown complete",
		"closed_runs", open,
		"uptime", time.Since(r.startedAt).String(),
	)
	return joined
}

func (r *Runtime) closeStore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	var joined error
	cpCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.store.Checkpoint(cpCtx); err != nil {
		r.logger.Warn("WAL checkpoint failed", "error", err)
		joined = errors.Join(joined, fmt.Errorf("wal checkpoint: %w", err))
	}
	if err := r.store.Close(); err != nil {
		joined = errors.Join(joined, fmt.Errorf("db close: %w", err))
	}
	return joined
}
