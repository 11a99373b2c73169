// Package daemon runs the follow-up engine as a long-lived service: the
// dispatch loop, the analytics rollup, trigger consumption, the HTTP API
// and a gRPC health endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/visionarychurch/followup/internal/logging"
	"github.com/visionarychurch/followup/internal/mq"
)

// ServiceName is the gRPC health service name reporting dispatch status.
const ServiceName = "followup.Scheduler"

// Options configure the daemon runtime.
type Options struct {
	Version string

	// DisableScheduler runs the API without dispatching, e.g. for a
	// read-only replica.
	DisableScheduler bool

	// HealthInterval is how often component health is re-evaluated.
	HealthInterval time.Duration
}

// Daemon is the long-running engine process.
type Daemon struct {
	engine *Engine
	opts   Options
	logger zerolog.Logger

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	mu       sync.Mutex
	httpAddr net.Addr
	grpcAddr net.Addr
}

// New constructs a daemon over a built engine.
func New(engine *Engine, opts Options) (*Daemon, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 10 * time.Second
	}

	cfg := engine.Config
	healthServer := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return &Daemon{
		engine: engine,
		opts:   opts,
		logger: logging.Component("daemon"),
		httpServer: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           engine.APIServer().Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		grpcServer: grpcServer,
		health:     healthServer,
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// listener fails, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	cfg := d.engine.Config

	httpListener, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Addr, err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		httpListener.Close()
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
	}
	d.mu.Lock()
	d.httpAddr, d.grpcAddr = httpListener.Addr(), grpcListener.Addr()
	d.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var consumer *mq.Consumer
	if cfg.AMQP.URL != "" {
		consumer, err = mq.NewConsumer(cfg.AMQP.URL, cfg.AMQP.Queue, cfg.AMQP.RoutingKeys, d.engine.Manager)
		if err != nil {
			httpListener.Close()
			grpcListener.Close()
			return err
		}
		defer consumer.Close()
	}

	if !d.opts.DisableScheduler {
		if err := d.engine.Scheduler.Start(runCtx); err != nil {
			httpListener.Close()
			grpcListener.Close()
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	d.logger.Info().
		Str("http", httpListener.Addr().String()).
		Str("grpc", grpcListener.Addr().String()).
		Str("version", d.opts.Version).
		Bool("scheduler", !d.opts.DisableScheduler).
		Bool("amqp", consumer != nil).
		Msg("follow-up engine starting")

	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.engine.Aggregator.Run(runCtx, cfg.Analytics.Interval)
	}()

	if consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("AMQP consumer error: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.watchHealth(runCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info().Msg("follow-up engine shutting down...")
	case runErr = <-errCh:
		d.logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	d.shutdown()
	cancel()
	wg.Wait()

	d.logger.Info().Msg("follow-up engine shutdown complete")
	return runErr
}

func (d *Daemon) shutdown() {
	d.health.Shutdown()

	if d.engine.Scheduler.Running() {
		if err := d.engine.Scheduler.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("failed to stop scheduler")
		}
	}

	timeout := d.engine.Config.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.httpServer.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("HTTP shutdown did not complete")
	}
	d.grpcServer.GracefulStop()
}

// watchHealth mirrors engine health into the gRPC health service.
func (d *Daemon) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(d.opts.HealthInterval)
	defer ticker.Stop()

	for {
		d.updateHealth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) updateHealth(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status, err := d.engine.Health(checkCtx)
	overall := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	d.health.SetServingStatus("", overall)

	dispatch := overall
	if status["scheduler"] != "running" {
		dispatch = healthpb.HealthCheckResponse_NOT_SERVING
	}
	d.health.SetServingStatus(ServiceName, dispatch)
}

// Addrs returns the bound HTTP and gRPC addresses once Run is listening.
func (d *Daemon) Addrs() (httpAddr, grpcAddr net.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.httpAddr, d.grpcAddr
}
