package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/nearline-mover/internal/journal"
	"github.com/ChuLiYu/nearline-mover/internal/metrics"
	"github.com/ChuLiYu/nearline-mover/internal/mover"
	"github.com/ChuLiYu/nearline-mover/internal/pending"
	_ "github.com/ChuLiYu/nearline-mover/internal/plugin/authn" // authn:* stages
	"github.com/ChuLiYu/nearline-mover/internal/scheduler"
	"github.com/ChuLiYu/nearline-mover/pkg/types"
)

// stopTimeout bounds the whole shutdown sequence after the mover's own
// grace period.
const stopTimeout = 5 * time.Second

// runtime is one assembled mover process: journal, scheduler, mover
// service and the bucket backing configured items.
type runtime struct {
	cfg     *Config
	log     *slog.Logger
	reg     *prometheus.Registry
	metrics *metrics.Collector
	table   *pending.Table
	journal journal.Journal
	sched   *scheduler.Scheduler
	mover   *mover.Service
	bucket  *blob.Bucket
}

func newRuntime(ctx context.Context, cfg *Config, log *slog.Logger) (*runtime, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	j, err := journal.Open(ctx, cfg.Journal, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	bucket, err := scheduler.OpenBucket(ctx, cfg.Storage.Bucket)
	if err != nil {
		_ = j.Close()
		return nil, err
	}

	table := pending.NewTable()
	rt := &runtime{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		metrics: m,
		table:   table,
		journal: j,
		bucket:  bucket,
	}
	rt.sched = scheduler.New(cfg.Scheduler, table, j,
		scheduler.WithMetrics(m),
		scheduler.WithLogger(log))
	rt.mover = mover.New(cfg.Mover, table,
		mover.WithMetrics(m),
		mover.WithLogger(log))
	return rt, nil
}

// start reconciles the journal, then opens the data port.
func (rt *runtime) start(ctx context.Context) error {
	if err := rt.sched.Start(ctx); err != nil {
		return err
	}
	return rt.mover.Start(ctx)
}

// submit registers items with the scheduler.
func (rt *runtime) submit(ctx context.Context, items []ItemConfig) ([]*scheduler.Ticket, error) {
	tickets := make([]*scheduler.Ticket, 0, len(items))
	for _, item := range items {
		ticket, err := rt.sched.SubmitBlob(ctx, types.TransferID(item.ID), item.Mode, rt.bucket, item.Key, item.Size)
		if err != nil {
			return tickets, fmt.Errorf("submit %s: %w", item.ID, err)
		}
		tickets = append(tickets, ticket)
	}
	return tickets, nil
}

// close stops everything in reverse start order. Journal entries of items
// still pending are kept for the next start's cleanup.
func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	if err := rt.mover.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop mover: %w", err))
	}
	rt.sched.Stop()
	if err := rt.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	if err := rt.bucket.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bucket: %w", err))
	}
	return errors.Join(errs...)
}

// endpoints are the bound addresses reported once serve is ready.
type endpoints struct {
	Mover   net.Addr
	Metrics net.Addr
	Health  net.Addr
}

// serve runs the mover with its metrics and health servers until ctx is
// done. ready is called once every listener is bound and items are
// submitted.
func serve(ctx context.Context, cfg *Config, log *slog.Logger, ready func(endpoints)) error {
	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	var eps endpoints
	var metricsLn, healthLn net.Listener
	if cfg.Metrics.Enabled {
		if metricsLn, err = net.Listen("tcp", cfg.Metrics.Address); err != nil {
			_ = rt.close(context.Background())
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		eps.Metrics = metricsLn.Addr()
	}
	if cfg.Health.Enabled {
		if healthLn, err = net.Listen("tcp", cfg.Health.Address); err != nil {
			closeListener(metricsLn)
			_ = rt.close(context.Background())
			return fmt.Errorf("failed to listen for health: %w", err)
		}
		eps.Health = healthLn.Addr()
	}

	if err := rt.start(ctx); err != nil {
		closeListener(metricsLn)
		closeListener(healthLn)
		_ = rt.close(context.Background())
		return err
	}
	eps.Mover, _ = rt.mover.LocalAddr()

	if _, err := rt.submit(ctx, cfg.Storage.Items); err != nil {
		closeListener(metricsLn)
		closeListener(healthLn)
		_ = rt.close(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(rt.reg))
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("metrics server listening", "address", metricsLn.Addr().String())
			if err := srv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), stopTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if healthLn != nil {
		gs := grpc.NewServer()
		healthpb.RegisterHealthServer(gs, hs)
		g.Go(func() error {
			log.Info("health server listening", "address", healthLn.Addr().String())
			return gs.Serve(healthLn)
		})
		g.Go(func() error {
			<-gctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	grace := cfg.Mover.ShutdownGrace
	if grace <= 0 {
		grace = mover.DefaultConfig().ShutdownGrace
	}
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), grace+stopTimeout)
		defer cancel()
		return rt.close(sctx)
	})

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	log.Info("system started", "mover", eps.Mover.String(), "items", len(cfg.Storage.Items))
	if ready != nil {
		ready(eps)
	}

	err = g.Wait()
	log.Info("system stopped")
	return err
}

func closeListener(ln net.Listener) {
	if ln != nil {
		_ = ln.Close()
	}
}
