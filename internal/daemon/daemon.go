// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon assembles the configured stores, schedulers, servers and
// local workers into one running process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/tombee/turbine/internal/config"
	internallog "github.com/tombee/turbine/internal/log"
	"github.com/tombee/turbine/internal/scheduler"
	"github.com/tombee/turbine/internal/services"
	"github.com/tombee/turbine/internal/store"
	"github.com/tombee/turbine/internal/worker"
	"github.com/tombee/turbine/internal/worker/local"
	"github.com/tombee/turbine/internal/workerapi"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// blobStore is what a configured store provides: blobs plus action results.
// Both backends implement both.
type blobStore interface {
	store.Store
	store.ActionCache
}

// server is one configured listener pair: a gRPC listener and, optionally,
// an HTTP listener for the worker API and metrics.
type server struct {
	name       string
	grpcServer *grpc.Server
	grpcLn     net.Listener
	httpServer *http.Server
	httpLn     net.Listener
	workerAPI  *workerapi.Server
}

// Daemon is the assembled scheduler process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	stores     map[string]blobStore
	schedulers map[string]*scheduler.SimpleScheduler
	schedCfgs  map[string]*config.SimpleSchedulerConfig
	servers    []*server
	workers    []*worker.Worker
	registry   *prometheus.Registry

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a daemon from configuration. Listeners are not opened until
// Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	d := &Daemon{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		stores:     make(map[string]blobStore),
		schedulers: make(map[string]*scheduler.SimpleScheduler),
		schedCfgs:  make(map[string]*config.SimpleSchedulerConfig),
		registry:   prometheus.NewRegistry(),
	}

	for name, sc := range cfg.Stores {
		s, err := buildStore(sc)
		if err != nil {
			d.closeStores()
			return nil, fmt.Errorf("failed to build store %q: %w", name, err)
		}
		d.stores[name] = s
	}

	for name, sc := range cfg.Schedulers {
		schema, err := sc.Simple.PlatformSchema()
		if err != nil {
			d.closeStores()
			return nil, fmt.Errorf("failed to build scheduler %q: %w", name, err)
		}
		sched := scheduler.New(scheduler.Config{
			PlatformSchema:            schema,
			SupportedInstances:        sc.Simple.SupportedInstances,
			WorkerTimeout:             sc.Simple.WorkerTimeout(),
			RetainCompletedFor:        sc.Simple.RetainCompletedFor(),
			MaxCompletedActions:       sc.Simple.MaxCompletedActions,
			MaxActionRetries:          sc.Simple.MaxJobRetries,
			RescheduleOnInternalError: sc.Simple.RescheduleOnInternalError,
		}, logger)
		if !cfg.Global.DisableMetrics {
			if err := sched.RegisterMetrics(d.registry); err != nil {
				d.closeStores()
				return nil, fmt.Errorf("failed to register metrics for scheduler %q: %w", name, err)
			}
		}
		d.schedulers[name] = sched
		d.schedCfgs[name] = sc.Simple
	}

	if !cfg.Global.DisableMetrics {
		d.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	for _, srvCfg := range cfg.Servers {
		srv, err := d.buildServer(srvCfg)
		if err != nil {
			d.closeStores()
			return nil, fmt.Errorf("failed to build server %q: %w", srvCfg.Name, err)
		}
		d.servers = append(d.servers, srv)
	}

	for i, wc := range cfg.Workers {
		w, err := d.buildWorker(wc.Local)
		if err != nil {
			d.closeStores()
			return nil, fmt.Errorf("failed to build worker %d: %w", i, err)
		}
		d.workers = append(d.workers, w)
	}

	return d, nil
}

func buildStore(sc config.StoreConfig) (blobStore, error) {
	switch {
	case sc.Memory != nil:
		return store.NewMemoryWithLimit(sc.Memory.MaxBytes), nil
	case sc.SQLite != nil:
		return store.NewSQLite(store.SQLiteConfig{Path: sc.SQLite.Path, WAL: true})
	default:
		return nil, fmt.Errorf("store has no backend")
	}
}

func (d *Daemon) buildServer(srvCfg config.ServerConfig) (*server, error) {
	srv := &server{name: srvCfg.Name}
	svc := srvCfg.Services

	if srvCfg.ListenAddress != "" {
		var grpcOpts []grpc.ServerOption
		if srvCfg.TLS != nil {
			creds, err := credentials.NewServerTLSFromFile(srvCfg.TLS.CertFile, srvCfg.TLS.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
			}
			grpcOpts = append(grpcOpts, grpc.Creds(creds))
		}
		gs := grpc.NewServer(grpcOpts...)

		if svc.CAS != nil {
			repb.RegisterContentAddressableStorageServer(gs,
				services.NewCAS(d.stores[svc.CAS.Store], d.logger))
		}
		if svc.AC != nil {
			repb.RegisterActionCacheServer(gs,
				services.NewActionCache(d.stores[svc.AC.Store], d.logger))
		}
		if svc.ByteStream != nil {
			bytestream.RegisterByteStreamServer(gs,
				services.NewByteStream(d.stores[svc.ByteStream.Store], d.logger))
		}
		if svc.Capabilities != nil {
			repb.RegisterCapabilitiesServer(gs,
				services.NewCapabilities(d.schedulers[svc.Capabilities.Scheduler]))
		}
		if svc.Execution != nil {
			repb.RegisterExecutionServer(gs, services.NewExecution(
				d.schedulers[svc.Execution.Scheduler],
				d.stores[svc.Execution.CASStore],
				d.stores[svc.Execution.ACStore],
				executeLimiter(d.schedCfgs[svc.Execution.Scheduler]),
				d.logger,
			))
		}
		srv.grpcServer = gs
	}

	if srvCfg.HTTPListenAddress != "" {
		mux := http.NewServeMux()
		if svc.WorkerAPI != nil {
			srv.workerAPI = workerapi.NewServer(d.schedulers[svc.WorkerAPI.Scheduler], d.logger)
			mux.Handle(workerapi.Path, srv.workerAPI)
		}
		if svc.Prometheus != nil && !d.cfg.Global.DisableMetrics {
			mux.Handle(svc.Prometheus.MetricsPath(), promhttp.HandlerFor(d.registry,
				promhttp.HandlerOpts{Registry: d.registry}))
		}
		srv.httpServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return srv, nil
}

// executeLimiter builds the Execute admission limiter, or nil for unlimited.
func executeLimiter(sc *config.SimpleSchedulerConfig) *rate.Limiter {
	if sc == nil || sc.ExecuteRatePerSecond <= 0 {
		return nil
	}
	burst := sc.ExecuteRateBurst
	if burst <= 0 {
		burst = int(sc.ExecuteRatePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(sc.ExecuteRatePerSecond), burst)
}

func (d *Daemon) buildWorker(wc *config.LocalWorkerConfig) (*worker.Worker, error) {
	casStore := wc.CASStore
	if casStore == "" {
		return nil, fmt.Errorf("local worker needs a cas_store")
	}
	runner, err := local.New(local.Config{
		WorkDirectory: wc.WorkDirectory,
		Store:         d.stores[casStore],
		Logger:        d.logger,
	})
	if err != nil {
		return nil, err
	}
	props := make([]worker.Property, 0, len(wc.PlatformProperties))
	for _, p := range wc.PlatformProperties {
		props = append(props, worker.Property{
			Name:     p.Name,
			Values:   p.Values,
			QueryCmd: p.QueryCmd,
		})
	}
	return worker.New(worker.Config{
		SchedulerURL:       wc.WorkerAPIEndpoint,
		Properties:         props,
		PreconditionScript: wc.PreconditionScript,
		KeepAliveInterval:  time.Duration(wc.KeepAliveIntervalS) * time.Second,
		Logger:             d.logger,
	}, runner), nil
}

// Start opens the listeners and runs until ctx is cancelled or a listener
// fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	d.logger.Info("starting daemon",
		slog.String("version", d.opts.Version),
		slog.Int("servers", len(d.servers)),
		slog.Int("workers", len(d.workers)))

	errCh := make(chan error, len(d.servers)*2)

	for i, srv := range d.servers {
		srvCfg := d.cfg.Servers[i]
		if srv.grpcServer != nil {
			ln, err := net.Listen("tcp", srvCfg.ListenAddress)
			if err != nil {
				return fmt.Errorf("server %q failed to listen on %s: %w", srv.name, srvCfg.ListenAddress, err)
			}
			srv.grpcLn = ln
			d.logger.Info("grpc listening",
				slog.String("server", srv.name),
				slog.String("address", ln.Addr().String()))
			d.wg.Add(1)
			go func(srv *server) {
				defer d.wg.Done()
				if err := srv.grpcServer.Serve(srv.grpcLn); err != nil && err != grpc.ErrServerStopped {
					errCh <- fmt.Errorf("server %q grpc: %w", srv.name, err)
				}
			}(srv)
		}
		if srv.httpServer != nil {
			ln, err := net.Listen("tcp", srvCfg.HTTPListenAddress)
			if err != nil {
				return fmt.Errorf("server %q failed to listen on %s: %w", srv.name, srvCfg.HTTPListenAddress, err)
			}
			srv.httpLn = ln
			d.logger.Info("http listening",
				slog.String("server", srv.name),
				slog.String("address", ln.Addr().String()))
			d.wg.Add(1)
			go func(srv *server, tls *config.TLSConfig) {
				defer d.wg.Done()
				var err error
				if tls != nil {
					err = srv.httpServer.ServeTLS(srv.httpLn, tls.CertFile, tls.KeyFile)
				} else {
					err = srv.httpServer.Serve(srv.httpLn)
				}
				if err != nil && err != http.ErrServerClosed {
					errCh <- fmt.Errorf("server %q http: %w", srv.name, err)
				}
			}(srv, srvCfg.TLS)
		}
	}

	for name, sched := range d.schedulers {
		d.wg.Add(1)
		go d.runHousekeeping(ctx, name, sched, d.schedCfgs[name])
	}

	for _, w := range d.workers {
		d.wg.Add(1)
		go func(w *worker.Worker) {
			defer d.wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("worker stopped", internallog.Error(err))
			}
		}(w)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// runHousekeeping expires dead workers and ages out the recently-completed
// cache on a timer.
func (d *Daemon) runHousekeeping(ctx context.Context, name string, sched *scheduler.SimpleScheduler, sc *config.SimpleSchedulerConfig) {
	defer d.wg.Done()
	interval := sc.WorkerTimeout() / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sched.RemoveTimedoutWorkers(now)
			sched.CleanRecentlyCompletedActions()
		}
	}
}

// Shutdown stops the listeners, disconnects workers and closes the stores.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	for _, srv := range d.servers {
		if srv.grpcServer != nil {
			stopped := make(chan struct{})
			go func(gs *grpc.Server) {
				gs.GracefulStop()
				close(stopped)
			}(srv.grpcServer)
			select {
			case <-stopped:
			case <-ctx.Done():
				srv.grpcServer.Stop()
			}
		}
		if srv.workerAPI != nil {
			if err := srv.workerAPI.Shutdown(ctx); err != nil {
				d.logger.Warn("worker api shutdown incomplete", internallog.Error(err))
			}
		}
		if srv.httpServer != nil {
			if err := srv.httpServer.Shutdown(ctx); err != nil {
				d.logger.Warn("http shutdown incomplete", internallog.Error(err))
			}
		}
	}

	d.wg.Wait()
	d.closeStores()
	d.logger.Info("daemon stopped")
	return nil
}

func (d *Daemon) closeStores() {
	for name, s := range d.stores {
		if err := s.Close(); err != nil {
			d.logger.Warn("failed to close store",
				slog.String("store", name), internallog.Error(err))
		}
	}
}
