package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/appgate/internal/accesslog"
	"github.com/wudi/appgate/internal/cache"
	"github.com/wudi/appgate/internal/config"
	"github.com/wudi/appgate/internal/execution"
	"github.com/wudi/appgate/internal/logging"
	"github.com/wudi/appgate/internal/metrics"
	"github.com/wudi/appgate/internal/spec"
	"github.com/wudi/appgate/internal/storage"
)

const (
	// startupWait bounds retries of backing services at startup.
	startupWait      = 30 * time.Second
	authFetchTimeout = 10 * time.Second
	memoryCacheSize  = 100000
)

// Server owns the gateway and every process-wide resource behind it.
type Server struct {
	config     *config.Config
	configPath string

	gateway     *Gateway
	metrics     *metrics.Collector
	cache       cache.Cache
	storage     *storage.BlobProvider
	queue       *execution.Queue
	logs        *accesslog.Pipeline
	watcher     *config.Watcher
	httpServer  *http.Server
	adminServer *http.Server
	startTime   time.Time
}

// NewServer connects the backing services and builds the gateway.
// configPath is watched for log level changes when enabled.
func NewServer(ctx context.Context, cfg *config.Config, configPath string) (*Server, error) {
	s := &Server{
		config:     cfg,
		configPath: configPath,
		metrics:    metrics.NewCollector(),
		startTime:  time.Now(),
	}
	if err := s.init(ctx); err != nil {
		s.closeResources(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context) error {
	cfg := s.config

	if cfg.Redis.Address != "" {
		rc, err := cache.DialRedis(ctx, cfg.Redis, startupWait)
		if err != nil {
			return err
		}
		s.cache = rc
	} else {
		logging.Warn("No redis address configured, using an in-process cache")
		s.cache = cache.NewMemoryCache(memoryCacheSize)
	}

	bp, err := storage.Open(ctx, cfg.Storage.URL)
	if err != nil {
		return err
	}
	s.storage = bp
	specs := spec.NewStore(s.cache, storage.NewDeploymentReader(bp, cfg.Storage.ManifestCacheSize), spec.Options{
		RouteMetadataTTL:  cfg.Cache.RouteMetadataTTL,
		RouteMetadataSize: cfg.Cache.RouteMetadataSize,
		DecodedSize:       cfg.Cache.CompiledSize,
	})

	sandbox, err := execution.NewDockerSandbox(cfg.Sandbox.DockerEndpoint)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := sandbox.Ping(pctx); err != nil {
		logging.Warn("Docker daemon not reachable, function routes will fail until it is", zap.Error(err))
	}
	cancel()
	if err := os.MkdirAll(cfg.Sandbox.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create sandbox work dir: %w", err)
	}

	s.queue = execution.NewQueue(cfg.Sandbox.MaxConcurrency, s.metrics)
	executor := execution.NewExecutor(s.queue, sandbox, execution.NewRuntimes(cfg.Sandbox.Runtimes), cfg.Sandbox)
	executor.OnSandboxDone(s.metrics.RecordSandbox)

	store, err := accesslog.OpenStore(ctx, cfg.AccessLog, startupWait)
	if err != nil {
		return err
	}
	s.logs = accesslog.NewPipeline(store, accesslog.Options{
		Capacity:      cfg.AccessLog.Capacity,
		BatchSize:     cfg.AccessLog.BatchSize,
		FlushInterval: cfg.AccessLog.FlushInterval,
		FlushTimeout:  cfg.AccessLog.FlushTimeout,
	}, s.metrics)

	gw, err := New(cfg, Dependencies{
		Cache:    s.cache,
		Specs:    specs,
		Executor: executor,
		Logs:     s.logs,
		Metrics:  s.metrics,
	})
	if err != nil {
		return err
	}
	s.gateway = gw

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      gw.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Listen,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	if cfg.Logging.Watch && s.configPath != "" {
		w, err := config.NewWatcher(s.configPath)
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		w.OnChange(func(next *config.Config) {
			logging.SetLevel(next.Logging.Level)
			logging.Info("Log level updated", zap.String("level", next.Logging.Level))
		})
		if err := w.Start(); err != nil {
			w.Stop()
			return fmt.Errorf("watch config: %w", err)
		}
		s.watcher = w
	}
	return nil
}

func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(config.Redacted(s.config))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]any{
			"uptime":     time.Since(s.startTime).String(),
			"queue":      s.queue.Stats(),
			"access_log": s.logs.Stats(),
			"pipeline":   s.gateway.Stats(),
		}
		if s.watcher != nil {
			stats["config_watcher"] = s.watcher.Stats()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})
	return mux
}

// Handler returns the tenant-facing handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("Starting gateway", zap.String("listen", s.config.Server.Listen))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	if s.adminServer != nil {
		g.Go(func() error {
			logging.Info("Starting admin server", zap.String("listen", s.config.Admin.Listen))
			if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down gracefully...")
		return s.Shutdown(s.config.Shutdown.Timeout)
	})
	return g.Wait()
}

// Shutdown stops accepting requests, waits for in-flight ones, then
// drains the job queue and the access log pipeline.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway server: %w", err))
	}
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server: %w", err))
		}
	}
	if err := s.closeResources(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) closeResources(ctx context.Context) error {
	var errs []error
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.queue != nil {
		if err := s.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("job queue: %w", err))
		}
	}
	if s.logs != nil {
		if err := s.logs.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("access log: %w", err))
		}
	}
	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	return errors.Join(errs...)
}
