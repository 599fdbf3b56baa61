// Command engine runs the heterogeneous compute dispatcher: an orchestrator
// Engine exposed over the HTTP control plane, wired the same way the
// teacher's cmd/orchestrator/main.go assembles its OrchestratorAgent --
// flags for the tunables, a signal-driven context for graceful shutdown.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/heteroforge/dispatch/internal/backend"
	"github.com/heteroforge/dispatch/internal/controlplane"
	"github.com/heteroforge/dispatch/internal/logging"
	"github.com/heteroforge/dispatch/internal/memory"
	"github.com/heteroforge/dispatch/internal/metrics"
	"github.com/heteroforge/dispatch/internal/orchestrator"
	"github.com/heteroforge/dispatch/internal/remotegpu"
	dispruntime "github.com/heteroforge/dispatch/internal/runtime"
	"github.com/heteroforge/dispatch/internal/scheduler"
	"github.com/heteroforge/dispatch/internal/storage"
	"github.com/heteroforge/dispatch/internal/tracing"
)

func main() {
	var (
		httpAddr        string
		numWorkers      int
		maxMemoryBytes  int64
		enableGPU       bool
		enableRemoteGPU bool
		redisAddr       string
		mysqlDSN        string
		otlpEndpoint    string
		logFilePath     string
		devLog          bool
		refreshCron     string
	)

	flag.StringVar(&httpAddr, "http-addr", ":8080", "control plane listen address")
	flag.IntVar(&numWorkers, "num-workers", 0, "worker goroutines (0 = NumCPU)")
	flag.Int64Var(&maxMemoryBytes, "max-memory-bytes", 1<<30, "shared memory pool budget")
	flag.BoolVar(&enableGPU, "enable-gpu", false, "register GPU backends (no device discovery wired in without vendor SDKs)")
	flag.BoolVar(&enableRemoteGPU, "enable-remote-gpu", false, "register the REMOTE_GPU backend")
	flag.StringVar(&redisAddr, "redis-addr", "", "Redis address for remote GPU inventory caching (empty disables)")
	flag.StringVar(&mysqlDSN, "mysql-dsn", "", "MySQL DSN for commitment persistence (empty disables)")
	flag.StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/gRPC collector endpoint (empty disables tracing)")
	flag.StringVar(&logFilePath, "log-file", "", "rolling log file path (empty logs to stderr)")
	flag.BoolVar(&devLog, "dev-log", false, "human-readable development logging")
	flag.StringVar(&refreshCron, "remote-gpu-refresh-cron", "*/5 * * * *", "cron schedule for remote GPU inventory refresh")
	flag.Parse()

	log, err := logging.New(logging.Options{FilePath: logFilePath, Dev: devLog})
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:        otlpEndpoint != "",
		ServiceName:    "heteroforge-dispatch",
		ServiceVersion: "0.1.0",
		OTLPEndpoint:   otlpEndpoint,
		SamplingRate:   1,
	})
	if err != nil {
		log.Fatal("failed to init tracing", zap.Error(err))
	}
	defer shutdownTracing()

	store, err := storage.Open(mysqlDSN)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	if store != nil {
		log.Info("persistence enabled", zap.String("dsn_host_redacted", "***"))
	}

	compiler := dispruntime.NewInterpreter()
	registry := backend.NewRegistry()
	registry.Register(backend.NewCPU(compiler))

	if enableGPU {
		registry.Register(backend.NewCUDA(compiler, backend.NoDevice))
		registry.Register(backend.NewROCM(compiler, backend.NoDevice))
		registry.Register(backend.NewMetal(compiler, backend.NoDevice))
		registry.Register(backend.NewVulkan(compiler, backend.NoDevice))
	}

	var refresher *remotegpu.PeriodicRefresher
	var remoteAgg *remotegpu.Aggregator
	if enableRemoteGPU {
		var redisClient *redis.Client
		if redisAddr != "" {
			redisClient = redis.NewClient(&redis.Options{Addr: redisAddr})
		}
		remoteAgg = remotegpu.New(log, map[string]remotegpu.Provider{}, redisClient)
		registry.Register(backend.NewRemoteGPU(remoteAgg, remotegpu.GpuRequirements{}, 1.0, backend.NoProvidersAvailable(remoteAgg)))

		refresher, err = remotegpu.StartPeriodicRefresh(ctx, log, remoteAgg, refreshCron)
		if err != nil {
			log.Fatal("failed to start remote gpu refresh", zap.Error(err))
		}
	}

	registry.Register(backend.NewLedger(func() bool { return false }))

	prom, err := metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal("failed to build prometheus sink", zap.Error(err))
	}

	cfg := orchestrator.Config{
		MaxMemoryBytes:      maxMemoryBytes,
		EnableGPU:           enableGPU,
		EnableRemoteGPU:     enableRemoteGPU,
		SchedulingPolicy:    scheduler.Adaptive,
		VerificationDefault: orchestrator.VerificationNone,
		NumWorkers:          numWorkers,
		QueuePollIntervalMs: 50,
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}

	eng, err := orchestrator.New(cfg, orchestrator.Deps{
		Log:       log,
		Registry:  registry,
		Pool:      memory.NewPool(maxMemoryBytes),
		Compiler:  compiler,
		Ring:      metrics.NewRing(4096),
		Prom:      prom,
		Store:     store,
		RemoteGPU: remoteAgg,
	})
	if err != nil {
		log.Fatal("failed to build engine", zap.Error(err))
	}
	eng.Start(ctx)

	api := controlplane.New(eng, log)
	srv := &http.Server{Addr: httpAddr, Handler: api.Router}

	go func() {
		log.Info("control plane listening", zap.String("addr", httpAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control plane stopped with error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("control plane shutdown error", zap.Error(err))
	}
	if refresher != nil {
		refresher.Stop()
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Warn("engine shutdown error", zap.Error(err))
	}

	log.Info("stopped")
}
