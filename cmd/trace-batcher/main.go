package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/trace-batcher/internal/config"
	"github.com/szibis/trace-batcher/internal/engine"
	"github.com/szibis/trace-batcher/internal/health"
	"github.com/szibis/trace-batcher/internal/logging"
	"github.com/szibis/trace-batcher/internal/receiver"
	"github.com/szibis/trace-batcher/internal/stats"
	"github.com/szibis/trace-batcher/internal/telemetry"
	"github.com/szibis/trace-batcher/internal/transport"
)

const serviceName = "trace-batcher"

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var errInvalidConfig = errors.New("invalid configuration")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		if errors.Is(err, errInvalidConfig) {
			os.Exit(2)
		}
		logging.Fatal("trace-batcher failed", logging.F("error", err.Error()))
	}
}

func run(args []string) error {
	cfg, opts, err := config.Parse(serviceName, args, os.Stderr)
	if err != nil {
		return err
	}
	if opts.ShowVersion {
		fmt.Printf("%s %s\n", serviceName, version)
		return nil
	}
	if opts.ValidateOnly {
		result := &config.ValidationResult{Valid: true, File: cfg.ConfigFile}
		config.ValidateConfig(cfg, result)
		fmt.Println(result.JSON())
		if !result.Valid {
			return errInvalidConfig
		}
		return nil
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return errInvalidConfig
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.SetLevel(level)
	instanceID := uuid.NewString()
	logging.SetResource(map[string]string{
		"service.name":        serviceName,
		"service.version":     version,
		"service.instance.id": instanceID,
	})
	setMemoryLimit(cfg.Memory.LimitRatio)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(), telemetry.Service{
		Name:       serviceName,
		Version:    version,
		InstanceID: instanceID,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	uninstall := tel.Install()
	defer uninstall()

	tc, err := cfg.TransportConfig()
	if err != nil {
		return err
	}
	t, err := transport.New(tc)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	sink := stats.MultiSink{stats.PrometheusSink{}, stats.NewSLITracker(cfg.SLIConfig())}
	if cfg.Stats.LogSnapshots {
		sink = append(sink, stats.LogSink{})
	}
	ec := cfg.EngineConfig()
	eng, err := engine.New(ec, t, engine.WithSink(sink))
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	httpRecv, err := receiver.NewHTTP(cfg.HTTPReceiverConfig(), eng)
	if err != nil {
		return fmt.Errorf("http receiver: %w", err)
	}
	var grpcRecv *receiver.GRPCReceiver
	if cfg.Receiver.GRPC.Enabled {
		grpcRecv, err = receiver.NewGRPC(cfg.GRPCReceiverConfig(), eng)
		if err != nil {
			return fmt.Errorf("grpc receiver: %w", err)
		}
	}

	checker := health.New()
	checker.RegisterReadiness("engine", eng.Ready)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	checker.Register(mux)
	admin := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The drain loop outlives the signal so Shutdown can flush.
	if err := eng.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	logging.Info("trace-batcher started", logging.F(
		"version", version,
		"transport", string(tc.Kind),
		"receiver_http", cfg.Receiver.HTTP.Address,
		"receiver_grpc_enabled", grpcRecv != nil,
		"server", cfg.Server.Address,
		"telemetry", tel.Enabled(),
	))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpRecv.Start)
	if grpcRecv != nil {
		g.Go(grpcRecv.Start)
	}
	g.Go(func() error {
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(ec, eng, checker, httpRecv, grpcRecv, admin, tel)
	})
	return g.Wait()
}

// shutdown stops intake before flushing the engine so every accepted
// record gets its chance to be delivered.
func shutdown(ec engine.Config, eng *engine.Engine, checker *health.Checker,
	httpRecv *receiver.HTTPReceiver, grpcRecv *receiver.GRPCReceiver,
	admin *http.Server, tel *telemetry.Telemetry) error {
	logging.Info("shutting down", logging.F(
		"shutdown_timeout", ec.ShutdownTimeout.String(),
		"shutdown_grace", ec.ShutdownGrace.String(),
	))
	checker.SetShuttingDown()

	ctx, cancel := context.WithTimeout(context.Background(), ec.ShutdownTimeout+ec.ShutdownGrace+5*time.Second)
	defer cancel()

	var errs []error
	if err := httpRecv.Stop(ctx); err != nil {
		logging.Warn("http receiver stop failed", logging.F("error", err.Error()))
	}
	if grpcRecv != nil {
		grpcRecv.Stop()
	}
	if err := eng.Shutdown(ctx); err != nil {
		logging.Error("engine shutdown incomplete", logging.F("error", err.Error()))
		errs = append(errs, err)
	}
	if err := admin.Shutdown(ctx); err != nil {
		logging.Warn("admin server stop failed", logging.F("error", err.Error()))
	}

	telCtx, telCancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
	defer telCancel()
	if err := tel.Shutdown(telCtx); err != nil {
		logging.Warn("telemetry shutdown failed", logging.F("error", err.Error()))
	}

	logging.Info("trace-batcher stopped")
	return errors.Join(errs...)
}

// setMemoryLimit derives GOMEMLIMIT from the cgroup limit, falling back to
// system memory. A ratio of 0 leaves the runtime default alone.
func setMemoryLimit(ratio float64) {
	if ratio <= 0 {
		return
	}
	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(ratio),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)
	if err != nil {
		logging.Warn("memory limit not set", logging.F("error", err.Error(), "ratio", ratio))
		return
	}
	logging.Info("memory limit set", logging.F("gomemlimit_bytes", limit, "ratio", ratio))
}
